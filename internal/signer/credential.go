package signer

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/coachpo/tradewire/errs"
)

// Credential holds the exchange secrets. It is immutable once built and refuses to be printed or
// serialized.
type Credential struct {
	apiKey string
	secret []byte
	edKey  ed25519.PrivateKey
}

// NewCredential validates and captures key material. The Ed25519 key is optional.
func NewCredential(apiKey, secret string, edKey ed25519.PrivateKey) (Credential, error) {
	apiKey = strings.TrimSpace(apiKey)
	secret = strings.TrimSpace(secret)
	if apiKey == "" {
		return Credential{}, credentialError("api key missing")
	}
	if secret == "" {
		return Credential{}, credentialError("api secret missing")
	}
	if strings.ContainsAny(apiKey, " \t\r\n") || strings.ContainsAny(secret, " \t\r\n") {
		return Credential{}, credentialError("api key or secret contains whitespace")
	}
	if edKey != nil && len(edKey) != ed25519.PrivateKeySize {
		return Credential{}, credentialError(fmt.Sprintf("ed25519 key must be %d bytes", ed25519.PrivateKeySize))
	}
	cred := Credential{apiKey: apiKey, secret: []byte(secret)}
	if edKey != nil {
		cred.edKey = append(ed25519.PrivateKey(nil), edKey...)
	}
	return cred, nil
}

// APIKey returns the public API key.
func (c Credential) APIKey() string { return c.apiKey }

// HasStreamKey reports whether an Ed25519 key is loaded.
func (c Credential) HasStreamKey() bool { return len(c.edKey) == ed25519.PrivateKeySize }

func (c Credential) String() string {
	return "Credential{apiKey=" + maskKey(c.apiKey) + ", secret=<redacted>}"
}

func (c Credential) GoString() string { return c.String() }

// MarshalJSON refuses serialization.
func (c Credential) MarshalJSON() ([]byte, error) {
	return nil, credentialError("credential is not serializable")
}

func (c Credential) validate() error {
	if c.apiKey == "" || len(c.secret) == 0 {
		return credentialError("credential not loaded")
	}
	if c.edKey != nil && len(c.edKey) != ed25519.PrivateKeySize {
		return credentialError("ed25519 key corrupted")
	}
	return nil
}

// LoadEd25519Key reads a PKCS#8 PEM, base64 or raw private key from path.
func LoadEd25519Key(path string) (ed25519.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, credentialError("ed25519 key path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New("signer", errs.CodeCredential, errs.WithMessage("read ed25519 key"), errs.WithCause(err))
	}
	return ParseEd25519Key(data)
}

// ParseEd25519Key decodes a PKCS#8 PEM block, a base64 seed or key, or raw key bytes.
func ParseEd25519Key(data []byte) (ed25519.PrivateKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, credentialError("empty ed25519 private key")
	}
	if block, _ := pem.Decode(data); block != nil {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errs.New("signer", errs.CodeCredential, errs.WithMessage("parse pkcs8 key"), errs.WithCause(err))
		}
		if k, ok := key.(ed25519.PrivateKey); ok {
			return k, nil
		}
		return nil, credentialError("pem key is not ed25519")
	}
	if raw, err := base64.StdEncoding.DecodeString(string(data)); err == nil {
		switch len(raw) {
		case ed25519.PrivateKeySize:
			return ed25519.PrivateKey(raw), nil
		case ed25519.SeedSize:
			return ed25519.NewKeyFromSeed(raw), nil
		}
	}
	if len(data) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(data), nil
	}
	return nil, credentialError("unsupported ed25519 private key format")
}

func credentialError(msg string) error {
	return errs.New("signer", errs.CodeCredential, errs.WithMessage(msg))
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
