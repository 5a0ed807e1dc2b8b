package signer

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"github.com/coachpo/tradewire/errs"
)

// Prover proves possession of a secret over a payload.
type Prover interface {
	Prove(payload []byte) ([]byte, error)
}

// Verifier checks a proof presented with a payload. Implementations must compare in constant time.
type Verifier interface {
	Verify(payload, proof []byte) error
}

// HMACSHA256 proves and verifies hex-encoded HMAC-SHA256 digests.
type HMACSHA256 struct {
	key []byte
}

// NewHMACSHA256 copies key.
func NewHMACSHA256(key []byte) HMACSHA256 {
	return HMACSHA256{key: append([]byte(nil), key...)}
}

func (h HMACSHA256) Prove(payload []byte) ([]byte, error) {
	if len(h.key) == 0 {
		return nil, credentialError("hmac key missing")
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write(payload)
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out, nil
}

func (h HMACSHA256) Verify(payload, proof []byte) error {
	expected, err := h.Prove(payload)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, toLowerHex(proof)) {
		return authError("signature mismatch")
	}
	return nil
}

// Token verifies a static shared token, ignoring the payload.
type Token struct {
	token []byte
}

// NewToken copies token.
func NewToken(token string) Token {
	return Token{token: []byte(token)}
}

func (t Token) Verify(_ []byte, proof []byte) error {
	if len(t.token) == 0 {
		return authError("token not configured")
	}
	if subtle.ConstantTimeCompare(t.token, proof) != 1 {
		return authError("token mismatch")
	}
	return nil
}

// Ed25519 proves with base64 signatures and verifies against the derived public key.
type Ed25519 struct {
	key ed25519.PrivateKey
}

func (e Ed25519) Prove(payload []byte) ([]byte, error) {
	if len(e.key) != ed25519.PrivateKeySize {
		return nil, credentialError("ed25519 key missing")
	}
	sig := ed25519.Sign(e.key, payload)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sig)))
	base64.StdEncoding.Encode(out, sig)
	return out, nil
}

func (e Ed25519) Verify(payload, proof []byte) error {
	if len(e.key) != ed25519.PrivateKeySize {
		return credentialError("ed25519 key missing")
	}
	sig := make([]byte, base64.StdEncoding.DecodedLen(len(proof)))
	n, err := base64.StdEncoding.Decode(sig, proof)
	if err != nil {
		return authError("signature encoding")
	}
	if !ed25519.Verify(e.key.Public().(ed25519.PublicKey), payload, sig[:n]) {
		return authError("signature mismatch")
	}
	return nil
}

// AnyOf accepts a proof when at least one verifier accepts it. Every verifier runs so timing does
// not reveal which one matched.
type AnyOf []Verifier

func (a AnyOf) Verify(payload, proof []byte) error {
	if len(a) == 0 {
		return authError("no verifier configured")
	}
	ok := 0
	for _, v := range a {
		if v.Verify(payload, proof) == nil {
			ok = 1
		}
	}
	if ok == 0 {
		return authError("proof rejected")
	}
	return nil
}

func authError(msg string) error {
	return errs.New("signer", errs.CodeAuth, errs.WithMessage(msg))
}

func toLowerHex(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'F' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
