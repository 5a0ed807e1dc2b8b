package config

import (
	"crypto/ed25519"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/signer"
)

const (
	EnvAPIKey         = "BINANCE_API_KEY"
	EnvAPISecret      = "BINANCE_API_SECRET"
	EnvEd25519Key     = "BINANCE_ED25519_KEY"
	EnvEd25519KeyFile = "BINANCE_ED25519_KEY_FILE"
	EnvWebhookSecret  = "WEBHOOK_SECRET"
	EnvWebhookToken   = "WEBHOOK_TOKEN"
	EnvNgrokAuthToken = "NGROK_AUTHTOKEN"
)

// Credentials carries secrets read from the environment. They never come from the YAML file and
// String redacts them.
type Credentials struct {
	APIKey         string
	APISecret      string
	Ed25519Key     ed25519.PrivateKey
	WebhookSecret  string
	WebhookToken   string
	NgrokAuthToken string
}

// LoadCredentials loads envFile when it exists, without overriding variables already set, and reads
// the credential variables. An unreadable Ed25519 key is a credential error.
func LoadCredentials(envFile string) (Credentials, error) {
	if path := strings.TrimSpace(envFile); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, errs.New("config", errs.CodeCredential,
				errs.WithMessage("load env file"), errs.WithField("path", path), errs.WithCause(err))
		}
	}

	creds := Credentials{
		APIKey:         strings.TrimSpace(os.Getenv(EnvAPIKey)),
		APISecret:      strings.TrimSpace(os.Getenv(EnvAPISecret)),
		WebhookSecret:  strings.TrimSpace(os.Getenv(EnvWebhookSecret)),
		WebhookToken:   strings.TrimSpace(os.Getenv(EnvWebhookToken)),
		NgrokAuthToken: strings.TrimSpace(os.Getenv(EnvNgrokAuthToken)),
	}

	switch {
	case strings.TrimSpace(os.Getenv(EnvEd25519Key)) != "":
		key, err := signer.ParseEd25519Key([]byte(os.Getenv(EnvEd25519Key)))
		if err != nil {
			return Credentials{}, err
		}
		creds.Ed25519Key = key
	case strings.TrimSpace(os.Getenv(EnvEd25519KeyFile)) != "":
		key, err := signer.LoadEd25519Key(strings.TrimSpace(os.Getenv(EnvEd25519KeyFile)))
		if err != nil {
			return Credentials{}, err
		}
		creds.Ed25519Key = key
	}
	return creds, nil
}

// Exchange builds the signer credential. Missing keys are fatal at startup.
func (c Credentials) Exchange() (signer.Credential, error) {
	return signer.NewCredential(c.APIKey, c.APISecret, c.Ed25519Key)
}

func (c Credentials) String() string {
	set := func(v string) string {
		if v == "" {
			return "unset"
		}
		return "set"
	}
	stream := "unset"
	if len(c.Ed25519Key) > 0 {
		stream = "set"
	}
	return "Credentials{apiKey=" + set(c.APIKey) + ", apiSecret=" + set(c.APISecret) +
		", ed25519=" + stream + ", webhookSecret=" + set(c.WebhookSecret) +
		", webhookToken=" + set(c.WebhookToken) + ", ngrok=" + set(c.NgrokAuthToken) + "}"
}

func (c Credentials) GoString() string { return c.String() }
