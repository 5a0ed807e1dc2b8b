// Package tunnel provides the listener the webhook server accepts on: a local TCP socket, or an
// ngrok endpoint that makes the webhook reachable from the public internet.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"strings"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/observability"
)

// Mode selects the listener backend.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeNgrok Mode = "ngrok"
)

// Config configures Listen.
type Config struct {
	Mode Mode `yaml:"mode"`
	// Addr is the local bind address in local mode.
	Addr string `yaml:"addr"`
	// Domain requests a reserved ngrok domain. Empty lets ngrok assign one.
	Domain string `yaml:"domain"`
	// AuthToken is loaded from NGROK_AUTHTOKEN, never from the YAML file.
	AuthToken string `yaml:"-"`
}

// Listener is a net.Listener that knows its externally reachable base URL.
type Listener interface {
	net.Listener
	URL() string
}

type localListener struct {
	net.Listener
}

func (l localListener) URL() string { return "http://" + l.Addr().String() }

// Listen opens the configured listener. In ngrok mode the returned listener accepts connections
// forwarded from the public endpoint until ctx ends or Close is called.
func Listen(ctx context.Context, cfg Config, logger observability.Logger) (Listener, error) {
	if logger == nil {
		logger = observability.Log()
	}
	switch Mode(strings.ToLower(string(cfg.Mode))) {
	case "", ModeLocal:
		addr := cfg.Addr
		if addr == "" {
			addr = "127.0.0.1:8090"
		}
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tunnel: listen %s: %w", addr, err)
		}
		l := localListener{Listener: ln}
		logger.Info("webhook listener ready", observability.F("mode", string(ModeLocal)), observability.F("url", l.URL()))
		return l, nil
	case ModeNgrok:
		if strings.TrimSpace(cfg.AuthToken) == "" {
			return nil, errs.New("tunnel", errs.CodeCredential, errs.WithMessage("NGROK_AUTHTOKEN required for ngrok mode"))
		}
		var opts []config.HTTPEndpointOption
		if cfg.Domain != "" {
			opts = append(opts, config.WithDomain(cfg.Domain))
		}
		tun, err := ngrok.Listen(ctx, config.HTTPEndpoint(opts...), ngrok.WithAuthtoken(cfg.AuthToken))
		if err != nil {
			return nil, fmt.Errorf("tunnel: ngrok listen: %w", err)
		}
		logger.Info("webhook tunnel established", observability.F("mode", string(ModeNgrok)), observability.F("url", tun.URL()))
		return tun, nil
	default:
		return nil, errs.New("tunnel", errs.CodeInvalid, errs.WithMessage("unknown tunnel mode "+string(cfg.Mode)))
	}
}
