package tunnel

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/observability"
)

func TestLocalListenerServesHTTP(t *testing.T) {
	ln, err := Listen(context.Background(), Config{Mode: ModeLocal, Addr: "127.0.0.1:0"}, observability.Nop())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ln.URL(), "http://127.0.0.1:"))

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	resp, err := http.Get(ln.URL() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "ok", string(body))
}

func TestNgrokRequiresAuthToken(t *testing.T) {
	_, err := Listen(context.Background(), Config{Mode: ModeNgrok}, observability.Nop())
	require.True(t, errs.Is(err, errs.CodeCredential))
}

func TestUnknownMode(t *testing.T) {
	_, err := Listen(context.Background(), Config{Mode: "carrier-pigeon"}, observability.Nop())
	require.True(t, errs.Is(err, errs.CodeInvalid))
}
