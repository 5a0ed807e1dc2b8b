package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/coachpo/tradewire/internal/bus"
	"github.com/coachpo/tradewire/internal/httpx"
	"github.com/coachpo/tradewire/internal/schema"
)

const (
	eventsBuffer    = 256
	keepAlivePeriod = 15 * time.Second
)

// events streams order transitions as server-sent events. A stalled client loses its oldest
// buffered transitions.
func (s *server) events(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ctx := r.Context()
	sub, err := s.deps.Bus.Subscribe(ctx, bus.SubscribeOptions{
		Name:   "sse:" + r.RemoteAddr,
		Buffer: eventsBuffer,
		Mode:   bus.DropOldest,
	}, schema.EventOrderTransition)
	if err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.deps.Bus.Unsubscribe(sub.ID)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			transition, isTransition := evt.Payload.(schema.OrderTransition)
			if !isTransition {
				continue
			}
			data, err := httpx.EncodeJSON(transition)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n",
				evt.Type, transition.Order.IdempotencyKey, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
