// Package snapshot keeps the latest market event per channel, symbol and type for read-only
// observers such as the status API.
package snapshot

import (
	"strings"
	"time"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/schema"
)

// Key identifies a snapshot record.
type Key struct {
	Channel string           `json:"channel"`
	Symbol  string           `json:"symbol"`
	Type    schema.EventType `json:"type"`
}

// Validate checks the key is addressable.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Channel) == "" {
		return errs.New("snapshot", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if strings.TrimSpace(k.Symbol) == "" {
		return errs.New("snapshot", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if !tracked(k.Type) {
		return errs.New("snapshot", errs.CodeInvalid, errs.WithMessage("untracked event type "+string(k.Type)))
	}
	return nil
}

// Record is the latest event for a key. Version counts accepted updates; Stale is set after a
// reconnect, a desync or when the record outlives the store TTL.
type Record struct {
	Key       Key            `json:"key"`
	Seq       uint64         `json:"seq"`
	Version   uint64         `json:"version"`
	Payload   schema.Payload `json:"payload"`
	EventTime time.Time      `json:"eventTime"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Stale     bool           `json:"stale"`
}

func tracked(t schema.EventType) bool {
	switch t {
	case schema.EventTrade, schema.EventTicker, schema.EventKline:
		return true
	default:
		return false
	}
}
