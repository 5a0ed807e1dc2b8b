package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/clock"
	"github.com/coachpo/tradewire/internal/schema"
)

// MemoryStore is an in-memory snapshot store.
type MemoryStore struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.RWMutex
	records map[Key]*Record
}

// NewMemoryStore creates a store. Records older than ttl read as stale; zero disables aging.
func NewMemoryStore(ttl time.Duration, clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		clock:   clock.OrReal(clk),
		records: make(map[Key]*Record),
	}
}

// Run applies events until the channel closes or ctx ends.
func (s *MemoryStore) Run(ctx context.Context, events <-chan schema.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			s.Apply(evt)
		}
	}
}

// Apply folds one event into the store. Updates older than the current record are ignored until
// a reconnect or desync marks the record stale.
func (s *MemoryStore) Apply(evt schema.Event) {
	now := s.clock.Now()
	switch p := evt.Payload.(type) {
	case schema.StreamReconnected:
		s.markStale(func(k Key) bool { return k.Channel == evt.Channel })
		return
	case schema.StreamError:
		if p.Code == schema.StreamErrDesync && evt.Symbol != "" {
			s.markStale(func(k Key) bool { return k.Channel == evt.Channel && k.Symbol == evt.Symbol })
		}
		return
	}
	key := Key{Channel: evt.Channel, Symbol: evt.Symbol, Type: evt.Type}
	if key.Validate() != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{Key: key}
		s.records[key] = rec
	} else if !rec.Stale && evt.Seq != 0 && evt.Seq <= rec.Seq {
		return
	}
	rec.Seq = evt.Seq
	rec.Version++
	rec.Payload = evt.Payload
	rec.EventTime = evt.EventTime
	rec.UpdatedAt = now
	rec.Stale = false
}

func (s *MemoryStore) markStale(match func(Key) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.records {
		if match(k) {
			rec.Stale = true
		}
	}
}

// Get returns the record for key.
func (s *MemoryStore) Get(key Key) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, errs.New("snapshot", errs.CodeNotFound, errs.WithMessage("snapshot not found"))
	}
	return s.viewLocked(rec), nil
}

// List returns records for symbol, or every record when symbol is empty, ordered by key.
func (s *MemoryStore) List(symbol string) []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for k, rec := range s.records {
		if symbol != "" && k.Symbol != symbol {
			continue
		}
		out = append(out, s.viewLocked(rec))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		return a.Type < b.Type
	})
	return out
}

// Prune drops records not updated within maxAge and returns how many were removed.
func (s *MemoryStore) Prune(maxAge time.Duration) int {
	cutoff := s.clock.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.records, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) viewLocked(rec *Record) Record {
	out := *rec
	if s.ttl > 0 && s.clock.Now().Sub(rec.UpdatedAt) > s.ttl {
		out.Stale = true
	}
	return out
}
