package stream

import "sync"

// gap describes a sequence violation on one stream.
type gap struct {
	stream   string
	expected uint64
	got      uint64
	reason   string
}

type streamSeq struct {
	last      uint64
	local     uint64
	seeded    bool
	resyncing bool
}

// sequencer enforces per-stream ordering. Depth diffs chain through pu, aggregate trades must be
// consecutive, and every other exchange sequence must strictly increase.
type sequencer struct {
	mu      sync.Mutex
	streams map[string]*streamSeq
}

func newSequencer() *sequencer {
	return &sequencer{streams: make(map[string]*streamSeq)}
}

func (s *sequencer) get(stream string) *streamSeq {
	st, ok := s.streams[stream]
	if !ok {
		st = &streamSeq{}
		s.streams[stream] = st
	}
	return st
}

// check validates d and returns the sequence to stamp on the event. drop is set while the stream
// is resubscribing.
func (s *sequencer) check(d decoded, consecutive bool) (seq uint64, g *gap, drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(d.stream)
	if st.resyncing {
		return 0, nil, true
	}
	if d.seq == 0 {
		st.local++
		return st.local, nil, false
	}
	if !st.seeded {
		st.seeded = true
		st.last = d.seq
		return d.seq, nil, false
	}
	switch {
	case d.hasPrev && d.prev != st.last:
		g = &gap{stream: d.stream, expected: st.last, got: d.prev, reason: "depth update does not chain to previous final id"}
	case d.seq <= st.last:
		g = &gap{stream: d.stream, expected: st.last + 1, got: d.seq, reason: "non-increasing sequence"}
	case consecutive && d.seq != st.last+1:
		g = &gap{stream: d.stream, expected: st.last + 1, got: d.seq, reason: "aggregate trade id gap"}
	}
	if g != nil {
		st.resyncing = true
		return 0, g, false
	}
	st.last = d.seq
	return d.seq, nil, false
}

// resynced clears tracking for a stream after it has been resubscribed.
func (s *sequencer) resynced(stream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(stream)
	st.seeded = false
	st.last = 0
	st.resyncing = false
}

// reset forgets every stream, used after a reconnect.
func (s *sequencer) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string]*streamSeq)
}

func (s *sequencer) degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		if st.resyncing {
			return true
		}
	}
	return false
}
