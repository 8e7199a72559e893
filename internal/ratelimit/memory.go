package ratelimit

import (
	"context"
	"sync"
	"time"
)

const memoryGCInterval = time.Minute

// MemoryStore keeps counters in process. Each key has its own mutex so
// unrelated clients never contend.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	lastGC  time.Time
}

type memoryEntry struct {
	mu        sync.Mutex
	windows   map[Window]*windowState
	lastSeen  time.Time
	maxPeriod time.Duration
}

type windowState struct {
	start  time.Time
	count  int64
	denied int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Take(_ context.Context, key string, windows []Window, cost int64, now time.Time) (Decision, error) {
	e := s.entry(key, windows, now)

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		denied   bool
		worst    Window
		maxWait  time.Duration
		exceeded []*windowState
	)
	for _, w := range windows {
		st := e.windows[w]
		if st == nil {
			st = &windowState{}
			e.windows[w] = st
		}
		if !st.start.IsZero() && !now.Before(st.start.Add(w.Period)) {
			st.start = time.Time{}
			st.count = 0
		}
		if st.count+cost <= w.Limit {
			continue
		}
		wait := w.Period
		if !st.start.IsZero() {
			wait = st.start.Add(w.Period).Sub(now)
		}
		denied = true
		exceeded = append(exceeded, st)
		if wait > maxWait {
			maxWait = wait
			worst = w
		}
	}

	if denied {
		for _, st := range exceeded {
			st.denied++
		}
		return Decision{Allowed: false, RetryAfter: maxWait, Window: worst}, nil
	}

	for _, w := range windows {
		st := e.windows[w]
		if st.start.IsZero() {
			st.start = now
		}
		st.count += cost
	}
	return Decision{Allowed: true}, nil
}

// Denied reports how many attempts were rejected by w for key in the
// current window.
func (s *MemoryStore) Denied(key string, w Window) int64 {
	s.mu.Lock()
	e := s.entries[key]
	s.mu.Unlock()
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.windows[w]; st != nil {
		return st.denied
	}
	return 0
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) entry(key string, windows []Window, now time.Time) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastGC) >= memoryGCInterval {
		s.gcLocked(now)
		s.lastGC = now
	}

	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{windows: make(map[Window]*windowState, len(windows))}
		s.entries[key] = e
	}
	// Touched under s.mu so a concurrent GC cannot drop an entry that has
	// been handed out but not yet counted.
	e.mu.Lock()
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
	e.mu.Unlock()
	for _, w := range windows {
		if w.Period > e.maxPeriod {
			e.maxPeriod = w.Period
		}
	}
	return e
}

// gcLocked drops keys idle for longer than their longest window; their
// counters would have reset anyway.
func (s *MemoryStore) gcLocked(now time.Time) {
	for k, e := range s.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastSeen) > e.maxPeriod
		e.mu.Unlock()
		if idle {
			delete(s.entries, k)
		}
	}
}
