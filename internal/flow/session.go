package flow

import (
	"sync"
	"time"

	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/broadcast"
)

// session is the transient per-principal conversation state. It lives in
// memory only; an in-flight flow is lost on restart and the operator simply
// starts the step again.
type session struct {
	// mu serializes events for one principal. Events for different
	// principals run concurrently on the dispatch workers; a duplicate or
	// replayed event for the same principal must not interleave.
	mu sync.Mutex

	step     Step
	batch    []broadcast.Message
	selected map[int64]bool
	lastSeen time.Time
}

func (s *session) reset() {
	s.step = StepIdle
	s.batch = nil
	s.selected = nil
}

// sessions tracks per-principal conversation state.
type sessions struct {
	mu  sync.Mutex
	all map[int64]*session
	now func() time.Time
}

func newSessions() *sessions {
	return &sessions{all: map[int64]*session{}, now: time.Now}
}

// get returns the principal's session, creating it on first interaction.
func (m *sessions) get(principal int64) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.all[principal]
	if !ok {
		s = &session{step: StepIdle}
		m.all[principal] = s
	}
	s.lastSeen = m.now()
	return s
}

// sweep resets sessions idle for longer than ttl and drops their state.
// An abandoned half-finished flow should not pin captured messages forever.
func (m *sessions) sweep(ttl time.Duration) int {
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for id, s := range m.all {
		if s.lastSeen.After(cutoff) {
			continue
		}
		s.mu.Lock()
		stale := s.step != StepIdle || len(s.batch) > 0
		s.reset()
		s.mu.Unlock()
		delete(m.all, id)
		if stale {
			swept++
		}
	}
	return swept
}
