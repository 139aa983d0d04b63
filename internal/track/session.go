package track

import (
	"sync"
	"time"
)

// TieTolerance is the window inside which push and poll timestamps are
// considered equal; a push incumbent beats a poll candidate within it.
const TieTolerance = 2 * time.Second

// Session is the in-memory tracking state for one booking. The status
// fields are written through SetStatus, the sample through the
// reconciler; everything else only reads.
type Session struct {
	BookingID string

	mu       sync.RWMutex
	status   string
	terminal bool
	last     *Sample
}

func NewSession(bookingID string) *Session {
	return &Session{BookingID: bookingID}
}

// SetStatus records the backend-reported status. Once terminal the
// session is frozen: further status writes and samples are ignored.
func (s *Session) SetStatus(status string, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	s.status = status
	s.terminal = terminal
}

func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) IsTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminal
}

// LastSample returns the current authoritative sample, if any.
func (s *Session) LastSample() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Sample{}, false
	}
	return *s.last, true
}

// acceptSample applies the merge rules and stores the sample when it
// wins. Rules, in order: terminal sessions reject everything; older
// timestamps are stale; near-equal timestamps keep a push incumbent
// over a poll candidate.
func (s *Session) acceptSample(c Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal {
		return false
	}
	if s.last != nil {
		if c.Timestamp.Before(s.last.Timestamp) {
			return false
		}
		gap := c.Timestamp.Sub(s.last.Timestamp)
		if gap <= TieTolerance && s.last.Source == SourcePush && c.Source == SourcePoll {
			return false
		}
	}

	cp := c
	s.last = &cp
	return true
}
