package track

import "sync"

// Observer is notified after a sample becomes the session's
// authoritative location.
type Observer func(bookingID string, s Sample)

// Reconciler merges push and poll samples into one authoritative
// location per session. It has no I/O of its own; both channels feed it
// and it fans accepted samples out to observers.
type Reconciler struct {
	session *Session

	mu        sync.RWMutex
	observers []Observer
}

func NewReconciler(session *Session) *Reconciler {
	return &Reconciler{session: session}
}

// Notify registers an observer for accepted samples.
func (r *Reconciler) Notify(fn Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Accept applies the merge rules to a candidate sample and reports
// whether it became the session's last sample. Rejections are silent:
// stale, tie-losing and post-terminal samples are normal operation.
func (r *Reconciler) Accept(s Sample) bool {
	if !r.session.acceptSample(s) {
		return false
	}

	r.mu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()

	for _, fn := range observers {
		fn(r.session.BookingID, s)
	}
	return true
}
