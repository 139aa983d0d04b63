package polling

import (
	"context"
	"log"
	"sync"
	"time"

	"cargolink-tracker/internal/api"
	"cargolink-tracker/internal/track"
)

// LocationFetcher is the slice of the REST client the poller needs.
type LocationFetcher interface {
	LastLocation(ctx context.Context, bookingID string) (api.Location, bool, error)
}

const tickTimeout = 10 * time.Second

// Poller periodically fetches the last known location over REST and
// feeds it to the reconciler as a poll-sourced sample. It is the
// redundancy channel: push outages degrade to this, and contexts
// without a push session run on it alone.
type Poller struct {
	bookingID  string
	fetcher    LocationFetcher
	session    *track.Session
	reconciler *track.Reconciler
	interval   time.Duration
	threshold  int
	onDegraded func(failures int)

	mu       sync.Mutex
	inFlight bool
	failures int
	started  bool
	stopped  bool
	stopCh   chan struct{}

	nowFn func() time.Time
}

func New(bookingID string, fetcher LocationFetcher, session *track.Session, reconciler *track.Reconciler, interval time.Duration, threshold int) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &Poller{
		bookingID:  bookingID,
		fetcher:    fetcher,
		session:    session,
		reconciler: reconciler,
		interval:   interval,
		threshold:  threshold,
		stopCh:     make(chan struct{}),
		nowFn:      time.Now,
	}
}

// OnDegraded registers a non-fatal callback fired once when consecutive
// failures reach the threshold. A successful poll resets the streak.
func (p *Poller) OnDegraded(fn func(failures int)) {
	p.mu.Lock()
	p.onDegraded = fn
	p.mu.Unlock()
}

// Start begins polling. Terminal sessions never start.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.started || p.stopped || p.session.IsTerminal() {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.run()
}

// Stop cancels the interval timer. Safe to call more than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()
}

func (p *Poller) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.session.IsTerminal() {
				p.Stop()
				return
			}
			go p.tick()
		}
	}
}

// tick is single-flight: when the previous poll is still running the
// scheduled one is skipped, not queued.
func (p *Poller) tick() {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	loc, ok, err := p.fetcher.LastLocation(ctx, p.bookingID)
	if err != nil {
		p.recordFailure(err)
		return
	}
	p.resetFailures()
	if !ok {
		return
	}

	p.reconciler.Accept(track.Sample{
		Lat:       loc.Lat,
		Lng:       loc.Lng,
		Timestamp: p.nowFn(),
		Source:    track.SourcePoll,
	})
}

func (p *Poller) recordFailure(err error) {
	p.mu.Lock()
	p.failures++
	failures := p.failures
	fn := p.onDegraded
	p.mu.Unlock()

	log.Printf("poll error for %s (%d consecutive): %v", p.bookingID, failures, err)
	if failures == p.threshold && fn != nil {
		fn(failures)
	}
}

func (p *Poller) resetFailures() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}
