package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"cargolink-tracker/internal/api"
	"cargolink-tracker/internal/config"
	"cargolink-tracker/internal/connection"
	"cargolink-tracker/internal/db"
	"cargolink-tracker/internal/events"
	"cargolink-tracker/internal/history"
	"cargolink-tracker/internal/maprender"
	"cargolink-tracker/internal/polling"
	"cargolink-tracker/internal/status"
	"cargolink-tracker/internal/stream"
	"cargolink-tracker/internal/track"

	"github.com/redis/go-redis/v9"
)

// ErrTokenExpired is returned by Start when the configured auth token
// is already past its exp claim; dialing would only bounce with 1008.
var ErrTokenExpired = errors.New("auth token expired")

// Client is the tracking client: one push connection shared by any
// number of tracked bookings, each with its own session, reconciler,
// poller and map state.
type Client struct {
	cfg        config.Config
	api        *api.Client
	dispatcher *events.Dispatcher
	conn       *connection.Manager
	hub        *stream.Hub
	geocoder   maprender.Geocoder
	router     maprender.Router
	archiver   *history.Archiver

	mu      sync.Mutex
	watches map[string]*watch
}

// watch bundles everything owned per tracked booking.
type watch struct {
	session    *track.Session
	reconciler *track.Reconciler
	renderer   *maprender.Renderer
	poller     *polling.Poller
	cancels    []func()
}

// New wires the client. A nil redis client disables the shared geocode
// cache and cross-process relay; a nil querier disables the archiver.
func New(cfg config.Config, redisClient *redis.Client, querier db.Querier) *Client {
	dispatcher := events.NewDispatcher()
	conn := connection.NewManager(connection.Config{
		URL:              cfg.WSURL,
		Token:            cfg.AuthToken,
		Role:             cfg.Role,
		BaseDelay:        time.Duration(cfg.ReconnectBaseMs) * time.Millisecond,
		Factor:           cfg.ReconnectFactor,
		MaxAttempts:      cfg.ReconnectMaxAttempts,
		ConnectTimeout:   cfg.ConnectTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, dispatcher)

	var geocoder maprender.Geocoder
	if cfg.GeocodeURL != "" {
		geocoder = maprender.NewCachedGeocoder(maprender.NewHTTPGeocoder(cfg.GeocodeURL), redisClient)
	}
	var router maprender.Router
	if cfg.RouteURL != "" {
		router = maprender.NewHTTPRouter(cfg.RouteURL)
	}
	var archiver *history.Archiver
	if querier != nil {
		archiver = history.New(querier)
	}

	c := &Client{
		cfg:        cfg,
		api:        api.NewClient(cfg.APIBaseURL, cfg.AuthToken),
		dispatcher: dispatcher,
		conn:       conn,
		hub:        stream.NewHub(redisClient),
		geocoder:   geocoder,
		router:     router,
		archiver:   archiver,
		watches:    map[string]*watch{},
	}

	conn.OnStateChange(func(s connection.State, err error) {
		if err != nil {
			log.Printf("connection %s: %v", s, err)
		}
	})
	return c
}

// Hub exposes the relay for the local view server.
func (c *Client) Hub() *stream.Hub {
	return c.hub
}

// Connection exposes the connection manager for state inspection and
// explicit resets.
func (c *Client) Connection() *connection.Manager {
	return c.conn
}

// Start opens the push connection after a cheap token sanity check.
func (c *Client) Start() error {
	if c.cfg.AuthToken != "" && api.TokenExpired(c.cfg.AuthToken) {
		return ErrTokenExpired
	}
	c.conn.Connect()
	return nil
}

// Stop tears down every watch and the push connection.
func (c *Client) Stop() {
	c.mu.Lock()
	watches := make([]*watch, 0, len(c.watches))
	for _, w := range c.watches {
		if w != nil {
			watches = append(watches, w)
		}
	}
	c.watches = map[string]*watch{}
	c.mu.Unlock()

	for _, w := range watches {
		w.teardown()
	}
	c.conn.Disconnect()
}

func (w *watch) teardown() {
	for _, cancel := range w.cancels {
		cancel()
	}
	w.poller.Stop()
}

// Track bootstraps a booking snapshot and begins observing it: push
// subscription, poll fallback, map state. Tracking an already-tracked
// booking is a no-op.
func (c *Client) Track(ctx context.Context, bookingID string) error {
	// reserve the key before the network round trip so a concurrent
	// Track for the same booking cannot bootstrap twice
	c.mu.Lock()
	if _, ok := c.watches[bookingID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.watches[bookingID] = nil
	c.mu.Unlock()

	authenticated := c.cfg.AuthToken != "" && c.cfg.Role != "public"
	booking, err := c.api.Booking(ctx, bookingID, authenticated)
	if err != nil {
		c.mu.Lock()
		delete(c.watches, bookingID)
		c.mu.Unlock()
		return err
	}

	session := track.NewSession(bookingID)
	st := status.Normalize(booking.Status)
	session.SetStatus(st, status.IsTerminal(st))

	renderer := maprender.New(session, c.geocoder, c.router, endpoint(booking.Pickup), endpoint(booking.Delivery))
	if err := renderer.Init(ctx); err != nil {
		log.Printf("map degraded for %s: %v", bookingID, err)
	}

	reconciler := track.NewReconciler(session)
	reconciler.Notify(func(_ string, s track.Sample) {
		renderer.OnSample(context.Background(), s)
	})
	reconciler.Notify(func(id string, s track.Sample) {
		payload, _ := json.Marshal(s)
		c.hub.Broadcast(id, payload)
	})
	if c.archiver != nil {
		reconciler.Notify(func(id string, s track.Sample) {
			if err := c.archiver.Record(context.Background(), id, s); err != nil {
				log.Printf("history record error for %s: %v", id, err)
			}
		})
	}

	poller := polling.New(bookingID, c.api, session, reconciler, c.cfg.PollInterval, c.cfg.PollFailureThreshold)
	poller.OnDegraded(func(failures int) {
		log.Printf("tracking degraded for %s after %d consecutive poll failures", bookingID, failures)
	})

	w := &watch{
		session:    session,
		reconciler: reconciler,
		renderer:   renderer,
		poller:     poller,
	}
	w.cancels = append(w.cancels,
		c.dispatcher.On(events.TypeDriverLocation, func(msg events.Message) { c.applyUpdate(w, msg) }),
		c.dispatcher.On(events.TypeTrackingUpdate, func(msg events.Message) { c.applyUpdate(w, msg) }),
		c.dispatcher.On(events.TypeBookingStatusUpdated, func(msg events.Message) { c.applyStatus(w, msg) }),
	)

	c.mu.Lock()
	c.watches[bookingID] = w
	c.mu.Unlock()

	c.conn.Subscribe("booking:" + bookingID)
	poller.Start()
	return nil
}

// Untrack removes a booking: listeners off, poller stopped, channel
// unsubscribed.
func (c *Client) Untrack(bookingID string) {
	c.mu.Lock()
	w, ok := c.watches[bookingID]
	if !ok || w == nil {
		// not tracked, or a Track reservation still bootstrapping
		c.mu.Unlock()
		return
	}
	delete(c.watches, bookingID)
	c.mu.Unlock()

	w.teardown()
	c.conn.Unsubscribe("booking:" + bookingID)
}

// updatePayload covers the location-bearing push messages; status and
// location are each optional.
type updatePayload struct {
	BookingID string        `json:"bookingId"`
	Location  *api.Location `json:"location"`
	Status    string        `json:"status"`
	Timestamp int64         `json:"timestamp"` // epoch millis, optional
}

func (c *Client) applyUpdate(w *watch, msg events.Message) {
	var payload updatePayload
	if err := json.Unmarshal(msg.Data(), &payload); err != nil {
		log.Printf("update payload error: %v", err)
		return
	}
	if payload.BookingID != "" && payload.BookingID != w.session.BookingID {
		return
	}

	if payload.Status != "" {
		c.setStatus(w, payload.Status)
	}
	if payload.Location == nil {
		return
	}

	ts := time.Now()
	if payload.Timestamp > 0 {
		ts = time.UnixMilli(payload.Timestamp)
	}
	w.reconciler.Accept(track.Sample{
		Lat:       payload.Location.Lat,
		Lng:       payload.Location.Lng,
		Timestamp: ts,
		Source:    track.SourcePush,
	})
}

func (c *Client) applyStatus(w *watch, msg events.Message) {
	var payload updatePayload
	if err := json.Unmarshal(msg.Data(), &payload); err != nil {
		log.Printf("status payload error: %v", err)
		return
	}
	if payload.BookingID != "" && payload.BookingID != w.session.BookingID {
		return
	}
	if payload.Status != "" {
		c.setStatus(w, payload.Status)
	}
}

func (c *Client) setStatus(w *watch, raw string) {
	st := status.Normalize(raw)
	w.session.SetStatus(st, status.IsTerminal(st))
	if w.session.IsTerminal() {
		w.poller.Stop()
	}
}

// Snapshot is the reconciled view of one tracked booking.
type Snapshot struct {
	BookingID  string         `json:"booking_id"`
	Status     string         `json:"status"`
	Step       int            `json:"step"`
	Terminal   bool           `json:"terminal"`
	LastSample *track.Sample  `json:"last_sample,omitempty"`
	Map        maprender.View `json:"map"`
}

// History returns recently archived samples for a booking, newest
// first. The second return is false when no archiver is configured.
func (c *Client) History(ctx context.Context, bookingID string, limit int) ([]track.Sample, bool, error) {
	if c.archiver == nil {
		return nil, false, nil
	}
	samples, err := c.archiver.Recent(ctx, bookingID, limit)
	return samples, true, err
}

func (c *Client) Snapshot(bookingID string) (Snapshot, bool) {
	c.mu.Lock()
	w, ok := c.watches[bookingID]
	c.mu.Unlock()
	if !ok || w == nil {
		return Snapshot{}, false
	}

	snap := Snapshot{
		BookingID: bookingID,
		Status:    w.session.Status(),
		Step:      status.StepIndex(w.session.Status()),
		Terminal:  w.session.IsTerminal(),
		Map:       w.renderer.Snapshot(),
	}
	if s, ok := w.session.LastSample(); ok {
		snap.LastSample = &s
	}
	return snap, true
}

func endpoint(a api.Address) maprender.Endpoint {
	ep := maprender.Endpoint{Address: a.Address}
	if a.Lat != 0 || a.Lng != 0 {
		ep.Point = &maprender.Point{Lat: a.Lat, Lng: a.Lng}
	}
	return ep
}
