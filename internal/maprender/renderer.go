package maprender

import (
	"context"
	"log"
	"sync"
	"time"

	"cargolink-tracker/internal/track"
)

// Endpoint is a booking end: a postal address, or a coordinate when the
// backend already resolved one.
type Endpoint struct {
	Address string
	Point   *Point
}

// Marker kinds rendered on the map surface.
const (
	MarkerPickup    = "pickup"
	MarkerDelivery  = "delivery"
	MarkerLive      = "live"
	MarkerCompleted = "completed"
)

type Marker struct {
	Kind string `json:"kind"`
	Point
}

// View is the renderable map state handed to UI consumers.
type View struct {
	Markers  []Marker       `json:"markers"`
	Route    *RouteEstimate `json:"route,omitempty"`
	Estimate *RouteEstimate `json:"estimate,omitempty"`
}

// Renderer maintains the map state for one session: static endpoint
// markers, the live marker, the full pickup-to-delivery route and the
// rolling ETA estimate. Geocoding happens once per session; repeated
// Init and OnSample calls with the same inputs are no-ops.
type Renderer struct {
	session  *track.Session
	geocoder Geocoder
	router   Router

	pickupIn   Endpoint
	deliveryIn Endpoint

	mu           sync.Mutex
	pickup       *Point
	delivery     *Point
	live         *Point
	lastSampleAt time.Time
	fullRoute    *RouteEstimate
	estimate     *RouteEstimate

	nowFn func() time.Time
}

func New(session *track.Session, geocoder Geocoder, router Router, pickup, delivery Endpoint) *Renderer {
	r := &Renderer{
		session:    session,
		geocoder:   geocoder,
		router:     router,
		pickupIn:   pickup,
		deliveryIn: delivery,
		nowFn:      time.Now,
	}
	if pickup.Point != nil {
		p := *pickup.Point
		r.pickup = &p
	}
	if delivery.Point != nil {
		p := *delivery.Point
		r.delivery = &p
	}
	return r
}

// Init geocodes the endpoints and draws the full route once both
// resolve. Failures are non-fatal: the map degrades to whatever markers
// resolved. The returned error is informational.
func (r *Renderer) Init(ctx context.Context) error {
	var firstErr error

	pickup := r.resolve(ctx, r.pickupIn, &r.pickup, &firstErr)
	delivery := r.resolve(ctx, r.deliveryIn, &r.delivery, &firstErr)

	if pickup != nil && delivery != nil {
		r.mu.Lock()
		drawn := r.fullRoute != nil
		r.mu.Unlock()
		if !drawn {
			if est, err := r.route(ctx, *pickup, *delivery, false); err != nil {
				log.Printf("route error for %s: %v", r.session.BookingID, err)
				if firstErr == nil {
					firstErr = err
				}
			} else {
				r.mu.Lock()
				r.fullRoute = &est
				r.mu.Unlock()
			}
		}
	}
	return firstErr
}

func (r *Renderer) resolve(ctx context.Context, in Endpoint, slot **Point, firstErr *error) *Point {
	r.mu.Lock()
	if *slot != nil {
		p := **slot
		r.mu.Unlock()
		return &p
	}
	r.mu.Unlock()

	if r.geocoder == nil || in.Address == "" {
		return nil
	}
	p, err := r.geocoder.Geocode(ctx, in.Address)
	if err != nil {
		log.Printf("geocode error for %q: %v", in.Address, err)
		if *firstErr == nil {
			*firstErr = err
		}
		return nil
	}

	r.mu.Lock()
	*slot = &p
	r.mu.Unlock()
	return &p
}

// OnSample repositions the live marker and recomputes the ETA to the
// delivery point. Designed to hang off the reconciler, so only accepted
// samples arrive here.
func (r *Renderer) OnSample(ctx context.Context, s track.Sample) {
	live := Point{Lat: s.Lat, Lng: s.Lng}

	r.mu.Lock()
	if r.live != nil && *r.live == live && r.lastSampleAt.Equal(s.Timestamp) {
		r.mu.Unlock()
		return
	}
	r.live = &live
	r.lastSampleAt = s.Timestamp
	delivery := r.delivery
	r.mu.Unlock()

	if r.session.IsTerminal() || delivery == nil {
		return
	}

	est, err := r.route(ctx, live, *delivery, true)
	if err != nil {
		// unreachable: route falls back to straight-line
		return
	}
	r.mu.Lock()
	r.estimate = &est
	r.mu.Unlock()
}

// route asks the external router, falling back to a straight-line
// estimate when allowed and the service fails.
func (r *Renderer) route(ctx context.Context, from, to Point, fallback bool) (RouteEstimate, error) {
	if r.router != nil {
		est, err := r.router.Route(ctx, from, to)
		if err == nil {
			return est, nil
		}
		if !fallback {
			return RouteEstimate{}, err
		}
		log.Printf("route error for %s, using straight-line estimate: %v", r.session.BookingID, err)
	} else if !fallback {
		return RouteEstimate{}, ErrNoResult
	}
	return fallbackEstimate(from, to, r.nowFn()), nil
}

// Snapshot returns the current renderable state. Terminal sessions show
// a completed marker at the delivery point instead of the live marker
// and carry no ETA.
func (r *Renderer) Snapshot() View {
	terminal := r.session.IsTerminal()

	r.mu.Lock()
	defer r.mu.Unlock()

	var markers []Marker
	if r.pickup != nil {
		markers = append(markers, Marker{Kind: MarkerPickup, Point: *r.pickup})
	}
	if r.delivery != nil {
		markers = append(markers, Marker{Kind: MarkerDelivery, Point: *r.delivery})
	}
	switch {
	case terminal:
		if r.delivery != nil {
			markers = append(markers, Marker{Kind: MarkerCompleted, Point: *r.delivery})
		}
	case r.live != nil:
		markers = append(markers, Marker{Kind: MarkerLive, Point: *r.live})
	}

	view := View{Markers: markers}
	if r.fullRoute != nil {
		route := *r.fullRoute
		view.Route = &route
	}
	if !terminal && r.estimate != nil {
		est := *r.estimate
		view.Estimate = &est
	}
	return view
}
