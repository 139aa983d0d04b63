package maprender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cargolink-tracker/internal/status"
	"cargolink-tracker/internal/track"
)

type fakeGeocoder struct {
	mu     sync.Mutex
	calls  int
	points map[string]Point
	err    error
}

func (g *fakeGeocoder) Geocode(_ context.Context, address string) (Point, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return Point{}, g.err
	}
	p, ok := g.points[address]
	if !ok {
		return Point{}, ErrNoResult
	}
	return p, nil
}

type fakeRouter struct {
	mu    sync.Mutex
	calls int
	est   RouteEstimate
	err   error
}

func (r *fakeRouter) Route(_ context.Context, _, _ Point) (RouteEstimate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return RouteEstimate{}, r.err
	}
	return r.est, nil
}

const (
	pickupAddr   = "12 MG Road, Bangalore"
	deliveryAddr = "1 Residency Road, Bangalore"
)

func newTestRenderer(session *track.Session) (*Renderer, *fakeGeocoder, *fakeRouter) {
	geocoder := &fakeGeocoder{points: map[string]Point{
		pickupAddr:   {Lat: 12.975, Lng: 77.605},
		deliveryAddr: {Lat: 12.965, Lng: 77.600},
	}}
	router := &fakeRouter{est: RouteEstimate{DistanceMeters: 2500, DurationSeconds: 600, ComputedAt: time.Now()}}
	r := New(session, geocoder, router, Endpoint{Address: pickupAddr}, Endpoint{Address: deliveryAddr})
	return r, geocoder, router
}

func TestInitGeocodesAndDrawsRoute(t *testing.T) {
	session := track.NewSession("B1")
	r, geocoder, router := newTestRenderer(session)

	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	view := r.Snapshot()
	if len(view.Markers) != 2 {
		t.Fatalf("expected pickup and delivery markers, got %v", view.Markers)
	}
	if view.Route == nil || view.Route.DistanceMeters != 2500 {
		t.Fatalf("expected full route drawn")
	}
	if geocoder.calls != 2 || router.calls != 1 {
		t.Fatalf("unexpected call counts: geocode=%d route=%d", geocoder.calls, router.calls)
	}
}

func TestInitIdempotent(t *testing.T) {
	session := track.NewSession("B1")
	r, geocoder, router := newTestRenderer(session)

	for i := 0; i < 3; i++ {
		if err := r.Init(context.Background()); err != nil {
			t.Fatalf("init %d: %v", i, err)
		}
	}
	if geocoder.calls != 2 || router.calls != 1 {
		t.Fatalf("expected cached geocode results, got geocode=%d route=%d", geocoder.calls, router.calls)
	}
}

func TestInitGeocodeFailureDegrades(t *testing.T) {
	session := track.NewSession("B1")
	geocoder := &fakeGeocoder{err: errors.New("geocoder down")}
	router := &fakeRouter{}
	r := New(session, geocoder, router, Endpoint{Address: pickupAddr}, Endpoint{Address: deliveryAddr})

	if err := r.Init(context.Background()); err == nil {
		t.Fatalf("expected informational error")
	}

	view := r.Snapshot()
	if len(view.Markers) != 0 || view.Route != nil {
		t.Fatalf("expected degraded empty view, got %+v", view)
	}
	if router.calls != 0 {
		t.Fatalf("expected no route attempt without endpoints")
	}
}

func TestInitRouteFailureLeavesMarkers(t *testing.T) {
	session := track.NewSession("B1")
	r, _, router := newTestRenderer(session)
	router.err = errors.New("router down")

	_ = r.Init(context.Background())

	view := r.Snapshot()
	if len(view.Markers) != 2 {
		t.Fatalf("expected markers despite route failure")
	}
	if view.Route != nil {
		t.Fatalf("expected no drawn route on failure")
	}
}

func TestPresetPointsSkipGeocoding(t *testing.T) {
	session := track.NewSession("B1")
	geocoder := &fakeGeocoder{}
	router := &fakeRouter{est: RouteEstimate{DistanceMeters: 1}}
	r := New(session, geocoder, router,
		Endpoint{Address: pickupAddr, Point: &Point{Lat: 1, Lng: 2}},
		Endpoint{Address: deliveryAddr, Point: &Point{Lat: 3, Lng: 4}})

	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if geocoder.calls != 0 {
		t.Fatalf("expected no geocoding with preset points")
	}
	if r.Snapshot().Route == nil {
		t.Fatalf("expected route from preset points")
	}
}

func TestOnSampleMovesLiveMarkerAndEstimates(t *testing.T) {
	session := track.NewSession("B1")
	r, _, router := newTestRenderer(session)
	_ = r.Init(context.Background())

	sample := track.Sample{Lat: 12.97, Lng: 77.59, Timestamp: time.Now(), Source: track.SourcePush}
	r.OnSample(context.Background(), sample)

	view := r.Snapshot()
	var live *Marker
	for i := range view.Markers {
		if view.Markers[i].Kind == MarkerLive {
			live = &view.Markers[i]
		}
	}
	if live == nil || live.Lat != 12.97 {
		t.Fatalf("expected live marker at sample, got %+v", view.Markers)
	}
	if view.Estimate == nil {
		t.Fatalf("expected eta estimate")
	}

	// same sample again must not re-trigger the router
	calls := router.calls
	r.OnSample(context.Background(), sample)
	if router.calls != calls {
		t.Fatalf("expected idempotent render for identical sample")
	}
}

func TestOnSampleRouterFailureFallsBack(t *testing.T) {
	session := track.NewSession("B1")
	r, _, router := newTestRenderer(session)
	_ = r.Init(context.Background())
	router.err = errors.New("router down")

	r.OnSample(context.Background(), track.Sample{Lat: 12.97, Lng: 77.59, Timestamp: time.Now(), Source: track.SourcePush})

	view := r.Snapshot()
	if view.Estimate == nil || view.Estimate.DistanceMeters <= 0 {
		t.Fatalf("expected straight-line fallback estimate, got %+v", view.Estimate)
	}
}

func TestTerminalSessionRendersCompleted(t *testing.T) {
	session := track.NewSession("B1")
	r, _, _ := newTestRenderer(session)
	_ = r.Init(context.Background())

	r.OnSample(context.Background(), track.Sample{Lat: 12.97, Lng: 77.59, Timestamp: time.Now(), Source: track.SourcePush})
	session.SetStatus(status.Delivered, true)

	view := r.Snapshot()
	kinds := map[string]bool{}
	for _, m := range view.Markers {
		kinds[m.Kind] = true
	}
	if !kinds[MarkerCompleted] {
		t.Fatalf("expected completed marker, got %+v", view.Markers)
	}
	if kinds[MarkerLive] {
		t.Fatalf("expected no live marker on terminal session")
	}
	if view.Estimate != nil {
		t.Fatalf("expected no eta on terminal session")
	}
}

func TestNilRouterUsesFallback(t *testing.T) {
	session := track.NewSession("B1")
	geocoder := &fakeGeocoder{points: map[string]Point{
		pickupAddr:   {Lat: 12.975, Lng: 77.605},
		deliveryAddr: {Lat: 12.965, Lng: 77.600},
	}}
	r := New(session, geocoder, nil, Endpoint{Address: pickupAddr}, Endpoint{Address: deliveryAddr})
	_ = r.Init(context.Background())

	r.OnSample(context.Background(), track.Sample{Lat: 12.97, Lng: 77.59, Timestamp: time.Now(), Source: track.SourcePush})
	if r.Snapshot().Estimate == nil {
		t.Fatalf("expected fallback estimate without router")
	}
}
