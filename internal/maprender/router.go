package maprender

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cargolink-tracker/internal/shared/geo"
)

// RouteEstimate is a derived distance/duration between two points.
type RouteEstimate struct {
	DistanceMeters  float64   `json:"distance_meters"`
	DurationSeconds float64   `json:"duration_seconds"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Router computes a road route estimate between two points.
type Router interface {
	Route(ctx context.Context, from, to Point) (RouteEstimate, error)
}

// HTTPRouter queries an OSRM-style endpoint:
// GET <base>/<lng>,<lat>;<lng>,<lat>?overview=false.
type HTTPRouter struct {
	baseURL string
	http    *http.Client
	nowFn   func() time.Time
}

func NewHTTPRouter(baseURL string) *HTTPRouter {
	return &HTTPRouter{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		nowFn:   time.Now,
	}
}

func (r *HTTPRouter) Route(ctx context.Context, from, to Point) (RouteEstimate, error) {
	url := fmt.Sprintf("%s/%f,%f;%f,%f?overview=false", r.baseURL, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RouteEstimate{}, err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return RouteEstimate{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RouteEstimate{}, fmt.Errorf("route status %d", resp.StatusCode)
	}

	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RouteEstimate{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return RouteEstimate{}, fmt.Errorf("route code %q", out.Code)
	}

	return RouteEstimate{
		DistanceMeters:  out.Routes[0].Distance,
		DurationSeconds: out.Routes[0].Duration,
		ComputedAt:      r.nowFn(),
	}, nil
}

// assumed average road speed for the straight-line fallback, m/s
const fallbackSpeedMps = 8.3 // ~30 km/h urban

// fallbackEstimate is the straight-line estimate used when the routing
// service is down; the map stays degraded rather than blocked.
func fallbackEstimate(from, to Point, now time.Time) RouteEstimate {
	dist := geo.HaversineM(from.Lat, from.Lng, to.Lat, to.Lng)
	return RouteEstimate{
		DistanceMeters:  dist,
		DurationSeconds: dist / fallbackSpeedMps,
		ComputedAt:      now,
	}
}
