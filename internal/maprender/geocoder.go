package maprender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Point is a geocoded coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

var ErrNoResult = errors.New("geocoder returned no result")

// Geocoder resolves a postal address to a coordinate.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Point, error)
}

// HTTPGeocoder queries a Nominatim-style search endpoint:
// GET <base>?q=<address>&format=json&limit=1.
type HTTPGeocoder struct {
	baseURL string
	http    *http.Client
}

func NewHTTPGeocoder(baseURL string) *HTTPGeocoder {
	return &HTTPGeocoder{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *HTTPGeocoder) Geocode(ctx context.Context, address string) (Point, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Point{}, err
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return Point{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Point{}, fmt.Errorf("geocode status %d", resp.StatusCode)
	}

	// nominatim serializes coordinates as strings
	var results []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return Point{}, err
	}
	if len(results) == 0 {
		return Point{}, ErrNoResult
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return Point{}, err
	}
	lng, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return Point{}, err
	}
	return Point{Lat: lat, Lng: lng}, nil
}
