package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Location is a lat/lng pair as the backend serializes it.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Address is a booking endpoint: a postal address, with coordinates
// when the backend has already geocoded it.
type Address struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat,omitempty"`
	Lng     float64 `json:"lng,omitempty"`
}

// Booking is the snapshot returned by the bootstrap endpoints.
type Booking struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Pickup   Address `json:"pickup"`
	Delivery Address `json:"delivery"`
}

// Client calls the CargoLink REST endpoints used by the tracker:
// session bootstrap and the public last-location poll.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// LastLocation fetches the last known location for a booking. The
// second return is false when the backend has no location yet.
func (c *Client) LastLocation(ctx context.Context, bookingID string) (Location, bool, error) {
	var out struct {
		Success  bool      `json:"success"`
		Location *Location `json:"location,omitempty"`
	}
	url := c.baseURL + "/api/tracking/public/" + bookingID + "/location"
	if err := c.getJSON(ctx, url, false, &out); err != nil {
		return Location{}, false, err
	}
	if !out.Success || out.Location == nil {
		return Location{}, false, nil
	}
	return *out.Location, true, nil
}

// Booking fetches the booking snapshot: the authenticated endpoint when
// authenticated is set, otherwise the public one.
func (c *Client) Booking(ctx context.Context, bookingID string, authenticated bool) (Booking, error) {
	url := c.baseURL + "/api/tracking/public/" + bookingID
	if authenticated {
		url = c.baseURL + "/api/bookings/find/" + bookingID
	}

	var out Booking
	if err := c.getJSON(ctx, url, authenticated, &out); err != nil {
		return Booking{}, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, url string, authenticated bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if authenticated && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
