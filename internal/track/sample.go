package track

import "time"

// Source identifies which channel produced a sample.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Sample is one observed location for a booking. Immutable once created.
type Sample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}
