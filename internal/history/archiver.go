package history

import (
	"context"

	"cargolink-tracker/internal/db"
	"cargolink-tracker/internal/track"

	"github.com/google/uuid"
)

// Archiver persists accepted samples for operators who want a trail
// beyond the in-memory session. Entirely optional; the tracker runs
// without it.
type Archiver struct {
	db db.Querier
}

func New(querier db.Querier) *Archiver {
	return &Archiver{db: querier}
}

// Record inserts one accepted sample. Meant to hang off the reconciler.
func (a *Archiver) Record(ctx context.Context, bookingID string, s track.Sample) error {
	_, err := a.db.Exec(ctx, `
		INSERT INTO tracking_samples (id, booking_id, lat, lng, source, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, uuid.NewString(), bookingID, s.Lat, s.Lng, string(s.Source), s.Timestamp)
	return err
}

// Recent returns the latest samples for a booking, newest first.
func (a *Archiver) Recent(ctx context.Context, bookingID string, limit int) ([]track.Sample, error) {
	rows, err := a.db.Query(ctx, `
		SELECT lat, lng, source, recorded_at
		FROM tracking_samples WHERE booking_id=$1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, bookingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []track.Sample
	for rows.Next() {
		var s track.Sample
		var source string
		if err := rows.Scan(&s.Lat, &s.Lng, &source, &s.Timestamp); err != nil {
			return nil, err
		}
		s.Source = track.Source(source)
		samples = append(samples, s)
	}
	return samples, nil
}
