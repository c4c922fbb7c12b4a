package track

import (
	"context"
	"time"

	"backend-geotrack/internal/db"
	"backend-geotrack/internal/shared/geo"

	"github.com/google/uuid"
)

// Trail persists every accepted position to Postgres so a user's movement
// history survives the store's TTL. Writes are best effort; the registry
// logs failures and keeps going.
type Trail struct {
	db db.Querier
}

func NewTrail(q db.Querier) *Trail {
	return &Trail{db: q}
}

// Append inserts the record with the distance delta from the user's
// previous point. A missing previous point means distance zero.
func (t *Trail) Append(ctx context.Context, rec LocationRecord) error {
	var lastLat, lastLon float64
	havePrev := true
	err := t.db.QueryRow(ctx, `
		SELECT lat, lon FROM location_points
		WHERE user_id=$1
		ORDER BY recorded_at DESC
		LIMIT 1
	`, rec.UserID).Scan(&lastLat, &lastLon)
	if err != nil {
		havePrev = false
	}

	distanceM := 0.0
	if havePrev {
		distanceM = geo.HaversineKm(lastLat, lastLon, rec.Lat, rec.Lon) * 1000
	}

	_, err = t.db.Exec(ctx, `
		INSERT INTO location_points (id, user_id, lat, lon, region_id, accuracy_m, distance_m, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, uuid.NewString(), rec.UserID, rec.Lat, rec.Lon, rec.RegionID, rec.Accuracy, distanceM, time.Unix(rec.Timestamp, 0))
	return err
}

// TrailPoint is one persisted position in a user's history.
type TrailPoint struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	RegionID   string    `json:"region_id,omitempty"`
	AccuracyM  *float64  `json:"accuracy_m,omitempty"`
	DistanceM  float64   `json:"distance_m"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Recent returns the user's newest points, most recent first.
func (t *Trail) Recent(ctx context.Context, userID string, limit int) ([]TrailPoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.db.Query(ctx, `
		SELECT id, user_id, lat, lon, COALESCE(region_id,''), accuracy_m, distance_m, recorded_at
		FROM location_points
		WHERE user_id=$1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []TrailPoint
	for rows.Next() {
		var p TrailPoint
		if err := rows.Scan(&p.ID, &p.UserID, &p.Lat, &p.Lon, &p.RegionID, &p.AccuracyM, &p.DistanceM, &p.RecordedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
