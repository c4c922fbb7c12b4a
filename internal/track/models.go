package track

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCoordinates marks a position report whose coordinates are
// missing or non-numeric. Handlers surface it to the client as an error
// frame; the session stays active.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

const minIntervalSeconds = 1.0

// Config is the tracking configuration applied to a session. Field names on
// the wire match the client-side geolocation options.
type Config struct {
	MinAccuracyM      float64 `json:"minAccuracy"`
	MaxAccuracyM      float64 `json:"maxAccuracy"`
	UpdateIntervalS   float64 `json:"updateInterval"`
	MinDistanceM      float64 `json:"minimumDistance"`
	MaxAgeMs          int     `json:"maximumAge"`
	TimeoutMs         int     `json:"timeout"`
	HighAccuracy      bool    `json:"highAccuracyMode"`
	Background        bool    `json:"backgroundMode"`
	PowerSave         bool    `json:"powerSaveMode"`
	RetryIntervalS    float64 `json:"retryInterval"`
	MaxRetries        int     `json:"maxRetries"`
	FallbackToNetwork bool    `json:"fallbackToNetwork"`
}

// DefaultConfig is the configuration every connection starts with.
func DefaultConfig() Config {
	return Config{
		MinAccuracyM:      20.0,
		MaxAccuracyM:      100.0,
		UpdateIntervalS:   5.0,
		MinDistanceM:      10.0,
		MaxAgeMs:          30000,
		TimeoutMs:         10000,
		HighAccuracy:      true,
		RetryIntervalS:    5.0,
		MaxRetries:        3,
		FallbackToNetwork: true,
	}
}

// Interval returns the effective update interval, floored at one second.
func (c Config) Interval() time.Duration {
	s := c.UpdateIntervalS
	if s < minIntervalSeconds {
		s = minIntervalSeconds
	}
	return time.Duration(s * float64(time.Second))
}

// ConfigUpdate is a partial configuration from a config_update frame.
// Nil fields keep the session's current values.
type ConfigUpdate struct {
	MinAccuracyM      *float64 `json:"minAccuracy"`
	MaxAccuracyM      *float64 `json:"maxAccuracy"`
	UpdateIntervalS   *float64 `json:"updateInterval"`
	MinDistanceM      *float64 `json:"minimumDistance"`
	MaxAgeMs          *int     `json:"maximumAge"`
	TimeoutMs         *int     `json:"timeout"`
	HighAccuracy      *bool    `json:"highAccuracyMode"`
	Background        *bool    `json:"backgroundMode"`
	PowerSave         *bool    `json:"powerSaveMode"`
	RetryIntervalS    *float64 `json:"retryInterval"`
	MaxRetries        *int     `json:"maxRetries"`
	FallbackToNetwork *bool    `json:"fallbackToNetwork"`
}

// Merge applies the non-nil fields of the update onto cfg and returns the
// result. The merged value replaces the session configuration atomically.
func (u ConfigUpdate) Merge(cfg Config) Config {
	if u.MinAccuracyM != nil {
		cfg.MinAccuracyM = *u.MinAccuracyM
	}
	if u.MaxAccuracyM != nil {
		cfg.MaxAccuracyM = *u.MaxAccuracyM
	}
	if u.UpdateIntervalS != nil {
		cfg.UpdateIntervalS = *u.UpdateIntervalS
	}
	if u.MinDistanceM != nil {
		cfg.MinDistanceM = *u.MinDistanceM
	}
	if u.MaxAgeMs != nil {
		cfg.MaxAgeMs = *u.MaxAgeMs
	}
	if u.TimeoutMs != nil {
		cfg.TimeoutMs = *u.TimeoutMs
	}
	if u.HighAccuracy != nil {
		cfg.HighAccuracy = *u.HighAccuracy
	}
	if u.Background != nil {
		cfg.Background = *u.Background
	}
	if u.PowerSave != nil {
		cfg.PowerSave = *u.PowerSave
	}
	if u.RetryIntervalS != nil {
		cfg.RetryIntervalS = *u.RetryIntervalS
	}
	if u.MaxRetries != nil {
		cfg.MaxRetries = *u.MaxRetries
	}
	if u.FallbackToNetwork != nil {
		cfg.FallbackToNetwork = *u.FallbackToNetwork
	}
	return cfg
}

// Position is an accepted position report.
type Position struct {
	Lat      float64
	Lon      float64
	Accuracy *float64
	RegionID string
}

type coordFields struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	RegionID  string   `json:"region_id"`
}

type positionPayload struct {
	coordFields
	Coords *coordFields `json:"coords"`
}

// ParsePosition extracts coordinates from a position_update payload.
// Clients send either a flat report or one with the coordinates nested under
// "coords"; the flat shape is checked first, then the nested one. A payload
// that decodes to neither, or carries non-numeric coordinates, fails with
// ErrInvalidCoordinates.
func ParsePosition(raw json.RawMessage) (Position, error) {
	if len(raw) == 0 {
		return Position{}, fmt.Errorf("%w: empty position payload", ErrInvalidCoordinates)
	}

	var payload positionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}

	c := payload.coordFields
	if c.Latitude == nil || c.Longitude == nil {
		if payload.Coords != nil {
			c = *payload.Coords
		}
	}
	if c.Latitude == nil || c.Longitude == nil {
		return Position{}, fmt.Errorf("%w: latitude and longitude required", ErrInvalidCoordinates)
	}

	return Position{
		Lat:      *c.Latitude,
		Lon:      *c.Longitude,
		Accuracy: c.Accuracy,
		RegionID: c.RegionID,
	}, nil
}

// LocationRecord is the canonical last-known location for a user, written to
// the shared store with a fixed TTL so stale entries self-expire.
type LocationRecord struct {
	UserID    string   `json:"user_id"`
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	RegionID  string   `json:"region_id,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// PowerState drives the update-cadence/accuracy trade-off for a user.
type PowerState string

const (
	PowerNormal     PowerState = "normal"
	PowerSave       PowerState = "power_save"
	PowerBackground PowerState = "background"
)

// PowerSettings are the preset configuration fields a power-state change
// pushes onto the session.
type PowerSettings struct {
	UpdateIntervalS float64 `json:"updateInterval"`
	HighAccuracy    bool    `json:"highAccuracyMode"`
	MaxAgeMs        int     `json:"maximumAge"`
}

// PowerTransition is returned by the coordinator when a config update moves
// a user to a different power state.
type PowerTransition struct {
	State    PowerState    `json:"state"`
	Settings PowerSettings `json:"settings"`
}

// ErrorState is the per-user error history the coordinator keeps between
// position updates.
type ErrorState struct {
	Code       string
	Message    string
	Timestamp  time.Time
	RetryCount int
}

// ActionSettings carries the adjusted geolocation options of an
// adjust_settings remediation.
type ActionSettings struct {
	TimeoutMs int `json:"timeout"`
	MaxAgeMs  int `json:"maximumAge"`
}

// Action is the remediation instruction returned by the coordinator for a
// client-reported geolocation error.
type Action struct {
	Action   string          `json:"action"`
	DelayS   int             `json:"delay,omitempty"`
	Message  string          `json:"message,omitempty"`
	Settings *ActionSettings `json:"settings,omitempty"`
}

// Frames exchanged over the websocket. Unknown inbound types are logged and
// ignored by the handler.

type clientFrame struct {
	Type     string          `json:"type"`
	Position json.RawMessage `json:"position,omitempty"`
	Error    *errorPayload   `json:"error,omitempty"`
	Data     *dataPayload    `json:"data,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type dataPayload struct {
	Config *ConfigUpdate `json:"config"`
}

type initFrame struct {
	Type   string `json:"type"`
	Config Config `json:"config"`
}

type getPositionFrame struct {
	Type string `json:"type"`
}

type frameCoords struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

type locationUpdateFrame struct {
	Type      string      `json:"type"`
	Status    string      `json:"status"`
	Coords    frameCoords `json:"coords"`
	Timestamp int64       `json:"timestamp"`
}

type geoErrorFrame struct {
	Type string `json:"type"`
	Action
}

type fallbackFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
