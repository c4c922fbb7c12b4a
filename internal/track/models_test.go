package track

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParsePositionFlat(t *testing.T) {
	raw := json.RawMessage(`{"latitude": -6.2, "longitude": 106.8, "accuracy": 12.5, "region_id": "jkt"}`)
	pos, err := ParsePosition(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pos.Lat != -6.2 || pos.Lon != 106.8 {
		t.Fatalf("unexpected coordinates: %+v", pos)
	}
	if pos.Accuracy == nil || *pos.Accuracy != 12.5 {
		t.Fatalf("expected accuracy")
	}
	if pos.RegionID != "jkt" {
		t.Fatalf("expected region id")
	}
}

func TestParsePositionNestedCoords(t *testing.T) {
	raw := json.RawMessage(`{"coords": {"latitude": 51.5, "longitude": -0.12}}`)
	pos, err := ParsePosition(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pos.Lat != 51.5 || pos.Lon != -0.12 {
		t.Fatalf("unexpected coordinates: %+v", pos)
	}
}

func TestParsePositionFlatWinsOverNested(t *testing.T) {
	raw := json.RawMessage(`{"latitude": 1, "longitude": 2, "coords": {"latitude": 3, "longitude": 4}}`)
	pos, err := ParsePosition(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pos.Lat != 1 || pos.Lon != 2 {
		t.Fatalf("expected flat shape to win, got %+v", pos)
	}
}

func TestParsePositionNonNumeric(t *testing.T) {
	raw := json.RawMessage(`{"latitude": "abc", "longitude": 106.8}`)
	if _, err := ParsePosition(raw); !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
	}
}

func TestParsePositionMissingBoth(t *testing.T) {
	for _, raw := range []json.RawMessage{
		json.RawMessage(`{}`),
		json.RawMessage(`{"coords": {}}`),
		nil,
	} {
		if _, err := ParsePosition(raw); !errors.Is(err, ErrInvalidCoordinates) {
			t.Fatalf("expected ErrInvalidCoordinates for %s, got %v", raw, err)
		}
	}
}

func TestParsePositionMissingLongitudeOnly(t *testing.T) {
	raw := json.RawMessage(`{"latitude": 1.0}`)
	if _, err := ParsePosition(raw); !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.HighAccuracy || cfg.TimeoutMs != 10000 || cfg.MaxAgeMs != 30000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.UpdateIntervalS != 5.0 || cfg.MinAccuracyM != 20.0 || cfg.MinDistanceM != 10.0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Background || cfg.PowerSave {
		t.Fatalf("expected normal power flags")
	}
}

func TestConfigIntervalFloor(t *testing.T) {
	cfg := Config{UpdateIntervalS: 0.2}
	if cfg.Interval() != time.Second {
		t.Fatalf("expected one second floor, got %v", cfg.Interval())
	}
	cfg.UpdateIntervalS = 2.5
	if cfg.Interval() != 2500*time.Millisecond {
		t.Fatalf("unexpected interval: %v", cfg.Interval())
	}
}

func TestConfigUpdateMergeKeepsUnsetFields(t *testing.T) {
	cfg := DefaultConfig()
	interval := 12.0
	powerSave := true

	merged := ConfigUpdate{UpdateIntervalS: &interval, PowerSave: &powerSave}.Merge(cfg)
	if merged.UpdateIntervalS != 12.0 || !merged.PowerSave {
		t.Fatalf("expected updated fields: %+v", merged)
	}
	if merged.TimeoutMs != cfg.TimeoutMs || merged.HighAccuracy != cfg.HighAccuracy || merged.MinAccuracyM != cfg.MinAccuracyM {
		t.Fatalf("expected untouched fields preserved: %+v", merged)
	}
}

func TestConfigUpdateMergeAllFields(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	i := func(v int) *int { return &v }
	b := func(v bool) *bool { return &v }

	merged := ConfigUpdate{
		MinAccuracyM:      f(1),
		MaxAccuracyM:      f(2),
		UpdateIntervalS:   f(3),
		MinDistanceM:      f(4),
		MaxAgeMs:          i(5),
		TimeoutMs:         i(6),
		HighAccuracy:      b(false),
		Background:        b(true),
		PowerSave:         b(true),
		RetryIntervalS:    f(7),
		MaxRetries:        i(8),
		FallbackToNetwork: b(false),
	}.Merge(DefaultConfig())

	if merged.MinAccuracyM != 1 || merged.MaxAccuracyM != 2 || merged.UpdateIntervalS != 3 ||
		merged.MinDistanceM != 4 || merged.MaxAgeMs != 5 || merged.TimeoutMs != 6 ||
		merged.HighAccuracy || !merged.Background || !merged.PowerSave ||
		merged.RetryIntervalS != 7 || merged.MaxRetries != 8 || merged.FallbackToNetwork {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
}
