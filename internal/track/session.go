package track

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

type sessionState int

const (
	stateStarting sessionState = iota
	stateActive
	stateStopped
)

// Session is the per-connection tracking state machine. It owns a
// configuration, runs the periodic request-position loop, validates and
// rate-limits incoming reports, and escalates client errors to the
// coordinator. All handling is a no-op outside the active state.
type Session struct {
	userID string
	reg    *Registry
	coord  *Coordinator

	mu         sync.Mutex
	state      sessionState
	cfg        Config
	lastUpdate time.Time
	errorCount int
	cancel     context.CancelFunc
	done       chan struct{}

	backoff Backoff
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewSession(userID string, reg *Registry, coord *Coordinator) *Session {
	return &Session{
		userID:  userID,
		reg:     reg,
		coord:   coord,
		state:   stateStarting,
		backoff: defaultBackoff(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Start applies the configuration, announces the effective parameters to
// the client, and spawns the loop. If a loop is already running it is
// cancelled and awaited first, so at most one loop ever runs per session.
// Any setup failure leaves the session stopped, and stopped is terminal:
// a stopped session cannot be restarted.
func (s *Session) Start(cfg Config) error {
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return errors.New("session is stopped")
	}
	s.mu.Unlock()

	s.stopLoop()

	if cfg.UpdateIntervalS < minIntervalSeconds {
		cfg.UpdateIntervalS = minIntervalSeconds
	}
	if tr := s.coord.UpdatePowerState(s.userID, cfg); tr != nil {
		cfg = applyPowerSettings(cfg, tr.Settings)
	}

	if err := s.reg.Send(s.userID, initFrame{Type: "geolocation_init", Config: cfg}); err != nil {
		s.mu.Lock()
		s.state = stateStopped
		s.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cfg = cfg
	s.state = stateActive
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	return nil
}

// Stop cancels the loop, awaits its termination, and marks the session
// stopped. Idempotent; stopped is terminal.
func (s *Session) Stop() {
	s.stopLoop()
	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()
}

func (s *Session) stopLoop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// HandleLocationUpdate processes a position_update payload. Reports inside
// the minimum-interval window are dropped silently; that is backpressure,
// not a fault. A report with missing or non-numeric coordinates fails with
// ErrInvalidCoordinates for the caller to surface.
func (s *Session) HandleLocationUpdate(ctx context.Context, raw json.RawMessage) error {
	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return nil
	}
	interval := s.cfg.Interval()
	if !s.lastUpdate.IsZero() && s.now().Sub(s.lastUpdate) < interval {
		s.mu.Unlock()
		return nil
	}
	s.errorCount = 0
	s.mu.Unlock()

	if !s.reg.IsConnected(s.userID) {
		return nil
	}

	pos, err := ParsePosition(raw)
	if err != nil {
		return err
	}
	if err := s.reg.UpdateUserLocation(ctx, s.userID, pos.Lat, pos.Lon, pos.RegionID, pos.Accuracy); err != nil {
		return err
	}
	s.coord.RecordUpdate(s.userID)

	s.mu.Lock()
	s.lastUpdate = s.now()
	s.mu.Unlock()
	return nil
}

// HandleError escalates a client-reported geolocation error to the
// coordinator and relays the remediation action. The local counter only
// trips the network-fallback notice; the coordinator's retry count drives
// the remediation itself.
func (s *Session) HandleError(code, message string) {
	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return
	}
	s.errorCount++
	count := s.errorCount
	burstLimit := s.cfg.MaxRetries
	fallback := s.cfg.FallbackToNetwork
	s.mu.Unlock()

	if !s.reg.IsConnected(s.userID) {
		return
	}

	action := s.coord.HandleLocationError(s.userID, code, message)
	s.reg.SendToUser(s.userID, geoErrorFrame{Type: "geolocation_error", Action: action})

	if fallback && burstLimit > 0 && count >= burstLimit {
		s.reg.SendToUser(s.userID, fallbackFrame{
			Type:    "geolocation_fallback",
			Message: "falling back to network location",
		})
	}
}

// UpdateConfig merges a partial config update, lets the coordinator map any
// power-state change onto preset settings, and announces the effective
// configuration. A running loop keeps going and picks up the new interval
// on its next tick.
func (s *Session) UpdateConfig(update ConfigUpdate) {
	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return
	}
	cfg := update.Merge(s.cfg)
	if cfg.UpdateIntervalS < minIntervalSeconds {
		cfg.UpdateIntervalS = minIntervalSeconds
	}
	s.cfg = cfg
	s.mu.Unlock()

	if tr := s.coord.UpdatePowerState(s.userID, cfg); tr != nil {
		s.mu.Lock()
		s.cfg = applyPowerSettings(s.cfg, tr.Settings)
		cfg = s.cfg
		s.mu.Unlock()
	}

	s.reg.SendToUser(s.userID, initFrame{Type: "geolocation_init", Config: cfg})
}

// loop requests a fresh position whenever the last accepted update is older
// than the configured interval. Failures go through HandleError and back
// the loop off exponentially; cancellation terminates it cleanly so Stop
// can await completion.
func (s *Session) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		active := s.state == stateActive
		interval := s.cfg.Interval()
		elapsed := s.lastUpdate.IsZero() || s.now().Sub(s.lastUpdate) >= interval
		errCount := s.errorCount
		s.mu.Unlock()

		if !active {
			return
		}

		wait := interval
		if elapsed {
			if err := s.reg.Send(s.userID, getPositionFrame{Type: "get_position"}); err != nil {
				s.HandleError("POSITION_REQUEST_FAILED", err.Error())
				wait = s.backoff.Delay(interval, errCount+1)
				log.Printf("track: loop error for %s, backing off %s", s.userID, wait)
			}
		}

		if err := s.sleep(ctx, wait); err != nil {
			return
		}
	}
}

func applyPowerSettings(cfg Config, ps PowerSettings) Config {
	cfg.UpdateIntervalS = ps.UpdateIntervalS
	cfg.HighAccuracy = ps.HighAccuracy
	cfg.MaxAgeMs = ps.MaxAgeMs
	return cfg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
