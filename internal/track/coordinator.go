package track

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	errorStateTTL = 5 * time.Minute
	staleAfter    = 2 * time.Minute
	reapInterval  = 60 * time.Second
)

// Coordinator holds cross-session policy: per-user error history, power
// state, and the staleness reaper. Sessions never touch its maps directly;
// they call the narrow methods below.
type Coordinator struct {
	mu         sync.Mutex
	errors     map[string]*ErrorState
	power      map[string]PowerState
	lastUpdate map[string]time.Time

	disconnect func(userID string)
	now        func() time.Time
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		errors:     map[string]*ErrorState{},
		power:      map[string]PowerState{},
		lastUpdate: map[string]time.Time{},
		now:        time.Now,
	}
}

// SetDisconnectFunc wires the registry teardown the reaper uses to evict
// stale connections.
func (c *Coordinator) SetDisconnectFunc(fn func(userID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect = fn
}

func (c *Coordinator) RegisterConnection(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.power[userID] = PowerNormal
	c.lastUpdate[userID] = c.now()
}

func (c *Coordinator) UnregisterConnection(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.errors, userID)
	delete(c.power, userID)
	delete(c.lastUpdate, userID)
}

// RecordUpdate refreshes the user's staleness timestamp and clears their
// error history; an accepted position supersedes any pending remediation.
func (c *Coordinator) RecordUpdate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUpdate[userID] = c.now()
	delete(c.errors, userID)
}

// HandleLocationError classifies a client-reported geolocation error and
// returns the remediation action to relay. A repeat of the same code
// increments the stored retry count; a different code replaces the error
// state at count one.
func (c *Coordinator) HandleLocationError(userID, code, message string) Action {
	c.mu.Lock()
	st := c.errors[userID]
	if st != nil && st.Code == code {
		st.RetryCount++
		st.Message = message
		st.Timestamp = c.now()
	} else {
		st = &ErrorState{Code: code, Message: message, Timestamp: c.now(), RetryCount: 1}
		c.errors[userID] = st
	}
	retries := st.RetryCount
	c.mu.Unlock()

	switch code {
	case "PERMISSION_DENIED":
		return Action{Action: "request_permission"}
	case "POSITION_UNAVAILABLE":
		if retries <= 3 {
			return Action{Action: "retry", DelayS: retries * 2}
		}
		return Action{Action: "fallback"}
	case "TIMEOUT":
		timeout := 10000 * retries
		if timeout > 20000 {
			timeout = 20000
		}
		return Action{
			Action:   "adjust_settings",
			Settings: &ActionSettings{TimeoutMs: timeout, MaxAgeMs: 60000},
		}
	default:
		return Action{Action: "error", Message: message}
	}
}

// UpdatePowerState computes the target power state from the configuration
// (power-save wins over background) and returns the new state with its
// preset settings, or nil when the state is unchanged.
func (c *Coordinator) UpdatePowerState(userID string, cfg Config) *PowerTransition {
	target := PowerNormal
	switch {
	case cfg.PowerSave:
		target = PowerSave
	case cfg.Background:
		target = PowerBackground
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.power[userID] == target {
		return nil
	}
	c.power[userID] = target
	return &PowerTransition{State: target, Settings: presetFor(target)}
}

func presetFor(state PowerState) PowerSettings {
	switch state {
	case PowerSave:
		return PowerSettings{UpdateIntervalS: 15.0, HighAccuracy: false, MaxAgeMs: 60000}
	case PowerBackground:
		return PowerSettings{UpdateIntervalS: 30.0, HighAccuracy: false, MaxAgeMs: 120000}
	default:
		return PowerSettings{UpdateIntervalS: 5.0, HighAccuracy: true, MaxAgeMs: 30000}
	}
}

// RunReaper sweeps every reapInterval until the context is cancelled,
// pruning expired error states and force-disconnecting users whose last
// update is older than the staleness window. This is the only path allowed
// to tear down a session the client has not closed itself.
func (c *Coordinator) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reap()
		}
	}
}

func (c *Coordinator) reap() {
	now := c.now()

	c.mu.Lock()
	for userID, st := range c.errors {
		if now.Sub(st.Timestamp) > errorStateTTL {
			delete(c.errors, userID)
		}
	}
	var stale []string
	for userID, last := range c.lastUpdate {
		if now.Sub(last) > staleAfter {
			stale = append(stale, userID)
		}
	}
	disconnect := c.disconnect
	c.mu.Unlock()

	for _, userID := range stale {
		log.Printf("track: reaping stale connection for user %s", userID)
		if disconnect != nil {
			disconnect(userID)
		} else {
			c.UnregisterConnection(userID)
		}
	}
}
