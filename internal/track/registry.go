package track

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"backend-geotrack/internal/store"
)

const locationTTL = time.Hour

// Conn is the write side of one client's duplex channel. The registry is
// the only component that sends frames on it.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Broadcaster receives every accepted location record for fan-out to
// watchers (the live feed / proximity read path).
type Broadcaster interface {
	Broadcast(userID string, payload []byte)
}

type connEntry struct {
	conn Conn
	stop func()
}

// Registry is the single source of truth for who is connected. It enforces
// at-most-one-connection-per-user and is the only writer of location
// records to the shared store.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*connEntry

	store store.Store
	coord *Coordinator
	trail *Trail
	feed  Broadcaster
	now   func() time.Time
}

func NewRegistry(st store.Store, coord *Coordinator, trail *Trail, feed Broadcaster) *Registry {
	return &Registry{
		conns: map[string]*connEntry{},
		store: st,
		coord: coord,
		trail: trail,
		feed:  feed,
		now:   time.Now,
	}
}

// Connect registers a connection for a user, tearing down any prior one
// first. Replacing an existing connection is a reconnection, not an error.
// stop cancels the user's session loop and awaits its termination.
func (r *Registry) Connect(userID string, conn Conn, stop func()) {
	r.Disconnect(userID)

	r.mu.Lock()
	r.conns[userID] = &connEntry{conn: conn, stop: stop}
	r.mu.Unlock()
}

// Disconnect is idempotent: it stops the session loop, closes the
// connection (ignoring close errors), and releases registry, coordinator,
// and store state for the user.
func (r *Registry) Disconnect(userID string) {
	r.mu.Lock()
	entry := r.conns[userID]
	delete(r.conns, userID)
	r.mu.Unlock()

	if entry == nil {
		// coordinator state can outlive the registry entry (the reaper
		// races the handler's own teardown); it must go regardless
		r.coord.UnregisterConnection(userID)
		return
	}
	r.release(userID, entry)
}

// DisconnectConn releases the user's state only while conn is still the
// registered connection. A handler whose connection was evicted by a
// reconnect must not tear down its successor.
func (r *Registry) DisconnectConn(userID string, conn Conn) {
	r.mu.Lock()
	entry := r.conns[userID]
	if entry == nil || entry.conn != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, userID)
	r.mu.Unlock()

	r.release(userID, entry)
}

func (r *Registry) release(userID string, entry *connEntry) {
	if entry == nil {
		return
	}
	if entry.stop != nil {
		entry.stop()
	}
	_ = entry.conn.Close()

	if err := r.store.Delete(context.Background(), locationKey(userID)); err != nil {
		log.Printf("track: delete location for %s: %v", userID, err)
	}
	r.coord.UnregisterConnection(userID)
}

// IsConnected reports whether the user has a registered connection.
func (r *Registry) IsConnected(userID string) bool {
	r.mu.Lock()
	_, ok := r.conns[userID]
	r.mu.Unlock()
	return ok
}

// Send writes a frame to the user's connection. A send failure is treated
// as a disconnect so a broken pipe never leaves stale registry state. The
// entry is removed and the connection closed before Send returns; release
// runs on its own goroutine because it awaits the session loop, and the
// failing sender may be that loop.
func (r *Registry) Send(userID string, frame interface{}) error {
	r.mu.Lock()
	entry := r.conns[userID]
	r.mu.Unlock()

	if entry == nil {
		return fmt.Errorf("no connection for user %s", userID)
	}
	if err := entry.conn.WriteJSON(frame); err != nil {
		log.Printf("track: send to %s failed, disconnecting: %v", userID, err)

		r.mu.Lock()
		current := r.conns[userID] == entry
		if current {
			delete(r.conns, userID)
		}
		r.mu.Unlock()

		// a replaced entry was already released by Connect
		if current {
			_ = entry.conn.Close()
			go r.release(userID, entry)
		}
		return err
	}
	return nil
}

// SendToUser is Send without an error: a no-op when the user has no
// registered connection.
func (r *Registry) SendToUser(userID string, frame interface{}) {
	_ = r.Send(userID, frame)
}

// UpdateUserLocation is the single choke point through which every accepted
// position reaches shared state. It writes the location record with a fixed
// TTL, appends to the trail, fans out to the feed, and confirms to the
// client. Store and trail failures degrade to log lines; the confirmation
// is sent regardless.
func (r *Registry) UpdateUserLocation(ctx context.Context, userID string, lat, lon float64, regionID string, accuracy *float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinates, lat, lon)
	}

	rec := LocationRecord{
		UserID:    userID,
		Lat:       lat,
		Lon:       lon,
		RegionID:  regionID,
		Accuracy:  accuracy,
		Timestamp: r.now().Unix(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if err := r.store.SetWithTTL(ctx, locationKey(userID), payload, locationTTL); err != nil {
		log.Printf("track: store location for %s: %v", userID, err)
	}
	if r.trail != nil {
		if err := r.trail.Append(ctx, rec); err != nil {
			log.Printf("track: append trail for %s: %v", userID, err)
		}
	}
	if r.feed != nil {
		r.feed.Broadcast(userID, payload)
	}

	r.SendToUser(userID, locationUpdateFrame{
		Type:   "location_update",
		Status: "ok",
		Coords: frameCoords{
			Latitude:  lat,
			Longitude: lon,
			Accuracy:  accuracy,
		},
		Timestamp: rec.Timestamp,
	})
	return nil
}

// GetUserLocation reads through to the shared store. A miss or an
// unreachable store both report absence.
func (r *Registry) GetUserLocation(ctx context.Context, userID string) (LocationRecord, bool) {
	payload, ok := r.store.Get(ctx, locationKey(userID))
	if !ok {
		return LocationRecord{}, false
	}
	var rec LocationRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		log.Printf("track: decode location for %s: %v", userID, err)
		return LocationRecord{}, false
	}
	return rec, true
}

func locationKey(userID string) string {
	return "location:" + userID
}
