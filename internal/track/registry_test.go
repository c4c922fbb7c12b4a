package track

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"backend-geotrack/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeConn struct {
	mu         sync.Mutex
	frames     []interface{}
	closed     bool
	failWrites bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) setFailWrites(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = fail
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) frameCount(frameType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, frame := range f.frames {
		b, _ := json.Marshal(frame)
		var header struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(b, &header)
		if header.Type == frameType {
			n++
		}
	}
	return n
}

func (f *fakeConn) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	b, _ := json.Marshal(f.frames[len(f.frames)-1])
	return b
}

func newTestRegistry(t *testing.T) (*Registry, *Coordinator, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	coord := NewCoordinator()
	reg := NewRegistry(store.NewRedisStore(client), coord, nil, nil)
	coord.SetDisconnectFunc(reg.Disconnect)
	return reg, coord, s
}

func TestConnectReplacesExistingConnection(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	oldConn := &fakeConn{}
	oldStopped := false
	reg.Connect("user-1", oldConn, func() { oldStopped = true })

	newConn := &fakeConn{}
	reg.Connect("user-1", newConn, nil)

	if !oldConn.isClosed() {
		t.Fatalf("expected old connection closed")
	}
	if !oldStopped {
		t.Fatalf("expected old session stopped")
	}
	if !reg.IsConnected("user-1") {
		t.Fatalf("expected new connection registered")
	}

	reg.SendToUser("user-1", getPositionFrame{Type: "get_position"})
	if newConn.frameCount("get_position") != 1 {
		t.Fatalf("expected frame on new connection")
	}
	if oldConn.frameCount("get_position") != 0 {
		t.Fatalf("frame leaked to old connection")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	conn := &fakeConn{}
	stops := 0
	reg.Connect("user-1", conn, func() { stops++ })

	reg.Disconnect("user-1")
	reg.Disconnect("user-1")

	if stops != 1 {
		t.Fatalf("expected one stop, got %d", stops)
	}
	if reg.IsConnected("user-1") {
		t.Fatalf("expected user disconnected")
	}
}

func TestDisconnectUnknownUserIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	reg.Disconnect("nobody")
}

func TestDisconnectRemovesStoredLocation(t *testing.T) {
	reg, _, s := newTestRegistry(t)

	conn := &fakeConn{}
	reg.Connect("user-1", conn, nil)
	if err := reg.UpdateUserLocation(context.Background(), "user-1", -6.2, 106.8, "", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !s.Exists("location:user-1") {
		t.Fatalf("expected stored location")
	}

	reg.Disconnect("user-1")
	if s.Exists("location:user-1") {
		t.Fatalf("expected location removed on disconnect")
	}
}

func TestSendToUserNoConnection(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	reg.SendToUser("nobody", getPositionFrame{Type: "get_position"})
}

func TestSendFailureDisconnects(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	conn := &fakeConn{failWrites: true}
	reg.Connect("user-1", conn, nil)

	reg.SendToUser("user-1", getPositionFrame{Type: "get_position"})

	if reg.IsConnected("user-1") {
		t.Fatalf("expected disconnect on send failure")
	}
	if !conn.isClosed() {
		t.Fatalf("expected connection closed")
	}
}

func TestDisconnectWithoutEntryClearsCoordinatorState(t *testing.T) {
	reg, coord, _ := newTestRegistry(t)
	coord.RegisterConnection("ghost")

	// no registry entry exists, coordinator state must still go
	reg.Disconnect("ghost")

	calls := 0
	coord.SetDisconnectFunc(func(string) { calls++ })
	now := time.Now()
	coord.now = func() time.Time { return now.Add(staleAfter + time.Minute) }
	coord.reap()
	if calls != 0 {
		t.Fatalf("expected coordinator state cleared, reaper evicted %d users", calls)
	}
}

func TestUpdateUserLocationStoresAndConfirms(t *testing.T) {
	reg, _, s := newTestRegistry(t)

	conn := &fakeConn{}
	reg.Connect("user-1", conn, nil)

	acc := 8.0
	if err := reg.UpdateUserLocation(context.Background(), "user-1", -6.2, 106.8, "jkt", &acc); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, ok := reg.GetUserLocation(context.Background(), "user-1")
	if !ok {
		t.Fatalf("expected stored record")
	}
	if rec.Lat != -6.2 || rec.Lon != 106.8 || rec.RegionID != "jkt" || rec.UserID != "user-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Timestamp == 0 {
		t.Fatalf("expected timestamp")
	}

	ttl := s.TTL("location:user-1")
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected ttl: %v", ttl)
	}

	if conn.frameCount("location_update") != 1 {
		t.Fatalf("expected one confirmation frame")
	}
}

func TestUpdateUserLocationRejectsNaN(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	conn := &fakeConn{}
	reg.Connect("user-1", conn, nil)

	err := reg.UpdateUserLocation(context.Background(), "user-1", math.NaN(), 106.8, "", nil)
	if !errors.Is(err, ErrInvalidCoordinates) {
		t.Fatalf("expected ErrInvalidCoordinates, got %v", err)
	}
	if _, ok := reg.GetUserLocation(context.Background(), "user-1"); ok {
		t.Fatalf("record must not be written for invalid input")
	}
	if conn.frameCount("location_update") != 0 {
		t.Fatalf("no confirmation for invalid input")
	}
}

func TestUpdateUserLocationStoreDownStillConfirms(t *testing.T) {
	reg, _, s := newTestRegistry(t)

	conn := &fakeConn{}
	reg.Connect("user-1", conn, nil)

	s.Close()

	if err := reg.UpdateUserLocation(context.Background(), "user-1", 1.0, 2.0, "", nil); err != nil {
		t.Fatalf("store outage must not fail the update: %v", err)
	}
	if conn.frameCount("location_update") != 1 {
		t.Fatalf("expected confirmation despite store outage")
	}
}

func TestGetUserLocationMiss(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	if _, ok := reg.GetUserLocation(context.Background(), "nobody"); ok {
		t.Fatalf("expected miss")
	}
}

func TestGetUserLocationBadPayload(t *testing.T) {
	reg, _, s := newTestRegistry(t)
	if err := s.Set("location:user-1", "not-json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok := reg.GetUserLocation(context.Background(), "user-1"); ok {
		t.Fatalf("expected miss for undecodable payload")
	}
}

func TestDisconnectConnIgnoresReplacedConnection(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	oldConn := &fakeConn{}
	reg.Connect("user-1", oldConn, nil)

	newConn := &fakeConn{}
	reg.Connect("user-1", newConn, nil)

	// the evicted handler's teardown must not touch the successor
	reg.DisconnectConn("user-1", oldConn)
	if !reg.IsConnected("user-1") {
		t.Fatalf("successor connection must survive")
	}

	reg.DisconnectConn("user-1", newConn)
	if reg.IsConnected("user-1") {
		t.Fatalf("expected disconnect for current connection")
	}
}

func TestUpdateUserLocationBroadcastsToFeed(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	coord := NewCoordinator()
	feed := &captureFeed{}
	reg := NewRegistry(store.NewRedisStore(client), coord, nil, feed)

	conn := &fakeConn{}
	reg.Connect("user-1", conn, nil)

	if err := reg.UpdateUserLocation(context.Background(), "user-1", 1, 2, "", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if feed.count("user-1") != 1 {
		t.Fatalf("expected one feed broadcast")
	}
}

type captureFeed struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *captureFeed) Broadcast(userID string, _ []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[userID]++
}

func (c *captureFeed) count(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[userID]
}
