package stream

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Hub fans accepted location records out to watchers. Local watchers get
// them directly; redis pub/sub carries them to other processes (the
// proximity collaborator subscribes to the same channels).
type Hub struct {
	redis    *redis.Client
	watchers map[string]map[*Watcher]struct{}
	mu       sync.RWMutex
}

type Watcher struct {
	UserID string
	Send   chan []byte
}

func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		redis:    redisClient,
		watchers: map[string]map[*Watcher]struct{}{},
	}

	if redisClient != nil {
		go h.subscribeRedis()
	}
	return h
}

// Register adds a watcher for one user's feed.
func (h *Hub) Register(userID string) *Watcher {
	w := &Watcher{
		UserID: userID,
		Send:   make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchers[userID] == nil {
		h.watchers[userID] = map[*Watcher]struct{}{}
	}
	h.watchers[userID][w] = struct{}{}
	return w
}

func (h *Hub) Unregister(w *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if userWatchers, ok := h.watchers[w.UserID]; ok {
		delete(userWatchers, w)
		if len(userWatchers) == 0 {
			delete(h.watchers, w.UserID)
		}
	}
	close(w.Send)
}

// Broadcast delivers a location record to local watchers and publishes it
// for other processes. Slow watchers are skipped, not waited on.
func (h *Hub) Broadcast(userID string, payload []byte) {
	h.deliver(userID, payload)

	if h.redis != nil {
		err := h.redis.Publish(context.Background(), feedChannel(userID), payload).Err()
		if err != nil {
			log.Printf("stream: redis publish error: %v", err)
		}
	}
}

func (h *Hub) deliver(userID string, payload []byte) {
	h.mu.RLock()
	watchers := h.watchers[userID]
	h.mu.RUnlock()

	for w := range watchers {
		select {
		case w.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, "location:*:feed")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		h.deliver(userIDFromChannel(msg.Channel), []byte(msg.Payload))
	}
}

func feedChannel(userID string) string {
	return "location:" + userID + ":feed"
}

func userIDFromChannel(ch string) string {
	// location:{user}:feed
	const prefix = "location:"
	const suffix = ":feed"
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
