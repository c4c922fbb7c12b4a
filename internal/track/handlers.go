package track

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// wsConn serializes writes: the session loop and the read handler both send
// frames on the same connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) WriteJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

func RegisterRoutes(r fiber.Router, reg *Registry, coord *Coordinator, trail *Trail, authMiddleware fiber.Handler) {
	r.Get("/ws", authMiddleware, websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals("user_id").(string)
		if userID == "" {
			_ = c.Close()
			return
		}
		serveConnection(userID, c, reg, coord)
	}))

	r.Get("/users/:id/location", authMiddleware, func(c *fiber.Ctx) error {
		rec, ok := reg.GetUserLocation(c.Context(), c.Params("id"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no known location")
		}
		return c.JSON(rec)
	})

	r.Get("/history", authMiddleware, func(c *fiber.Ctx) error {
		if trail == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "history unavailable")
		}
		userID, _ := c.Locals("user_id").(string)
		points, err := trail.Recent(c.Context(), userID, c.QueryInt("limit", 100))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(points)
	})
}

// serveConnection registers the connection (evicting any prior one for the
// same user), starts the tracking session, and pumps inbound frames until
// the client goes away. Teardown always runs through Registry.Disconnect.
func serveConnection(userID string, c *websocket.Conn, reg *Registry, coord *Coordinator) {
	conn := &wsConn{conn: c}
	sess := NewSession(userID, reg, coord)

	reg.Connect(userID, conn, sess.Stop)
	coord.RegisterConnection(userID)
	defer reg.DisconnectConn(userID, conn)

	if err := sess.Start(DefaultConfig()); err != nil {
		log.Printf("track: start session for %s: %v", userID, err)
		return
	}

	ctx := context.Background()
	for {
		var frame clientFrame
		if err := c.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case "position_update":
			if err := sess.HandleLocationUpdate(ctx, frame.Position); err != nil {
				if errors.Is(err, ErrInvalidCoordinates) {
					reg.SendToUser(userID, errorFrame{Type: "error", Message: err.Error()})
				} else {
					log.Printf("track: location update for %s: %v", userID, err)
				}
			}
		case "geolocation_error":
			if frame.Error != nil {
				sess.HandleError(frame.Error.Code, frame.Error.Message)
			}
		case "config_update":
			if frame.Data != nil && frame.Data.Config != nil {
				sess.UpdateConfig(*frame.Data.Config)
			}
		default:
			log.Printf("track: ignoring unknown message type %q from %s", frame.Type, userID)
		}
	}
}
