package stream

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes mounts the watcher endpoint. The feed carries live
// positions, so watchers must authenticate like any other client.
func RegisterRoutes(r fiber.Router, hub *Hub, authMiddleware fiber.Handler) {
	r.Get("/ws/:userID", authMiddleware, websocket.New(func(c *websocket.Conn) {
		userID := c.Params("userID")
		w := hub.Register(userID)
		defer hub.Unregister(w)

		done := make(chan struct{})
		go func() {
			for msg := range w.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					break
				}
			}
			close(done)
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		<-done
	}))
}
