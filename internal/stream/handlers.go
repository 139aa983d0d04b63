package stream

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// SnapshotFunc returns the current reconciled state for a booking, so
// late-joining viewers get a frame immediately instead of waiting for
// the next accepted sample.
type SnapshotFunc func(bookingID string) ([]byte, bool)

func RegisterRoutes(r fiber.Router, hub *Hub, snapshot SnapshotFunc) {
	r.Get("/ws/:bookingID", websocket.New(func(c *websocket.Conn) {
		bookingID := c.Params("bookingID")
		client := hub.Register(bookingID)
		defer hub.Unregister(client)

		if snapshot != nil {
			if frame, ok := snapshot(bookingID); ok {
				if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		}

		done := make(chan struct{})
		go func() {
			for msg := range client.Send {
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
