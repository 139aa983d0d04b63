package server

import (
	"encoding/json"

	"cargolink-tracker/internal/client"
	"cargolink-tracker/internal/config"
	"cargolink-tracker/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Server is the local view surface: health, per-booking snapshots and
// the live websocket relay for UI consumers.
type Server struct {
	App     *fiber.App
	Cfg     config.Config
	Tracker *client.Client
}

func NewServer(cfg config.Config, tracker *client.Client) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:     app,
		Cfg:     cfg,
		Tracker: tracker,
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":     "ok",
			"connection": string(s.Tracker.Connection().State()),
		})
	})

	s.App.Get("/sessions/:bookingID", func(c *fiber.Ctx) error {
		snap, ok := s.Tracker.Snapshot(c.Params("bookingID"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "booking not tracked")
		}
		return c.JSON(snap)
	})

	s.App.Get("/sessions/:bookingID/history", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 50)
		samples, enabled, err := s.Tracker.History(c.Context(), c.Params("bookingID"), limit)
		if !enabled {
			return fiber.NewError(fiber.StatusNotFound, "history disabled")
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "history query failed")
		}
		return c.JSON(samples)
	})

	stream.RegisterRoutes(s.App.Group("/stream"), s.Tracker.Hub(), func(bookingID string) ([]byte, bool) {
		snap, ok := s.Tracker.Snapshot(bookingID)
		if !ok {
			return nil, false
		}
		frame, err := json.Marshal(snap)
		if err != nil {
			return nil, false
		}
		return frame, true
	})
}
