// Package httpapi binds the engine to HTTP and websocket callers: REST for
// submit/snapshot/cancel, websockets for the push delta streams.
package httpapi

import (
	"context"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/broadcast"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/store"
)

// TaskService is the slice of the engine the transport consumes.
type TaskService interface {
	Submit(ctx context.Context, userID, goal string) (string, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
	Snapshot(ctx context.Context, taskID string) (*schemas.Task, error)
	List(ctx context.Context, userID string) ([]*schemas.Task, error)
}

// Server hosts the fiber application.
type Server struct {
	logger      *zap.Logger
	cfg         config.ServerConfig
	app         *fiber.App
	tasks       TaskService
	broadcaster *broadcast.Broadcaster
}

// NewServer builds the app and registers all routes.
func NewServer(cfg config.ServerConfig, tasks TaskService, broadcaster *broadcast.Broadcaster, logger *zap.Logger) *Server {
	s := &Server{
		logger:      logger.Named("httpapi"),
		cfg:         cfg,
		tasks:       tasks,
		broadcaster: broadcaster,
	}

	s.app = fiber.New(fiber.Config{
		AppName:      "taskpilot",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorHandler: s.errorHandler,
		// Websocket streams outlive the write timeout; fiber only applies it
		// to non-hijacked responses.
		DisableStartupMessage: true,
	})

	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.app.Group("/api/v1")

	api.Post("/tasks", s.handleSubmit)
	api.Get("/tasks", s.handleList)
	api.Get("/tasks/:id", s.handleSnapshot)
	api.Delete("/tasks/:id", s.handleCancel)

	// Websocket upgrade gate for the event streams.
	upgrade := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
	api.Get("/tasks/:id/events", upgrade, websocket.New(s.handleTaskEvents))
	api.Get("/users/:id/events", upgrade, websocket.New(s.handleUserEvents))

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

// Listen blocks serving requests until Shutdown is called.
func (s *Server) Listen() error {
	s.logger.Info("HTTP API listening.", zap.String("addr", s.cfg.Listen))
	return s.app.Listen(s.cfg.Listen)
}

// Shutdown drains connections within the configured timeout.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(s.cfg.ShutdownTimeout)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}
	if code == fiber.StatusInternalServerError {
		s.logger.Error("Request failed.", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusForStoreErr(err error) error {
	if errors.Is(err, store.ErrTaskNotFound) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return err
}
