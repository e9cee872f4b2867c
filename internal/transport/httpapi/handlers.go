package httpapi

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type submitRequest struct {
	UserID string `json:"user_id"`
	Goal   string `json:"goal"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type cancelResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

func (s *Server) handleSubmit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Goal) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "user_id and goal are required")
	}

	taskID, err := s.tasks.Submit(c.Context(), req.UserID, req.Goal)
	if err != nil {
		return err
	}

	s.logger.Info("Task accepted.", zap.String("task_id", taskID), zap.String("user_id", req.UserID))
	return c.Status(fiber.StatusAccepted).JSON(submitResponse{TaskID: taskID})
}

func (s *Server) handleSnapshot(c *fiber.Ctx) error {
	task, err := s.tasks.Snapshot(c.Context(), c.Params("id"))
	if err != nil {
		return statusForStoreErr(err)
	}
	return c.JSON(task)
}

func (s *Server) handleList(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "user_id query parameter is required")
	}

	tasks, err := s.tasks.List(c.Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"tasks": tasks})
}

// handleCancel is idempotent: cancelling a task that already reached a
// terminal status reports cancelled=false rather than an error.
func (s *Server) handleCancel(c *fiber.Ctx) error {
	id := c.Params("id")
	cancelled, err := s.tasks.Cancel(c.Context(), id)
	if err != nil {
		return statusForStoreErr(err)
	}
	return c.JSON(cancelResponse{TaskID: id, Cancelled: cancelled})
}
