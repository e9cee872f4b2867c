package httpapi

import (
	"github.com/gofiber/contrib/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// handleTaskEvents streams one task's deltas until the client disconnects
// or the task's subscription is torn down. Delivery is at-most-once; a
// client that falls behind re-syncs with GET /api/v1/tasks/:id.
func (s *Server) handleTaskEvents(c *websocket.Conn) {
	taskID := c.Params("id")
	ch, cancel := s.broadcaster.SubscribeTask(taskID)
	defer cancel()

	s.logger.Debug("Task event stream opened.", zap.String("task_id", taskID))
	s.pump(c, ch)
	s.logger.Debug("Task event stream closed.", zap.String("task_id", taskID))
}

// handleUserEvents streams deltas for every task belonging to one user.
func (s *Server) handleUserEvents(c *websocket.Conn) {
	userID := c.Params("id")
	ch, cancel := s.broadcaster.SubscribeUser(userID)
	defer cancel()

	s.logger.Debug("User event stream opened.", zap.String("user_id", userID))
	s.pump(c, ch)
	s.logger.Debug("User event stream closed.", zap.String("user_id", userID))
}

// pump forwards deltas to the socket until either side goes away. A reader
// goroutine detects client disconnects so the writer never blocks forever
// on a silent channel.
func (s *Server) pump(c *websocket.Conn, ch <-chan schemas.ProgressDelta) {
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case delta, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(delta)
			if err != nil {
				s.logger.Warn("Failed to encode delta.", zap.Error(err))
				continue
			}
			if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
