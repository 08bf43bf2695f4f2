package node

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/task/taskerr"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// streamTask upgrades to a websocket and pushes one TaskStateResponse per
// status change until the task reaches a terminal state. A failed stream is
// reported as a final ErrorResponse frame before the connection closes.
func (s *Server) streamTask(c *gin.Context) {
	id := c.Param("id")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	updates, err := s.transport.StreamTaskUpdates(ctx, id)
	if err != nil {
		if errors.Is(err, taskerr.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("failed to close task stream websocket", zap.Error(err))
		}
	}()

	s.logger.Debug("Task stream connected", zap.String("task_id", id))

	// No inbound messages are expected; the read pump only detects
	// client disconnects so the transport stream gets released.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for st := range updates {
		if st.Err != nil {
			if err := conn.WriteJSON(v1.ErrorResponse{Error: st.Err.Error()}); err != nil {
				s.logger.Debug("task stream error write failed", zap.Error(err))
			}
			return
		}
		if err := conn.WriteJSON(taskStateResponse(st)); err != nil {
			s.logger.Debug("task stream write error", zap.String("task_id", id), zap.Error(err))
			return
		}
	}
}
