package node

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devflow/devflow/internal/runtime"
	"github.com/devflow/devflow/internal/security"
	"github.com/devflow/devflow/internal/task/taskerr"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// createSession provisions a local identity for the caller and opens a
// session with the default developer role. Remote callers identify
// themselves only by user_id and device_id query parameters.
func (s *Server) createSession(c *gin.Context) {
	ctx := c.Request.Context()

	userID := c.Query("user_id")
	if userID == "" {
		userID = "anonymous"
	}

	user, err := s.security.AuthenticateUser(ctx, security.ProviderLocal, map[string]string{"username": userID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "authenticate user: " + err.Error()})
		return
	}
	device, err := s.security.VerifyDevice(ctx, c.Query("device_id"), security.DeviceServer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "verify device: " + err.Error()})
		return
	}
	session, err := s.security.CreateSession(ctx, user.ID, device.ID, []string{security.RoleDeveloper})
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "create session: " + err.Error()})
		return
	}

	perms := s.security.GetEffectivePermissions(session)
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	granted := session.GrantedAt.UTC().Format(time.RFC3339)
	c.JSON(http.StatusOK, v1.SessionResponse{
		SessionID:    session.ID,
		UserID:       user.ID,
		CreatedAt:    granted,
		LastActivity: granted,
		Permissions:  names,
	})
}

func (s *Server) submitTask(c *gin.Context) {
	var req v1.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	if s.security.GetSession(ctx, req.SessionID) == nil {
		c.JSON(http.StatusUnauthorized, v1.ErrorResponse{Error: "unknown session " + req.SessionID})
		return
	}
	if check := s.security.CheckPermission(ctx, req.SessionID, security.PermTaskSubmit, ""); !check.Allowed {
		c.JSON(http.StatusForbidden, v1.ErrorResponse{Error: check.Reason})
		return
	}

	state, err := s.transport.SubmitTask(ctx, runtime.TaskRequest{
		AgentType: req.AgentType,
		Prompt:    req.Prompt,
		Context:   req.Context,
		SessionID: req.SessionID,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, taskStateResponse(*state))
}

func (s *Server) taskState(c *gin.Context) {
	id := c.Param("id")
	state, err := s.transport.QueryTaskState(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: err.Error()})
		return
	}
	if state == nil {
		c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: "task " + id + " not found"})
		return
	}
	c.JSON(http.StatusOK, taskStateResponse(*state))
}

// cancelTask asks the transport to cancel. When the caller supplies a
// session, the cancel permission is enforced; bodyless cancels are allowed
// for operational tooling on the node itself.
func (s *Server) cancelTask(c *gin.Context) {
	id := c.Param("id")

	var req v1.CancelTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request: " + err.Error()})
			return
		}
	}
	ctx := c.Request.Context()
	if req.SessionID != "" {
		if check := s.security.CheckPermission(ctx, req.SessionID, security.PermTaskCancel, id); !check.Allowed {
			c.JSON(http.StatusForbidden, v1.ErrorResponse{Error: check.Reason})
			return
		}
	}

	cancelled, err := s.transport.CancelTask(ctx, id)
	if err != nil {
		if errors.Is(err, taskerr.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, v1.CancelTaskResponse{Success: cancelled, TaskID: id})
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.transport.ListAgents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: err.Error()})
		return
	}
	out := make([]v1.AgentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, v1.AgentResponse{
			AgentType:    a.ID,
			Name:         a.Name,
			Description:  a.Description,
			Capabilities: a.Capabilities,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listSkills(c *gin.Context) {
	skills, err := s.transport.ListSkills(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: err.Error()})
		return
	}
	out := make([]v1.SkillResponse, 0, len(skills))
	for _, sk := range skills {
		out = append(out, v1.SkillResponse{
			SkillID:     sk.ID,
			Name:        sk.Name,
			Description: sk.Description,
			Dangerous:   sk.Dangerous,
		})
	}
	c.JSON(http.StatusOK, out)
}

// taskStateResponse maps a transport state onto the wire shape. Progress
// rides in metadata so the response stays stable across protocol versions.
func taskStateResponse(st runtime.TaskState) v1.TaskStateResponse {
	resp := v1.TaskStateResponse{
		TaskID:        st.ID,
		ExecutionUUID: st.ID,
		State:         st.Status,
		Success:       st.Status == v1.TaskStatusCompleted,
		Result:        st.Output,
		Error:         st.Error,
	}
	if st.Progress != nil {
		resp.Metadata = map[string]any{"progress": *st.Progress}
	}
	return resp
}
