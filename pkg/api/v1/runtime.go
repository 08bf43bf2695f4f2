package v1

// Wire types for the runtime execution protocol. A remote transport client
// and an execution node server exchange exactly these shapes; the task status
// vocabulary is shared verbatim on both sides.

// SessionResponse is returned by POST /api/runtime/sessions.
type SessionResponse struct {
	SessionID    string   `json:"session_id"`
	UserID       string   `json:"user_id"`
	CreatedAt    string   `json:"created_at"`
	LastActivity string   `json:"last_activity"`
	Permissions  []string `json:"permissions"`
}

// SubmitTaskRequest is the body of POST /api/runtime/tasks/submit.
type SubmitTaskRequest struct {
	AgentType string            `json:"agent_type" binding:"required"`
	Prompt    string            `json:"prompt" binding:"required"`
	Context   map[string]string `json:"context,omitempty"`
	SessionID string            `json:"session_id" binding:"required"`
}

// TaskStateResponse describes a task as seen over the wire. State carries one
// of the seven task status strings.
type TaskStateResponse struct {
	TaskID        string         `json:"task_id"`
	ExecutionUUID string         `json:"execution_uuid"`
	State         TaskStatus     `json:"state"`
	Success       bool           `json:"success"`
	Result        string         `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CancelTaskRequest is the body of POST /api/runtime/tasks/{id}/cancel.
type CancelTaskRequest struct {
	SessionID string `json:"session_id"`
}

// CancelTaskResponse reports whether the remote accepted the cancellation.
type CancelTaskResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
}

// AgentResponse describes an available agent role.
type AgentResponse struct {
	AgentType    string   `json:"agent_type"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// SkillResponse describes an executable skill.
type SkillResponse struct {
	SkillID     string `json:"skill_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Dangerous   bool   `json:"dangerous,omitempty"`
}

// RuntimeStatusResponse is the facade's health and counters snapshot.
type RuntimeStatusResponse struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveTasks   int    `json:"active_tasks"`
	TotalTasks    int64  `json:"total_tasks"`
	Mode          string `json:"mode"`
	Healthy       bool   `json:"healthy"`
}

// ErrorResponse is the uniform error body for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
