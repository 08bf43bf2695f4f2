// Package remote speaks the pkg/api/v1 runtime protocol to an execution
// node over HTTP. The client caches one session per connection and observes
// task progress by polling, yielding an update per status change.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/common/tracing"
	"github.com/devflow/devflow/internal/runtime"
	"github.com/devflow/devflow/internal/task/taskerr"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

const (
	defaultPollInterval   = 1000 * time.Millisecond
	defaultRequestTimeout = 30 * time.Second
)

var _ runtime.Transport = (*Client)(nil)

// Client is the remote transport adapter.
type Client struct {
	baseURL      string
	userID       string
	deviceID     string
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *logger.Logger
	tracer       trace.Tracer

	mu        sync.Mutex
	sessionID string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Tests point it at a fake node.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithPollInterval overrides the stream poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) { c.pollInterval = interval }
}

// NewClient creates a remote transport for the configured execution node.
func NewClient(cfg config.RuntimeConfig, log *logger.Logger, opts ...Option) *Client {
	pollInterval := cfg.PollInterval()
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	timeout := cfg.RequestTimeoutDuration()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	c := &Client{
		baseURL:      strings.TrimRight(cfg.RemoteURL, "/"),
		userID:       cfg.UserID,
		deviceID:     cfg.DeviceID,
		pollInterval: pollInterval,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       log.WithComponent("remote-transport"),
		tracer:       tracing.Tracer("devflow-remote-transport"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes a session with the execution node and caches its id.
// Connecting with a session already cached is a no-op until Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.sessionID != "" {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "remote.connect")
	defer span.End()

	endpoint := c.baseURL + "/api/runtime/sessions"
	if c.userID != "" || c.deviceID != "" {
		query := url.Values{}
		if c.userID != "" {
			query.Set("user_id", c.userID)
		}
		if c.deviceID != "" {
			query.Set("device_id", c.deviceID)
		}
		endpoint += "?" + query.Encode()
	}

	var session v1.SessionResponse
	if err := c.postJSON(ctx, endpoint, nil, &session); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if session.SessionID == "" {
		return fmt.Errorf("connect: node returned no session id")
	}

	c.mu.Lock()
	c.sessionID = session.SessionID
	c.mu.Unlock()
	span.SetAttributes(attribute.String("session.id", session.SessionID))
	c.logger.Info("Connected to execution node",
		zap.String("base_url", c.baseURL),
		zap.String("session_id", session.SessionID))
	return nil
}

// ensureSession connects if needed and returns the cached session id.
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	if err := c.Connect(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, nil
}

// SubmitTask connects if needed and submits the task to the node. The node
// answers with the task in pending; execution is remote and asynchronous.
func (c *Client) SubmitTask(ctx context.Context, req runtime.TaskRequest) (*runtime.TaskState, error) {
	sessionID, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "remote.submit_task",
		trace.WithAttributes(attribute.String("agent.type", req.AgentType)))
	defer span.End()

	body := v1.SubmitTaskRequest{
		AgentType: req.AgentType,
		Prompt:    req.Prompt,
		Context:   req.Context,
		SessionID: sessionID,
	}
	var state v1.TaskStateResponse
	if err := c.postJSON(ctx, c.baseURL+"/api/runtime/tasks/submit", body, &state); err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	span.SetAttributes(attribute.String("task.id", state.TaskID))
	c.logger.Debug("Submitted task to node",
		zap.String("task_id", state.TaskID),
		zap.String("agent_type", req.AgentType))
	return stateFromResponse(&state), nil
}

// QueryTaskState fetches the task's current state. An unknown task, any
// non-2xx answer, and a network failure all come back as nil without error.
func (c *Client) QueryTaskState(ctx context.Context, taskID string) (*runtime.TaskState, error) {
	ctx, span := c.tracer.Start(ctx, "remote.query_task_state",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	state, err := c.fetchState(ctx, taskID)
	if err != nil {
		c.logger.Debug("Task state query failed",
			zap.String("task_id", taskID),
			zap.Error(err))
		return nil, nil
	}
	return stateFromResponse(state), nil
}

// CancelTask asks the node to cancel the task. The node's verdict is
// returned on 2xx; any other answer is false.
func (c *Client) CancelTask(ctx context.Context, taskID string) (bool, error) {
	sessionID, err := c.ensureSession(ctx)
	if err != nil {
		return false, err
	}

	ctx, span := c.tracer.Start(ctx, "remote.cancel_task",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	body := v1.CancelTaskRequest{SessionID: sessionID}
	var result v1.CancelTaskResponse
	if err := c.postJSON(ctx, c.baseURL+"/api/runtime/tasks/"+taskID+"/cancel", body, &result); err != nil {
		c.logger.Debug("Cancel request failed",
			zap.String("task_id", taskID),
			zap.Error(err))
		return false, nil
	}
	return result.Success, nil
}

// ListAgents fetches the agent roles the node can run.
func (c *Client) ListAgents(ctx context.Context) ([]runtime.AgentInfo, error) {
	ctx, span := c.tracer.Start(ctx, "remote.list_agents")
	defer span.End()

	var responses []v1.AgentResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/runtime/agents", &responses); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := make([]runtime.AgentInfo, 0, len(responses))
	for _, r := range responses {
		agents = append(agents, runtime.AgentInfo{
			ID:           r.AgentType,
			Name:         r.Name,
			Description:  r.Description,
			Capabilities: r.Capabilities,
		})
	}
	return agents, nil
}

// ListSkills fetches the skills the node exposes.
func (c *Client) ListSkills(ctx context.Context) ([]runtime.SkillInfo, error) {
	ctx, span := c.tracer.Start(ctx, "remote.list_skills")
	defer span.End()

	var responses []v1.SkillResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/runtime/skills", &responses); err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	skills := make([]runtime.SkillInfo, 0, len(responses))
	for _, r := range responses {
		skills = append(skills, runtime.SkillInfo{
			ID:          r.SkillID,
			Name:        r.Name,
			Description: r.Description,
			Dangerous:   r.Dangerous,
		})
	}
	return skills, nil
}

// Close drops the cached session. The node keeps the session until it
// expires; no revocation is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	return nil
}

// fetchState GETs the task state endpoint and decodes the response.
func (c *Client) fetchState(ctx context.Context, taskID string) (*v1.TaskStateResponse, error) {
	var state v1.TaskStateResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/runtime/tasks/"+taskID+"/state", &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", taskerr.ErrTransportUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		return fmt.Errorf("%w: read response body: %v", taskerr.ErrTransportUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, truncateBody(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response (status %d, body: %s): %w", resp.StatusCode, truncateBody(respBody), err)
	}
	return nil
}

func stateFromResponse(resp *v1.TaskStateResponse) *runtime.TaskState {
	return &runtime.TaskState{
		ID:     resp.TaskID,
		Status: resp.State,
		Output: resp.Result,
		Error:  resp.Error,
	}
}

// readResponseBody reads and returns the response body.
func readResponseBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// truncateBody truncates body for error messages to avoid huge logs.
func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
