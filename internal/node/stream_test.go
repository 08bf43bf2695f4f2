package node

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/runtime"
	"github.com/devflow/devflow/internal/runtime/local"
	"github.com/devflow/devflow/internal/runtime/remote"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func isTerminalState(status v1.TaskStatus) bool {
	return status == v1.TaskStatusCompleted || status == v1.TaskStatusFailed || status == v1.TaskStatusCancelled
}

func TestStreamTask_PushesUpdatesUntilTerminal(t *testing.T) {
	spawner := newHoldSpawner()
	h := newTestNode(t, spawner)
	session := h.newSession(t, "alice")

	var state v1.TaskStateResponse
	status := postJSON(t, h.server.URL+"/api/runtime/tasks/submit", v1.SubmitTaskRequest{
		AgentType: "code-creator",
		Prompt:    "streamed work",
		SessionID: session.SessionID,
	}, &state)
	if status != http.StatusOK {
		t.Fatalf("submit returned status %d", status)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h.server.URL, "/api/runtime/tasks/"+state.TaskID+"/stream"), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// The first frame replays the current state while the spawner still
	// holds the task, so it cannot be terminal yet.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first v1.TaskStateResponse
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("reading first frame: %v", err)
	}
	if isTerminalState(first.State) {
		t.Fatalf("Expected a non-terminal first frame, got %s", first.State)
	}

	close(spawner.gate)

	last := first
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame v1.TaskStateResponse
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		last = frame
	}
	if last.State != v1.TaskStatusCompleted {
		t.Fatalf("Expected stream to end completed, got %s", last.State)
	}
	if last.Result != "held output" {
		t.Errorf("Expected spawner output, got %q", last.Result)
	}
	if !last.Success {
		t.Error("Terminal frame should report success")
	}
}

func TestStreamTask_UnknownTaskFailsHandshake(t *testing.T) {
	h := newTestNode(t, local.NewLoopbackSpawner())

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(h.server.URL, "/api/runtime/tasks/task-missing/stream"), nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected handshake to fail for unknown task")
	}
	if resp == nil {
		t.Fatal("Expected an HTTP handshake response")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 handshake response, got %d", resp.StatusCode)
	}
}

// drainUpdates consumes a transport stream until it closes.
func drainUpdates(t *testing.T, updates <-chan runtime.TaskState) runtime.TaskState {
	t.Helper()
	var last runtime.TaskState
	timeout := time.After(5 * time.Second)
	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return last
			}
			last = st
		case <-timeout:
			t.Fatalf("Stream never terminated; last %+v", last)
		}
	}
}

// The remote transport and the node server implement two ends of the same
// protocol; this drives a real client against a real server.
func TestRemoteClientAgainstNode(t *testing.T) {
	h := newTestNode(t, local.NewLoopbackSpawner())

	client := remote.NewClient(config.RuntimeConfig{
		RemoteURL:      h.server.URL,
		PollIntervalMs: 10,
		RequestTimeout: 5,
		UserID:         "ci",
		DeviceID:       "ci-box",
	}, h.logger)
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	state, err := client.SubmitTask(ctx, runtime.TaskRequest{
		AgentType: "code-creator",
		Prompt:    "round trip",
	})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if state.Status != v1.TaskStatusPending {
		t.Errorf("Expected pending submission, got %s", state.Status)
	}

	updates, err := client.StreamTaskUpdates(ctx, state.ID)
	if err != nil {
		t.Fatalf("StreamTaskUpdates failed: %v", err)
	}
	last := drainUpdates(t, updates)
	if last.Err != nil {
		t.Fatalf("Stream ended with transport error: %v", last.Err)
	}
	if last.Status != v1.TaskStatusCompleted {
		t.Fatalf("Expected completed, got %s", last.Status)
	}
	if !strings.Contains(last.Output, "code-creator") {
		t.Errorf("Expected loopback output, got %q", last.Output)
	}
	if last.Progress == nil || *last.Progress != 100 {
		t.Error("Completed state should synthesize progress 100")
	}

	queried, err := client.QueryTaskState(ctx, state.ID)
	if err != nil {
		t.Fatalf("QueryTaskState failed: %v", err)
	}
	if queried == nil || queried.Status != v1.TaskStatusCompleted {
		t.Fatalf("Expected completed queried state, got %+v", queried)
	}

	agents, err := client.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	found := false
	for _, a := range agents {
		if a.ID == "code-creator" {
			found = true
		}
	}
	if !found {
		t.Error("Expected code-creator from the node registry")
	}
}
