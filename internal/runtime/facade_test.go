package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devflow/devflow/internal/common/logger"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// fakeTransport scripts transport behavior and counts calls.
type fakeTransport struct {
	submitErr error
	active    int
	closed    bool
	submits   int
}

func (f *fakeTransport) SubmitTask(ctx context.Context, req TaskRequest) (*TaskState, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submits++
	return &TaskState{ID: "t-1", Status: v1.TaskStatusPending}, nil
}

func (f *fakeTransport) StreamTaskUpdates(ctx context.Context, taskID string) (<-chan TaskState, error) {
	ch := make(chan TaskState)
	close(ch)
	return ch, nil
}

func (f *fakeTransport) QueryTaskState(ctx context.Context, taskID string) (*TaskState, error) {
	return nil, nil
}

func (f *fakeTransport) CancelTask(ctx context.Context, taskID string) (bool, error) {
	return false, nil
}

func (f *fakeTransport) ListAgents(ctx context.Context) ([]AgentInfo, error) { return nil, nil }

func (f *fakeTransport) ListSkills(ctx context.Context) ([]SkillInfo, error) { return nil, nil }

func (f *fakeTransport) ActiveTasks(ctx context.Context) int { return f.active }

func (f *fakeTransport) Close() error { f.closed = true; return nil }

func newTestFacade(t *testing.T, transport Transport, opts ...FacadeOption) *Facade {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return NewFacade(transport, "local-only", log, opts...)
}

func TestFacade_CountsSubmissions(t *testing.T) {
	transport := &fakeTransport{}
	facade := newTestFacade(t, transport)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := facade.SubmitTask(ctx, TaskRequest{AgentType: "code-creator", Prompt: "x"}); err != nil {
			t.Fatalf("SubmitTask failed: %v", err)
		}
	}
	status := facade.GetStatus(ctx)
	if status.TotalTasks != 3 {
		t.Errorf("Expected 3 total tasks, got %d", status.TotalTasks)
	}
}

func TestFacade_FailedSubmissionNotCounted(t *testing.T) {
	transport := &fakeTransport{submitErr: errors.New("backend down")}
	facade := newTestFacade(t, transport)
	ctx := context.Background()

	if _, err := facade.SubmitTask(ctx, TaskRequest{}); err == nil {
		t.Fatal("Expected the transport error to propagate")
	}
	if status := facade.GetStatus(ctx); status.TotalTasks != 0 {
		t.Errorf("Expected failed submissions to stay uncounted, got %d", status.TotalTasks)
	}
}

func TestFacade_StatusSnapshot(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	transport := &fakeTransport{active: 2}
	facade := newTestFacade(t, transport,
		WithVersion("1.2.3"),
		WithFacadeClock(func() time.Time { return now }),
	)

	now = now.Add(90 * time.Second)
	status := facade.GetStatus(context.Background())
	if status.Version != "1.2.3" {
		t.Errorf("Expected version 1.2.3, got %s", status.Version)
	}
	if status.UptimeSeconds != 90 {
		t.Errorf("Expected 90s uptime, got %d", status.UptimeSeconds)
	}
	if status.ActiveTasks != 2 {
		t.Errorf("Expected 2 active tasks, got %d", status.ActiveTasks)
	}
	if status.Mode != "local-only" {
		t.Errorf("Expected local-only mode, got %s", status.Mode)
	}
	if !status.Healthy {
		t.Error("Expected a fresh facade to be healthy")
	}
}

func TestFacade_CloseMarksUnhealthy(t *testing.T) {
	transport := &fakeTransport{}
	facade := newTestFacade(t, transport)

	if err := facade.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !transport.closed {
		t.Error("Expected the transport to be closed")
	}
	if status := facade.GetStatus(context.Background()); status.Healthy {
		t.Error("Expected a closed facade to be unhealthy")
	}

	// Close is idempotent.
	if err := facade.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
}
