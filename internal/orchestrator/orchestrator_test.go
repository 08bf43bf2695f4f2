package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devflow/devflow/internal/agent/registry"
	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/runtime"
	"github.com/devflow/devflow/internal/security"
	"github.com/devflow/devflow/internal/task/engine"
	"github.com/devflow/devflow/internal/task/models"
	"github.com/devflow/devflow/internal/task/store"
	"github.com/devflow/devflow/internal/task/taskerr"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// stubSpawner scripts collaborator outcomes per step description. The
// outcome maps are read-only after construction; a non-nil gate holds every
// spawn until it closes.
type stubSpawner struct {
	mu       sync.Mutex
	requests []runtime.SpawnRequest
	rejectOn map[string]string
	errorOn  map[string]string
	panicOn  map[string]string
	gate     chan struct{}
}

func (s *stubSpawner) SpawnSubagent(ctx context.Context, req runtime.SpawnRequest) (*runtime.SpawnResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if msg, ok := s.panicOn[req.Label]; ok {
		panic(msg)
	}
	if msg, ok := s.errorOn[req.Label]; ok {
		return nil, errors.New(msg)
	}
	if msg, ok := s.rejectOn[req.Label]; ok {
		return &runtime.SpawnResult{Status: runtime.SpawnRejected, Error: msg}, nil
	}
	return &runtime.SpawnResult{
		Status:          runtime.SpawnAccepted,
		ChildSessionKey: "child-" + req.AgentID,
		Output:          "output of " + req.Label,
	}, nil
}

func (s *stubSpawner) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubSpawner) requestByLabel(t *testing.T, label string) runtime.SpawnRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.requests {
		if req.Label == label {
			return req
		}
	}
	t.Fatalf("No spawn recorded for %q", label)
	return runtime.SpawnRequest{}
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newTestOrchestrator(t *testing.T, spawner runtime.Spawner, opts ...Option) (*Orchestrator, *engine.Engine) {
	t.Helper()
	log := newTestLogger(t)
	reg := registry.New(log)
	if err := reg.LoadBuiltins(); err != nil {
		t.Fatalf("LoadBuiltins failed: %v", err)
	}
	eng := engine.New(store.NewMemory(), log)
	opts = append(opts, WithMetrics(MustNewMetrics(prometheus.NewRegistry())))
	return New(eng, spawner, reg, log, opts...), eng
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition never became true")
}

// assertLifecycleJournal verifies the canonical happy-path journal: created
// first, the three lifecycle transitions in order, and at least one output.
func assertLifecycleJournal(t *testing.T, eng *engine.Engine, taskID string) {
	t.Helper()
	evs, err := eng.Events(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Events failed for %s: %v", taskID, err)
	}
	if len(evs) == 0 || evs[0].Kind != models.EventCreated {
		t.Fatalf("Journal of %s does not start with created", taskID)
	}

	var transitions []string
	outputs := 0
	for _, ev := range evs {
		switch ev.Kind {
		case models.EventStatusChanged:
			transitions = append(transitions, fmt.Sprintf("%s>%s", *ev.OldStatus, *ev.NewStatus))
		case models.EventOutputAdded:
			outputs++
		}
	}
	want := []string{"pending>planning", "planning>running", "running>completed"}
	if !reflect.DeepEqual(transitions, want) {
		t.Errorf("Task %s transitions %v, want %v", taskID, transitions, want)
	}
	if outputs == 0 {
		t.Errorf("Task %s journal has no output_added", taskID)
	}
}

func TestCreateWorkflow_BuildsBidirectionalGraph(t *testing.T) {
	o, _ := newTestOrchestrator(t, &stubSpawner{})

	wf, err := o.CreateWorkflow(context.Background(), []Step{
		{Role: "architecture-advisor", Description: "Design"},
		{Role: "code-creator", Description: "Build", DependsOn: []string{"Design"}},
		{Role: "code-reviewer", Description: "Review", DependsOn: []string{"Build"}},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if wf.Status != WorkflowPending {
		t.Errorf("Expected pending workflow, got %s", wf.Status)
	}
	if len(wf.Order) != 3 {
		t.Fatalf("Expected 3 tasks, got %d", len(wf.Order))
	}

	design, build, review := wf.Order[0], wf.Order[1], wf.Order[2]
	if got := wf.Prereqs[build]; !reflect.DeepEqual(got, []string{design}) {
		t.Errorf("Build prereqs %v, want [%s]", got, design)
	}
	if got := wf.Dependents[design]; !reflect.DeepEqual(got, []string{build}) {
		t.Errorf("Design dependents %v, want [%s]", got, build)
	}
	if got := wf.Dependents[review]; len(got) != 0 {
		t.Errorf("Review should have no dependents, got %v", got)
	}
	for _, id := range wf.Order {
		if wf.Tasks[id].Status != v1.TaskStatusPending {
			t.Errorf("Task %s created as %s, want pending", id, wf.Tasks[id].Status)
		}
	}
}

func TestCreateWorkflow_DanglingDependencyIsDropped(t *testing.T) {
	o, _ := newTestOrchestrator(t, &stubSpawner{})

	wf, err := o.CreateWorkflow(context.Background(), []Step{
		{Role: "code-creator", Description: "Build"},
		{Role: "code-reviewer", Description: "Review", DependsOn: []string{"No such step"}},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if got := wf.Prereqs[wf.Order[1]]; len(got) != 0 {
		t.Errorf("Unresolved dependency should be dropped, got prereqs %v", got)
	}
}

func TestCreateWorkflow_CyclicIsRejected(t *testing.T) {
	o, eng := newTestOrchestrator(t, &stubSpawner{})

	_, err := o.CreateWorkflow(context.Background(), []Step{
		{Role: "code-creator", Description: "X", DependsOn: []string{"Y"}},
		{Role: "code-reviewer", Description: "Y", DependsOn: []string{"X"}},
	})
	if !errors.Is(err, taskerr.ErrWorkflowCyclic) {
		t.Fatalf("Expected ErrWorkflowCyclic, got %v", err)
	}

	tasks, err := eng.List(context.Background(), models.Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("Cyclic creation stored %d tasks, want none", len(tasks))
	}
}

func TestExecuteWorkflow_HappyChain(t *testing.T) {
	spawner := &stubSpawner{}
	o, eng := newTestOrchestrator(t, spawner)
	ctx := context.Background()

	wf, err := o.CreateWorkflow(ctx, []Step{
		{Role: "architecture-advisor", Description: "Design the service"},
		{Role: "code-creator", Description: "Implement the service", DependsOn: []string{"Design the service"}},
		{Role: "test-generator", Description: "Write tests", DependsOn: []string{"Implement the service"}},
		{Role: "code-reviewer", Description: "Review the result", DependsOn: []string{"Write tests"}},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}

	if err := o.ExecuteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	final, err := o.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if final.Status != WorkflowCompleted {
		t.Fatalf("Expected completed workflow, got %s", final.Status)
	}
	for _, taskID := range final.Order {
		task := final.Tasks[taskID]
		if task.Status != v1.TaskStatusCompleted {
			t.Errorf("Task %q is %s, want completed", task.Description, task.Status)
		}
		if task.Output == "" {
			t.Errorf("Task %q has no output", task.Description)
		}
		if task.SessionID == "" {
			t.Errorf("Task %q missing collaborator session handle", task.Description)
		}
		assertLifecycleJournal(t, eng, taskID)
	}

	implement := spawner.requestByLabel(t, "Implement the service")
	if !strings.HasPrefix(implement.Task, "Implement the service") {
		t.Errorf("Assembled input should start with the description, got %q", implement.Task)
	}
	if !strings.Contains(implement.Task, "output of Design the service") {
		t.Errorf("Assembled input missing prerequisite output: %q", implement.Task)
	}
	if implement.AgentID != "code-creator" {
		t.Errorf("Expected code-creator spawn, got %s", implement.AgentID)
	}
	if implement.Model == "" {
		t.Error("Spawn request should carry the role model tag")
	}
}

func TestExecuteWorkflow_MidWaveFailureIsolates(t *testing.T) {
	spawner := &stubSpawner{rejectOn: map[string]string{"Fix the bug": "collaborator refused"}}
	o, _ := newTestOrchestrator(t, spawner)
	ctx := context.Background()

	wf, err := o.CreateWorkflow(ctx, []Step{
		{Role: "bug-analyzer", Description: "Analyze the bug"},
		{Role: "code-creator", Description: "Fix the bug", DependsOn: []string{"Analyze the bug"}},
		{Role: "test-generator", Description: "Cover the bug", DependsOn: []string{"Analyze the bug"}},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if err := o.ExecuteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	final, err := o.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if final.Status != WorkflowFailed {
		t.Fatalf("Expected failed workflow, got %s", final.Status)
	}

	byDescription := make(map[string]*models.Task)
	for _, task := range final.Tasks {
		byDescription[task.Description] = task
	}
	if got := byDescription["Analyze the bug"].Status; got != v1.TaskStatusCompleted {
		t.Errorf("Analyze is %s, want completed", got)
	}
	fix := byDescription["Fix the bug"]
	if fix.Status != v1.TaskStatusFailed {
		t.Errorf("Fix is %s, want failed", fix.Status)
	}
	if fix.Error != "collaborator refused" {
		t.Errorf("Fix error %q, want the collaborator message", fix.Error)
	}
	if got := byDescription["Cover the bug"].Status; got != v1.TaskStatusCompleted {
		t.Errorf("Cover is %s, want completed despite sibling failure", got)
	}
}

func TestExecuteWorkflow_FailedPrereqStillUnblocks(t *testing.T) {
	spawner := &stubSpawner{errorOn: map[string]string{"Build": "toolchain exploded"}}
	o, _ := newTestOrchestrator(t, spawner)
	ctx := context.Background()

	wf, err := o.CreateWorkflow(ctx, []Step{
		{Role: "code-creator", Description: "Build"},
		{Role: "code-reviewer", Description: "Review", DependsOn: []string{"Build"}},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if err := o.ExecuteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	final, _ := o.GetWorkflow(ctx, wf.ID)
	if final.Status != WorkflowFailed {
		t.Fatalf("Expected failed workflow, got %s", final.Status)
	}
	build := final.Tasks[wf.Order[0]]
	review := final.Tasks[wf.Order[1]]
	if build.Status != v1.TaskStatusFailed || build.Error != "toolchain exploded" {
		t.Errorf("Build %s (%q), want failed with the spawn error", build.Status, build.Error)
	}
	if review.Status != v1.TaskStatusCompleted {
		t.Errorf("Review is %s; a failed prerequisite still unblocks dependents", review.Status)
	}
	// The failed prerequisite contributed no output to the assembled input.
	reviewReq := spawner.requestByLabel(t, "Review")
	if reviewReq.Task != "Review" {
		t.Errorf("Review input %q should carry no prerequisite output", reviewReq.Task)
	}
}

func TestExecuteWorkflow_CollaboratorPanicIsCaptured(t *testing.T) {
	spawner := &stubSpawner{panicOn: map[string]string{"Risky step": "index out of range"}}
	o, _ := newTestOrchestrator(t, spawner)
	ctx := context.Background()

	wf, err := o.CreateWorkflow(ctx, []Step{
		{Role: "code-creator", Description: "Risky step"},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if err := o.ExecuteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	final, _ := o.GetWorkflow(ctx, wf.ID)
	task := final.Tasks[wf.Order[0]]
	if task.Status != v1.TaskStatusFailed {
		t.Fatalf("Expected failed task, got %s", task.Status)
	}
	if !strings.Contains(task.Error, "index out of range") {
		t.Errorf("Expected the panic message in the task error, got %q", task.Error)
	}
}

func TestExecuteWorkflow_StuckWhenPrereqCancelled(t *testing.T) {
	o, eng := newTestOrchestrator(t, &stubSpawner{})
	ctx := context.Background()

	wf, err := o.CreateWorkflow(ctx, []Step{
		{Role: "code-creator", Description: "Build"},
		{Role: "code-reviewer", Description: "Review", DependsOn: []string{"Build"}},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if _, err := eng.Cancel(ctx, wf.Order[0]); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	err = o.ExecuteWorkflow(ctx, wf.ID)
	if !errors.Is(err, taskerr.ErrWorkflowStuck) {
		t.Fatalf("Expected ErrWorkflowStuck, got %v", err)
	}
	final, _ := o.GetWorkflow(ctx, wf.ID)
	if final.Status != WorkflowFailed {
		t.Errorf("Stuck workflow should be failed, got %s", final.Status)
	}
}

// barrierSpawner only releases once the expected number of spawns have
// arrived, so a serialized wave would starve and fail the workflow.
type barrierSpawner struct {
	mu      sync.Mutex
	arrived int
	want    int
	release chan struct{}
}

func (b *barrierSpawner) SpawnSubagent(ctx context.Context, req runtime.SpawnRequest) (*runtime.SpawnResult, error) {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.want {
		close(b.release)
	}
	b.mu.Unlock()

	select {
	case <-b.release:
	case <-time.After(5 * time.Second):
		return nil, errors.New("wave was not dispatched in parallel")
	}
	return &runtime.SpawnResult{Status: runtime.SpawnAccepted, Output: "done"}, nil
}

func TestExecuteWorkflow_WaveRunsInParallel(t *testing.T) {
	spawner := &barrierSpawner{want: 3, release: make(chan struct{})}
	o, _ := newTestOrchestrator(t, spawner)
	ctx := context.Background()

	wf, err := o.CreateWorkflow(ctx, []Step{
		{Role: "code-creator", Description: "One"},
		{Role: "code-creator", Description: "Two"},
		{Role: "code-creator", Description: "Three"},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if err := o.ExecuteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}
	final, _ := o.GetWorkflow(ctx, wf.ID)
	if final.Status != WorkflowCompleted {
		t.Fatalf("Expected completed workflow, got %s", final.Status)
	}
}

func TestCancelWorkflow_MidDispatchOutcomeDropped(t *testing.T) {
	spawner := &stubSpawner{gate: make(chan struct{})}
	o, _ := newTestOrchestrator(t, spawner)
	ctx := context.Background()

	wf, err := o.CreateWorkflow(ctx, []Step{
		{Role: "code-creator", Description: "Long build"},
		{Role: "code-reviewer", Description: "Review", DependsOn: []string{"Long build"}},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- o.ExecuteWorkflow(ctx, wf.ID) }()
	waitFor(t, func() bool { return spawner.requestCount() > 0 })

	if err := o.CancelWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("CancelWorkflow failed: %v", err)
	}
	close(spawner.gate)

	if err := <-done; err != nil {
		t.Fatalf("ExecuteWorkflow returned %v after cancellation", err)
	}
	final, _ := o.GetWorkflow(ctx, wf.ID)
	if final.Status != WorkflowCancelled {
		t.Fatalf("Expected cancelled workflow, got %s", final.Status)
	}
	for _, task := range final.Tasks {
		if task.Status != v1.TaskStatusCancelled {
			t.Errorf("Task %q is %s, want cancelled", task.Description, task.Status)
		}
		if task.Output != "" {
			t.Errorf("Cancelled task %q kept output %q", task.Description, task.Output)
		}
	}
	if n := spawner.requestCount(); n != 1 {
		t.Errorf("Expected exactly one spawn before cancellation, got %d", n)
	}
}

func TestExecuteWorkflow_SecurityDenialFailsTask(t *testing.T) {
	spawner := &stubSpawner{}
	log := newTestLogger(t)
	sec := security.NewService(config.SecurityConfig{SessionTTL: 3600}, log)
	ctx := context.Background()

	user, err := sec.AuthenticateUser(ctx, security.ProviderLocal, map[string]string{"username": "viewer"})
	if err != nil {
		t.Fatalf("AuthenticateUser failed: %v", err)
	}
	device, err := sec.VerifyDevice(ctx, "dev-1", security.DeviceDesktop)
	if err != nil {
		t.Fatalf("VerifyDevice failed: %v", err)
	}
	sess, err := sec.CreateSession(ctx, user.ID, device.ID, []string{security.RoleReadonly})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	reg := registry.New(log)
	if err := reg.LoadBuiltins(); err != nil {
		t.Fatalf("LoadBuiltins failed: %v", err)
	}
	eng := engine.New(store.NewMemory(), log)
	o := New(eng, spawner, reg, log,
		WithSecurity(sec, sess.ID),
		WithMetrics(MustNewMetrics(prometheus.NewRegistry())))

	wf, err := o.CreateWorkflow(ctx, []Step{{Role: "code-creator", Description: "Guarded work"}})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if err := o.ExecuteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("ExecuteWorkflow failed: %v", err)
	}

	final, _ := o.GetWorkflow(ctx, wf.ID)
	if final.Status != WorkflowFailed {
		t.Fatalf("Expected failed workflow, got %s", final.Status)
	}
	task := final.Tasks[wf.Order[0]]
	if task.Status != v1.TaskStatusFailed {
		t.Fatalf("Expected failed task, got %s", task.Status)
	}
	if !strings.Contains(task.Error, "agent:invoke") {
		t.Errorf("Expected denial naming agent:invoke, got %q", task.Error)
	}
	if spawner.requestCount() != 0 {
		t.Error("Denied task must not reach the spawner")
	}
}

func TestExecuteWorkflow_UnknownWorkflow(t *testing.T) {
	o, _ := newTestOrchestrator(t, &stubSpawner{})
	if err := o.ExecuteWorkflow(context.Background(), "wf-missing"); err == nil {
		t.Fatal("Expected an error for an unknown workflow")
	}
}
