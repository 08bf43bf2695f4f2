package local

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/devflow/devflow/internal/common/ident"
	"github.com/devflow/devflow/internal/runtime"
)

var _ runtime.Spawner = (*LoopbackSpawner)(nil)

// LoopbackSpawner accepts every spawn request and synthesizes an output from
// it, standing in for a real agent runtime in local development. It is safe
// for concurrent and re-entrant use.
type LoopbackSpawner struct {
	spawned atomic.Int64
}

// NewLoopbackSpawner returns a spawner that echoes requests back as results.
func NewLoopbackSpawner() *LoopbackSpawner {
	return &LoopbackSpawner{}
}

// SpawnSubagent accepts the request and returns a synthesized result.
func (s *LoopbackSpawner) SpawnSubagent(ctx context.Context, req runtime.SpawnRequest) (*runtime.SpawnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.spawned.Add(1)
	return &runtime.SpawnResult{
		Status:          runtime.SpawnAccepted,
		ChildSessionKey: ident.NewSessionID(),
		Output:          fmt.Sprintf("[%s] %s", req.AgentID, summarize(req.Task)),
	}, nil
}

// Spawned returns how many requests the spawner has accepted.
func (s *LoopbackSpawner) Spawned() int64 {
	return s.spawned.Load()
}

const summaryLimit = 120

func summarize(task string) string {
	if len(task) <= summaryLimit {
		return task
	}
	return task[:summaryLimit] + "..."
}
