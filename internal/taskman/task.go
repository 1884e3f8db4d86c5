package taskman

import (
	"context"

	"github.com/driveback/driveback/internal/status"
)

// Priority orders pending tasks. Higher runs first; ties run FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Task is a unit of sync work. Run must invoke done exactly once with the
// terminal status; the manager ignores any further calls.
type Task interface {
	Name() string
	Run(ctx context.Context, done func(status.Code))
}

type funcTask struct {
	name string
	run  func(ctx context.Context, done func(status.Code))
}

func (t *funcTask) Name() string { return t.name }

func (t *funcTask) Run(ctx context.Context, done func(status.Code)) {
	t.run(ctx, done)
}

// NewTask wraps a function as a Task.
func NewTask(name string, run func(ctx context.Context, done func(status.Code))) Task {
	return &funcTask{name: name, run: run}
}
