package flowstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/randalmurphal/flowstream/pkg/flowstream/checkpoint"
	"github.com/randalmurphal/flowstream/pkg/flowstream/coordinator"
	fserrors "github.com/randalmurphal/flowstream/pkg/flowstream/errors"
)

type mailbox interface {
	post(ctx context.Context, c control) error
}

// LocalGateway connects the coordinator to the tasks of the current attempt
// in this process. It is both the coordinator.Gateway and the
// coordinator.Topology of a job. The set of tasks is fixed by the job
// graph; which instances receive messages changes with every restart.
//
// LocalGateway is safe for concurrent use.
type LocalGateway struct {
	sources []string
	tasks   []string

	mu      sync.RWMutex
	current map[string]mailbox
	running bool
}

// NewLocalGateway creates a gateway for the given source and task ids.
func NewLocalGateway(sources, tasks []string) *LocalGateway {
	return &LocalGateway{
		sources: slices.Clone(sources),
		tasks:   slices.Clone(tasks),
	}
}

// attach routes messages to the tasks of a new attempt.
func (g *LocalGateway) attach(tasks map[string]mailbox) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = tasks
	g.running = false
}

// detach stops routing; messages fail with ErrTaskNotRunning.
func (g *LocalGateway) detach() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = nil
	g.running = false
}

func (g *LocalGateway) setRunning(running bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = running && g.current != nil
}

// TriggerTasks implements coordinator.Topology.
func (g *LocalGateway) TriggerTasks() []string { return slices.Clone(g.sources) }

// AckTasks implements coordinator.Topology.
func (g *LocalGateway) AckTasks() []string { return slices.Clone(g.tasks) }

// NotifyTasks implements coordinator.Topology.
func (g *LocalGateway) NotifyTasks() []string { return slices.Clone(g.tasks) }

// AllRunning implements coordinator.Topology.
func (g *LocalGateway) AllRunning() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

func (g *LocalGateway) lookup(taskID string) (mailbox, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !slices.Contains(g.tasks, taskID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	m, ok := g.current[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotRunning, taskID)
	}
	return m, nil
}

// deliver posts c to the task's current instance. A task that is not
// running is reported as unavailable: a retry may reach the instance of the
// next attempt. An unknown task is permanent.
func (g *LocalGateway) deliver(ctx context.Context, taskID string, c control) error {
	m, err := g.lookup(taskID)
	if err == nil {
		err = m.post(ctx, c)
	}
	if errors.Is(err, ErrTaskNotRunning) {
		return &fserrors.UnavailableError{Target: "task " + taskID, Err: err}
	}
	return err
}

// TriggerCheckpoint implements coordinator.Gateway.
func (g *LocalGateway) TriggerCheckpoint(ctx context.Context, taskID string, msg checkpoint.TriggerCheckpoint) error {
	return g.deliver(ctx, taskID, control{kind: ctlTrigger, trigger: msg})
}

// NotifyCheckpointComplete implements coordinator.Gateway.
func (g *LocalGateway) NotifyCheckpointComplete(ctx context.Context, taskID string, msg checkpoint.NotifyCheckpointComplete) error {
	return g.deliver(ctx, taskID, control{kind: ctlComplete, id: msg.CheckpointID})
}

// NotifyCheckpointAborted implements coordinator.Gateway.
func (g *LocalGateway) NotifyCheckpointAborted(ctx context.Context, taskID string, msg checkpoint.NotifyCheckpointAborted) error {
	return g.deliver(ctx, taskID, control{kind: ctlAbort, id: msg.CheckpointID})
}

var (
	_ coordinator.Gateway  = (*LocalGateway)(nil)
	_ coordinator.Topology = (*LocalGateway)(nil)
)
