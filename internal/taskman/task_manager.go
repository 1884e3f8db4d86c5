// Package taskman schedules sync tasks. Tasks carry a priority and an
// exclusivity requirement; at most one exclusive task runs at a time and
// equal-priority tasks dispatch FIFO.
package taskman

import (
	"context"
	"log/slog"
	"sync"

	"github.com/driveback/driveback/internal/queue"
	"github.com/driveback/driveback/internal/status"
)

// Client receives scheduler-level notifications. MaybeScheduleNextTask is
// invoked whenever the manager goes idle, giving the owner a chance to queue
// deferred maintenance work.
type Client interface {
	MaybeScheduleNextTask()
	NotifyLastOperationStatus(code status.Code)
}

type pendingTask struct {
	task      Task
	exclusive bool
	onDone    func(status.Code)
}

// TaskManager runs scheduled tasks on their own goroutines. Dispatch is
// strictly in queue order: when the head task is exclusive and another
// exclusive task is still running, dispatch stalls until it completes.
type TaskManager struct {
	client Client

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	pending   *queue.PriorityQueue[*pendingTask]
	running   int
	exclusive bool
	stopped   bool
	wg        sync.WaitGroup
}

func New(client Client) *TaskManager {
	return &TaskManager{
		client:  client,
		pending: queue.NewPriorityQueue[*pendingTask](),
	}
}

// Start begins dispatching. Tasks scheduled before Start stay queued.
func (m *TaskManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.dispatch()
}

// Stop drains the queue, reporting Aborted to every pending task, and waits
// for in-flight tasks to finish.
func (m *TaskManager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	dropped := m.pending.DequeueAll()
	m.mu.Unlock()

	for _, p := range dropped {
		if p.onDone != nil {
			p.onDone(status.Aborted)
		}
	}
	m.wg.Wait()
}

// ScheduleTask queues a task. onDone may be nil.
func (m *TaskManager) ScheduleTask(task Task, priority Priority, exclusive bool, onDone func(status.Code)) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		if onDone != nil {
			onDone(status.Aborted)
		}
		return
	}
	// Queue orders ascending, so invert: high priority dequeues first.
	m.pending.Enqueue(&pendingTask{task: task, exclusive: exclusive, onDone: onDone},
		int(PriorityHigh-priority))
	m.mu.Unlock()

	m.dispatch()
}

// ScheduleIfIdle queues the task only when nothing is running or pending.
// Returns false when the manager is busy; the caller retries on the next
// idle notification.
func (m *TaskManager) ScheduleIfIdle(task Task, exclusive bool, onDone func(status.Code)) bool {
	m.mu.Lock()
	busy := m.stopped || m.running > 0 || m.pending.Len() > 0
	if busy {
		m.mu.Unlock()
		return false
	}
	m.pending.Enqueue(&pendingTask{task: task, exclusive: exclusive, onDone: onDone},
		int(PriorityHigh-PriorityLow))
	m.mu.Unlock()

	m.dispatch()
	return true
}

func (m *TaskManager) dispatch() {
	for {
		m.mu.Lock()
		if m.ctx == nil || m.stopped {
			m.mu.Unlock()
			return
		}
		head, ok := m.pending.Peek()
		if !ok {
			m.mu.Unlock()
			return
		}
		if head.exclusive && m.exclusive {
			m.mu.Unlock()
			return
		}
		m.pending.Dequeue()
		m.running++
		if head.exclusive {
			m.exclusive = true
		}
		ctx := m.ctx
		m.mu.Unlock()

		m.wg.Add(1)
		go m.runTask(ctx, head)
	}
}

func (m *TaskManager) runTask(ctx context.Context, p *pendingTask) {
	defer m.wg.Done()

	slog.Debug("task start", "task", p.task.Name(), "exclusive", p.exclusive)

	var once sync.Once
	p.task.Run(ctx, func(code status.Code) {
		once.Do(func() { m.taskDone(p, code) })
	})
}

func (m *TaskManager) taskDone(p *pendingTask, code status.Code) {
	slog.Debug("task done", "task", p.task.Name(), "status", code)

	m.mu.Lock()
	m.running--
	if p.exclusive {
		m.exclusive = false
	}
	m.mu.Unlock()

	if p.onDone != nil {
		p.onDone(code)
	}
	if m.client != nil {
		m.client.NotifyLastOperationStatus(code)
	}

	m.dispatch()

	m.mu.Lock()
	idle := !m.stopped && m.running == 0 && m.pending.Len() == 0
	m.mu.Unlock()
	if idle && m.client != nil {
		m.client.MaybeScheduleNextTask()
	}
}
