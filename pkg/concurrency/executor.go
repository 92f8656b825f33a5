package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fluxorio/replstream/pkg/log"
)

// ErrExecutorClosed is returned by Submit after Shutdown.
var ErrExecutorClosed = errors.New("executor is closed")

// Task is a unit of work run by an Executor.
type Task interface {
	Execute(ctx context.Context) error
	Name() string
}

// TaskFunc is the body of a NamedTask.
type TaskFunc func(ctx context.Context) error

// NamedTask is a TaskFunc with a name used in logs.
type NamedTask struct {
	name string
	task TaskFunc
}

// NewNamedTask creates a NamedTask.
func NewNamedTask(name string, task TaskFunc) *NamedTask {
	return &NamedTask{name: name, task: task}
}

func (nt *NamedTask) Execute(ctx context.Context) error { return nt.task(ctx) }

func (nt *NamedTask) Name() string { return nt.name }

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Workers is the number of goroutines draining the queue. A single
	// worker executes tasks strictly in submission order.
	Workers int
	// QueueSize bounds the number of pending tasks.
	QueueSize int
}

// DefaultExecutorConfig returns a single ordered worker with a 1024 task queue.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{Workers: 1, QueueSize: 1024}
}

// ExecutorStats exposes executor counters.
type ExecutorStats struct {
	QueuedTasks    int64
	CompletedTasks int64
	RejectedTasks  int64
	Workers        int
	QueueCapacity  int
}

// Executor runs tasks on a bounded queue drained by a fixed set of workers.
type Executor struct {
	tasks  *Mailbox[Task]
	cfg    ExecutorConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger log.Logger

	closed atomic.Bool

	queuedTasks    int64
	completedTasks int64
	rejectedTasks  int64
}

// NewExecutor starts cfg.Workers goroutines.
func NewExecutor(ctx context.Context, cfg ExecutorConfig, logger log.Logger) *Executor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &Executor{
		tasks:  NewMailbox[Task](cfg.QueueSize),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	e.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		task, err := e.tasks.Receive(context.Background())
		if err != nil {
			return
		}
		atomic.AddInt64(&e.queuedTasks, -1)
		e.run(task)
	}
}

func (e *Executor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("task %s panicked: %v", task.Name(), r)
		}
		atomic.AddInt64(&e.completedTasks, 1)
	}()
	if err := task.Execute(e.ctx); err != nil {
		e.logger.Errorf("task %s failed: %v", task.Name(), err)
	}
}

// Submit queues a task. It fails fast when the queue is full.
func (e *Executor) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	if err := e.tasks.Send(task); err != nil {
		atomic.AddInt64(&e.rejectedTasks, 1)
		if errors.Is(err, ErrMailboxClosed) {
			return ErrExecutorClosed
		}
		return err
	}
	atomic.AddInt64(&e.queuedTasks, 1)
	return nil
}

// Shutdown stops accepting tasks, lets workers finish what is queued and
// waits for them up to ctx.
func (e *Executor) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.tasks.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		QueuedTasks:    atomic.LoadInt64(&e.queuedTasks),
		CompletedTasks: atomic.LoadInt64(&e.completedTasks),
		RejectedTasks:  atomic.LoadInt64(&e.rejectedTasks),
		Workers:        e.cfg.Workers,
		QueueCapacity:  e.cfg.QueueSize,
	}
}
