package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrQueueFull    = errors.New("task queue is full")
	ErrTaskExists   = errors.New("task with this id is already queued or running")
	ErrClosed       = errors.New("task manager is shut down")
	ErrTaskNotFound = errors.New("task not found")

	// Причины отмены, доступны задаче через context.Cause.
	ErrTaskCancelled = errors.New("task cancelled")
	ErrShuttingDown  = errors.New("task manager shutting down")
)

// TaskStatus статус задачи внутри менеджера.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	// TaskStatusDropped задача была в очереди, когда менеджер остановили.
	TaskStatusDropped TaskStatus = "dropped"
)

// TaskFunc функция, выполняемая воркером.
type TaskFunc func(ctx context.Context) error

// TaskCallback вызывается при каждой смене статуса. Не должен блокировать.
type TaskCallback func(id uuid.UUID, status TaskStatus)

// Task задача в очереди или в работе.
type Task struct {
	ID          uuid.UUID
	Status      TaskStatus
	SubmittedAt time.Time
	StartedAt   time.Time

	fn     TaskFunc
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Config настройки пула.
type Config struct {
	Workers   int
	QueueSize int
	Logger    *zap.Logger
	OnStatus  TaskCallback
}

// TaskManager ограниченная очередь и фиксированное число воркеров.
// Задача с одним id не может быть в очереди или в работе дважды.
type TaskManager struct {
	cfg    Config
	log    *zap.Logger
	queue  chan *Task
	mu     sync.Mutex
	tasks  map[uuid.UUID]*Task
	closed bool

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
}

// New создает менеджер. Воркеры стартуют в Start.
func New(cfg Config) *TaskManager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &TaskManager{
		cfg:        cfg,
		log:        log.Named("TaskManager"),
		queue:      make(chan *Task, cfg.QueueSize),
		tasks:      make(map[uuid.UUID]*Task),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Start запускает воркеры. Повторный вызов ничего не делает.
func (tm *TaskManager) Start() {
	tm.startOnce.Do(func() {
		for i := 0; i < tm.cfg.Workers; i++ {
			tm.wg.Add(1)
			go tm.worker(i)
		}
		tm.log.Info("Task manager started", zap.Int("workers", tm.cfg.Workers), zap.Int("queue_size", tm.cfg.QueueSize))
	})
}

// Submit ставит задачу в очередь без блокировки.
func (tm *TaskManager) Submit(id uuid.UUID, fn TaskFunc) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return ErrClosed
	}
	if _, exists := tm.tasks[id]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, id)
	}

	ctx, cancel := context.WithCancelCause(tm.baseCtx)
	task := &Task{
		ID:          id,
		Status:      TaskStatusPending,
		SubmittedAt: time.Now(),
		fn:          fn,
		ctx:         ctx,
		cancel:      cancel,
	}

	select {
	case tm.queue <- task:
	default:
		cancel(ErrQueueFull)
		return ErrQueueFull
	}
	tm.tasks[id] = task
	tm.notify(id, TaskStatusPending)
	return nil
}

// Cancel отменяет задачу в очереди или в работе. false, если задачи нет.
// Задача из очереди не будет запущена, у работающей отменяется контекст с причиной ErrTaskCancelled.
func (tm *TaskManager) Cancel(id uuid.UUID) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, ok := tm.tasks[id]
	if !ok {
		return false
	}
	task.cancel(ErrTaskCancelled)
	if task.Status == TaskStatusPending {
		task.Status = TaskStatusCancelled
	}
	return true
}

// Status текущий статус активной задачи.
func (tm *TaskManager) Status(id uuid.UUID) (TaskStatus, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, ok := tm.tasks[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.Status, nil
}

// Active число задач в очереди и в работе.
func (tm *TaskManager) Active() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.tasks)
}

// Shutdown перестает принимать задачи, выбрасывает еще не начатые и ждет работающие.
// По истечении ctx работающие задачи отменяются с причиной ErrShuttingDown.
func (tm *TaskManager) Shutdown(ctx context.Context) error {
	tm.mu.Lock()
	if !tm.closed {
		tm.closed = true
		close(tm.queue)
	}
	tm.mu.Unlock()

	// без Start воркеров нет, очередь разбираем сами
	tm.startOnce.Do(func() {
		tm.wg.Add(1)
		go tm.worker(-1)
	})

	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		tm.baseCancel(ErrShuttingDown)
		return nil
	case <-ctx.Done():
		tm.log.Warn("Shutdown timeout, cancelling running tasks", zap.Int("active", tm.Active()))
		tm.baseCancel(ErrShuttingDown)
		<-done
		return fmt.Errorf("task manager shutdown: %w", ctx.Err())
	}
}

func (tm *TaskManager) worker(n int) {
	defer tm.wg.Done()
	for task := range tm.queue {
		tm.run(n, task)
	}
}

func (tm *TaskManager) run(n int, task *Task) {
	log := tm.log.With(zap.Stringer("task_id", task.ID), zap.Int("worker", n))

	tm.mu.Lock()
	switch {
	case task.Status == TaskStatusCancelled:
		tm.finishLocked(task, TaskStatusCancelled)
		tm.mu.Unlock()
		log.Debug("Skipping cancelled task")
		return
	case tm.closed:
		tm.finishLocked(task, TaskStatusDropped)
		tm.mu.Unlock()
		log.Info("Dropping queued task on shutdown")
		return
	}
	task.Status = TaskStatusRunning
	task.StartedAt = time.Now()
	tm.notify(task.ID, TaskStatusRunning)
	tm.mu.Unlock()

	err := tm.safeCall(task)

	status := TaskStatusCompleted
	switch {
	case err != nil && errors.Is(context.Cause(task.ctx), ErrTaskCancelled):
		status = TaskStatusCancelled
	case err != nil:
		status = TaskStatusFailed
		log.Warn("Task finished with error", zap.Error(err))
	}
	log.Debug("Task finished", zap.String("status", string(status)), zap.Duration("took", time.Since(task.StartedAt)))

	tm.mu.Lock()
	tm.finishLocked(task, status)
	tm.mu.Unlock()
}

// safeCall паника внутри задачи не должна убивать воркер.
func (tm *TaskManager) safeCall(task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			tm.log.Error("Task panicked", zap.Stringer("task_id", task.ID), zap.Any("panic", r))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.fn(task.ctx)
}

func (tm *TaskManager) finishLocked(task *Task, status TaskStatus) {
	task.Status = status
	task.cancel(nil)
	delete(tm.tasks, task.ID)
	tm.notify(task.ID, status)
}

func (tm *TaskManager) notify(id uuid.UUID, status TaskStatus) {
	if tm.cfg.OnStatus != nil {
		tm.cfg.OnStatus(id, status)
	}
}
