// Package workerpool provides a bounded worker pool for controlled concurrency.
// Used to reconcile many medications in parallel while capping load on the
// store and the notification platform.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrShuttingDown = errors.New("pool is shutting down")
	ErrQueueFull    = errors.New("task queue is full")
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context

	done chan *Result
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     interface{}
	Attempts int
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// RetryableFunc decides whether a failed result is worth another attempt.
type RetryableFunc func(err error) bool

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt
	RetryDelay time.Duration
	// Retryable filters errors that are retried; nil retries every error
	Retryable RetryableFunc
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a nightly sweep over every medication
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               1024,
		MaxRetries:              2,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan chan *Task
	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex // guards sends against close(taskChan)
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit adds a task to the queue without waiting for it
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait adds a task and waits for its result
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)
	if err := p.Submit(task); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.done:
		return result, nil
	}
}

// RunBatch runs every task and returns results in task order. Tasks that
// cannot be queued get a failed result carrying the submit error.
func (p *Pool) RunBatch(ctx context.Context, tasks []*Task) []*Result {
	results := make([]*Result, len(tasks))
	for i, task := range tasks {
		task.done = make(chan *Result, 1)
		if task.Context == nil {
			task.Context = ctx
		}
		if err := p.enqueue(ctx, task); err != nil {
			results[i] = &Result{TaskID: task.ID, Error: err}
			task.done = nil
		}
	}
	for i, task := range tasks {
		if task.done == nil {
			continue
		}
		select {
		case <-ctx.Done():
			results[i] = &Result{TaskID: task.ID, Error: ctx.Err()}
		case r := <-task.done:
			results[i] = r
		}
	}
	return results
}

// enqueue blocks until the queue has room.
func (p *Pool) enqueue(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}
	select {
	case <-p.ctx.Done():
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	}
}

// Stop gracefully shuts down the pool
func (p *Pool) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")
		p.cancel()
		p.mu.Lock()
		p.closed = true
		close(p.taskChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out")
			err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
		}
	})
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		result := p.processTask(id, task)
		if task.done != nil {
			task.done <- result
		}
	}
}

// processTask handles a single task with retries
func (p *Pool) processTask(workerID int, task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var result *Result
	attempt := 0
	for {
		attempt++
		if err := ctx.Err(); err != nil {
			result = &Result{TaskID: task.ID, Error: err}
			break
		}

		result = p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{TaskID: task.ID, Success: true}
		}
		if result.Success || attempt > p.config.MaxRetries {
			break
		}
		if p.config.Retryable != nil && !p.config.Retryable(result.Error) {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
		}
	}
	result.TaskID = task.ID
	result.Attempts = attempt

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", attempt),
			zap.Error(result.Error))
	}
	return result
}

// Stats holds pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the queue is not backing up
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
