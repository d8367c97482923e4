package pipeline

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"convopulse/pkg/errors"
	"convopulse/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// WorkerPool runs fire-and-forget pipeline tasks on a fixed set of workers
// behind a bounded queue. Submit never blocks; a full queue drops the task.
type WorkerPool struct {
	logger      *logrus.Entry
	workerCount int
	queueSize   int

	taskChan chan Task
	wg       sync.WaitGroup

	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	stopped    bool
	startMutex sync.RWMutex

	submitted int64
	completed int64
	failed    int64
	dropped   int64
}

// Task is a unit of work for the pool
type Task struct {
	ID      string
	Run     func(ctx context.Context)
	Created time.Time
}

// PoolStats is a point-in-time view of pool counters
type PoolStats struct {
	Workers       int   `json:"workers"`
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
	QueueSize     int   `json:"queue_size"`
	QueueCapacity int   `json:"queue_capacity"`
}

// NewWorkerPool creates a pool. A non-positive workerCount uses NumCPU and a
// non-positive queueSize uses ten slots per worker.
func NewWorkerPool(workerCount, queueSize int, logger *logrus.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workerCount * 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		logger:      logger.WithField("component", "worker_pool"),
		workerCount: workerCount,
		queueSize:   queueSize,
		taskChan:    make(chan Task, queueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.startMutex.Lock()
	defer wp.startMutex.Unlock()

	if wp.started || wp.stopped {
		return
	}

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i + 1)
	}

	wp.started = true
	wp.logger.WithField("worker_count", wp.workerCount).Info("Worker pool started")
}

// Stop stops accepting tasks, lets workers drain the queue and waits for
// them until ctx expires. Tasks still running at the deadline see their
// context cancelled.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.startMutex.Lock()
	if wp.stopped {
		wp.startMutex.Unlock()
		return nil
	}
	wp.stopped = true
	close(wp.taskChan)
	wp.startMutex.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		wp.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		wp.cancel()
		wp.logger.Warn("Worker pool stop deadline exceeded, cancelling in-flight tasks")
		return errors.Wrap(errors.ErrTimeout, "worker pool did not drain in time")
	}
}

// Submit queues a task without blocking
func (wp *WorkerPool) Submit(task Task) error {
	if task.Run == nil {
		return errors.NewInvalidInput("task has no function")
	}
	if task.Created.IsZero() {
		task.Created = time.Now()
	}

	wp.startMutex.RLock()
	if !wp.started && !wp.stopped {
		wp.startMutex.RUnlock()
		wp.Start()
		wp.startMutex.RLock()
	}
	defer wp.startMutex.RUnlock()

	if wp.stopped {
		return errors.NewUnavailable("worker pool is stopped")
	}

	select {
	case wp.taskChan <- task:
		atomic.AddInt64(&wp.submitted, 1)
		metrics.SetWorkerQueueDepth(len(wp.taskChan))
		return nil
	default:
		atomic.AddInt64(&wp.dropped, 1)
		metrics.RecordWorkerQueueDropped()
		wp.logger.WithField("task_id", task.ID).Warn("Worker pool queue full, dropping task")
		return errors.Wrap(errors.ErrQueueFull, "worker pool queue full").WithField("task_id", task.ID)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	wp.logger.WithField("worker_id", id).Debug("Worker started")

	for task := range wp.taskChan {
		metrics.SetWorkerQueueDepth(len(wp.taskChan))
		wp.execute(id, task)
	}
}

func (wp *WorkerPool) execute(workerID int, task Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&wp.failed, 1)
			wp.logger.WithFields(logrus.Fields{
				"worker_id": workerID,
				"task_id":   task.ID,
				"panic":     r,
			}).Error("Task execution panic")
			return
		}
		atomic.AddInt64(&wp.completed, 1)
		wp.logger.WithFields(logrus.Fields{
			"worker_id":  workerID,
			"task_id":    task.ID,
			"wait_ms":    start.Sub(task.Created).Milliseconds(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		}).Debug("Task completed")
	}()

	task.Run(wp.ctx)
}

// Stats returns the pool counters
func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:       wp.workerCount,
		Submitted:     atomic.LoadInt64(&wp.submitted),
		Completed:     atomic.LoadInt64(&wp.completed),
		Failed:        atomic.LoadInt64(&wp.failed),
		Dropped:       atomic.LoadInt64(&wp.dropped),
		QueueSize:     len(wp.taskChan),
		QueueCapacity: wp.queueSize,
	}
}

// IsStarted returns whether the pool is accepting work
func (wp *WorkerPool) IsStarted() bool {
	wp.startMutex.RLock()
	defer wp.startMutex.RUnlock()
	return wp.started && !wp.stopped
}
