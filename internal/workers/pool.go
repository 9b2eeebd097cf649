// Package workers provides the work scheduler for bulkscan: a fixed pool of
// worker goroutines sharing one job queue. It supports bounded and unbounded
// queues, graceful shutdown that drains pending jobs, emergency stop that
// discards them, and per-worker status for stall diagnosis. It integrates
// with the structured logging and metrics systems.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/logging"
	"github.com/anstrom/bulkscan/internal/metrics"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns an identifier for the job, such as the pos0 of its buffer.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Sized is implemented by jobs that carry a buffer. The pool uses it for
// queue statistics.
type Sized interface {
	Size() int
	Depth() int
}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Error    error
	Duration time.Duration
	Worker   int
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize bounds the queue; Submit blocks while it is full.
	// Zero means unbounded.
	QueueSize int
	// ShutdownTimeout is how long Join waits before logging a warning
	// about jobs that are still running. Join keeps waiting afterwards.
	ShutdownTimeout time.Duration
	// OnResult, if set, is called by the worker after every job.
	OnResult func(Result)

	Metrics metrics.MetricsRegistry
	Logger  *logging.Logger
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            runtime.NumCPU(),
		QueueSize:       0,
		ShutdownTimeout: 30 * time.Second,
	}
}

type poolState int

const (
	stateRunning poolState = iota
	stateDraining
	stateStopped
)

// QueueStats is a snapshot of the queue and counters.
type QueueStats struct {
	Jobs        int    `json:"jobs"`
	Bytes       int64  `json:"bytes"`
	Depth0Jobs  int    `json:"depth0_jobs"`
	Depth0Bytes int64  `json:"depth0_bytes"`
	Active      int    `json:"active"`
	Workers     int    `json:"workers"`
	Submitted   uint64 `json:"submitted"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	Discarded   uint64 `json:"discarded"`
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config  Config
	metrics metrics.MetricsRegistry
	logger  *logging.Logger

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    []Job
	state    poolState

	// Byte accounting for queued jobs, guarded by mu.
	queuedBytes int64
	depth0Jobs  int
	depth0Bytes int64

	workers   []*worker
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	joinOnce  sync.Once

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
}

// New creates a new worker pool with the given configuration. Workers are
// not started until Start.
func New(config Config) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Default()
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		config:  config,
		metrics: config.Metrics,
		logger:  config.Logger.WithComponent("workers"),
		workers: make([]*worker, config.Size),
		ctx:     ctx,
		cancel:  cancel,
	}
	pool.notEmpty = sync.NewCond(&pool.mu)
	pool.notFull = sync.NewCond(&pool.mu)

	for i := 0; i < config.Size; i++ {
		pool.workers[i] = &worker{id: i, pool: pool, state: StateIdle, since: time.Now()}
	}
	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.config.Size
}

// Start begins the worker pool operations.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize)

		for _, w := range p.workers {
			p.wg.Add(1)
			go w.run()
		}

		p.metrics.Gauge(metrics.MetricWorkerPoolSize, float64(p.config.Size), metrics.Labels{
			metrics.LabelComponent: "workers",
		})
	})
}

// Submit adds a job to the queue and wakes one idle worker. On a bounded
// queue it blocks while the queue is full. It fails with errors.ErrShutdown
// after Shutdown and errors.ErrEmergencyStop after Stop.
func (p *Pool) Submit(job Job) error {
	return p.submit(job, true)
}

// TrySubmit is Submit without blocking: a full bounded queue fails with
// errors.ErrQueueFull.
func (p *Pool) TrySubmit(job Job) error {
	return p.submit(job, false)
}

func (p *Pool) submit(job Job, wait bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if err := p.rejectLocked(); err != nil {
			return err
		}
		if p.config.QueueSize == 0 || len(p.queue) < p.config.QueueSize {
			break
		}
		if !wait {
			return errors.ErrQueueFull
		}
		p.notFull.Wait()
	}

	p.queue = append(p.queue, job)
	p.accountLocked(job, 1)
	p.submitted.Add(1)
	p.notEmpty.Signal()

	p.logger.Debug("Job submitted to worker pool",
		"job_id", job.ID(),
		"job_type", job.Type())
	return nil
}

func (p *Pool) rejectLocked() error {
	switch p.state {
	case stateDraining:
		return errors.ErrShutdown
	case stateStopped:
		return errors.ErrEmergencyStop
	}
	return nil
}

// accountLocked adjusts queue statistics by sign (+1 enqueued, -1 dequeued).
func (p *Pool) accountLocked(job Job, sign int) {
	if s, ok := job.(Sized); ok {
		n := int64(s.Size()) * int64(sign)
		p.queuedBytes += n
		if s.Depth() == 0 {
			p.depth0Jobs += sign
			p.depth0Bytes += n
		}
	}
	p.metrics.Gauge(metrics.MetricQueueDepth, float64(len(p.queue)), nil)
	p.metrics.Gauge(metrics.MetricQueueBytes, float64(p.queuedBytes), nil)
}

// Shutdown begins a graceful stop: new submissions are rejected and
// workers exit once the queue is drained. It does not wait; see Join.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return
	}
	p.state = stateDraining
	p.logger.Info("Shutting down worker pool", "queued", len(p.queue))
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
}

// Stop is an emergency stop: pending jobs are discarded, running jobs are
// allowed to finish, and new submissions are rejected. It returns the number
// of discarded jobs. It does not wait; see Join.
func (p *Pool) Stop() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateStopped {
		return 0
	}
	p.state = stateStopped

	n := len(p.queue)
	for i := range p.queue {
		p.queue[i] = nil
	}
	p.queue = nil
	p.queuedBytes, p.depth0Jobs, p.depth0Bytes = 0, 0, 0
	p.discarded.Add(uint64(n))
	if n > 0 {
		p.metrics.CounterAdd(metrics.MetricJobsDiscarded, float64(n), nil)
	}
	p.metrics.Gauge(metrics.MetricQueueDepth, 0, nil)
	p.metrics.Gauge(metrics.MetricQueueBytes, 0, nil)

	p.logger.Warn("Emergency stop of worker pool", "discarded", n)
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	return n
}

// Join performs a graceful shutdown, if no stop is in progress, and blocks
// until the queue is drained and every worker has exited. A pool that was
// never started is started so queued jobs still run.
func (p *Pool) Join() {
	p.Start()
	p.Shutdown()

	p.joinOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		timeout := p.config.ShutdownTimeout
		if timeout <= 0 {
			<-done
		} else {
			select {
			case <-done:
			case <-time.After(timeout):
				p.logger.Warn("Worker pool shutdown timeout, waiting for running jobs",
					"active", p.active.Load())
				<-done
			}
		}
		p.cancel()
		p.logger.Info("Worker pool shutdown completed",
			"completed", p.completed.Load(),
			"failed", p.failed.Load(),
			"discarded", p.discarded.Load())
	})
	p.wg.Wait()
}

// Stopping reports whether Shutdown or Stop has been called.
func (p *Pool) Stopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != stateRunning
}

// Stopped reports whether Stop has been called.
func (p *Pool) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateStopped
}

// Stats returns a snapshot of queue statistics.
func (p *Pool) Stats() QueueStats {
	p.mu.Lock()
	s := QueueStats{
		Jobs:        len(p.queue),
		Bytes:       p.queuedBytes,
		Depth0Jobs:  p.depth0Jobs,
		Depth0Bytes: p.depth0Bytes,
	}
	p.mu.Unlock()
	s.Active = int(p.active.Load())
	s.Workers = p.config.Size
	s.Submitted = p.submitted.Load()
	s.Completed = p.completed.Load()
	s.Failed = p.failed.Load()
	s.Discarded = p.discarded.Load()
	return s
}

// next blocks until a job is available. It returns nil when the worker
// should exit: after Stop, or after Shutdown once the queue is empty.
func (p *Pool) next() Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && p.state == stateRunning {
		p.notEmpty.Wait()
	}
	if p.state == stateStopped || len(p.queue) == 0 {
		return nil
	}
	job := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.accountLocked(job, -1)
	p.notFull.Signal()
	return job
}

// worker represents a single worker goroutine.
type worker struct {
	id   int
	pool *Pool

	mu       sync.Mutex
	state    State
	jobID    string
	activity string
	since    time.Time
}

// run executes the worker loop.
func (w *worker) run() {
	defer w.pool.wg.Done()
	defer w.setStatus(StateStopped, "", "")

	w.pool.logger.Debug("Worker started", "worker_id", w.id)
	defer w.pool.logger.Debug("Worker stopped", "worker_id", w.id)

	for {
		job := w.pool.next()
		if job == nil {
			return
		}
		w.executeJob(job)
	}
}

// executeJob executes a single job. A panicking job is reported as failed.
func (w *worker) executeJob(job Job) {
	p := w.pool
	workerLabel := "worker-" + strconv.Itoa(w.id)

	active := p.active.Add(1)
	p.metrics.Gauge(metrics.MetricWorkersActive, float64(active), nil)
	w.setStatus(StateBusy, job.ID(), "")

	jobTimer := metrics.NewTimerFor(p.metrics, metrics.MetricJobDuration, metrics.Labels{
		metrics.LabelOperation: job.Type(),
		metrics.LabelWorker:    workerLabel,
	})

	err := w.safeExecute(job)
	duration := jobTimer.Stop()

	w.setStatus(StateIdle, "", "")
	active = p.active.Add(-1)
	p.metrics.Gauge(metrics.MetricWorkersActive, float64(active), nil)

	status := "success"
	if err != nil {
		status = "error"
		p.failed.Add(1)
		p.logger.Error("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"worker_id", w.id,
			"error", err)
	} else {
		p.logger.Debug("Job completed successfully",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"duration", duration,
			"worker_id", w.id)
	}
	p.completed.Add(1)
	p.metrics.Counter(metrics.MetricJobsCompleted, metrics.Labels{
		metrics.LabelOperation: job.Type(),
		metrics.LabelStatus:    status,
	})

	if p.config.OnResult != nil {
		p.config.OnResult(Result{
			JobID:    job.ID(),
			JobType:  job.Type(),
			Error:    err,
			Duration: duration,
			Worker:   w.id,
		})
	}
}

func (w *worker) safeExecute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Execute(withWorker(w.pool.ctx, w))
}

// FuncJob adapts a function to the Job interface.
type FuncJob struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
}

// NewFuncJob creates a job that runs fn.
func NewFuncJob(id, jobType string, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{id: id, jobType: jobType, fn: fn}
}

// Execute implements the Job interface.
func (j *FuncJob) Execute(ctx context.Context) error {
	return j.fn(ctx)
}

// ID implements the Job interface.
func (j *FuncJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *FuncJob) Type() string {
	return j.jobType
}
