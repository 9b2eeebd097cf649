package engine

import (
	"context"
	stderrors "errors"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/metrics"
	"github.com/anstrom/bulkscan/internal/sbuf"
	"github.com/anstrom/bulkscan/internal/scanner"
	"github.com/anstrom/bulkscan/internal/workers"
)

// Status is a point-in-time view of a running Set.
type Status struct {
	Phase        string                 `json:"phase"`
	Buffers      uint64                 `json:"buffers"`
	Bytes        uint64                 `json:"bytes"`
	MaxDepthSeen int                    `json:"max_depth_seen"`
	Inline       uint64                 `json:"inline"`
	Discarded    uint64                 `json:"discarded"`
	DupBuffers   uint64                 `json:"duplicate_buffers"`
	DupBytes     uint64                 `json:"duplicate_bytes"`
	Queue        workers.QueueStats     `json:"queue"`
	Workers      []workers.WorkerStatus `json:"workers,omitempty"`
	Scanners     []ScannerStats         `json:"scanners"`
}

// bufferJob is a work item: one buffer and the lineage it belongs to.
type bufferJob struct {
	set     *Set
	buf     *sbuf.Buffer
	lineage *lineage
}

func (j *bufferJob) Execute(ctx context.Context) error {
	j.set.process(ctx, j.buf, j.lineage)
	return nil
}

func (j *bufferJob) ID() string   { return j.buf.Pos0().String() }
func (j *bufferJob) Type() string { return "buffer" }
func (j *bufferJob) Size() int    { return j.buf.Len() }
func (j *bufferJob) Depth() int   { return j.buf.Depth() }

// LaunchWorkers starts a pool of n workers. Until it is called every buffer
// is processed on the calling goroutine. queueSize bounds the queue; zero
// means unbounded.
func (s *Set) LaunchWorkers(n, queueSize int) *workers.Pool {
	cfg := workers.DefaultConfig()
	cfg.Size = n
	cfg.QueueSize = queueSize
	cfg.Metrics = s.metrics
	cfg.Logger = s.opts.Logger
	pool := workers.New(cfg)
	if !s.pool.CompareAndSwap(nil, pool) {
		return s.pool.Load()
	}
	pool.Start()
	return pool
}

// Pool returns the worker pool, or nil when none was launched.
func (s *Set) Pool() *workers.Pool {
	return s.pool.Load()
}

// Schedule hands a top-level buffer to the workers. Small buffers, and all
// buffers when no pool was launched, are processed before Schedule returns.
// It blocks while a bounded queue is full and fails once the pool is
// stopping.
func (s *Set) Schedule(ctx context.Context, buf *sbuf.Buffer) error {
	if s.Phase() != scanner.PhaseScan {
		return errors.ErrPhase("schedule buffer", s.Phase().String())
	}
	lin := newLineage(buf)
	pool := s.pool.Load()
	if pool == nil || (buf.Len() < s.opts.SyncThreshold && !pool.Stopping()) {
		s.runInline(ctx, buf, lin)
		return nil
	}
	err := pool.Submit(&bufferJob{set: s, buf: buf, lineage: lin})
	var se *errors.SchedulerError
	if stderrors.As(err, &se) {
		return &errors.SchedulerError{Code: se.Code, Message: se.Message, Pos0: buf.Pos0().String()}
	}
	return err
}

// schedule queues a recursive sub-buffer, or processes it on this goroutine
// when it is small, there is no pool, or the queue is full or draining.
// Sub-buffers of any size are dropped after an emergency stop.
func (s *Set) schedule(ctx context.Context, buf *sbuf.Buffer, lin *lineage) {
	pool := s.pool.Load()
	if pool == nil {
		s.runInline(ctx, buf, lin)
		return
	}
	if pool.Stopped() {
		s.drop(buf)
		return
	}
	if buf.Len() < s.opts.SyncThreshold {
		s.runInline(ctx, buf, lin)
		return
	}
	err := pool.TrySubmit(&bufferJob{set: s, buf: buf, lineage: lin})
	switch {
	case err == nil:
	case stderrors.Is(err, errors.ErrEmergencyStop):
		s.drop(buf)
	default:
		s.runInline(ctx, buf, lin)
	}
}

func (s *Set) drop(buf *sbuf.Buffer) {
	s.discarded.Add(1)
	s.metrics.Counter(metrics.MetricJobsDiscarded, nil)
	s.logger.Debug("sub-buffer dropped after stop", "pos0", buf.Pos0().String())
}

func (s *Set) runInline(ctx context.Context, buf *sbuf.Buffer, lin *lineage) {
	s.inline.Add(1)
	s.metrics.Counter(metrics.MetricJobsInline, nil)
	s.process(ctx, buf, lin)
}

// Join waits until every queued buffer, including sub-buffers queued while
// draining, has been processed and the workers have exited.
func (s *Set) Join() {
	if pool := s.pool.Load(); pool != nil {
		pool.Join()
	}
}

// Stop discards queued buffers; buffers being scanned finish. It returns
// the number discarded.
func (s *Set) Stop() int {
	if pool := s.pool.Load(); pool != nil {
		return pool.Stop()
	}
	return 0
}

// WorkerStatus returns what each worker is doing.
func (s *Set) WorkerStatus() []workers.WorkerStatus {
	if pool := s.pool.Load(); pool != nil {
		return pool.Status()
	}
	return nil
}

// QueueStats returns the work queue statistics.
func (s *Set) QueueStats() workers.QueueStats {
	if pool := s.pool.Load(); pool != nil {
		return pool.Stats()
	}
	return workers.QueueStats{}
}

// Status returns a snapshot for status reporting.
func (s *Set) Status() Status {
	return Status{
		Phase:        s.Phase().String(),
		Buffers:      s.buffers.Load(),
		Bytes:        s.bytes.Load(),
		MaxDepthSeen: s.MaxDepthSeen(),
		Inline:       s.inline.Load(),
		Discarded:    s.discarded.Load(),
		DupBuffers:   s.dupBuffers.Load(),
		DupBytes:     s.dupBytes.Load(),
		Queue:        s.QueueStats(),
		Workers:      s.WorkerStatus(),
		Scanners:     s.Stats(),
	}
}
