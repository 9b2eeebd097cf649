// Package notify reports scan progress on a cron schedule. Each report logs
// the engine status, the fraction of the image read with an estimated time
// remaining, and every worker that has been busy on one buffer for longer
// than the stall threshold.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/bulkscan/internal/engine"
	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/logging"
	"github.com/anstrom/bulkscan/internal/workers"
)

// StatusSource is what the notifier polls. *engine.Set satisfies it.
type StatusSource interface {
	Status() engine.Status
}

// Config configures a Notifier.
type Config struct {
	// Schedule is a standard cron expression or descriptor such as
	// "@every 30s".
	Schedule string
	// StallThreshold flags workers busy longer than this; 0 disables it.
	StallThreshold time.Duration
	// Progress returns the fraction of the input read, in [0, 1]. Optional.
	Progress func() float64

	Logger *logging.Logger
	// Now is used for elapsed and stall times; defaults to time.Now.
	Now func() time.Time
}

// Report is one progress report.
type Report struct {
	Time    time.Time     `json:"time"`
	Elapsed time.Duration `json:"elapsed"`
	// Fraction is the part of the input read, or -1 when unknown.
	Fraction float64 `json:"fraction"`
	// Remaining is the estimated time to completion, 0 when unknown.
	Remaining time.Duration          `json:"remaining"`
	Status    engine.Status          `json:"status"`
	Stalled   []workers.WorkerStatus `json:"stalled,omitempty"`
}

// Notifier periodically logs Reports.
type Notifier struct {
	source StatusSource
	cfg    Config
	logger *logging.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
	started time.Time
	last    Report
	reports int
}

// New validates cfg and returns a stopped notifier.
func New(source StatusSource, cfg Config) (*Notifier, error) {
	if source == nil {
		return nil, errors.ErrConfigMissing("notify.source")
	}
	if cfg.StallThreshold < 0 {
		return nil, errors.ErrConfigInvalid("scan.stall_threshold", cfg.StallThreshold)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	n := &Notifier{
		source: source,
		cfg:    cfg,
		logger: cfg.Logger.WithComponent("notify"),
		cron:   cron.New(),
	}
	if _, err := n.cron.AddFunc(cfg.Schedule, func() { n.Report() }); err != nil {
		return nil, errors.WrapConfigError(errors.CodeValidation, "invalid status interval", err).
			WithField("scan.status_interval", cfg.Schedule)
	}
	return n, nil
}

// Start begins reporting. The elapsed time of reports counts from here.
func (n *Notifier) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return fmt.Errorf("notifier is already running")
	}
	n.started = n.cfg.Now()
	n.cron.Start()
	n.running = true
	n.logger.Debug("status notifier started", "schedule", n.cfg.Schedule)
	return nil
}

// Stop stops reporting and waits for a report in progress to finish.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	<-n.cron.Stop().Done()
	n.logger.Debug("status notifier stopped")
}

// Report builds a report, logs it and returns it.
func (n *Notifier) Report() Report {
	now := n.cfg.Now()
	st := n.source.Status()

	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if started.IsZero() {
		started = now
	}

	r := Report{
		Time:     now,
		Elapsed:  now.Sub(started),
		Fraction: -1,
		Status:   st,
	}
	if n.cfg.Progress != nil {
		r.Fraction = clamp(n.cfg.Progress())
		r.Remaining = remaining(r.Elapsed, r.Fraction)
	}
	if n.cfg.StallThreshold > 0 {
		for _, w := range st.Workers {
			if w.Busy(now) > n.cfg.StallThreshold {
				r.Stalled = append(r.Stalled, w)
			}
		}
	}

	n.log(r)

	n.mu.Lock()
	n.last = r
	n.reports++
	n.mu.Unlock()
	return r
}

// Last returns the most recent report and how many were made.
func (n *Notifier) Last() (Report, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last, n.reports
}

func (n *Notifier) log(r Report) {
	st := r.Status
	fields := []any{
		"phase", st.Phase,
		"elapsed", r.Elapsed.Round(time.Second).String(),
		"buffers", st.Buffers,
		"bytes", st.Bytes,
		"max_depth", st.MaxDepthSeen,
		"queued", st.Queue.Jobs,
		"queued_bytes", st.Queue.Bytes,
		"queued_depth0", st.Queue.Depth0Jobs,
		"active", st.Queue.Active,
	}
	if r.Fraction >= 0 {
		fields = append(fields,
			"done", fmt.Sprintf("%.2f%%", r.Fraction*100),
			"remaining", r.Remaining.Round(time.Second).String())
	}
	n.logger.InfoEngine("scan status", fields...)

	for _, w := range r.Stalled {
		n.logger.Warn("worker stalled",
			"worker", w.ID,
			"pos0", w.JobID,
			"scanner", w.Activity,
			"busy", w.Busy(r.Time).Round(time.Second).String())
	}
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// remaining extrapolates linearly from the time taken so far.
func remaining(elapsed time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || fraction >= 1 {
		return 0
	}
	return time.Duration(float64(elapsed) * (1 - fraction) / fraction)
}
