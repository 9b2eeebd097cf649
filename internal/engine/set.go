// Package engine drives scanners over buffers. A Set owns the scanner
// registry and its lifecycle, dispatches each buffer to every enabled
// scanner in registration order, isolates scanner failures, and controls
// recursion into decoded sub-buffers. With workers launched, buffers are
// processed concurrently by a workers.Pool.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/feature"
	"github.com/anstrom/bulkscan/internal/logging"
	"github.com/anstrom/bulkscan/internal/metrics"
	"github.com/anstrom/bulkscan/internal/sbuf"
	"github.com/anstrom/bulkscan/internal/scanner"
	"github.com/anstrom/bulkscan/internal/workers"
)

// Options configures a Set.
type Options struct {
	// MaxDepth is the deepest decoder nesting that may be recursed into.
	MaxDepth int
	// MaxExpansionRatio bounds the bytes produced by expanding decoders
	// for one top-level buffer, as a multiple of its size.
	MaxExpansionRatio float64
	// SyncThreshold is the size below which sub-buffers are scanned on the
	// submitting goroutine instead of being queued.
	SyncThreshold int
	// SkipDuplicates drops decoded sub-buffers whose content was already
	// recursed into earlier in the run. Duplicates are counted either way.
	SkipDuplicates bool
	// ScannerOptions are name=value settings read through GetConfig.
	ScannerOptions map[string]string

	Metrics metrics.MetricsRegistry
	Logger  *logging.Logger
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxDepth:          7,
		MaxExpansionRatio: 100,
		SyncThreshold:     1 << 20,
	}
}

// ScannerStats is a snapshot of one scanner's state and counters.
type ScannerStats struct {
	Name      string        `json:"name"`
	Enabled   bool          `json:"enabled"`
	Faulted   bool          `json:"faulted"`
	Buffers   uint64        `json:"buffers"`
	Faults    uint64        `json:"faults"`
	Duration  time.Duration `json:"duration"`
	LastError string        `json:"last_error,omitempty"`
}

type entry struct {
	fn      scanner.Func
	info    *scanner.Info
	enabled bool

	faulted atomic.Bool
	buffers atomic.Uint64
	faults  atomic.Uint64
	nanos   atomic.Int64
	errMu   sync.Mutex
	lastErr string
}

func (e *entry) active() bool {
	return e.enabled && !e.faulted.Load()
}

func (e *entry) setLastError(msg string) {
	e.errMu.Lock()
	e.lastErr = msg
	e.errMu.Unlock()
}

// Set is the scanner dispatcher.
type Set struct {
	opts     Options
	features *feature.Set
	metrics  metrics.MetricsRegistry
	logger   *logging.Logger

	mu      sync.RWMutex
	entries []*entry
	byName  map[string]*entry
	phase   atomic.Int32

	pool         atomic.Pointer[workers.Pool]
	maxDepthSeen atomic.Int32
	buffers      atomic.Uint64
	bytes        atomic.Uint64
	inline       atomic.Uint64
	discarded    atomic.Uint64

	decoded    decodedSet
	dupBuffers atomic.Uint64
	dupBytes   atomic.Uint64
}

// NewSet creates a dispatcher writing into features.
func NewSet(features *feature.Set, opts Options) *Set {
	def := DefaultOptions()
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.MaxExpansionRatio <= 0 {
		opts.MaxExpansionRatio = def.MaxExpansionRatio
	}
	if opts.SyncThreshold < 0 {
		opts.SyncThreshold = 0
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Set{
		opts:     opts,
		features: features,
		metrics:  opts.Metrics,
		logger:   opts.Logger.WithComponent("engine"),
		byName:   make(map[string]*entry),
	}
}

// Phase returns the lifecycle phase the set is in.
func (s *Set) Phase() scanner.Phase {
	return scanner.Phase(s.phase.Load())
}

// Features returns the feature recorder set.
func (s *Set) Features() *feature.Set {
	return s.features
}

// Register runs fn's STARTUP phase and adds it to the registry. A scanner
// that fails STARTUP, or declares another contract version, is registered
// disabled and reported on the alert channel. Registration is only valid
// before Init.
func (s *Set) Register(fn scanner.Func) error {
	if fn == nil {
		return errors.NewScanError(errors.CodeValidation, "nil scanner function")
	}
	if s.Phase() != scanner.PhaseStartup {
		return errors.ErrPhase("register scanner", s.Phase().String())
	}

	info := &scanner.Info{}
	p := scanner.NewParams(context.Background(), scanner.PhaseStartup, info, nil, s.features, nil, s.opts.ScannerOptions)
	err := safeCall(fn, p)

	if info.Name == "" {
		if err == nil {
			err = errors.NewScanError(errors.CodeValidation, "scanner did not set a name")
		}
		return errors.WrapScanError(errors.CodeScannerFault, "scanner startup failed", err)
	}
	if err == nil && info.ContractVersion != 0 && info.ContractVersion != scanner.ContractVersion {
		err = errors.ErrVersionMismatch(info.Name, scanner.ContractVersion, info.ContractVersion)
	}

	s.mu.Lock()
	if _, dup := s.byName[info.Name]; dup {
		s.mu.Unlock()
		return errors.NewScanErrorWithScanner(errors.CodeValidation, "scanner already registered", info.Name)
	}
	e := &entry{
		fn:      fn,
		info:    info,
		enabled: !info.Flags.Has(scanner.FlagDisabled),
	}
	s.entries = append(s.entries, e)
	s.byName[info.Name] = e
	s.mu.Unlock()

	if err != nil {
		s.fault(e, sbuf.Pos0{}, scanner.PhaseStartup, err)
	}
	s.logger.WithScanner(info.Name).Debug("scanner registered", "flags", info.Flags.String())
	return nil
}

// RegisterAll registers every function in order and returns the first error.
func (s *Set) RegisterAll(fns []scanner.Func) error {
	for _, fn := range fns {
		if err := s.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

// Infos returns copies of the registration records in registration order.
func (s *Set) Infos() []scanner.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scanner.Info, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e.info
		out[i].FeatureNames = append([]string(nil), e.info.FeatureNames...)
		out[i].Options = append([]scanner.OptionHelp(nil), e.info.Options...)
	}
	return out
}

// Enabled reports whether the named scanner will run.
func (s *Set) Enabled(name string) bool {
	s.mu.RLock()
	e, ok := s.byName[name]
	s.mu.RUnlock()
	return ok && e.active()
}

// Init runs INIT for every enabled scanner, declares their feature channels,
// then freezes the feature recorder set. Scanning is allowed afterwards.
func (s *Set) Init(ctx context.Context) error {
	if !s.phase.CompareAndSwap(int32(scanner.PhaseStartup), int32(scanner.PhaseInit)) {
		return errors.ErrPhase("init", s.Phase().String())
	}

	s.mu.RLock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.RUnlock()

	for _, e := range entries {
		if !e.active() {
			continue
		}
		if err := s.declareChannels(e); err != nil {
			s.fault(e, sbuf.Pos0{}, scanner.PhaseInit, err)
			continue
		}
		p := scanner.NewParams(ctx, scanner.PhaseInit, e.info, nil, s.features, nil, s.opts.ScannerOptions)
		if err := safeCall(e.fn, p); err != nil {
			s.fault(e, sbuf.Pos0{}, scanner.PhaseInit, err)
		}
	}

	s.features.Freeze()
	s.phase.Store(int32(scanner.PhaseScan))

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.active() {
			names = append(names, e.info.Name)
		}
	}
	s.logger.InfoEngine("scanners initialized", "enabled", names, "max_depth", s.opts.MaxDepth)
	return nil
}

func (s *Set) declareChannels(e *entry) error {
	for _, name := range e.info.FeatureNames {
		if _, err := s.features.Create(name); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBuffer scans a top-level buffer with every enabled scanner.
// Scanner failures never escape: the failing scanner is disabled and the
// remaining scanners still run.
func (s *Set) ProcessBuffer(ctx context.Context, buf *sbuf.Buffer) error {
	if s.Phase() != scanner.PhaseScan {
		return errors.ErrPhase("process buffer", s.Phase().String())
	}
	s.process(ctx, buf, newLineage(buf))
	return nil
}

func (s *Set) process(ctx context.Context, buf *sbuf.Buffer, lin *lineage) {
	s.mu.RLock()
	entries := s.entries
	s.mu.RUnlock()

	depth := buf.Depth()
	s.noteDepth(depth)
	pos0 := buf.Pos0()
	pos0Str := pos0.String()
	rec := &recursor{set: s, lineage: lin}

	for _, e := range entries {
		if !e.active() {
			continue
		}
		if depth > 0 && e.info.Flags.Has(scanner.FlagDepth0) {
			continue
		}
		workers.SetActivity(ctx, pos0Str, e.info.Name)

		p := scanner.NewParams(ctx, scanner.PhaseScan, e.info, buf, s.features, rec, s.opts.ScannerOptions)
		start := time.Now()
		err := safeCall(e.fn, p)
		elapsed := time.Since(start)

		e.buffers.Add(1)
		e.nanos.Add(int64(elapsed))
		metrics.RecordScannerDuration(s.metrics, e.info.Name, elapsed)

		switch {
		case err == nil:
		case errors.IsRecoverable(err):
			// The scanner ran off the end of a record; its partial
			// output stands and it stays enabled.
			s.logger.WithScanner(e.info.Name).WithPos0(pos0Str).WithError(err).
				Debug("scanner stopped early")
		default:
			s.fault(e, pos0, scanner.PhaseScan, err)
		}
	}

	s.buffers.Add(1)
	s.bytes.Add(uint64(buf.Len()))
	s.metrics.Counter(metrics.MetricBuffersProcessed, nil)
	s.metrics.CounterAdd(metrics.MetricBytesProcessed, float64(buf.Len()), nil)
}

// fault disables e for the rest of the run, logs the failure and writes it
// to the alert channel. Only the first fault disables; later ones from
// goroutines already inside the scanner are counted.
func (s *Set) fault(e *entry, pos0 sbuf.Pos0, phase scanner.Phase, err error) {
	name := e.info.Name
	pos0Str := pos0.String()
	if !errors.IsCode(err, errors.CodeVersionMismatch) && !errors.IsCode(err, errors.CodeScannerFault) {
		err = errors.ErrScannerFault(name, pos0Str, err)
	}
	text := errorText(err)
	e.faults.Add(1)
	e.setLastError(text)

	metrics.IncrementScannerFaults(s.metrics, name, string(errors.GetCode(err)))

	if !e.faulted.CompareAndSwap(false, true) {
		return
	}
	s.metrics.Counter(metrics.MetricScannersDisabled, metrics.Labels{metrics.LabelScanner: name})
	s.logger.ErrorScanner("scanner disabled", name, pos0Str, err, "phase", phase.String())

	if s.features == nil {
		return
	}
	if alert := s.features.Alert(); alert != nil {
		if werr := alert.Write(pos0, name, phase.String()+": "+text); werr != nil {
			s.logger.ErrorRecorder("failed to record scanner fault", feature.AlertChannel, werr)
		}
	}
}

// Shutdown runs SHUTDOWN for every scanner that is still enabled. It does
// not close the feature recorder set.
func (s *Set) Shutdown(ctx context.Context) error {
	prev := scanner.Phase(s.phase.Swap(int32(scanner.PhaseShutdown)))
	if prev == scanner.PhaseShutdown {
		return nil
	}
	if prev == scanner.PhaseStartup {
		// INIT never ran; scanners have nothing to flush.
		return nil
	}

	s.mu.RLock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.RUnlock()

	for _, e := range entries {
		if !e.active() {
			continue
		}
		p := scanner.NewParams(ctx, scanner.PhaseShutdown, e.info, nil, s.features, nil, s.opts.ScannerOptions)
		if err := safeCall(e.fn, p); err != nil {
			s.fault(e, sbuf.Pos0{}, scanner.PhaseShutdown, err)
		}
	}
	s.logger.InfoEngine("scanners shut down",
		"buffers", s.buffers.Load(),
		"bytes", s.bytes.Load(),
		"max_depth_seen", s.MaxDepthSeen())
	return nil
}

// Stats returns per-scanner counters in registration order.
func (s *Set) Stats() []ScannerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScannerStats, len(s.entries))
	for i, e := range s.entries {
		e.errMu.Lock()
		lastErr := e.lastErr
		e.errMu.Unlock()
		out[i] = ScannerStats{
			Name:      e.info.Name,
			Enabled:   e.enabled,
			Faulted:   e.faulted.Load(),
			Buffers:   e.buffers.Load(),
			Faults:    e.faults.Load(),
			Duration:  time.Duration(e.nanos.Load()),
			LastError: lastErr,
		}
	}
	return out
}

// BuffersProcessed returns the number of buffers scanned so far, including
// recursive sub-buffers.
func (s *Set) BuffersProcessed() uint64 {
	return s.buffers.Load()
}

// BytesProcessed returns the number of bytes scanned so far.
func (s *Set) BytesProcessed() uint64 {
	return s.bytes.Load()
}

// MaxDepthSeen returns the deepest buffer processed so far.
func (s *Set) MaxDepthSeen() int {
	return int(s.maxDepthSeen.Load())
}

func (s *Set) noteDepth(depth int) {
	for {
		cur := s.maxDepthSeen.Load()
		if int32(depth) <= cur {
			return
		}
		if s.maxDepthSeen.CompareAndSwap(cur, int32(depth)) {
			s.metrics.Gauge(metrics.MetricMaxDepthSeen, float64(depth), nil)
			return
		}
	}
}

func (s *Set) lookup(name string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byName[name]
}

// errorText renders err followed by its cause, which typed errors leave
// out of Error.
func errorText(err error) string {
	text := err.Error()
	if cause := stderrors.Unwrap(err); cause != nil {
		text += ": " + cause.Error()
	}
	return text
}

// safeCall invokes fn and converts a panic into an error.
func safeCall(fn scanner.Func, p *scanner.Params) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic: %w", e)
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(p)
}
