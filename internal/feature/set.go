package feature

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/logging"
	"github.com/anstrom/bulkscan/internal/metrics"
)

// Options configures a Set.
type Options struct {
	// OutDir receives feature files and carved objects. Empty keeps
	// everything in memory.
	OutDir string
	Format Format

	// Dedup is the initial dedup setting for new channels.
	Dedup bool
	// DedupCapacity bounds each channel's seen set; 0 means unbounded.
	DedupCapacity int

	// StrictChannels makes Get fail for undeclared names after Freeze.
	StrictChannels bool

	// ContextWindow is the number of bytes captured on each side by WriteBuf.
	ContextWindow int

	// DefaultCarveMode applies to channels that never set one.
	DefaultCarveMode CarveMode
	// CarveModes overrides scanner-chosen carve modes at Freeze.
	CarveModes map[string]CarveMode

	Histograms bool
	StopList   *WordList
	AlertList  *WordList

	// InputFilename and RunID are written into feature file headers.
	InputFilename string
	RunID         string

	Metrics metrics.MetricsRegistry
	Logger  *logging.Logger
}

// DefaultOptions returns in-memory options with dedup on.
func DefaultOptions() Options {
	return Options{
		Format:           FormatText,
		Dedup:            true,
		StrictChannels:   true,
		ContextWindow:    16,
		DefaultCarveMode: CarveEncoded,
		Histograms:       true,
	}
}

// Set owns every feature channel of a run.
type Set struct {
	opts    Options
	metrics metrics.MetricsRegistry
	logger  *logging.Logger
	store   carveStore

	mu        sync.RWMutex
	recorders map[string]*Recorder
	order     []string
	closed    bool

	frozen atomic.Bool
	alert  *Recorder
}

// NewSet creates a set and its alert channel. When OutDir is set the
// directory is created.
func NewSet(opts Options) (*Set, error) {
	if opts.Format == "" {
		opts.Format = FormatText
	}
	if opts.Format != FormatText && opts.Format != FormatCBOR {
		return nil, errors.ErrConfigInvalid("features.format", opts.Format)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	s := &Set{
		opts:      opts,
		metrics:   opts.Metrics,
		logger:    opts.Logger.WithComponent("recorder").WithRunID(opts.RunID),
		recorders: make(map[string]*Recorder),
	}

	if opts.OutDir != "" {
		if err := os.MkdirAll(opts.OutDir, outDirPerm); err != nil {
			return nil, errors.WrapConfigError(errors.CodeDirectoryCreate, "failed to create output directory", err)
		}
		s.store = newDirStore(opts.OutDir)
	} else {
		s.store = newMemStore()
	}

	alert, err := s.create(AlertChannel)
	if err != nil {
		return nil, err
	}
	alert.dedup.Store(false)
	s.alert = alert
	return s, nil
}

// RunID returns the identifier written into feature file headers.
func (s *Set) RunID() string {
	return s.opts.RunID
}

// OutDir returns the output directory, or "" for in-memory sets.
func (s *Set) OutDir() string {
	return s.opts.OutDir
}

// Create declares a channel, returning the existing recorder if the name
// is already known. Declaring new channels fails once the set is frozen.
func (s *Set) Create(name string) (*Recorder, error) {
	if name == "" {
		return nil, errors.ErrUnknownChannel(name)
	}
	s.mu.RLock()
	r, ok := s.recorders[name]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}
	if s.Frozen() {
		return nil, errors.ErrPhase("create feature channel "+name, "SCAN")
	}
	return s.create(name)
}

// Get returns the named channel. Unknown names are created on first use
// unless the set is frozen in strict mode.
func (s *Set) Get(name string) (*Recorder, error) {
	s.mu.RLock()
	r, ok := s.recorders[name]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}
	if name == "" || (s.Frozen() && s.opts.StrictChannels) {
		return nil, errors.ErrUnknownChannel(name)
	}
	return s.create(name)
}

// internal returns a channel the set manages itself, such as stop channels.
func (s *Set) internal(name string) (*Recorder, error) {
	s.mu.RLock()
	r, ok := s.recorders[name]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}
	r, err := s.create(name)
	if err != nil {
		return nil, err
	}
	r.dedup.Store(false)
	return r, nil
}

func (s *Set) create(name string) (*Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.recorders[name]; ok {
		return r, nil
	}
	if s.closed {
		return nil, errors.NewScanError(errors.CodeWriteFailed, "feature recorder set is closed").
			WithContext("channel", name)
	}

	seen, err := newSeenSet(s.opts.DedupCapacity)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeValidation, "failed to create dedup set", err)
	}

	var snk sink
	switch {
	case s.opts.OutDir == "":
		snk = &memorySink{}
	case s.opts.Format == FormatCBOR:
		snk, err = newCBORSink(featureFilePath(s.opts.OutDir, name, FormatCBOR))
	default:
		snk, err = newTextSink(featureFilePath(s.opts.OutDir, name, FormatText), header{
			channel:  name,
			filename: s.opts.InputFilename,
			runID:    s.opts.RunID,
		})
	}
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeFilePermission, "failed to open feature file", err).
			WithContext("channel", name)
	}

	r := &Recorder{
		name:     name,
		set:      s,
		dedupKey: featureKey,
		seen:     seen,
		cache:    newCarveCache(),
		sink:     snk,
	}
	r.carveMode.Store(int32(s.opts.DefaultCarveMode))
	r.dedup.Store(s.opts.Dedup)
	if s.opts.Histograms {
		r.hist = make(map[string]uint64)
	}

	s.recorders[name] = r
	s.order = append(s.order, name)
	s.logger.Debug("feature channel created", "channel", name)
	return r, nil
}

// Alert returns the alert channel.
func (s *Set) Alert() *Recorder {
	return s.alert
}

// Freeze applies configured carve mode overrides and ends the INIT phase:
// carve policies and dedup settings become read-only.
func (s *Set) Freeze() {
	s.mu.RLock()
	for name, mode := range s.opts.CarveModes {
		if r, ok := s.recorders[name]; ok && mode.Valid() {
			r.carveMode.Store(int32(mode))
		}
	}
	s.mu.RUnlock()
	s.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (s *Set) Frozen() bool {
	return s.frozen.Load()
}

// Names returns channel names in creation order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Stats returns per-channel counters in name order.
func (s *Set) Stats() []RecorderStats {
	s.mu.RLock()
	stats := make([]RecorderStats, 0, len(s.recorders))
	for _, r := range s.recorders {
		stats = append(stats, r.Stats())
	}
	s.mu.RUnlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// ReadCarved returns the bytes of a carved object by its relative path.
func (s *Set) ReadCarved(rel string) ([]byte, error) {
	return s.store.read(rel)
}

// Close flushes every channel, writes histograms, and releases files.
// It is safe to call more than once.
func (s *Set) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	recorders := make([]*Recorder, 0, len(s.order))
	for _, name := range s.order {
		recorders = append(recorders, s.recorders[name])
	}
	s.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, r := range recorders {
		if err := r.close(); err != nil {
			s.logger.ErrorRecorder("failed to close feature channel", r.name, err)
			keep(err)
		} else if st := r.Stats(); st.Written > 0 {
			s.logger.InfoRecorder("feature channel closed", r.name,
				"written", st.Written, "suppressed", st.Suppressed)
		}
		if s.opts.Histograms && s.opts.OutDir != "" {
			keep(s.writeHistogram(r))
		}
	}
	keep(s.store.close())
	return first
}

func (s *Set) writeHistogram(r *Recorder) error {
	entries := r.Histogram()
	if len(entries) == 0 {
		return nil
	}
	path := filepath.Join(s.opts.OutDir, r.name+"_histogram.txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, outFilePerm)
	if err != nil {
		return errors.WrapScanError(errors.CodeFilePermission, "failed to create histogram", err).
			WithContext("channel", r.name)
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		fmt.Fprintf(w, "n=%d\t%s\n", e.Count, e.Feature)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
