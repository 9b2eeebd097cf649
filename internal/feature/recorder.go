package feature

import (
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/metrics"
	"github.com/anstrom/bulkscan/internal/sbuf"
)

// DedupKeyFunc derives the key used for duplicate suppression.
type DedupKeyFunc func(feature, context string) string

func featureKey(feature, _ string) string { return feature }

// Recorder is one feature channel. All methods are safe for concurrent use.
type Recorder struct {
	name string
	set  *Set

	carveMode atomic.Int32
	dedup     atomic.Bool
	dedupKey  DedupKeyFunc
	seen      seenSet
	cache     *carveCache

	mu     sync.Mutex
	sink   sink
	hist   map[string]uint64
	closed bool

	written     atomic.Uint64
	suppressed  atomic.Uint64
	stopped     atomic.Uint64
	carved      atomic.Uint64
	carvedBytes atomic.Uint64
	carveSeq    atomic.Uint64
}

// RecorderStats is a snapshot of a channel's counters.
type RecorderStats struct {
	Name        string    `json:"name"`
	Written     uint64    `json:"written"`
	Suppressed  uint64    `json:"suppressed"`
	Stopped     uint64    `json:"stopped"`
	Carved      uint64    `json:"carved"`
	CarvedBytes uint64    `json:"carved_bytes"`
	CarveMode   CarveMode `json:"carve_mode"`
	Dedup       bool      `json:"dedup"`
}

// HistogramEntry is one line of a channel histogram.
type HistogramEntry struct {
	Feature string
	Count   uint64
}

// Name returns the channel name.
func (r *Recorder) Name() string {
	return r.name
}

// CarveMode returns the channel's carve policy.
func (r *Recorder) CarveMode() CarveMode {
	return CarveMode(r.carveMode.Load())
}

// SetCarveMode sets the carve policy. It fails once the set is frozen.
func (r *Recorder) SetCarveMode(m CarveMode) error {
	if !m.Valid() {
		return errors.NewScanError(errors.CodeValidation, "invalid carve mode").
			WithContext("channel", r.name).WithContext("mode", int(m))
	}
	if r.set.Frozen() {
		return errors.ErrPhase("set carve mode", "SCAN")
	}
	r.carveMode.Store(int32(m))
	return nil
}

// Dedup reports whether duplicate suppression is on.
func (r *Recorder) Dedup() bool {
	return r.dedup.Load()
}

// SetDedup turns duplicate suppression on or off. It fails once the set is frozen.
func (r *Recorder) SetDedup(on bool) error {
	if r.set.Frozen() {
		return errors.ErrPhase("set dedup", "SCAN")
	}
	r.dedup.Store(on)
	return nil
}

// SetDedupKey replaces the dedup key function. It fails once the set is frozen.
func (r *Recorder) SetDedupKey(fn DedupKeyFunc) error {
	if r.set.Frozen() {
		return errors.ErrPhase("set dedup key", "SCAN")
	}
	if fn == nil {
		fn = featureKey
	}
	r.mu.Lock()
	r.dedupKey = fn
	r.mu.Unlock()
	return nil
}

// Write records feature at pos0. feature and context are escaped before
// they are stored. Stop-listed features go to the "<name>_stopped" channel,
// duplicates are dropped when dedup is on, and alert-listed features are
// also copied to the alert channel.
func (r *Recorder) Write(pos0 sbuf.Pos0, feature, context string) error {
	feature = Escape(feature)
	context = Escape(context)
	opts := &r.set.opts

	if opts.StopList.Match(feature, context) {
		r.stopped.Add(1)
		r.set.metrics.Counter(metrics.MetricFeaturesStopped, metrics.Labels{metrics.LabelChannel: r.name})
		stop, err := r.set.internal(r.name + StoppedSuffix)
		if err != nil {
			return err
		}
		return stop.emit(Record{Pos0: pos0.String(), Feature: feature, Context: context})
	}

	r.countHistogram(feature)

	if r.dedup.Load() {
		r.mu.Lock()
		keyFn := r.dedupKey
		r.mu.Unlock()
		if !r.seen.firstSighting(keyFn(feature, context)) {
			r.suppressed.Add(1)
			r.set.metrics.Counter(metrics.MetricFeaturesSuppressed, metrics.Labels{metrics.LabelChannel: r.name})
			return nil
		}
	}

	rec := Record{Pos0: pos0.String(), Feature: feature, Context: context}
	if r.name != AlertChannel && opts.AlertList.Match(feature, context) {
		if err := r.set.Alert().emit(Record{Pos0: rec.Pos0, Feature: feature, Context: r.name}); err != nil {
			return err
		}
	}
	return r.emit(rec)
}

// WriteBuf records n bytes at pos in buf as a feature, with up to the
// configured context window on each side. Features that start in the
// margin are skipped; the next page reports them.
func (r *Recorder) WriteBuf(buf *sbuf.Buffer, pos, n int) error {
	return r.WriteBufAnchored(buf, pos, pos, n)
}

// WriteBufAnchored is WriteBuf for a feature that belongs to a larger match
// starting at anchor. The margin check applies to the anchor, so a part of
// a match that began in the page is recorded even when it lies in the
// margin.
func (r *Recorder) WriteBufAnchored(buf *sbuf.Buffer, anchor, pos, n int) error {
	if pos < 0 || n < 0 || pos+n > buf.Len() {
		return errors.NewRangeError(buf.Pos0().String(), uint64(max(pos, 0)), uint64(max(n, 0)), uint64(buf.Len()))
	}
	if anchor >= buf.PageSize() {
		return nil
	}
	w := r.set.opts.ContextWindow
	start := max(pos-w, 0)
	context := buf.Substr(start, pos+n+w-start)
	return r.Write(buf.Pos0().Shift(uint64(pos)), buf.Substr(pos, n), context)
}

// emit writes rec straight to the sink, bypassing stop list and dedup.
func (r *Recorder) emit(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.NewScanError(errors.CodeWriteFailed, "feature recorder is closed").
			WithContext("channel", r.name)
	}
	if err := r.sink.write(rec); err != nil {
		return errors.WrapScanError(errors.CodeWriteFailed, "failed to write feature", err).
			WithContext("channel", r.name)
	}
	r.written.Add(1)
	r.set.metrics.Counter(metrics.MetricFeaturesWritten, metrics.Labels{metrics.LabelChannel: r.name})
	return nil
}

func (r *Recorder) countHistogram(feature string) {
	if r.hist == nil {
		return
	}
	r.mu.Lock()
	r.hist[feature]++
	r.mu.Unlock()
}

// shouldCarve applies the carve policy to a buffer.
func (r *Recorder) shouldCarve(buf *sbuf.Buffer) bool {
	switch r.CarveMode() {
	case CarveAll:
		return true
	case CarveEncoded:
		return buf.Depth() > 0
	}
	return false
}

// Carve writes n bytes at start of buf to "<pos0>_<channel><ext>" under the
// channel's carve directory, if the carve policy allows it, and records a
// feature pointing at the file. Identical content is written once; later
// carves of it are recorded with the <CACHED> marker. It returns the
// relative path of the carved object, or "" when nothing was written.
func (r *Recorder) Carve(buf *sbuf.Buffer, start, n int, ext string) (string, error) {
	if !r.shouldCarve(buf) {
		return "", nil
	}
	data, err := buf.Bytes(start, n)
	if err != nil {
		return "", err
	}
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}

	loc := buf.Pos0().Shift(uint64(start))
	sum := digest(data)
	seq := r.carveSeq.Add(1) - 1
	rel := path.Join(r.name, fmt.Sprintf("%03d", seq/carvesPerDir), fmt.Sprintf("%s_%s%s", loc.String(), r.name, ext))

	if prev, fresh := r.cache.claim(sum, rel); !fresh {
		return prev, r.emit(Record{
			Pos0:    loc.String(),
			Feature: CachedMarker,
			Context: fileObject(prev, len(data), sum),
		})
	}

	if err := r.set.store.put(rel, data); err != nil {
		r.cache.finish(sum, false)
		return "", errors.WrapScanError(errors.CodeCarveFailed, "failed to write carved object", err).
			WithContext("channel", r.name).WithContext("path", rel)
	}
	r.cache.finish(sum, true)
	r.carved.Add(1)
	r.carvedBytes.Add(uint64(len(data)))
	r.set.metrics.Counter(metrics.MetricCarvedObjects, metrics.Labels{metrics.LabelChannel: r.name})
	r.set.metrics.CounterAdd(metrics.MetricCarvedBytes, float64(len(data)), metrics.Labels{metrics.LabelChannel: r.name})

	return rel, r.emit(Record{Pos0: loc.String(), Feature: rel, Context: fileObject(rel, len(data), sum)})
}

// CarveRecords appends n already validated bytes at start of buf to the
// aggregate file "<channel>/<tag>.records", if the carve policy allows it,
// and records the offset the bytes landed at.
func (r *Recorder) CarveRecords(buf *sbuf.Buffer, start, n int, tag string) error {
	if !r.shouldCarve(buf) {
		return nil
	}
	data, err := buf.Bytes(start, n)
	if err != nil {
		return err
	}
	rel := path.Join(r.name, tag+".records")
	off, err := r.set.store.appendTo(rel, data)
	if err != nil {
		return errors.WrapScanError(errors.CodeCarveFailed, "failed to append carved records", err).
			WithContext("channel", r.name).WithContext("path", rel)
	}
	r.carved.Add(1)
	r.carvedBytes.Add(uint64(len(data)))
	r.set.metrics.Counter(metrics.MetricCarvedObjects, metrics.Labels{metrics.LabelChannel: r.name})

	loc := buf.Pos0().Shift(uint64(start))
	return r.emit(Record{
		Pos0:    loc.String(),
		Feature: rel,
		Context: fmt.Sprintf("<record offset='%d' length='%d'/>", off, len(data)),
	})
}

// Records returns what was written so far when the set has no output directory.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	s := r.sink
	r.mu.Unlock()
	if ms, ok := s.(*memorySink); ok {
		return ms.snapshot()
	}
	return nil
}

// Histogram returns feature counts, most frequent first.
func (r *Recorder) Histogram() []HistogramEntry {
	r.mu.Lock()
	entries := make([]HistogramEntry, 0, len(r.hist))
	for f, c := range r.hist {
		entries = append(entries, HistogramEntry{Feature: f, Count: c})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Feature < entries[j].Feature
	})
	return entries
}

// Stats returns a snapshot of the channel's counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Name:        r.name,
		Written:     r.written.Load(),
		Suppressed:  r.suppressed.Load(),
		Stopped:     r.stopped.Load(),
		Carved:      r.carved.Load(),
		CarvedBytes: r.carvedBytes.Load(),
		CarveMode:   r.CarveMode(),
		Dedup:       r.Dedup(),
	}
}

func (r *Recorder) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.sink.close()
}
