package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/metrics"
	"github.com/anstrom/bulkscan/internal/sbuf"
	"github.com/anstrom/bulkscan/internal/scanner"
)

// Reasons a recursion request is rejected.
const (
	ReasonNotRecursive = "not_recursive"
	ReasonNoProgress   = "no_progress"
	ReasonMaxDepth     = "max_depth"
	ReasonExpansion    = "expansion"
)

// RecursionFeature is the feature text written to the alert channel when
// a recursion request is rejected.
const RecursionFeature = "RECURSION_LIMIT"

// lineage tracks expansion for everything decoded out of one top-level
// buffer. It travels with queued sub-buffers.
type lineage struct {
	root     string
	size     int64
	expanded atomic.Int64
}

func newLineage(buf *sbuf.Buffer) *lineage {
	return &lineage{root: buf.Pos0().String(), size: int64(buf.Len())}
}

// reserve adds n expanded bytes to the lineage, failing without change if
// that would exceed ratio times the top-level size.
func (l *lineage) reserve(n int64, ratio float64) bool {
	budget := int64(ratio * float64(l.size))
	for {
		cur := l.expanded.Load()
		if cur+n > budget {
			return false
		}
		if l.expanded.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// remaining returns the bytes that may still be reserved under ratio.
func (l *lineage) remaining(ratio float64) int64 {
	return max(int64(ratio*float64(l.size))-l.expanded.Load(), 0)
}

// Expanded returns the bytes reserved so far.
func (l *lineage) Expanded() int64 {
	return l.expanded.Load()
}

// recursor is handed to scanners as their scanner.Recursor.
type recursor struct {
	set     *Set
	lineage *lineage
}

var (
	_ scanner.Recursor = (*recursor)(nil)
	_ scanner.Budgeter = (*recursor)(nil)
)

// Recurse implements scanner.Recursor.
func (r *recursor) Recurse(ctx context.Context, name string, parent, child *sbuf.Buffer) error {
	return r.set.recurse(ctx, r.lineage, name, parent, child)
}

// ExpansionBudget implements scanner.Budgeter. It reports how many decoded
// bytes a child of parent produced by scanner name could still be accepted
// with: 0 when the child would be rejected whatever its size, -1 when the
// scanner's output is not charged against the expansion budget.
func (r *recursor) ExpansionBudget(name string, parent *sbuf.Buffer) int64 {
	s := r.set
	e := s.lookup(name)
	if e == nil || !e.info.Flags.Has(scanner.FlagRecurse) || parent.Depth() >= s.opts.MaxDepth {
		return 0
	}
	if !e.info.Flags.Has(scanner.FlagRecurseExpand) {
		return -1
	}
	return r.lineage.remaining(s.opts.MaxExpansionRatio)
}

// decodedSet remembers fingerprints of decoded sub-buffers across the run.
type decodedSet struct {
	mu   sync.Mutex
	seen map[[16]byte]struct{}
}

// add records data and reports whether it had been seen before.
func (d *decodedSet) add(data []byte) bool {
	var key [16]byte
	sum := blake3.Sum256(data)
	copy(key[:], sum[:])

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[[16]byte]struct{})
	}
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

// recurse applies the recursion limits to child and schedules it when they
// allow. Rejections are recorded on the alert channel and are not errors.
func (s *Set) recurse(ctx context.Context, lin *lineage, name string, parent, child *sbuf.Buffer) error {
	if s.Phase() != scanner.PhaseScan {
		return errors.ErrPhase("recurse", s.Phase().String())
	}

	var flags scanner.Flags
	if e := s.lookup(name); e != nil {
		flags = e.info.Flags
	}

	switch {
	case !flags.Has(scanner.FlagRecurse):
		s.reject(name, lin, parent, child, ReasonNotRecursive)
		return nil
	case child.Depth() <= parent.Depth():
		s.reject(name, lin, parent, child, ReasonNoProgress)
		return nil
	case parent.Depth() >= s.opts.MaxDepth:
		s.reject(name, lin, parent, child, ReasonMaxDepth)
		return nil
	}
	if s.decoded.add(child.Data()) {
		s.dupBuffers.Add(1)
		s.dupBytes.Add(uint64(child.Len()))
		s.metrics.Counter(metrics.MetricDuplicateBuffers, nil)
		s.metrics.CounterAdd(metrics.MetricDuplicateBytes, float64(child.Len()), nil)
		if s.opts.SkipDuplicates {
			s.logger.Debug("duplicate decoded buffer skipped",
				"scanner", name, "pos0", child.Pos0().String(), "size", child.Len())
			return nil
		}
	}
	if flags.Has(scanner.FlagRecurseExpand) && !lin.reserve(int64(child.Len()), s.opts.MaxExpansionRatio) {
		s.reject(name, lin, parent, child, ReasonExpansion)
		return nil
	}

	s.metrics.Counter(metrics.MetricRecursions, metrics.Labels{
		metrics.LabelDecoder: child.Pos0().LastDecoder(),
	})
	s.schedule(ctx, child, lin)
	return nil
}

func (s *Set) reject(name string, lin *lineage, parent, child *sbuf.Buffer, reason string) {
	decoder := child.Pos0().LastDecoder()
	err := errors.ErrRecursionLimit(child.Pos0().String(), reason).
		WithContext("scanner", name).
		WithContext("depth", child.Depth())

	metrics.IncrementRecursionRejected(s.metrics, decoder, reason)
	s.logger.Debug("recursion rejected",
		"scanner", name,
		"pos0", child.Pos0().String(),
		"root", lin.root,
		"reason", reason,
		"error", err)

	if s.features == nil {
		return
	}
	detail := fmt.Sprintf("scanner=%s reason=%s depth=%d size=%d", name, reason, child.Depth(), child.Len())
	if werr := s.features.Alert().Write(parent.Pos0(), RecursionFeature, detail); werr != nil {
		s.logger.ErrorEngine("failed to record recursion rejection", werr, "pos0", child.Pos0().String())
	}
}
