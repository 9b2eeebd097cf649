package engine

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/sbuf"
	"github.com/anstrom/bulkscan/internal/scanner"
)

// errPathStep stops a decoder once the wanted child has been produced.
var errPathStep = stderrors.New("path step decoded")

// stepRecursor keeps the child whose path matches want and refuses the rest.
type stepRecursor struct {
	want  string
	found *sbuf.Buffer
}

func (r *stepRecursor) Recurse(_ context.Context, _ string, _, child *sbuf.Buffer) error {
	if child.Pos0().String() != r.want {
		return nil
	}
	r.found = child
	return errPathStep
}

// ResolvePath re-derives the bytes a forensic path points at. root must be
// the top-level buffer read at the path's image offset. Each decoder step
// is replayed by running the recursive scanner of that name over the
// current buffer and keeping the child it produces at the matching
// position; no features are written and the recursion limits do not apply.
func (s *Set) ResolvePath(ctx context.Context, root *sbuf.Buffer, path sbuf.Pos0) (*sbuf.Buffer, error) {
	if s.Phase() != scanner.PhaseScan {
		return nil, errors.ErrPhase("resolve path", s.Phase().String())
	}
	segs := path.Segments()
	if root == nil || root.Pos0().String() != sbuf.NewPos0(segs[0].Offset).String() {
		return nil, errors.NewScanError(errors.CodeValidation, "root buffer does not start the path").
			WithPos0(path.String())
	}

	cur := root
	for _, seg := range segs[1:] {
		e := s.decoderFor(seg.Decoder)
		if e == nil {
			return nil, errors.NewScanError(errors.CodeValidation, "no recursive scanner for decoder "+seg.Decoder).
				WithPos0(path.String())
		}

		rec := &stepRecursor{want: cur.Pos0().Append(sbuf.Component{Decoder: seg.Decoder}).String()}
		p := scanner.NewParams(ctx, scanner.PhaseScan, e.info, cur, nil, rec, s.opts.ScannerOptions)
		if err := safeCall(e.fn, p); err != nil && !stderrors.Is(err, errPathStep) {
			return nil, errors.ErrScannerFault(e.info.Name, cur.Pos0().String(), err)
		}
		if rec.found == nil {
			return nil, errors.NewScanError(errors.CodeValidation, seg.Decoder+" produced nothing at "+cur.Pos0().String()).
				WithPos0(path.String())
		}

		next, err := rec.found.SliceFrom(int(seg.Offset))
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// decoderFor returns the recursive scanner whose name matches a path
// decoder component, ignoring case.
func (s *Set) decoderFor(decoder string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.info.Flags.Has(scanner.FlagRecurse) && strings.EqualFold(e.info.Name, decoder) {
			return e
		}
	}
	return nil
}
