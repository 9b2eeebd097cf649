// Package image slices an input into the top-level buffers the engine
// scans. Each page holds PageSize live bytes followed by up to MarginSize
// bytes of the next page, so features that straddle a page boundary are
// still seen whole. The pos0 of a page is its byte offset in the input.
package image

import (
	"context"
	stderrors "errors"
	"io"
	"iter"
	"math"
	"math/rand/v2"
	"os"
	"slices"
	"sync/atomic"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/logging"
	"github.com/anstrom/bulkscan/internal/metrics"
	"github.com/anstrom/bulkscan/internal/sbuf"
)

// Default page geometry.
const (
	DefaultPageSize   = 16 * 1024 * 1024
	DefaultMarginSize = 4 * 1024 * 1024
)

// Options configures page production.
type Options struct {
	PageSize   int
	MarginSize int
	// OffsetStart is the first byte processed.
	OffsetStart int64
	// OffsetEnd is the byte after the last page start; 0 means the end of
	// the input.
	OffsetEnd int64
	// SamplingFraction, when below 1, scans that fraction of the pages,
	// picked at random and visited in offset order. Zero means every page.
	SamplingFraction float64
	// SamplingPasses repeats the random selection; each pass draws afresh.
	SamplingPasses int
	// Seed fixes the sampling draw; zero picks a random seed.
	Seed uint64

	Metrics metrics.MetricsRegistry
	Logger  *logging.Logger
}

// DefaultOptions returns the default page geometry for the whole input.
func DefaultOptions() Options {
	return Options{PageSize: DefaultPageSize, MarginSize: DefaultMarginSize}
}

// Image is a random-access input.
type Image struct {
	name   string
	r      io.ReaderAt
	closer io.Closer
	size   int64
	opts   Options
	logger *logging.Logger

	start, end int64
	read       atomic.Int64

	// sample holds the page offsets to visit when sampling.
	sample []int64
}

// Open opens the file at path.
func Open(path string, opts Options) (*Image, error) {
	f, err := os.Open(path) // #nosec G304 -- the image path is the user's input
	if err != nil {
		code := errors.CodeFileNotFound
		if os.IsPermission(err) {
			code = errors.CodeFilePermission
		}
		return nil, errors.WrapConfigError(code, "failed to open image", err).WithField("image", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.WrapConfigError(errors.CodeFileNotFound, "failed to stat image", err).WithField("image", path)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, errors.NewConfigFieldError(errors.CodeValidation, "image is a directory", "image", path)
	}
	im, err := New(f, info.Size(), path, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	im.closer = f
	return im, nil
}

// New wraps r, which holds size bytes.
func New(r io.ReaderAt, size int64, name string, opts Options) (*Image, error) {
	if opts.PageSize <= 0 {
		return nil, errors.ErrConfigInvalid("scan.page_size", opts.PageSize)
	}
	if opts.MarginSize < 0 {
		return nil, errors.ErrConfigInvalid("scan.margin_size", opts.MarginSize)
	}
	end := size
	if opts.OffsetEnd > 0 && opts.OffsetEnd < end {
		end = opts.OffsetEnd
	}
	if opts.OffsetStart < 0 || opts.OffsetStart > end {
		return nil, errors.ErrConfigInvalid("scan.offset_start", opts.OffsetStart)
	}
	if opts.SamplingFraction < 0 || opts.SamplingFraction > 1 {
		return nil, errors.ErrConfigInvalid("scan.sampling_fraction", opts.SamplingFraction)
	}
	if opts.SamplingPasses < 0 {
		return nil, errors.ErrConfigInvalid("scan.sampling_passes", opts.SamplingPasses)
	}
	if opts.SamplingPasses == 0 {
		opts.SamplingPasses = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	im := &Image{
		name:   name,
		r:      r,
		size:   size,
		opts:   opts,
		logger: opts.Logger.WithComponent("image"),
		start:  opts.OffsetStart,
		end:    end,
	}
	if im.Sampling() {
		im.sample = im.drawSample()
	}
	return im, nil
}

// Sampling reports whether only a random subset of pages is scanned.
func (im *Image) Sampling() bool {
	f := im.opts.SamplingFraction
	return f > 0 && f < 1
}

// drawSample picks ceil(fraction*pages) distinct pages for every pass.
func (im *Image) drawSample() []int64 {
	pages := im.allPages()
	want := int(math.Ceil(float64(pages) * im.opts.SamplingFraction))
	seed := im.opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	ps := int64(im.opts.PageSize)

	offsets := make([]int64, 0, want*im.opts.SamplingPasses)
	for range im.opts.SamplingPasses {
		picked := rng.Perm(int(pages))[:want]
		slices.Sort(picked)
		for _, p := range picked {
			offsets = append(offsets, im.start+int64(p)*ps)
		}
	}
	return offsets
}

// Name returns the input name.
func (im *Image) Name() string {
	return im.name
}

// Size returns the input size in bytes.
func (im *Image) Size() int64 {
	return im.size
}

// Pages returns how many pages Each will produce.
func (im *Image) Pages() int64 {
	if im.Sampling() {
		return int64(len(im.sample))
	}
	return im.allPages()
}

func (im *Image) allPages() int64 {
	n := im.end - im.start
	if n <= 0 {
		return 0
	}
	ps := int64(im.opts.PageSize)
	return (n + ps - 1) / ps
}

// Progress returns the fraction of the selected range handed out so far.
func (im *Image) Progress() float64 {
	total := im.end - im.start
	if im.Sampling() {
		total = 0
		for _, off := range im.sample {
			total += im.pageLen(off)
		}
	}
	if total <= 0 {
		return 1
	}
	return float64(im.read.Load()) / float64(total)
}

// Each reads the pages in order and calls fn with each. It stops at the
// first error from fn or when ctx is done.
func (im *Image) Each(ctx context.Context, fn func(*sbuf.Buffer) error) error {
	for off := range im.offsets() {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf, err := im.ReadPage(off)
		if err != nil {
			return err
		}
		if buf == nil {
			return nil
		}

		im.read.Add(int64(buf.PageSize()))
		im.opts.Metrics.Counter(metrics.MetricImagePagesTotal, nil)
		if err := fn(buf); err != nil {
			return err
		}
	}
	im.logger.Debug("image exhausted", "image", im.name, "bytes", im.read.Load())
	return nil
}

// offsets yields the page offsets Each visits.
func (im *Image) offsets() iter.Seq[int64] {
	if im.Sampling() {
		return slices.Values(im.sample)
	}
	return func(yield func(int64) bool) {
		for off := im.start; off < im.end; off += int64(im.opts.PageSize) {
			if !yield(off) {
				return
			}
		}
	}
}

// pageLen is the live length of the page at off.
func (im *Image) pageLen(off int64) int64 {
	return min(int64(im.opts.PageSize), im.end-off)
}

// ReadPage reads the page starting at off with its margin. It returns nil
// at or past the end of the selected range.
func (im *Image) ReadPage(off int64) (*sbuf.Buffer, error) {
	if off < 0 || off >= im.end {
		return nil, nil
	}
	page := im.pageLen(off)
	want := min(page+int64(im.opts.MarginSize), im.size-off)

	data := make([]byte, want)
	n, err := im.r.ReadAt(data, off)
	if err != nil && !stderrors.Is(err, io.EOF) {
		return nil, errors.WrapScanError(errors.CodeFileNotFound, "failed to read image", err).
			WithPos0(sbuf.NewPos0(uint64(off)).String()).
			WithContext("image", im.name)
	}
	if n == 0 {
		return nil, nil
	}
	return sbuf.New(sbuf.NewPos0(uint64(off)), data[:n], int(min(page, int64(n)))), nil
}

// Close releases the input when it was opened by Open.
func (im *Image) Close() error {
	if im.closer == nil {
		return nil
	}
	return im.closer.Close()
}
