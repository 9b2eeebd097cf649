package scanners

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/anstrom/bulkscan/internal/scanner"
)

// DefaultMaxDecompressed bounds the output of one decompressed stream.
const DefaultMaxDecompressed = 256 * 1024 * 1024

// Stream signatures.
var (
	gzipMagic = []byte{0x1f, 0x8b, 0x08}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// codec describes one compressed stream format.
type codec struct {
	name        string
	decoder     string
	description string
	magic       []byte
	// open starts decoding r. The returned close func releases decoder
	// resources and is never nil when err is nil.
	open func(r io.Reader) (io.Reader, func(), error)
}

// Gzip decompresses RFC 1952 members and scans their content.
func Gzip() scanner.Func {
	return decompressor(codec{
		name:        "gzip",
		decoder:     "GZIP",
		description: "Searches for GZIP-compressed data",
		magic:       gzipMagic,
		open: func(r io.Reader) (io.Reader, func(), error) {
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			zr.Multistream(false)
			return zr, func() { _ = zr.Close() }, nil
		},
	})
}

// Zstd decompresses Zstandard frames and scans their content.
func Zstd() scanner.Func {
	return decompressor(codec{
		name:        "zstd",
		decoder:     "ZSTD",
		description: "Searches for Zstandard-compressed data",
		magic:       zstdMagic,
		open: func(r io.Reader) (io.Reader, func(), error) {
			dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
			if err != nil {
				return nil, nil, err
			}
			return dec, dec.Close, nil
		},
	})
}

// LZ4 decompresses LZ4 frames and scans their content.
func LZ4() scanner.Func {
	return decompressor(codec{
		name:        "lz4",
		decoder:     "LZ4",
		description: "Searches for LZ4 frame-compressed data",
		magic:       lz4Magic,
		open: func(r io.Reader) (io.Reader, func(), error) {
			return lz4.NewReader(r), func() {}, nil
		},
	})
}

// decompressor builds a recursive scanner for c. Every signature in the
// live region is decoded up to the configured maximum and the output, if
// any, is handed back to the engine as a child buffer.
func decompressor(c codec) scanner.Func {
	maxSize := DefaultMaxDecompressed
	option := c.name + "_max_size"
	help := "Maximum bytes decompressed from one " + c.name + " stream"

	return func(p *scanner.Params) error {
		if err := p.CheckVersion(scanner.ContractVersion); err != nil {
			return err
		}
		switch p.Phase {
		case scanner.PhaseStartup:
			p.Info.Name = c.name
			p.Info.Author = author
			p.Info.Description = c.description
			p.Info.Version = "1.0"
			p.Info.Flags = scanner.FlagRecurse | scanner.FlagRecurseExpand
			return p.GetConfig(option, &maxSize, help)
		case scanner.PhaseInit:
			return p.GetConfig(option, &maxSize, help)
		case scanner.PhaseScan:
			return c.scan(p, int64(maxSize))
		}
		return nil
	}
}

func (c codec) scan(p *scanner.Params, limit int64) error {
	buf := p.Buf
	ctx := p.Context()
	for pos := 0; pos < buf.PageSize(); pos++ {
		hit := buf.Find(c.magic, pos)
		if hit < 0 || hit >= buf.PageSize() {
			return nil
		}
		pos = hit
		if ctx.Err() != nil {
			return nil
		}

		// One byte past the remaining budget is enough for the engine to
		// refuse the child, so there is no point decoding further.
		n := limit
		if b := p.ExpansionBudget(); b >= 0 && b+1 < n {
			n = b + 1
		}
		out := c.decode(buf.Data()[hit:], n)
		if len(out) == 0 {
			continue
		}
		sub, err := buf.SliceFrom(hit)
		if err != nil {
			return err
		}
		if err := p.Recurse(sub.DeriveDecoded(c.decoder, out)); err != nil {
			return err
		}
	}
	return nil
}

// decode returns whatever c produces from data, up to limit bytes. Stream
// errors after the header are ignored: a truncated stream still yields
// useful bytes.
func (c codec) decode(data []byte, limit int64) []byte {
	r, closeFn, err := c.open(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	defer closeFn()

	var out bytes.Buffer
	_, _ = io.Copy(&out, io.LimitReader(r, limit))
	return out.Bytes()
}
