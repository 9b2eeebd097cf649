// Package sbuf implements the read-only scan buffer and its forensic path.
//
// Every buffer carries a Pos0 describing how its first byte was reached from
// the original image: a list of components, each either a plain byte offset
// or a decoder step. Deriving a buffer appends exactly one component.
package sbuf

import (
	"fmt"
	"strconv"
	"strings"
)

// Component is one step of a forensic path. A component with an empty
// Decoder is a byte offset relative to the previous step; a component with a
// Decoder marks a decoding step, with Offset into the decoded stream.
type Component struct {
	Decoder string
	Offset  uint64
}

// Pos0 is an immutable forensic path.
type Pos0 struct {
	parts []Component
}

// Segment is one rendered piece of a path: the decoder that produced the
// bytes (empty for the image itself) and the accumulated offset within them.
type Segment struct {
	Decoder string
	Offset  uint64
}

// NewPos0 returns the path of a top-level buffer at the given image offset.
func NewPos0(offset uint64) Pos0 {
	return Pos0{parts: []Component{{Offset: offset}}}
}

// Append returns a new path with c appended. p is not modified.
func (p Pos0) Append(c Component) Pos0 {
	parts := make([]Component, len(p.parts), len(p.parts)+1)
	copy(parts, p.parts)
	return Pos0{parts: append(parts, c)}
}

// Shift returns the path of the byte off bytes into the buffer at p.
func (p Pos0) Shift(off uint64) Pos0 {
	if off == 0 && len(p.parts) > 0 {
		return p
	}
	return p.Append(Component{Offset: off})
}

// Components returns a copy of the path components.
func (p Pos0) Components() []Component {
	out := make([]Component, len(p.parts))
	copy(out, p.parts)
	return out
}

// Len is the number of components.
func (p Pos0) Len() int {
	return len(p.parts)
}

// Depth is the number of decoder components.
func (p Pos0) Depth() int {
	d := 0
	for _, c := range p.parts {
		if c.Decoder != "" {
			d++
		}
	}
	return d
}

// IsZero reports whether p has no components.
func (p Pos0) IsZero() bool {
	return len(p.parts) == 0
}

// Segments folds consecutive offsets together.
func (p Pos0) Segments() []Segment {
	segs := []Segment{{}}
	for _, c := range p.parts {
		if c.Decoder == "" {
			segs[len(segs)-1].Offset += c.Offset
			continue
		}
		segs = append(segs, Segment{Decoder: c.Decoder, Offset: c.Offset})
	}
	return segs
}

// Offset returns the accumulated offset within the innermost stream.
func (p Pos0) Offset() uint64 {
	segs := p.Segments()
	return segs[len(segs)-1].Offset
}

// LastDecoder returns the innermost decoder name, or "" for image bytes.
func (p Pos0) LastDecoder() string {
	for i := len(p.parts) - 1; i >= 0; i-- {
		if p.parts[i].Decoder != "" {
			return p.parts[i].Decoder
		}
	}
	return ""
}

// String renders the canonical form, e.g. "1024-GZIP-0" or "4096".
func (p Pos0) String() string {
	var b strings.Builder
	for i, s := range p.Segments() {
		if i > 0 {
			b.WriteByte('-')
			b.WriteString(s.Decoder)
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(s.Offset, 10))
	}
	return b.String()
}

// Compare orders paths segment by segment: offsets numerically, decoder
// names lexically, and a path before any path it is a strict prefix of.
func (p Pos0) Compare(q Pos0) int {
	a, b := p.Segments(), q.Segments()
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].Decoder != b[i].Decoder {
			return strings.Compare(a[i].Decoder, b[i].Decoder)
		}
		if a[i].Offset != b[i].Offset {
			if a[i].Offset < b[i].Offset {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Parse reads the canonical string form produced by String.
func Parse(s string) (Pos0, error) {
	fields := strings.Split(s, "-")
	if len(fields)%2 == 0 {
		return Pos0{}, fmt.Errorf("malformed pos0 %q", s)
	}
	off, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Pos0{}, fmt.Errorf("malformed pos0 %q: %w", s, err)
	}
	p := NewPos0(off)
	for i := 1; i < len(fields); i += 2 {
		if fields[i] == "" {
			return Pos0{}, fmt.Errorf("malformed pos0 %q: empty decoder", s)
		}
		off, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return Pos0{}, fmt.Errorf("malformed pos0 %q: %w", s, err)
		}
		p = p.Append(Component{Decoder: fields[i], Offset: off})
	}
	return p, nil
}
