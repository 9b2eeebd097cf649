// Package feature records scanner output. A Set holds one Recorder per
// named channel; recorders serialize writes, suppress duplicates, apply stop
// and alert lists, and carve raw byte ranges to side files.
package feature

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// AlertChannel is the name of the designated alert channel.
const AlertChannel = "alerts"

// StoppedSuffix is appended to a channel name for features matched by the stop list.
const StoppedSuffix = "_stopped"

// CachedMarker replaces the file name of a carve whose content was already carved.
const CachedMarker = "<CACHED>"

// CarveMode controls whether a channel writes carved objects.
type CarveMode int

const (
	// CarveNone never carves.
	CarveNone CarveMode = 0
	// CarveEncoded carves only from buffers produced by a decoder.
	CarveEncoded CarveMode = 1
	// CarveAll carves from every buffer.
	CarveAll CarveMode = 2
)

// String returns the carve mode name.
func (m CarveMode) String() string {
	switch m {
	case CarveNone:
		return "none"
	case CarveEncoded:
		return "encoded"
	case CarveAll:
		return "all"
	}
	return "CarveMode(" + strconv.Itoa(int(m)) + ")"
}

// Valid reports whether m is one of the defined modes.
func (m CarveMode) Valid() bool {
	return m >= CarveNone && m <= CarveAll
}

// ParseCarveMode accepts 0/1/2 or none/encoded/all.
func ParseCarveMode(s string) (CarveMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "none":
		return CarveNone, nil
	case "1", "encoded":
		return CarveEncoded, nil
	case "2", "all":
		return CarveAll, nil
	}
	return CarveNone, fmt.Errorf("invalid carve mode %q", s)
}

// Format selects how feature files are written.
type Format string

const (
	FormatText Format = "text"
	FormatCBOR Format = "cbor"
)

// Record is one feature: where it was found, what it is, and what surrounds it.
type Record struct {
	Pos0    string `cbor:"pos0" json:"pos0"`
	Feature string `cbor:"feature" json:"feature"`
	Context string `cbor:"context,omitempty" json:"context,omitempty"`
}

// Escape renders s so that it fits on one tab-separated line. Printable
// UTF-8 is kept; control characters, invalid bytes and backslash become \xHH.
func Escape(s string) string {
	if !needsEscape(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if (r == utf8.RuneError && size == 1) || r == '\\' || !unicode.IsPrint(r) {
			for j := 0; j < size; j++ {
				fmt.Fprintf(&b, "\\x%02X", s[i+j])
			}
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

func needsEscape(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c >= 0x7f || c == '\\' {
			return true
		}
	}
	return false
}
