// Package scanners contains the scanners compiled into bulkscan.
//
// Each constructor returns a fresh scanner.Func with its own state, so a
// run can register the builtin set more than once (for example to list
// scanners and then to scan) without sharing configuration.
package scanners

import (
	"github.com/anstrom/bulkscan/internal/scanner"
)

const author = "bulkscan"

// Builtin returns the builtin scanners in registration order. Decoders
// come last so the feature scanners see each buffer before its children
// are queued.
func Builtin() []scanner.Func {
	return []scanner.Func{
		Email(),
		Find(),
		SQLite(),
		Gzip(),
		Zstd(),
		LZ4(),
	}
}
