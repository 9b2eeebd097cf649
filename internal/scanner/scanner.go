// Package scanner defines the contract between the engine and scanners.
//
// A scanner is a Func. The engine calls it once with PhaseStartup to learn
// its Info, once with PhaseInit after every scanner is registered, once per
// buffer with PhaseScan, and once with PhaseShutdown at the end of the run.
package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/feature"
	"github.com/anstrom/bulkscan/internal/sbuf"
)

// ContractVersion is the version of this calling convention. Scanners
// compare it against the version they were written for.
const ContractVersion = 3

// Phase is a step of the scanner lifecycle.
type Phase int

const (
	PhaseStartup Phase = iota
	PhaseInit
	PhaseScan
	PhaseShutdown
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseStartup:
		return "STARTUP"
	case PhaseInit:
		return "INIT"
	case PhaseScan:
		return "SCAN"
	case PhaseShutdown:
		return "SHUTDOWN"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Flags describe scanner capabilities.
type Flags uint32

const (
	// FlagRecurse marks scanners that hand decoded buffers back to the engine.
	FlagRecurse Flags = 1 << iota
	// FlagRecurseExpand marks decoders whose output counts against the
	// expansion budget of the top-level buffer.
	FlagRecurseExpand
	// FlagFindScanner marks scanners driven by user-supplied search patterns.
	FlagFindScanner
	// FlagDisabled marks scanners that are off unless enabled explicitly.
	FlagDisabled
	// FlagDepth0 restricts a scanner to top-level buffers.
	FlagDepth0
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// String lists the set flags.
func (f Flags) String() string {
	var parts []string
	names := []struct {
		flag Flags
		name string
	}{
		{FlagRecurse, "RECURSE"},
		{FlagRecurseExpand, "RECURSE_EXPAND"},
		{FlagFindScanner, "FIND_SCANNER"},
		{FlagDisabled, "DISABLED"},
		{FlagDepth0, "DEPTH0"},
	}
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// OptionHelp documents one option read through GetConfig.
type OptionHelp struct {
	Name    string `json:"name"`
	Default string `json:"default"`
	Help    string `json:"help"`
}

// Info is filled by a scanner during PhaseStartup and is read-only after
// PhaseInit.
type Info struct {
	Name         string       `json:"name"`
	Author       string       `json:"author,omitempty"`
	Description  string       `json:"description,omitempty"`
	Version      string       `json:"version,omitempty"`
	FeatureNames []string     `json:"feature_names,omitempty"`
	Flags        Flags        `json:"flags"`
	Options      []OptionHelp `json:"options,omitempty"`

	// ContractVersion is the contract version the scanner was written for.
	// Zero means the current version.
	ContractVersion int `json:"contract_version,omitempty"`
}

// Func is a scanner entry point.
type Func func(p *Params) error

// Recursor accepts decoded buffers for further scanning.
type Recursor interface {
	Recurse(ctx context.Context, scanner string, parent, child *sbuf.Buffer) error
}

// Budgeter is implemented by recursors that bound decoded output.
type Budgeter interface {
	// ExpansionBudget returns how many decoded bytes a child of parent may
	// hold before a Recurse call is refused, or -1 for no bound.
	ExpansionBudget(scanner string, parent *sbuf.Buffer) int64
}

// Params is the per-invocation context handed to a scanner.
type Params struct {
	// Version is the engine's ContractVersion.
	Version int
	Phase   Phase

	// Info is writable during PhaseStartup.
	Info *Info

	// Buf is the buffer to scan during PhaseScan.
	Buf *sbuf.Buffer

	// Features is the run's feature recorder set.
	Features *feature.Set

	ctx      context.Context
	recursor Recursor
	options  map[string]string
}

// NewParams builds invocation parameters. The engine calls this; scanner
// tests may call it directly.
func NewParams(ctx context.Context, phase Phase, info *Info, buf *sbuf.Buffer,
	features *feature.Set, recursor Recursor, options map[string]string) *Params {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Params{
		Version:  ContractVersion,
		Phase:    phase,
		Info:     info,
		Buf:      buf,
		Features: features,
		ctx:      ctx,
		recursor: recursor,
		options:  options,
	}
}

// Context returns the run context. Scanners never need to poll it, but
// long decoders may stop early when it is done.
func (p *Params) Context() context.Context {
	return p.ctx
}

// CheckVersion fails with a version mismatch when the engine speaks a
// different contract version than builtAgainst.
func (p *Params) CheckVersion(builtAgainst int) error {
	if p.Version != builtAgainst {
		name := ""
		if p.Info != nil {
			name = p.Info.Name
		}
		return errors.ErrVersionMismatch(name, p.Version, builtAgainst)
	}
	return nil
}

// Recorder returns the named feature channel.
func (p *Params) Recorder(name string) (*feature.Recorder, error) {
	if p.Features == nil {
		return nil, errors.ErrUnknownChannel(name)
	}
	return p.Features.Get(name)
}

// Recurse hands a buffer made with Buf.DeriveDecoded back to the engine.
// Rejections by the recursion limits are not errors.
func (p *Params) Recurse(child *sbuf.Buffer) error {
	if p.Phase != PhaseScan {
		return errors.ErrPhase("recurse", p.Phase.String())
	}
	if p.recursor == nil || child == nil {
		return nil
	}
	name := ""
	if p.Info != nil {
		name = p.Info.Name
	}
	return p.recursor.Recurse(p.ctx, name, p.Buf, child)
}

// ExpansionBudget returns the most decoded bytes a child of Buf may hold
// and still be accepted by Recurse, or -1 when there is no bound. Decoders
// use it to stop decompressing output that would be refused anyway.
func (p *Params) ExpansionBudget() int64 {
	b, ok := p.recursor.(Budgeter)
	if !ok || p.Buf == nil {
		return -1
	}
	name := ""
	if p.Info != nil {
		name = p.Info.Name
	}
	return b.ExpansionBudget(name, p.Buf)
}

// Option returns the raw value of a configured option.
func (p *Params) Option(name string) (string, bool) {
	v, ok := p.options[name]
	return v, ok
}
