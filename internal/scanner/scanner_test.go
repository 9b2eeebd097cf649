package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/feature"
	"github.com/anstrom/bulkscan/internal/sbuf"
)

type recordingRecursor struct {
	scanner string
	parent  *sbuf.Buffer
	child   *sbuf.Buffer
}

func (r *recordingRecursor) Recurse(_ context.Context, scanner string, parent, child *sbuf.Buffer) error {
	r.scanner = scanner
	r.parent = parent
	r.child = child
	return nil
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "STARTUP", PhaseStartup.String())
	assert.Equal(t, "INIT", PhaseInit.String())
	assert.Equal(t, "SCAN", PhaseScan.String())
	assert.Equal(t, "SHUTDOWN", PhaseShutdown.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}

func TestFlags(t *testing.T) {
	f := FlagRecurse | FlagRecurseExpand
	assert.True(t, f.Has(FlagRecurse))
	assert.True(t, f.Has(FlagRecurse|FlagRecurseExpand))
	assert.False(t, f.Has(FlagDepth0))
	assert.Equal(t, "RECURSE|RECURSE_EXPAND", f.String())
	assert.Equal(t, "", Flags(0).String())
}

func TestCheckVersion(t *testing.T) {
	info := &Info{Name: "demo"}
	p := NewParams(context.Background(), PhaseStartup, info, nil, nil, nil, nil)

	assert.NoError(t, p.CheckVersion(ContractVersion))

	err := p.CheckVersion(ContractVersion + 1)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeVersionMismatch))
	assert.Contains(t, err.Error(), "demo")
}

func TestNewParamsNilContext(t *testing.T) {
	//nolint:staticcheck // nil context is accepted and replaced
	p := NewParams(nil, PhaseScan, nil, nil, nil, nil, nil)
	assert.NotNil(t, p.Context())
	assert.Equal(t, ContractVersion, p.Version)
}

func TestRecurse(t *testing.T) {
	parent := sbuf.FromBytes([]byte("parent"))
	child := parent.DeriveDecoded("GZIP", []byte("child"))
	rec := &recordingRecursor{}

	t.Run("outside scan phase", func(t *testing.T) {
		p := NewParams(context.Background(), PhaseInit, &Info{Name: "gzip"}, parent, nil, rec, nil)
		err := p.Recurse(child)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodePhase))
	})

	t.Run("forwards to recursor", func(t *testing.T) {
		p := NewParams(context.Background(), PhaseScan, &Info{Name: "gzip"}, parent, nil, rec, nil)
		require.NoError(t, p.Recurse(child))
		assert.Equal(t, "gzip", rec.scanner)
		assert.Same(t, parent, rec.parent)
		assert.Same(t, child, rec.child)
	})

	t.Run("no recursor", func(t *testing.T) {
		p := NewParams(context.Background(), PhaseScan, &Info{Name: "gzip"}, parent, nil, nil, nil)
		assert.NoError(t, p.Recurse(child))
	})
}

type budgetRecursor struct {
	recordingRecursor
	budget int64
}

func (r *budgetRecursor) ExpansionBudget(scanner string, parent *sbuf.Buffer) int64 {
	r.scanner = scanner
	r.parent = parent
	return r.budget
}

func TestExpansionBudget(t *testing.T) {
	parent := sbuf.FromBytes([]byte("parent"))

	p := NewParams(context.Background(), PhaseScan, &Info{Name: "gzip"}, parent, nil, &recordingRecursor{}, nil)
	assert.Equal(t, int64(-1), p.ExpansionBudget())

	rec := &budgetRecursor{budget: 42}
	p = NewParams(context.Background(), PhaseScan, &Info{Name: "gzip"}, parent, nil, rec, nil)
	assert.Equal(t, int64(42), p.ExpansionBudget())
	assert.Equal(t, "gzip", rec.scanner)
	assert.Same(t, parent, rec.parent)

	p = NewParams(context.Background(), PhaseScan, &Info{Name: "gzip"}, nil, nil, rec, nil)
	assert.Equal(t, int64(-1), p.ExpansionBudget())
}

func TestRecorder(t *testing.T) {
	p := NewParams(context.Background(), PhaseScan, nil, nil, nil, nil, nil)
	_, err := p.Recorder("email")
	assert.True(t, errors.IsCode(err, errors.CodeUnknownChannel))

	fs, err := feature.NewSet(feature.DefaultOptions())
	require.NoError(t, err)
	defer fs.Close()
	_, err = fs.Create("email")
	require.NoError(t, err)
	fs.Freeze()

	p = NewParams(context.Background(), PhaseScan, nil, nil, fs, nil, nil)
	r, err := p.Recorder("email")
	require.NoError(t, err)
	assert.Equal(t, "email", r.Name())

	_, err = p.Recorder("nope")
	assert.True(t, errors.IsCode(err, errors.CodeUnknownChannel))
}

func TestGetConfig(t *testing.T) {
	opts := map[string]string{
		"max_size":   "256",
		"enabled":    "false",
		"ratio":      "2.5",
		"timeout":    "2s",
		"label":      "hello",
		"carve_mode": "all",
		"small":      "7",
	}
	info := &Info{Name: "demo"}
	p := NewParams(context.Background(), PhaseStartup, info, nil, nil, nil, opts)

	var (
		maxSize  = 64
		enabled  = true
		ratio    = 1.0
		timeout  = time.Second
		label    = "x"
		mode     = feature.CarveEncoded
		small    uint8
		untouched int64 = 42
	)
	require.NoError(t, p.GetConfig("max_size", &maxSize, "maximum size"))
	require.NoError(t, p.GetConfig("enabled", &enabled, "enable"))
	require.NoError(t, p.GetConfig("ratio", &ratio, "ratio"))
	require.NoError(t, p.GetConfig("timeout", &timeout, "timeout"))
	require.NoError(t, p.GetConfig("label", &label, "label"))
	require.NoError(t, p.GetConfig("carve_mode", &mode, "carve mode"))
	require.NoError(t, p.GetConfig("small", &small, "small"))
	require.NoError(t, p.GetConfig("untouched", &untouched, "not configured"))

	assert.Equal(t, 256, maxSize)
	assert.False(t, enabled)
	assert.InDelta(t, 2.5, ratio, 1e-9)
	assert.Equal(t, 2*time.Second, timeout)
	assert.Equal(t, "hello", label)
	assert.Equal(t, feature.CarveAll, mode)
	assert.Equal(t, uint8(7), small)
	assert.Equal(t, int64(42), untouched)

	require.Len(t, info.Options, 8)
	assert.Equal(t, OptionHelp{Name: "max_size", Default: "64", Help: "maximum size"}, info.Options[0])
	assert.Equal(t, "1s", info.Options[3].Default)
	assert.Equal(t, "1", info.Options[5].Default)

	// A second call for the same option is not documented twice.
	require.NoError(t, p.GetConfig("max_size", &maxSize, "maximum size"))
	assert.Len(t, info.Options, 8)
}

func TestGetConfigErrors(t *testing.T) {
	t.Run("wrong phase", func(t *testing.T) {
		p := NewParams(context.Background(), PhaseScan, &Info{}, nil, nil, nil, nil)
		var v int
		err := p.GetConfig("x", &v, "")
		assert.True(t, errors.IsCode(err, errors.CodePhase))
	})

	t.Run("unparseable value", func(t *testing.T) {
		p := NewParams(context.Background(), PhaseInit, &Info{}, nil, nil, nil, map[string]string{"x": "lots"})
		v := 3
		err := p.GetConfig("x", &v, "")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
		assert.Equal(t, 3, v)

		var cfgErr *errors.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "x", cfgErr.Field)
	})

	t.Run("unsupported type", func(t *testing.T) {
		p := NewParams(context.Background(), PhaseInit, &Info{}, nil, nil, nil, nil)
		var v []string
		err := p.GetConfig("x", &v, "")
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})
}

func TestOption(t *testing.T) {
	p := NewParams(context.Background(), PhaseInit, nil, nil, nil, nil, map[string]string{"a": "1"})
	v, ok := p.Option("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = p.Option("b")
	assert.False(t, ok)
}
