package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/feature"
	"github.com/anstrom/bulkscan/internal/logging"
	"github.com/anstrom/bulkscan/internal/metrics"
	"github.com/anstrom/bulkscan/internal/sbuf"
	"github.com/anstrom/bulkscan/internal/scanner"
)

type testEnv struct {
	set      *Set
	features *feature.Set
	registry *metrics.Registry
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	registry := metrics.NewRegistry()
	logger := logging.NewWithWriter(logging.DefaultConfig(), io.Discard)

	fopts := feature.DefaultOptions()
	fopts.Dedup = false
	fopts.Metrics = registry
	fopts.Logger = logger
	fs, err := feature.NewSet(fopts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })

	opts.Metrics = registry
	opts.Logger = logger
	return &testEnv{set: NewSet(fs, opts), features: fs, registry: registry}
}

func (e *testEnv) records(t *testing.T, channel string) []feature.Record {
	t.Helper()
	r, err := e.features.Get(channel)
	require.NoError(t, err)
	return r.Records()
}

// metricValue sums every series of name whose labels include want.
func metricValue(r *metrics.Registry, name string, want metrics.Labels) float64 {
	var total float64
	for _, m := range r.GetMetrics() {
		if m.Name != name {
			continue
		}
		match := true
		for k, v := range want {
			if m.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			total += m.Value
		}
	}
	return total
}

// writer returns a scanner that records one feature per buffer.
func writer(name, channel string, flags scanner.Flags) scanner.Func {
	return func(p *scanner.Params) error {
		switch p.Phase {
		case scanner.PhaseStartup:
			p.Info.Name = name
			p.Info.FeatureNames = []string{channel}
			p.Info.Flags = flags
		case scanner.PhaseScan:
			r, err := p.Recorder(channel)
			if err != nil {
				return err
			}
			return r.Write(p.Buf.Pos0(), name+":"+p.Buf.Pos0().String(), "")
		}
		return nil
	}
}

// failing returns a scanner whose SCAN phase runs fail.
func failing(name string, fail func(p *scanner.Params) error) scanner.Func {
	return func(p *scanner.Params) error {
		switch p.Phase {
		case scanner.PhaseStartup:
			p.Info.Name = name
		case scanner.PhaseScan:
			return fail(p)
		}
		return nil
	}
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	s := env.set

	require.NoError(t, s.Register(writer("one", "hits", 0)))
	require.NoError(t, s.Register(writer("two", "hits", scanner.FlagDisabled)))

	infos := s.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "one", infos[0].Name)
	assert.Equal(t, "two", infos[1].Name)
	assert.Equal(t, []string{"hits"}, infos[0].FeatureNames)

	assert.True(t, s.Enabled("one"))
	assert.False(t, s.Enabled("two"))
	assert.False(t, s.Enabled("missing"))

	t.Run("duplicate name", func(t *testing.T) {
		err := s.Register(writer("one", "hits", 0))
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})

	t.Run("nameless scanner", func(t *testing.T) {
		err := s.Register(func(*scanner.Params) error { return nil })
		assert.True(t, errors.IsCode(err, errors.CodeScannerFault))
	})

	t.Run("nil scanner", func(t *testing.T) {
		assert.Error(t, s.Register(nil))
	})

	t.Run("after init", func(t *testing.T) {
		require.NoError(t, s.Init(context.Background()))
		err := s.Register(writer("three", "hits", 0))
		assert.True(t, errors.IsCode(err, errors.CodePhase))
		assert.True(t, errors.IsCode(s.Init(context.Background()), errors.CodePhase))
	})
}

func TestInfosAreCopies(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	require.NoError(t, env.set.Register(writer("one", "hits", 0)))

	infos := env.set.Infos()
	infos[0].Name = "changed"
	infos[0].FeatureNames[0] = "changed"

	again := env.set.Infos()
	assert.Equal(t, "one", again[0].Name)
	assert.Equal(t, "hits", again[0].FeatureNames[0])
}

func TestVersionMismatchDisablesScanner(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	s := env.set

	old := func(p *scanner.Params) error {
		if p.Phase == scanner.PhaseStartup {
			p.Info.Name = "old"
			p.Info.ContractVersion = scanner.ContractVersion - 1
		}
		return nil
	}
	checking := func(p *scanner.Params) error {
		if p.Phase == scanner.PhaseStartup {
			p.Info.Name = "checking"
		}
		return p.CheckVersion(scanner.ContractVersion + 1)
	}
	require.NoError(t, s.Register(old))
	require.NoError(t, s.Register(checking))
	require.NoError(t, s.Register(writer("good", "hits", 0)))
	require.NoError(t, s.Init(context.Background()))

	assert.False(t, s.Enabled("old"))
	assert.False(t, s.Enabled("checking"))
	assert.True(t, s.Enabled("good"))

	alerts := env.features.Alert().Records()
	require.Len(t, alerts, 2)
	assert.Equal(t, "old", alerts[0].Feature)
	assert.Contains(t, alerts[0].Context, string(errors.CodeVersionMismatch))
	assert.Equal(t, "checking", alerts[1].Feature)

	require.NoError(t, s.ProcessBuffer(context.Background(), sbuf.FromBytes([]byte("data"))))
	assert.Len(t, env.records(t, "hits"), 1)
}

func TestInitDeclaresChannelsAndReadsOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.ScannerOptions = map[string]string{"demo_limit": "12"}
	env := newTestEnv(t, opts)

	var limit = 4
	demo := func(p *scanner.Params) error {
		switch p.Phase {
		case scanner.PhaseStartup:
			p.Info.Name = "demo"
			p.Info.FeatureNames = []string{"demo", "demo_extra"}
		case scanner.PhaseInit:
			if err := p.GetConfig("demo_limit", &limit, "max things"); err != nil {
				return err
			}
			r, err := p.Recorder("demo")
			if err != nil {
				return err
			}
			return r.SetCarveMode(feature.CarveAll)
		}
		return nil
	}
	require.NoError(t, env.set.Register(demo))
	require.NoError(t, env.set.Init(context.Background()))

	assert.Equal(t, 12, limit)
	assert.True(t, env.features.Frozen())
	assert.Equal(t, scanner.PhaseScan, env.set.Phase())

	names := env.features.Names()
	assert.Contains(t, names, "demo")
	assert.Contains(t, names, "demo_extra")

	r, err := env.features.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, feature.CarveAll, r.CarveMode())

	infos := env.set.Infos()
	require.Len(t, infos[0].Options, 1)
	assert.Equal(t, scanner.OptionHelp{Name: "demo_limit", Default: "4", Help: "max things"}, infos[0].Options[0])
}

func TestInitFailureDisablesScanner(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	bad := func(p *scanner.Params) error {
		switch p.Phase {
		case scanner.PhaseStartup:
			p.Info.Name = "bad"
		case scanner.PhaseInit:
			return fmt.Errorf("missing lookup table")
		}
		return nil
	}
	require.NoError(t, env.set.Register(bad))
	require.NoError(t, env.set.Init(context.Background()))
	assert.False(t, env.set.Enabled("bad"))

	stats := env.set.Stats()
	require.Len(t, stats, 1)
	assert.True(t, stats[0].Faulted)
	assert.Contains(t, stats[0].LastError, "missing lookup table")
}

func TestProcessBufferOrder(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())

	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"c", "a", "b"} {
		name := name
		require.NoError(t, env.set.Register(func(p *scanner.Params) error {
			switch p.Phase {
			case scanner.PhaseStartup:
				p.Info.Name = name
			case scanner.PhaseScan:
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}
			return nil
		}))
	}

	err := env.set.ProcessBuffer(context.Background(), sbuf.FromBytes([]byte("x")))
	assert.True(t, errors.IsCode(err, errors.CodePhase), "scanning before init")

	require.NoError(t, env.set.Init(context.Background()))
	require.NoError(t, env.set.ProcessBuffer(context.Background(), sbuf.FromBytes([]byte("x"))))
	require.NoError(t, env.set.ProcessBuffer(context.Background(), sbuf.FromBytes([]byte("y"))))

	assert.Equal(t, []string{"c", "a", "b", "c", "a", "b"}, order)
	assert.Equal(t, uint64(2), env.set.BuffersProcessed())
	assert.Equal(t, uint64(2), env.set.BytesProcessed())
	assert.Equal(t, float64(2), metricValue(env.registry, metrics.MetricBuffersProcessed, nil))
}

func TestScannerFaultIsolation(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	s := env.set

	require.NoError(t, s.Register(failing("panics", func(*scanner.Params) error {
		var m map[string]int
		m["boom"]++
		return nil
	})))
	require.NoError(t, s.Register(failing("errors", func(*scanner.Params) error {
		return fmt.Errorf("corrupt state")
	})))
	require.NoError(t, s.Register(writer("after", "hits", 0)))
	require.NoError(t, s.Init(context.Background()))

	for i := 0; i < 3; i++ {
		buf := sbuf.New(sbuf.NewPos0(uint64(i*100)), []byte("payload"), -1)
		require.NoError(t, s.ProcessBuffer(context.Background(), buf))
	}

	// Later scanners ran on every buffer.
	assert.Len(t, env.records(t, "hits"), 3)

	assert.False(t, s.Enabled("panics"))
	assert.False(t, s.Enabled("errors"))

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats[0].Buffers, "disabled after first buffer")
	assert.Equal(t, uint64(1), stats[0].Faults)
	assert.Equal(t, uint64(1), stats[1].Buffers)
	assert.Equal(t, uint64(3), stats[2].Buffers)
	assert.Contains(t, stats[1].LastError, "corrupt state")
	assert.Contains(t, stats[1].LastError, string(errors.CodeScannerFault))

	alerts := env.features.Alert().Records()
	require.Len(t, alerts, 2)
	assert.Equal(t, "0", alerts[0].Pos0)
	assert.Equal(t, "panics", alerts[0].Feature)
	assert.Contains(t, alerts[0].Context, "SCAN")
	assert.Equal(t, "errors", alerts[1].Feature)

	assert.Equal(t, float64(1), metricValue(env.registry, metrics.MetricScannersDisabled,
		metrics.Labels{metrics.LabelScanner: "panics"}))
	assert.Equal(t, float64(1), metricValue(env.registry, metrics.MetricScannerFaults,
		metrics.Labels{metrics.LabelScanner: "errors", metrics.LabelError: string(errors.CodeScannerFault)}))
}

func TestRangeErrorKeepsScannerEnabled(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	calls := 0
	require.NoError(t, env.set.Register(failing("reader", func(p *scanner.Params) error {
		calls++
		_, err := p.Buf.U32LE(p.Buf.Len() - 2)
		return err
	})))
	require.NoError(t, env.set.Init(context.Background()))

	for i := 0; i < 3; i++ {
		require.NoError(t, env.set.ProcessBuffer(context.Background(), sbuf.FromBytes([]byte("abc"))))
	}
	assert.Equal(t, 3, calls)
	assert.True(t, env.set.Enabled("reader"))
	assert.Empty(t, env.features.Alert().Records())
}

func TestDepth0Flag(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	require.NoError(t, env.set.Register(writer("top", "top", scanner.FlagDepth0)))
	require.NoError(t, env.set.Register(writer("any", "any", 0)))
	require.NoError(t, env.set.Init(context.Background()))

	parent := sbuf.FromBytes([]byte("parent"))
	child := parent.DeriveDecoded("GZIP", []byte("child"))
	require.NoError(t, env.set.ProcessBuffer(context.Background(), parent))
	require.NoError(t, env.set.ProcessBuffer(context.Background(), child))

	assert.Len(t, env.records(t, "top"), 1)
	assert.Len(t, env.records(t, "any"), 2)
}

func TestCommands(t *testing.T) {
	setup := func(t *testing.T) *Set {
		env := newTestEnv(t, DefaultOptions())
		require.NoError(t, env.set.Register(writer("email", "email", 0)))
		require.NoError(t, env.set.Register(writer("gzip", "gzip", 0)))
		require.NoError(t, env.set.Register(writer("find", "find", scanner.FlagDisabled)))
		return env.set
	}

	t.Run("enable and disable", func(t *testing.T) {
		s := setup(t)
		require.NoError(t, s.Enable("find"))
		require.NoError(t, s.Disable("gzip"))
		assert.True(t, s.Enabled("find"))
		assert.False(t, s.Enabled("gzip"))
		assert.True(t, s.Enabled("email"))
	})

	t.Run("enable only", func(t *testing.T) {
		s := setup(t)
		require.NoError(t, s.ApplyCommands(EnableCommands([]string{"find", "gzip"}, nil, nil)))
		assert.True(t, s.Enabled("find"))
		assert.True(t, s.Enabled("gzip"))
		assert.False(t, s.Enabled("email"))
	})

	t.Run("all", func(t *testing.T) {
		s := setup(t)
		require.NoError(t, s.ApplyCommands(EnableCommands(nil, []string{"email"}, []string{"all"})))
		for _, name := range []string{"email", "gzip", "find"} {
			assert.False(t, s.Enabled(name), name)
		}
		require.NoError(t, s.Enable(AllScanners))
		for _, name := range []string{"email", "gzip", "find"} {
			assert.True(t, s.Enabled(name), name)
		}
	})

	t.Run("unknown scanner", func(t *testing.T) {
		s := setup(t)
		err := s.Disable("nope")
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})

	t.Run("after init", func(t *testing.T) {
		s := setup(t)
		require.NoError(t, s.Init(context.Background()))
		assert.True(t, errors.IsCode(s.Enable("find"), errors.CodePhase))
	})
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	shutdowns := 0
	require.NoError(t, env.set.Register(func(p *scanner.Params) error {
		switch p.Phase {
		case scanner.PhaseStartup:
			p.Info.Name = "summary"
			p.Info.FeatureNames = []string{"summary"}
		case scanner.PhaseShutdown:
			shutdowns++
			r, err := p.Recorder("summary")
			if err != nil {
				return err
			}
			return r.Write(sbuf.Pos0{}, "total", "")
		}
		return nil
	}))
	require.NoError(t, env.set.Register(writer("off", "off", scanner.FlagDisabled)))
	require.NoError(t, env.set.Init(context.Background()))

	require.NoError(t, env.set.Shutdown(context.Background()))
	require.NoError(t, env.set.Shutdown(context.Background()))
	assert.Equal(t, 1, shutdowns)
	assert.Equal(t, scanner.PhaseShutdown, env.set.Phase())
	assert.Len(t, env.records(t, "summary"), 1)

	err := env.set.ProcessBuffer(context.Background(), sbuf.FromBytes([]byte("late")))
	assert.True(t, errors.IsCode(err, errors.CodePhase))
}
