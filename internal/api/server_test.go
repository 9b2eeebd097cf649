package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/bulkscan/internal/config"
	"github.com/anstrom/bulkscan/internal/engine"
	"github.com/anstrom/bulkscan/internal/feature"
	"github.com/anstrom/bulkscan/internal/logging"
	"github.com/anstrom/bulkscan/internal/metrics"
	"github.com/anstrom/bulkscan/internal/scanner"
)

type fakeEngine struct {
	status engine.Status
	infos  []scanner.Info
}

func (f *fakeEngine) Status() engine.Status  { return f.status }
func (f *fakeEngine) Infos() []scanner.Info { return f.infos }

type fakeFeatures struct{}

func (fakeFeatures) Stats() []feature.RecorderStats {
	return []feature.RecorderStats{{Name: "email", Written: 3}}
}
func (fakeFeatures) RunID() string { return "run-1" }

func testEngine() *fakeEngine {
	return &fakeEngine{
		status: engine.Status{
			Phase:   "SCAN",
			Buffers: 7,
			Scanners: []engine.ScannerStats{
				{Name: "zip", Enabled: true, Buffers: 7, Duration: time.Millisecond},
				{Name: "email", Enabled: true, Buffers: 7, Duration: time.Second},
			},
		},
		infos: []scanner.Info{
			{Name: "zip", Version: "1.0", Flags: scanner.FlagRecurse},
			{Name: "email", Version: "1.0", FeatureNames: []string{"email"},
				Options: []scanner.OptionHelp{{Name: "email_x", Default: "1"}}},
		},
	}
}

func newTestServer(t *testing.T, reg metrics.MetricsRegistry) *Server {
	t.Helper()
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	s, err := New(DefaultConfig(), Deps{
		Engine:   testEngine(),
		Features: fakeFeatures{},
		Metrics:  reg,
		Logger:   logging.NewWithWriter(logging.DefaultConfig(), io.Discard),
		Version:  "test",
	})
	require.NoError(t, err)
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:8089", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)

	from := ConfigFrom(config.APIConfig{ListenAddr: ":9000", WriteTimeout: time.Minute})
	assert.Equal(t, ":9000", from.ListenAddr)
	assert.Equal(t, 10*time.Second, from.ReadTimeout)
	assert.Equal(t, time.Minute, from.WriteTimeout)
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestLiveness(t *testing.T) {
	rec := get(t, newTestServer(t, nil), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
	assert.Equal(t, "SCAN", body["phase"])
}

func TestStatus(t *testing.T) {
	rec := get(t, newTestServer(t, nil), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "bulkscan", body.Service)
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, uint64(7), body.Engine.Buffers)
	require.Len(t, body.Features, 1)
	assert.Equal(t, uint64(3), body.Features[0].Written)
}

func TestScanners(t *testing.T) {
	s := newTestServer(t, nil)

	var list []ScannerResponse
	rec := get(t, s, "/scanners")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "zip", list[0].Name)
	assert.Equal(t, "RECURSE", list[0].Flags)
	assert.Equal(t, uint64(7), list[0].Stats.Buffers)

	rec = get(t, s, "/scanners?sort=time")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "email", list[0].Name)

	rec = get(t, s, "/scanners?sort=name")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []string{"email", "zip"}, []string{list[0].Name, list[1].Name})

	var one ScannerResponse
	rec = get(t, s, "/scanners/email")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, []string{"email"}, one.Features)
	require.Len(t, one.Options, 1)
	assert.Equal(t, "email_x", one.Options[0].Name)

	rec = get(t, s, "/scanners/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotFound(t *testing.T) {
	rec := get(t, newTestServer(t, nil), "/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "/nope")
	assert.NotEmpty(t, body.RequestID)
}

func TestMetricsJSON(t *testing.T) {
	reg := metrics.NewRegistry()
	s := newTestServer(t, reg)
	get(t, s, "/healthz")

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), metrics.MetricHTTPRequests)

	var requests float64
	for _, m := range reg.GetMetrics() {
		if m.Name == metrics.MetricHTTPRequests {
			requests += m.Value
		}
	}
	assert.GreaterOrEqual(t, requests, float64(1))
}

func TestMetricsPrometheus(t *testing.T) {
	pm := metrics.NewPrometheusMetrics()
	pm.Counter(metrics.MetricBuffersProcessed, nil)
	s := newTestServer(t, pm)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), metrics.MetricBuffersProcessed)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestPanicRecovery(t *testing.T) {
	s := newTestServer(t, nil)
	s.router.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := get(t, s, "/boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	s, err := New(cfg, Deps{Engine: testEngine(), Logger: logging.NewWithWriter(logging.DefaultConfig(), io.Discard)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestWithRealEngine(t *testing.T) {
	reg := metrics.NewRegistry()
	logger := logging.NewWithWriter(logging.DefaultConfig(), io.Discard)
	fopts := feature.DefaultOptions()
	fopts.Metrics = reg
	fopts.Logger = logger
	fs, err := feature.NewSet(fopts)
	require.NoError(t, err)
	defer func() { _ = fs.Close() }()

	opts := engine.DefaultOptions()
	opts.Metrics = reg
	opts.Logger = logger
	set := engine.NewSet(fs, opts)
	require.NoError(t, set.Init(context.Background()))

	s, err := New(DefaultConfig(), Deps{Engine: set, Features: fs, Metrics: reg, Logger: logger})
	require.NoError(t, err)

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var body StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, fs.RunID(), body.RunID)
	assert.Equal(t, "SCAN", body.Engine.Phase)
}
