package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/bulkscan/internal/config"
	"github.com/anstrom/bulkscan/internal/engine"
	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/feature"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return b.Bytes()
}

// writeImage builds a small image with one plain and one gzip-wrapped
// address; the gzip stream starts at offset 1000.
func writeImage(t *testing.T) string {
	t.Helper()
	data := make([]byte, 1000)
	for i := range data {
		data[i] = ' '
	}
	copy(data[10:], "contact alice@example.com today")
	data = append(data, gzipBytes(t, []byte("reply to bob@example.org please"))...)
	data = append(data, bytes.Repeat([]byte{0}, 500)...)

	path := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Features.OutDir = filepath.Join(t.TempDir(), "out")
	cfg.Features.Dedup = false
	cfg.Scan.Workers = 2
	cfg.Scan.PageSize = 4096
	cfg.Scan.MarginSize = 1024
	cfg.Scan.StatusInterval = ""
	return cfg
}

func featureLines(t *testing.T, outDir, channel string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(outDir, channel+".txt"))
	require.NoError(t, err)
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func scannerStats(st engine.Status, name string) engine.ScannerStats {
	for _, s := range st.Scanners {
		if s.Name == name {
			return s
		}
	}
	return engine.ScannerStats{}
}

func TestApplyScanFlags(t *testing.T) {
	cfg := config.Default()
	err := applyScanFlags(cfg, scanFlags{
		outDir:     "out",
		enable:     []string{"find"},
		disable:    []string{"lz4"},
		options:    []string{"find_regex=secret[0-9]+", "gzip_max_size=1024"},
		carveModes: []string{"sqlite=2"},
		noDedup:    true,
		apiListen:  "127.0.0.1:0",
	}, true)
	require.NoError(t, err)

	assert.Equal(t, "out", cfg.Features.OutDir)
	assert.Equal(t, []string{"find"}, cfg.Scanners.Enable)
	assert.Equal(t, []string{"lz4"}, cfg.Scanners.Disable)
	assert.Equal(t, "secret[0-9]+", cfg.Scanners.Options["find_regex"])
	assert.Equal(t, "1024", cfg.Scanners.Options["gzip_max_size"])
	assert.Equal(t, 2, cfg.Features.CarveModes["sqlite"])
	assert.False(t, cfg.Features.Dedup)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:0", cfg.API.ListenAddr)
	assert.NoError(t, cfg.Validate())
}

func TestApplyScanFlagsRejectsMalformedValues(t *testing.T) {
	err := applyScanFlags(config.Default(), scanFlags{options: []string{"no-equals"}}, false)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	err = applyScanFlags(config.Default(), scanFlags{carveModes: []string{"sqlite=7"}}, false)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestOverlayViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("scan.workers", 3)
	viper.Set("scan.queue_size", 64)
	viper.Set("scan.sync_threshold", 4096)
	viper.Set("scan.max_expansion_ratio", 12.5)
	viper.Set("scan.offset_start", 512)
	viper.Set("scan.offset_end", "8192")
	viper.Set("scan.sampling_fraction", 0.1)
	viper.Set("scan.sampling_passes", 2)
	viper.Set("scan.skip_duplicate_decoded", false)
	viper.Set("scan.shutdown_timeout", "5s")
	viper.Set("features.format", "cbor")
	viper.Set("features.dedup", "false")
	viper.Set("features.dedup_capacity", 1000)
	viper.Set("features.context_window", 8)
	viper.Set("features.histograms", false)
	viper.Set("features.stop_list", "stop.txt")
	viper.Set("features.alert_list", "alert.txt")
	viper.Set("features.out_dir", "out")
	viper.Set("features.carve_modes", map[string]any{"sqlite": "2"})
	viper.Set("scanners.disable", []string{"lz4"})
	viper.Set("scanners.options", map[string]string{"gzip_max_size": "1024"})
	viper.Set("api.enabled", true)
	viper.Set("logging.add_source", true)

	cfg := config.Default()
	overlayViper(cfg)

	assert.Equal(t, 3, cfg.Scan.Workers)
	assert.Equal(t, 64, cfg.Scan.QueueSize)
	assert.Equal(t, 4096, cfg.Scan.SyncThreshold)
	assert.Equal(t, 12.5, cfg.Scan.MaxExpansionRatio)
	assert.Equal(t, int64(512), cfg.Scan.OffsetStart)
	assert.Equal(t, int64(8192), cfg.Scan.OffsetEnd)
	assert.Equal(t, 0.1, cfg.Scan.SamplingFraction)
	assert.Equal(t, 2, cfg.Scan.SamplingPasses)
	assert.False(t, cfg.Scan.SkipDuplicateDecoded)
	assert.Equal(t, 5*time.Second, cfg.Scan.ShutdownTimeout)
	assert.Equal(t, "cbor", cfg.Features.Format)
	assert.False(t, cfg.Features.Dedup)
	assert.Equal(t, 1000, cfg.Features.DedupCapacity)
	assert.Equal(t, 8, cfg.Features.ContextWindow)
	assert.False(t, cfg.Features.Histograms)
	assert.Equal(t, "stop.txt", cfg.Features.StopList)
	assert.Equal(t, "alert.txt", cfg.Features.AlertList)
	assert.Equal(t, "out", cfg.Features.OutDir)
	assert.Equal(t, 2, cfg.Features.CarveModes["sqlite"])
	assert.Equal(t, []string{"lz4"}, cfg.Scanners.Disable)
	assert.Equal(t, "1024", cfg.Scanners.Options["gzip_max_size"])
	assert.True(t, cfg.API.Enabled)
	assert.True(t, cfg.Logging.AddSource)

	def := config.Default()
	assert.Equal(t, def.Scan.MaxDepth, cfg.Scan.MaxDepth, "unset keys keep their value")
	assert.Equal(t, def.Scan.PageSize, cfg.Scan.PageSize)
	assert.Equal(t, def.API.ListenAddr, cfg.API.ListenAddr)
}

func TestViperKeysCoverConfig(t *testing.T) {
	var keys []string
	var walk func(prefix string, typ reflect.Type)
	walk = func(prefix string, typ reflect.Type) {
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if f.Type.Kind() == reflect.Struct && f.Type.PkgPath() != "time" {
				walk(name+".", f.Type)
				continue
			}
			keys = append(keys, prefix+name)
		}
	}
	walk("", reflect.TypeOf(config.Config{}))

	require.NotEmpty(t, keys)
	for _, key := range keys {
		assert.Contains(t, viperKeys, key)
	}
	assert.Len(t, viperKeys, len(keys))
}

func TestRunScansImage(t *testing.T) {
	cfg := testConfig(t)
	summary, err := run(context.Background(), cfg, writeImage(t), nil, nil)
	require.NoError(t, err)

	assert.False(t, summary.Interrupted)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 1, summary.Status.MaxDepthSeen)
	assert.GreaterOrEqual(t, summary.Status.Buffers, uint64(2))

	lines := featureLines(t, cfg.Features.OutDir, "email")
	var plain, decoded bool
	for _, line := range lines {
		if strings.HasPrefix(line, "18\talice@example.com") {
			plain = true
		}
		if strings.HasPrefix(line, "1000-GZIP-") && strings.Contains(line, "bob@example.org") {
			decoded = true
		}
	}
	assert.True(t, plain, "plain address in %v", lines)
	assert.True(t, decoded, "decoded address in %v", lines)

	assert.Contains(t, strings.Join(featureLines(t, cfg.Features.OutDir, "domain"), "\n"), "example.org")
}

func TestRunEnableOnly(t *testing.T) {
	cfg := testConfig(t)
	summary, err := run(context.Background(), cfg, writeImage(t), []string{"email"}, nil)
	require.NoError(t, err)

	assert.True(t, scannerStats(summary.Status, "email").Enabled)
	assert.False(t, scannerStats(summary.Status, "gzip").Enabled)
	assert.Equal(t, 0, summary.Status.MaxDepthSeen)
	for _, line := range featureLines(t, cfg.Features.OutDir, "email") {
		assert.NotContains(t, line, "GZIP")
	}
}

func TestRunCBORFeatures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Features.Format = "cbor"
	_, err := run(context.Background(), cfg, writeImage(t), []string{"email"}, nil)
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(cfg.Features.OutDir, "email.cbor"))
	require.NoError(t, err)
	defer f.Close()
	recs, err := feature.ReadCBOR(f)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, "alice@example.com", recs[0].Feature)
}

func TestRunStopList(t *testing.T) {
	cfg := testConfig(t)
	stop := filepath.Join(t.TempDir(), "stop.txt")
	require.NoError(t, os.WriteFile(stop, []byte("alice@example.com\n"), 0600))
	cfg.Features.StopList = stop

	_, err := run(context.Background(), cfg, writeImage(t), []string{"email"}, nil)
	require.NoError(t, err)

	for _, line := range featureLines(t, cfg.Features.OutDir, "email") {
		assert.NotContains(t, line, "alice@example.com")
	}
	assert.Contains(t, strings.Join(featureLines(t, cfg.Features.OutDir, "email_stopped"), "\n"), "alice@example.com")
}

func TestRunStartupFailures(t *testing.T) {
	cfg := testConfig(t)
	_, err := run(context.Background(), cfg, filepath.Join(t.TempDir(), "missing.raw"), nil, nil)
	assert.True(t, errors.IsCode(err, errors.CodeFileNotFound))

	_, err = run(context.Background(), testConfig(t), writeImage(t), []string{"nope"}, nil)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Features.StopList = filepath.Join(t.TempDir(), "missing.txt")
	_, err = run(context.Background(), cfg, writeImage(t), nil, nil)
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
}

func TestExitCode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Features.StopList = filepath.Join(t.TempDir(), "missing.txt")
	_, err := run(context.Background(), cfg, writeImage(t), nil, nil)
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(fmt.Errorf("failed to start: %w", err)))

	_, err = run(context.Background(), testConfig(t), writeImage(t), []string{"nope"}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestRunHonorsSignals(t *testing.T) {
	cfg := testConfig(t)
	data := bytes.Repeat([]byte("padding alice@example.com padding "), 8192)
	path := filepath.Join(t.TempDir(), "big.raw")
	require.NoError(t, os.WriteFile(path, data, 0600))

	signals := make(chan os.Signal, 2)
	signals <- syscall.SIGINT
	signals <- syscall.SIGINT

	summary, err := run(context.Background(), cfg, path, []string{"email"}, signals)
	require.NoError(t, err)
	pages := uint64((len(data) + cfg.Scan.PageSize - 1) / cfg.Scan.PageSize)
	assert.LessOrEqual(t, summary.Status.Buffers, pages)
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, &runSummary{
		Image:       "disk.raw",
		RunID:       "run-1",
		Interrupted: true,
		Status: engine.Status{
			Buffers:    3,
			DupBuffers: 2,
			DupBytes:   64,
			Scanners: []engine.ScannerStats{
				{Name: "email", Enabled: true, Buffers: 3},
				{Name: "lz4", Enabled: false},
			},
		},
		Features: []feature.RecorderStats{{Name: "email", Written: 2, CarveMode: feature.CarveEncoded}},
	})

	text := out.String()
	assert.Contains(t, text, "disk.raw")
	assert.Contains(t, text, "interrupted")
	assert.Contains(t, strings.ToLower(text), "email")
	assert.Contains(t, text, "encoded")
	assert.Contains(t, text, "2 decoded buffers (64 bytes)")
	assert.NotContains(t, text, "lz4")
}

func TestRunSampling(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, applyScanFlags(cfg, scanFlags{sample: "0.5:2"}, false))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.5, cfg.Scan.SamplingFraction)
	assert.Equal(t, 2, cfg.Scan.SamplingPasses)

	// The image is a single page, so each pass draws it.
	_, err := run(context.Background(), cfg, writeImage(t), []string{"email"}, nil)
	require.NoError(t, err)

	var plain int
	for _, line := range featureLines(t, cfg.Features.OutDir, "email") {
		if strings.HasPrefix(line, "18\talice@example.com") {
			plain++
		}
	}
	assert.Equal(t, 2, plain)

	err = applyScanFlags(testConfig(t), scanFlags{sample: "2"}, false)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestPrintPath(t *testing.T) {
	img := writeImage(t)

	var raw bytes.Buffer
	require.NoError(t, printPath(context.Background(), &raw, testConfig(t), img, "1000-GZIP-9", 15, true))
	assert.Equal(t, "bob@example.org", raw.String())

	var dump bytes.Buffer
	require.NoError(t, printPath(context.Background(), &dump, testConfig(t), img, "1000-GZIP-9", 0, false))
	text := dump.String()
	assert.True(t, strings.HasPrefix(text, "1000-GZIP-9 (22 of 22 bytes)\n"), text)
	assert.Contains(t, text, "62 6f 62 40")
	assert.Contains(t, text, "|bob@example.org |")

	var plain bytes.Buffer
	require.NoError(t, printPath(context.Background(), &plain, testConfig(t), img, "18", 17, true))
	assert.Equal(t, "alice@example.com", plain.String())
}

func TestPrintPathErrors(t *testing.T) {
	img := writeImage(t)
	var out bytes.Buffer

	err := printPath(context.Background(), &out, testConfig(t), img, "not-a-path", 0, true)
	assert.Error(t, err)

	err = printPath(context.Background(), &out, testConfig(t), img, "99999", 0, true)
	assert.True(t, errors.IsCode(err, errors.CodeRange))

	err = printPath(context.Background(), &out, testConfig(t), img, "10-GZIP-0", 0, true)
	assert.True(t, errors.IsCode(err, errors.CodeValidation), "no gzip stream starts at 10")

	err = printPath(context.Background(), &out, testConfig(t), img, "1000-LZ4-0", 0, true)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.Empty(t, out.String())
}

func TestListScanners(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listScanners(&out, false))
	text := out.String()
	for _, name := range []string{"email", "find", "sqlite", "gzip", "zstd", "lz4"} {
		assert.Contains(t, text, name)
	}
	assert.Contains(t, text, "RECURSE")
	assert.NotContains(t, text, "find_regex")

	out.Reset()
	require.NoError(t, listScanners(&out, true))
	assert.Contains(t, out.String(), "find_regex")
	assert.Contains(t, out.String(), "sqlite_carve_mode")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "bulkscan dev")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
