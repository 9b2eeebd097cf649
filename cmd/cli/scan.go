package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anstrom/bulkscan/internal/api"
	"github.com/anstrom/bulkscan/internal/config"
	"github.com/anstrom/bulkscan/internal/engine"
	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/feature"
	"github.com/anstrom/bulkscan/internal/image"
	"github.com/anstrom/bulkscan/internal/logging"
	"github.com/anstrom/bulkscan/internal/metrics"
	"github.com/anstrom/bulkscan/internal/notify"
	"github.com/anstrom/bulkscan/internal/sbuf"
	"github.com/anstrom/bulkscan/internal/scanners"
)

// systemMetricsInterval is how often the runtime gauges are refreshed while
// the API server runs.
const systemMetricsInterval = 15 * time.Second

// scanFlags holds the scan command line.
type scanFlags struct {
	outDir     string
	enable     []string
	disable    []string
	enableOnly []string
	options    []string
	carveModes []string
	stopList   string
	alertList  string
	noDedup    bool
	apiListen  string
	sample     string
}

var scanOpts scanFlags

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan IMAGE",
	Short: "Scan an image and record features",
	Long: `Scan reads IMAGE page by page and runs every enabled scanner over each
page. Features are written to one file per channel in the output directory;
carved objects go to a subdirectory named after their channel.

The first interrupt stops reading the image and finishes the queued work.
A second interrupt discards the queue and exits as soon as the running
scanners return.`,
	Example: `  bulkscan scan disk.raw -o out
  bulkscan scan disk.raw -o out -j 8 -M 5
  bulkscan scan disk.raw -o out -E email -e gzip
  bulkscan scan disk.raw -o out -S find_regex='secret[0-9]+' --carve-mode sqlite=2
  bulkscan scan disk.raw -o out --api-listen 127.0.0.1:8089
  bulkscan scan disk.raw -o out -s 0.01:2`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	f := scanCmd.Flags()
	f.StringVarP(&scanOpts.outDir, "outdir", "o", "", "Output directory for feature files")
	f.IntP("jobs", "j", 0, "Number of worker goroutines (0 means one per CPU)")
	f.IntP("max-depth", "M", 0, "Maximum recursion depth")
	f.String("format", "", "Feature file format: text or cbor")
	f.StringSliceVarP(&scanOpts.enable, "enable", "e", nil, "Enable a scanner (repeatable, 'all' for every scanner)")
	f.StringSliceVarP(&scanOpts.disable, "disable", "x", nil, "Disable a scanner (repeatable, 'all' for every scanner)")
	f.StringSliceVarP(&scanOpts.enableOnly, "enable-only", "E", nil, "Disable every scanner except these")
	f.StringArrayVarP(&scanOpts.options, "set", "S", nil, "Scanner option as name=value (repeatable)")
	f.StringArrayVar(&scanOpts.carveModes, "carve-mode", nil, "Carve mode override as channel=0|1|2 (repeatable)")
	f.StringVar(&scanOpts.stopList, "stop-list", "", "Word list of features to divert to <channel>_stopped")
	f.StringVar(&scanOpts.alertList, "alert-list", "", "Word list of features to copy to the alert channel")
	f.BoolVar(&scanOpts.noDedup, "no-dedup", false, "Record every occurrence of a feature")
	f.StringVar(&scanOpts.apiListen, "api-listen", "", "Serve status and metrics on this address")
	f.StringVarP(&scanOpts.sample, "sample", "s", "", "Randomly sample a fraction of the pages as fraction[:passes]")

	_ = scanCmd.MarkFlagRequired("outdir")

	bindFlags(f, map[string]string{
		"scan.workers":    "jobs",
		"scan.max_depth":  "max-depth",
		"features.format": "format",
		"api.listen_addr": "api-listen",
	})
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := applyScanFlags(cfg, scanOpts, cmd.Flags().Changed("api-listen")); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	summary, err := run(cmd.Context(), cfg, args[0], scanOpts.enableOnly, sigChan)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), summary)
	return nil
}

// applyScanFlags folds the scan flags into cfg. Flags bound to viper were
// already applied by loadConfig.
func applyScanFlags(cfg *config.Config, f scanFlags, apiRequested bool) error {
	cfg.Features.OutDir = f.outDir
	cfg.Scanners.Enable = append(cfg.Scanners.Enable, f.enable...)
	cfg.Scanners.Disable = append(cfg.Scanners.Disable, f.disable...)
	for _, kv := range f.options {
		if err := cfg.ApplyOption(kv); err != nil {
			return err
		}
	}
	for _, kv := range f.carveModes {
		if err := cfg.ApplyCarveMode(kv); err != nil {
			return err
		}
	}
	if f.stopList != "" {
		cfg.Features.StopList = f.stopList
	}
	if f.alertList != "" {
		cfg.Features.AlertList = f.alertList
	}
	if f.noDedup {
		cfg.Features.Dedup = false
	}
	if f.sample != "" {
		if err := cfg.ApplySampling(f.sample); err != nil {
			return err
		}
	}
	if apiRequested {
		cfg.API.Enabled = true
		if f.apiListen != "" {
			cfg.API.ListenAddr = f.apiListen
		}
	}
	return nil
}

// runSummary is what a finished run reports.
type runSummary struct {
	Image       string
	RunID       string
	OutDir      string
	Elapsed     time.Duration
	Interrupted bool
	Status      engine.Status
	Features    []feature.RecorderStats
}

// run scans imagePath with cfg. Errors returned are startup failures;
// faults during the scan are logged and counted, not returned. The first
// value on signals stops page production, the second discards the queue.
func run(
	ctx context.Context,
	cfg *config.Config,
	imagePath string,
	enableOnly []string,
	signals <-chan os.Signal,
) (*runSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.Default().WithComponent("cli")
	start := time.Now()

	var reg metrics.MetricsRegistry = metrics.NewRegistry()
	if cfg.IsAPIEnabled() {
		reg = metrics.NewPrometheusMetrics()
	}
	metrics.SetDefault(reg)

	fs, err := newFeatureSet(cfg, imagePath, reg)
	if err != nil {
		return nil, err
	}
	logger = logger.WithRunID(fs.RunID())
	closed := false
	defer func() {
		if !closed {
			_ = fs.Close()
		}
	}()

	set := engine.NewSet(fs, engine.Options{
		MaxDepth:          cfg.Scan.MaxDepth,
		MaxExpansionRatio: cfg.Scan.MaxExpansionRatio,
		SyncThreshold:     cfg.Scan.SyncThreshold,
		SkipDuplicates:    cfg.Scan.SkipDuplicateDecoded,
		ScannerOptions:    cfg.Scanners.Options,
		Metrics:           reg,
		Logger:            logging.Default(),
	})
	if err := set.RegisterAll(scanners.Builtin()); err != nil {
		return nil, fmt.Errorf("failed to register scanners: %w", err)
	}
	if err := set.ApplyCommands(engine.EnableCommands(enableOnly, cfg.Scanners.Enable, cfg.Scanners.Disable)); err != nil {
		return nil, err
	}

	im, err := image.Open(imagePath, image.Options{
		PageSize:    cfg.Scan.PageSize,
		MarginSize:  cfg.Scan.MarginSize,
		OffsetStart: cfg.Scan.OffsetStart,
		OffsetEnd:   cfg.Scan.OffsetEnd,

		SamplingFraction: cfg.Scan.SamplingFraction,
		SamplingPasses:   cfg.Scan.SamplingPasses,

		Metrics: reg,
		Logger:  logging.Default(),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = im.Close() }()

	if err := set.Init(ctx); err != nil {
		return nil, err
	}

	var apiServer *api.Server
	if cfg.IsAPIEnabled() {
		apiServer, err = api.New(api.ConfigFrom(cfg.API), api.Deps{
			Engine:   set,
			Features: fs,
			Metrics:  reg,
			Logger:   logging.Default(),
			Version:  version,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create API server: %w", err)
		}
	}

	if cfg.Scan.StatusInterval != "" {
		n, err := notify.New(set, notify.Config{
			Schedule:       cfg.Scan.StatusInterval,
			StallThreshold: cfg.Scan.StallThreshold,
			Progress:       im.Progress,
			Logger:         logging.Default(),
		})
		if err != nil {
			return nil, err
		}
		if err := n.Start(); err != nil {
			return nil, err
		}
		defer n.Stop()
	}

	set.LaunchWorkers(cfg.WorkerCount(), cfg.Scan.QueueSize)
	logger.Info("Scan started",
		"image", imagePath,
		"size", im.Size(),
		"pages", im.Pages(),
		"workers", cfg.WorkerCount(),
		"sampling", im.Sampling())

	summary := &runSummary{Image: imagePath, RunID: fs.RunID(), OutDir: cfg.Features.OutDir}

	g, gctx := errgroup.WithContext(ctx)
	produceCtx, stopProducing := context.WithCancel(gctx)
	defer stopProducing()
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		err := im.Each(produceCtx, func(buf *sbuf.Buffer) error {
			return set.Schedule(ctx, buf)
		})
		switch {
		case err == nil:
		case stderrors.Is(err, context.Canceled), stderrors.Is(err, errors.ErrEmergencyStop):
			summary.Interrupted = true
		default:
			logger.WithError(err).Error("Image read failed")
			summary.Interrupted = true
		}
		joinWithWarning(set, cfg.Scan.ShutdownTimeout, logger)
		return nil
	})

	g.Go(func() error {
		select {
		case <-done:
			return nil
		case sig := <-signals:
			logger.Warn("Received signal, finishing queued work", "signal", fmt.Sprint(sig))
			stopProducing()
		case <-gctx.Done():
			return nil
		}
		select {
		case <-done:
		case sig := <-signals:
			n := set.Stop()
			logger.Warn("Received second signal, discarding queued work", "signal", fmt.Sprint(sig), "discarded", n)
		}
		return nil
	})

	if apiServer != nil {
		apiCtx, stopAPI := context.WithCancel(ctx)
		defer stopAPI()
		if pm, ok := reg.(*metrics.PrometheusMetrics); ok {
			pm.StartPeriodicUpdates(apiCtx, systemMetricsInterval)
		}
		g.Go(func() error {
			go func() {
				<-done
				stopAPI()
			}()
			if err := apiServer.Start(apiCtx); err != nil {
				// The scan continues without its status endpoint.
				logger.WithError(err).Error("API server failed")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := set.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Scanner shutdown failed")
	}
	summary.Status = set.Status()
	summary.Features = fs.Stats()

	closed = true
	if err := fs.Close(); err != nil {
		logger.WithError(err).Error("Failed to close feature files")
	}
	summary.Elapsed = time.Since(start)

	logger.Info("Scan finished",
		"buffers", summary.Status.Buffers,
		"bytes", summary.Status.Bytes,
		"max_depth_seen", summary.Status.MaxDepthSeen,
		"interrupted", summary.Interrupted,
		"elapsed", summary.Elapsed)
	return summary, nil
}

// joinWithWarning waits for the queue to drain, warning once if that takes
// longer than timeout.
func joinWithWarning(set *engine.Set, timeout time.Duration, logger *logging.Logger) {
	joined := make(chan struct{})
	go func() {
		set.Join()
		close(joined)
	}()
	if timeout <= 0 {
		<-joined
		return
	}
	select {
	case <-joined:
	case <-time.After(timeout):
		st := set.QueueStats()
		logger.Warn("Queued work still draining", "timeout", timeout, "queued", st.Jobs)
		<-joined
	}
}

// newFeatureSet builds the recorder set from cfg, loading word lists.
func newFeatureSet(cfg *config.Config, imagePath string, reg metrics.MetricsRegistry) (*feature.Set, error) {
	opts := feature.Options{
		OutDir:           cfg.Features.OutDir,
		Format:           feature.Format(cfg.Features.Format),
		Dedup:            cfg.Features.Dedup,
		DedupCapacity:    cfg.Features.DedupCapacity,
		StrictChannels:   cfg.Features.StrictChannels,
		ContextWindow:    cfg.Features.ContextWindow,
		DefaultCarveMode: feature.CarveEncoded,
		Histograms:       cfg.Features.Histograms,
		InputFilename:    imagePath,
		Metrics:          reg,
		Logger:           logging.Default(),
	}
	if len(cfg.Features.CarveModes) > 0 {
		opts.CarveModes = make(map[string]feature.CarveMode, len(cfg.Features.CarveModes))
		for name, mode := range cfg.Features.CarveModes {
			opts.CarveModes[name] = feature.CarveMode(mode)
		}
	}

	var err error
	if cfg.Features.StopList != "" {
		if opts.StopList, err = loadWordList(cfg.Features.StopList, "features.stop_list"); err != nil {
			return nil, err
		}
	}
	if cfg.Features.AlertList != "" {
		if opts.AlertList, err = loadWordList(cfg.Features.AlertList, "features.alert_list"); err != nil {
			return nil, err
		}
	}

	fs, err := feature.NewSet(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature recorders: %w", err)
	}
	return fs, nil
}

func loadWordList(path, field string) (*feature.WordList, error) {
	wl, err := feature.LoadWordList(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to load word list", err).WithField(field, path)
	}
	return wl, nil
}

// printSummary renders the run summary as tables.
func printSummary(w io.Writer, s *runSummary) {
	fmt.Fprintf(w, "Image:    %s\n", s.Image)
	fmt.Fprintf(w, "Run ID:   %s\n", s.RunID)
	if s.OutDir != "" {
		fmt.Fprintf(w, "Output:   %s\n", s.OutDir)
	}
	fmt.Fprintf(w, "Elapsed:  %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Buffers:  %d (%d bytes, max depth %d)\n",
		s.Status.Buffers, s.Status.Bytes, s.Status.MaxDepthSeen)
	if s.Status.DupBuffers > 0 {
		fmt.Fprintf(w, "Repeats:  %d decoded buffers (%d bytes) seen before\n",
			s.Status.DupBuffers, s.Status.DupBytes)
	}
	if s.Interrupted {
		fmt.Fprintln(w, "Status:   interrupted")
	}
	fmt.Fprintln(w)

	scannerTable := newTable(w)
	scannerTable.Header("Scanner", "Buffers", "Faults", "Time", "Last Error")
	for _, st := range s.Status.Scanners {
		if !st.Enabled && st.Buffers == 0 && !st.Faulted {
			continue
		}
		_ = scannerTable.Append([]string{
			st.Name,
			fmt.Sprintf("%d", st.Buffers),
			fmt.Sprintf("%d", st.Faults),
			st.Duration.Round(time.Microsecond).String(),
			truncate(st.LastError, 60),
		})
	}
	_ = scannerTable.Render()
	fmt.Fprintln(w)

	featureTable := newTable(w)
	featureTable.Header("Channel", "Written", "Suppressed", "Stopped", "Carved", "Carve Mode")
	for _, fs := range s.Features {
		_ = featureTable.Append([]string{
			fs.Name,
			fmt.Sprintf("%d", fs.Written),
			fmt.Sprintf("%d", fs.Suppressed),
			fmt.Sprintf("%d", fs.Stopped),
			fmt.Sprintf("%d", fs.Carved),
			fs.CarveMode.String(),
		})
	}
	_ = featureTable.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
