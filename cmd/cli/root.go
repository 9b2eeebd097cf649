// Package cli provides the command-line interface for bulkscan.
// This package implements the Cobra-based CLI structure with commands for
// scanning images, listing scanners and printing version information.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/bulkscan/internal/config"
	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/logging"
)

const envPrefix = "BULKSCAN"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "bulkscan",
	Short: "Forensic bulk data scanner",
	Long: `bulkscan reads a disk image or any other large file page by page and
runs a set of scanners over every page. Scanners report features such as
email addresses, carve embedded files, and decompress encoded data so the
decoded bytes are scanned again.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd prints build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "bulkscan %s\n", getVersion())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for configuration and output setup failures and 1 for
// everything else.
func exitCode(err error) int {
	if errors.IsFatal(err) {
		return 2
	}
	return 1
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./bulkscan.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Bind flags to viper
	bindFlags(rootCmd.PersistentFlags(), map[string]string{"verbose": "verbose"})

	rootCmd.AddCommand(versionCmd)
}

// bindFlags binds viper keys to the named flags of fs.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := viper.BindPFlag(key, fs.Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", name, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("bulkscan")
	}

	// Read in environment variables that match, e.g. BULKSCAN_SCAN_WORKERS
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	// Initialize structured logging after config is loaded
	initLogging()
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// loadConfig reads the config file viper found, if any, and overlays the
// values set through flags or the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	overlayViper(cfg)
	return cfg, nil
}

// viperKeys maps every config key to a setter that reads it from viper.
var viperKeys = map[string]func(cfg *config.Config, key string){
	"scan.workers":                func(c *config.Config, k string) { c.Scan.Workers = viper.GetInt(k) },
	"scan.queue_size":             func(c *config.Config, k string) { c.Scan.QueueSize = viper.GetInt(k) },
	"scan.sync_threshold":         func(c *config.Config, k string) { c.Scan.SyncThreshold = viper.GetInt(k) },
	"scan.max_depth":              func(c *config.Config, k string) { c.Scan.MaxDepth = viper.GetInt(k) },
	"scan.max_expansion_ratio":    func(c *config.Config, k string) { c.Scan.MaxExpansionRatio = viper.GetFloat64(k) },
	"scan.page_size":              func(c *config.Config, k string) { c.Scan.PageSize = viper.GetInt(k) },
	"scan.margin_size":            func(c *config.Config, k string) { c.Scan.MarginSize = viper.GetInt(k) },
	"scan.offset_start":           func(c *config.Config, k string) { c.Scan.OffsetStart = viper.GetInt64(k) },
	"scan.offset_end":             func(c *config.Config, k string) { c.Scan.OffsetEnd = viper.GetInt64(k) },
	"scan.sampling_fraction":      func(c *config.Config, k string) { c.Scan.SamplingFraction = viper.GetFloat64(k) },
	"scan.sampling_passes":        func(c *config.Config, k string) { c.Scan.SamplingPasses = viper.GetInt(k) },
	"scan.skip_duplicate_decoded": func(c *config.Config, k string) { c.Scan.SkipDuplicateDecoded = viper.GetBool(k) },
	"scan.shutdown_timeout":       func(c *config.Config, k string) { c.Scan.ShutdownTimeout = viper.GetDuration(k) },
	"scan.status_interval":        func(c *config.Config, k string) { c.Scan.StatusInterval = viper.GetString(k) },
	"scan.stall_threshold":        func(c *config.Config, k string) { c.Scan.StallThreshold = viper.GetDuration(k) },

	"features.out_dir":         func(c *config.Config, k string) { c.Features.OutDir = viper.GetString(k) },
	"features.format":          func(c *config.Config, k string) { c.Features.Format = viper.GetString(k) },
	"features.dedup":           func(c *config.Config, k string) { c.Features.Dedup = viper.GetBool(k) },
	"features.dedup_capacity":  func(c *config.Config, k string) { c.Features.DedupCapacity = viper.GetInt(k) },
	"features.strict_channels": func(c *config.Config, k string) { c.Features.StrictChannels = viper.GetBool(k) },
	"features.context_window":  func(c *config.Config, k string) { c.Features.ContextWindow = viper.GetInt(k) },
	"features.stop_list":       func(c *config.Config, k string) { c.Features.StopList = viper.GetString(k) },
	"features.alert_list":      func(c *config.Config, k string) { c.Features.AlertList = viper.GetString(k) },
	"features.histograms":      func(c *config.Config, k string) { c.Features.Histograms = viper.GetBool(k) },
	"features.carve_modes": func(c *config.Config, k string) {
		for name, v := range viper.GetStringMap(k) {
			if mode, err := cast.ToIntE(v); err == nil {
				c.Features.CarveModes[name] = mode
			}
		}
	},

	"scanners.enable":  func(c *config.Config, k string) { c.Scanners.Enable = viper.GetStringSlice(k) },
	"scanners.disable": func(c *config.Config, k string) { c.Scanners.Disable = viper.GetStringSlice(k) },
	"scanners.options": func(c *config.Config, k string) {
		for name, v := range viper.GetStringMapString(k) {
			c.Scanners.Options[name] = v
		}
	},

	"api.enabled":       func(c *config.Config, k string) { c.API.Enabled = viper.GetBool(k) },
	"api.listen_addr":   func(c *config.Config, k string) { c.API.ListenAddr = viper.GetString(k) },
	"api.read_timeout":  func(c *config.Config, k string) { c.API.ReadTimeout = viper.GetDuration(k) },
	"api.write_timeout": func(c *config.Config, k string) { c.API.WriteTimeout = viper.GetDuration(k) },

	"logging.level":      func(c *config.Config, k string) { c.Logging.Level = logging.LogLevel(viper.GetString(k)) },
	"logging.format":     func(c *config.Config, k string) { c.Logging.Format = logging.LogFormat(viper.GetString(k)) },
	"logging.output":     func(c *config.Config, k string) { c.Logging.Output = viper.GetString(k) },
	"logging.add_source": func(c *config.Config, k string) { c.Logging.AddSource = viper.GetBool(k) },
}

// overlayViper copies explicitly set viper keys over cfg. No viper defaults
// are registered, so IsSet only reports flags, env vars and the file.
func overlayViper(cfg *config.Config) {
	if cfg.Features.CarveModes == nil {
		cfg.Features.CarveModes = map[string]int{}
	}
	if cfg.Scanners.Options == nil {
		cfg.Scanners.Options = map[string]string{}
	}
	for key, set := range viperKeys {
		if viper.IsSet(key) {
			set(cfg, key)
		}
	}
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := loadConfig()
	if err != nil {
		// If config loading fails, use default logging
		logging.SetDefault(logging.NewDefault())
		return
	}

	logConfig := cfg.Logging
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logConfig.AddSource = logConfig.Level == logging.LevelDebug

	logger, err := logging.New(logConfig)
	if err != nil {
		// Fall back to default if creation fails
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}

	logging.SetDefault(logger)

	if verbose {
		logging.Info("Structured logging initialized", "level", logConfig.Level, "format", logConfig.Format)
	}
}
