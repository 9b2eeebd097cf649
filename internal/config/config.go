// Package config loads, validates and saves bulkscan run configuration.
package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/logging"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600

	// DefaultPageSize is the live region of each top-level buffer.
	DefaultPageSize = 16 * 1024 * 1024
	// DefaultMarginSize is the trailing look-ahead appended to each page.
	DefaultMarginSize = 4 * 1024 * 1024
	// DefaultSyncThreshold is the size below which recursive buffers are
	// scanned on the submitting goroutine.
	DefaultSyncThreshold = 1024 * 1024
)

// Config represents the complete run configuration.
type Config struct {
	// Scan engine configuration
	Scan ScanConfig `yaml:"scan" json:"scan" toml:"scan"`

	// Feature output configuration
	Features FeatureConfig `yaml:"features" json:"features" toml:"features"`

	// Scanner selection and options
	Scanners ScannersConfig `yaml:"scanners" json:"scanners" toml:"scanners"`

	// Status/metrics HTTP endpoint
	API APIConfig `yaml:"api" json:"api" toml:"api"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging" toml:"logging"`
}

// ScanConfig holds engine, scheduler and recursion settings.
type ScanConfig struct {
	// Number of worker goroutines; 0 means one per CPU
	Workers int `yaml:"workers" json:"workers" toml:"workers" validate:"min=0,max=1024"`

	// Maximum queued work items; 0 means unbounded
	QueueSize int `yaml:"queue_size" json:"queue_size" toml:"queue_size" validate:"min=0"`

	// Recursive buffers smaller than this are scanned inline
	SyncThreshold int `yaml:"sync_threshold" json:"sync_threshold" toml:"sync_threshold" validate:"min=0"`

	// Maximum recursion depth
	MaxDepth int `yaml:"max_depth" json:"max_depth" toml:"max_depth" validate:"min=1,max=64"`

	// Cumulative decoded bytes allowed per top-level buffer, as a multiple of its size
	MaxExpansionRatio float64 `yaml:"max_expansion_ratio" json:"max_expansion_ratio" toml:"max_expansion_ratio" validate:"gt=0"`

	// Page and margin sizes used when slicing an image
	PageSize   int `yaml:"page_size" json:"page_size" toml:"page_size" validate:"min=4096"`
	MarginSize int `yaml:"margin_size" json:"margin_size" toml:"margin_size" validate:"min=0"`

	// Byte range of the image to process; OffsetEnd 0 means end of image
	OffsetStart int64 `yaml:"offset_start" json:"offset_start" toml:"offset_start" validate:"min=0"`
	OffsetEnd   int64 `yaml:"offset_end" json:"offset_end" toml:"offset_end" validate:"min=0"`

	// Random page sampling: scan this fraction of the pages, drawn afresh
	// for each pass; 1 scans every page once
	SamplingFraction float64 `yaml:"sampling_fraction" json:"sampling_fraction" toml:"sampling_fraction" validate:"gt=0,lte=1"`
	SamplingPasses   int     `yaml:"sampling_passes" json:"sampling_passes" toml:"sampling_passes" validate:"min=1"`

	// Skip decoded buffers whose content was already scanned earlier in the run
	SkipDuplicateDecoded bool `yaml:"skip_duplicate_decoded" json:"skip_duplicate_decoded" toml:"skip_duplicate_decoded"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" toml:"shutdown_timeout"`

	// Cron spec for periodic status reports; empty disables them
	StatusInterval string `yaml:"status_interval" json:"status_interval" toml:"status_interval"`

	// Workers busy longer than this are reported as stalled
	StallThreshold time.Duration `yaml:"stall_threshold" json:"stall_threshold" toml:"stall_threshold"`
}

// FeatureConfig holds feature recorder settings.
type FeatureConfig struct {
	// Output directory; empty keeps features in memory
	OutDir string `yaml:"out_dir" json:"out_dir" toml:"out_dir"`

	// Feature file format
	Format string `yaml:"format" json:"format" toml:"format" validate:"oneof=text cbor"`

	// Suppress repeated features per channel
	Dedup bool `yaml:"dedup" json:"dedup" toml:"dedup"`

	// Bound on remembered features per channel; 0 means unbounded
	DedupCapacity int `yaml:"dedup_capacity" json:"dedup_capacity" toml:"dedup_capacity" validate:"min=0"`

	// Reject undeclared channels once scanners are initialized
	StrictChannels bool `yaml:"strict_channels" json:"strict_channels" toml:"strict_channels"`

	// Bytes of context captured on each side of a feature
	ContextWindow int `yaml:"context_window" json:"context_window" toml:"context_window" validate:"min=0,max=4096"`

	// Per-channel carve mode overrides: 0 none, 1 encoded only, 2 all
	CarveModes map[string]int `yaml:"carve_modes" json:"carve_modes" toml:"carve_modes" validate:"dive,min=0,max=2"`

	// Word list files
	StopList  string `yaml:"stop_list" json:"stop_list" toml:"stop_list"`
	AlertList string `yaml:"alert_list" json:"alert_list" toml:"alert_list"`

	// Write <channel>_histogram.txt files on close
	Histograms bool `yaml:"histograms" json:"histograms" toml:"histograms"`
}

// ScannersConfig selects scanners and sets their options.
type ScannersConfig struct {
	// Enable these scanners; "all" enables every scanner
	Enable []string `yaml:"enable" json:"enable" toml:"enable"`

	// Disable these scanners; "all" disables every scanner
	Disable []string `yaml:"disable" json:"disable" toml:"disable"`

	// Scanner options as name=value, read by scanners during INIT
	Options map[string]string `yaml:"options" json:"options" toml:"options"`
}

// APIConfig holds the status/metrics HTTP endpoint settings.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" toml:"enabled"`
	ListenAddr   string        `yaml:"listen_addr" json:"listen_addr" toml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Workers:           0,
			QueueSize:         0,
			SyncThreshold:     DefaultSyncThreshold,
			MaxDepth:          7,
			MaxExpansionRatio: 100,
			PageSize:          DefaultPageSize,
			MarginSize:        DefaultMarginSize,
			SamplingFraction:  1,
			SamplingPasses:    1,
			ShutdownTimeout:   30 * time.Second,
			StatusInterval:    "@every 30s",
			StallThreshold:    5 * time.Minute,

			SkipDuplicateDecoded: true,
		},
		Features: FeatureConfig{
			Format:         "text",
			Dedup:          true,
			StrictChannels: true,
			ContextWindow:  16,
			CarveModes:     map[string]int{},
			Histograms:     true,
		},
		Scanners: ScannersConfig{
			Options: map[string]string{},
		},
		API: APIConfig{
			Enabled:      false,
			ListenAddr:   "127.0.0.1:8089",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from file, falling back to defaults when the
// file does not exist. The format is chosen by extension.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeFileNotFound, "failed to read config file", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to parse TOML config", err)
		}
	case ".json":
		// JSON is a YAML subset; yaml.v3 also parses duration strings.
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to parse JSON config", err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to parse YAML config", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save writes the configuration to path in the format implied by its extension.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return errors.WrapConfigError(errors.CodeDirectoryCreate, "failed to create config directory", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	case ".json":
		data, err = marshalJSON(c)
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to marshal config", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return errors.WrapConfigError(errors.CodeFilePermission, "failed to write config file", err)
	}
	return nil
}

// marshalJSON goes through the YAML encoding so durations are written as
// strings like "30s", which Load can read back.
func marshalJSON(c *Config) ([]byte, error) {
	y, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := yaml.Unmarshal(y, &generic); err != nil {
		return nil, err
	}
	return json.MarshalIndent(generic, "", "  ")
}

var validate = validator.New()

// Validate checks struct-tag constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.ErrConfigInvalid(fe.Namespace(), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "configuration validation failed", err)
	}

	if c.Scan.OffsetEnd != 0 && c.Scan.OffsetEnd <= c.Scan.OffsetStart {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"offset_end must be greater than offset_start", "Config.Scan.OffsetEnd", c.Scan.OffsetEnd)
	}
	if c.Scan.MarginSize > c.Scan.PageSize {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"margin_size must not exceed page_size", "Config.Scan.MarginSize", c.Scan.MarginSize)
	}
	if c.Scan.ShutdownTimeout < 0 {
		return errors.ErrConfigInvalid("Config.Scan.ShutdownTimeout", c.Scan.ShutdownTimeout)
	}
	if c.API.Enabled && c.API.ListenAddr == "" {
		return errors.ErrConfigMissing("Config.API.ListenAddr")
	}
	for _, opt := range c.Scanners.Options {
		if strings.ContainsAny(opt, "\n\r") {
			return errors.ErrConfigInvalid("Config.Scanners.Options", opt)
		}
	}

	return nil
}

// WorkerCount resolves the configured worker count.
func (c *Config) WorkerCount() int {
	if c.Scan.Workers > 0 {
		return c.Scan.Workers
	}
	return runtime.NumCPU()
}

// IsAPIEnabled returns whether the status endpoint should be served.
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}

// ApplyOption parses a "name=value" scanner option into Scanners.Options.
func (c *Config) ApplyOption(kv string) error {
	name, value, ok := strings.Cut(kv, "=")
	if !ok || name == "" {
		return errors.ErrConfigInvalid("scanner option", kv)
	}
	if c.Scanners.Options == nil {
		c.Scanners.Options = map[string]string{}
	}
	c.Scanners.Options[name] = value
	return nil
}

// ApplyCarveMode parses a "channel=mode" carve override into Features.CarveModes.
func (c *Config) ApplyCarveMode(kv string) error {
	name, value, ok := strings.Cut(kv, "=")
	if !ok || name == "" {
		return errors.ErrConfigInvalid("carve mode", kv)
	}
	mode, err := strconv.Atoi(value)
	if err != nil || mode < 0 || mode > 2 {
		return errors.ErrConfigInvalid("carve mode", kv)
	}
	if c.Features.CarveModes == nil {
		c.Features.CarveModes = map[string]int{}
	}
	c.Features.CarveModes[name] = mode
	return nil
}

// ApplySampling parses "fraction[:passes]" into the sampling settings.
func (c *Config) ApplySampling(spec string) error {
	frac, passes, hasPasses := strings.Cut(spec, ":")
	f, err := strconv.ParseFloat(frac, 64)
	if err != nil || f <= 0 || f > 1 {
		return errors.ErrConfigInvalid("sampling fraction", spec)
	}
	n := 1
	if hasPasses {
		if n, err = strconv.Atoi(passes); err != nil || n < 1 {
			return errors.ErrConfigInvalid("sampling passes", spec)
		}
	}
	c.Scan.SamplingFraction = f
	c.Scan.SamplingPasses = n
	return nil
}
