package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	SlimeVR         SlimeVRConfig    `yaml:"slimevr"`
	OBS             OBSConfig        `yaml:"obs"`
	Parser          ParserConfig     `yaml:"parser"`
	Watch           WatchConfig      `yaml:"watch"`
	Display         DisplayConfig    `yaml:"display"`
	Logging         LoggingConfig    `yaml:"logging"`
	Metrics         *MetricsConfig   `yaml:"metrics,omitempty"`
	Health          *HealthConfig    `yaml:"health,omitempty"`
	Tracing         *TracingConfig   `yaml:"tracing,omitempty"`
	Profiling       *ProfilingConfig `yaml:"profiling,omitempty"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
}

// SlimeVRConfig locates the tracker server files
type SlimeVRConfig struct {
	Dir      string `yaml:"dir"`
	Log      string `yaml:"log"`
	VRConfig string `yaml:"vrconfig"`
}

// OBSConfig holds the obs-websocket overlay configuration
type OBSConfig struct {
	Enabled              *bool         `yaml:"enabled,omitempty"`
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	Password             string        `yaml:"password"`
	TextTime             string        `yaml:"text_time"`
	TextTimeFormat       string        `yaml:"text_time_format"`
	TextConfig           string        `yaml:"text_config"`
	QueueSize            int           `yaml:"queue_size,omitempty"`
	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second,omitempty"`
	Burst                int           `yaml:"burst,omitempty"`
	RetryInterval        time.Duration `yaml:"retry_interval,omitempty"`
	DialTimeout          time.Duration `yaml:"dial_timeout,omitempty"`
}

// IsEnabled reports whether the overlay client should run
func (o OBSConfig) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// ParserConfig holds reset marker configuration
type ParserConfig struct {
	SessionMarkers []string            `yaml:"session_markers,omitempty"`
	ResetMarkers   []ResetMarkerConfig `yaml:"reset_markers,omitempty"`
	Timezone       string              `yaml:"timezone,omitempty"`
}

// ResetMarkerConfig maps a log fragment to a reset kind
type ResetMarkerConfig struct {
	Kind string `yaml:"kind"`
	Text string `yaml:"text"`
}

// Location returns the timezone log timestamps are written in
func (p ParserConfig) Location() (*time.Location, error) {
	if p.Timezone == "" || p.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}

// WatchConfig holds file watching configuration
type WatchConfig struct {
	Log           WatchFileConfig `yaml:"log"`
	VRConfig      WatchFileConfig `yaml:"vrconfig"`
	RetryInterval time.Duration   `yaml:"retry_interval"`
	Debounce      time.Duration   `yaml:"debounce"`
	BatchSize     int             `yaml:"batch_size"`
}

// WatchFileConfig selects the watcher backend for one file
type WatchFileConfig struct {
	Backend         string        `yaml:"backend"` // fsnotify or poll
	PollInterval    time.Duration `yaml:"poll_interval,omitempty"`
	CompareContents bool          `yaml:"compare_contents,omitempty"`
}

// DisplayConfig holds terminal display configuration
type DisplayConfig struct {
	Tick     time.Duration `yaml:"tick"`
	Headless bool          `yaml:"headless,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
	File   string `yaml:"file"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Address       string `yaml:"address"`
	LivenessPath  string `yaml:"liveness_path,omitempty"`
	ReadinessPath string `yaml:"readiness_path,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ProfilingConfig holds pprof configuration
type ProfilingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Address      string `yaml:"address,omitempty"`
	CPUProfile   string `yaml:"cpu_profile,omitempty"`
	BlockProfile bool   `yaml:"block_profile,omitempty"`
	MutexProfile bool   `yaml:"mutex_profile,omitempty"`
}

// Default values
const (
	DefaultFile = "appconfig.toml"

	DefaultSlimeVRDir      = `C:\Program Files (x86)\SlimeVR Server\`
	DefaultSlimeVRLog      = "log_last_0.log"
	DefaultSlimeVRVRConfig = "vrconfig.yml"

	DefaultOBSHost           = "localhost"
	DefaultOBSPort           = 4455
	DefaultOBSTextTime       = "slimetime"
	DefaultOBSTextTimeFormat = "Reset #{num} {time}"
	DefaultOBSTextConfig     = "slimeconfig"
	DefaultOBSQueueSize      = 2
	DefaultOBSRate           = 10
	DefaultOBSBurst          = 4
	DefaultOBSRetryInterval  = time.Second
	DefaultOBSDialTimeout    = 5 * time.Second

	DefaultLogPollInterval = 100 * time.Millisecond
	DefaultRetryInterval   = time.Second
	DefaultDebounce        = 100 * time.Millisecond
	DefaultBatchSize       = 256

	DefaultTick            = time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultLogFile         = "resettime.log"
	DefaultShutdownTimeout = 5 * time.Second

	BackendFSNotify = "fsnotify"
	BackendPoll     = "poll"
)

// Load loads configuration from a YAML or TOML file with environment variable
// overrides. TOML documents are normalized through the YAML schema.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := []byte(os.ExpandEnv(string(data)))

	if isTOML(path) {
		expandedData, err = tomlToYAML(expandedData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// WriteIfMissing writes cfg to path unless a file already exists there. The format
// follows the file extension.
func WriteIfMissing(path string, cfg *Config) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	data, err := Encode(path, cfg)
	if err != nil {
		return false, err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}
	return true, nil
}

// Encode serializes cfg in the format matching path's extension
func Encode(path string, cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if !isTOML(path) {
		return data, nil
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	data, err = toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// tomlToYAML re-encodes a TOML document as YAML so durations and tags behave the
// same for both formats
func tomlToYAML(data []byte) ([]byte, error) {
	var doc map[string]interface{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

// LogPath returns the tracker server log path
func (c *Config) LogPath() string {
	return filepath.Join(c.SlimeVR.Dir, c.SlimeVR.Log)
}

// VRConfigPath returns the tracker server config path
func (c *Config) VRConfigPath() string {
	return filepath.Join(c.SlimeVR.Dir, c.SlimeVR.VRConfig)
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.SlimeVR.Dir == "" {
		c.SlimeVR.Dir = DefaultSlimeVRDir
	}
	if c.SlimeVR.Log == "" {
		c.SlimeVR.Log = DefaultSlimeVRLog
	}
	if c.SlimeVR.VRConfig == "" {
		c.SlimeVR.VRConfig = DefaultSlimeVRVRConfig
	}

	if c.OBS.Host == "" {
		c.OBS.Host = DefaultOBSHost
	}
	if c.OBS.Port == 0 {
		c.OBS.Port = DefaultOBSPort
	}
	if c.OBS.TextTime == "" {
		c.OBS.TextTime = DefaultOBSTextTime
	}
	if c.OBS.TextTimeFormat == "" {
		c.OBS.TextTimeFormat = DefaultOBSTextTimeFormat
	}
	if c.OBS.TextConfig == "" {
		c.OBS.TextConfig = DefaultOBSTextConfig
	}
	if c.OBS.QueueSize == 0 {
		c.OBS.QueueSize = DefaultOBSQueueSize
	}
	if c.OBS.MaxRequestsPerSecond == 0 {
		c.OBS.MaxRequestsPerSecond = DefaultOBSRate
	}
	if c.OBS.Burst == 0 {
		c.OBS.Burst = DefaultOBSBurst
	}
	if c.OBS.RetryInterval == 0 {
		c.OBS.RetryInterval = DefaultOBSRetryInterval
	}
	if c.OBS.DialTimeout == 0 {
		c.OBS.DialTimeout = DefaultOBSDialTimeout
	}

	if c.Watch.Log.Backend == "" {
		c.Watch.Log.Backend = BackendPoll
		c.Watch.Log.CompareContents = true
	}
	if c.Watch.Log.PollInterval == 0 {
		c.Watch.Log.PollInterval = DefaultLogPollInterval
	}
	if c.Watch.VRConfig.Backend == "" {
		c.Watch.VRConfig.Backend = BackendFSNotify
	}
	if c.Watch.VRConfig.PollInterval == 0 {
		c.Watch.VRConfig.PollInterval = DefaultLogPollInterval
	}
	if c.Watch.RetryInterval == 0 {
		c.Watch.RetryInterval = DefaultRetryInterval
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = DefaultDebounce
	}
	if c.Watch.BatchSize == 0 {
		c.Watch.BatchSize = DefaultBatchSize
	}

	if c.Display.Tick == 0 {
		c.Display.Tick = DefaultTick
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.File == "" {
		c.Logging.File = DefaultLogFile
	}

	if c.Metrics != nil && c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Health != nil {
		if c.Health.LivenessPath == "" {
			c.Health.LivenessPath = "/health/live"
		}
		if c.Health.ReadinessPath == "" {
			c.Health.ReadinessPath = "/health/ready"
		}
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.OBS.Port < 1 || c.OBS.Port > 65535 {
		return fmt.Errorf("invalid obs port: %d", c.OBS.Port)
	}
	if c.OBS.QueueSize < 1 {
		return fmt.Errorf("obs queue size must be positive, got %d", c.OBS.QueueSize)
	}
	if c.OBS.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("obs max requests per second must not be negative")
	}

	validBackends := map[string]bool{
		BackendFSNotify: true, BackendPoll: true,
	}
	if !validBackends[c.Watch.Log.Backend] {
		return fmt.Errorf("invalid log watch backend: %s", c.Watch.Log.Backend)
	}
	if !validBackends[c.Watch.VRConfig.Backend] {
		return fmt.Errorf("invalid vrconfig watch backend: %s", c.Watch.VRConfig.Backend)
	}
	if c.Watch.BatchSize < 1 {
		return fmt.Errorf("watch batch size must be positive, got %d", c.Watch.BatchSize)
	}

	for i, m := range c.Parser.SessionMarkers {
		if m == "" {
			return fmt.Errorf("session marker %d is empty", i)
		}
	}
	for i, m := range c.Parser.ResetMarkers {
		if m.Kind == "" || m.Text == "" {
			return fmt.Errorf("reset marker %d needs both kind and text", i)
		}
	}
	if _, err := c.Parser.Location(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Metrics != nil && c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}
	if c.Health != nil && c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health address is required when health checks are enabled")
	}

	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
