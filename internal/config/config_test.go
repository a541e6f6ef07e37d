package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
slimevr:
  dir: /opt/slimevr
  log: server.log

obs:
  host: 192.168.1.20
  port: 4456
  password: hunter2
  text_time_format: "#{num} - {time}"

parser:
  reset_markers:
    - kind: full
      text: "Reset: full"
  timezone: UTC

watch:
  log:
    backend: fsnotify
  debounce: 250ms

logging:
  level: debug
  format: json
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogPath() != filepath.Join("/opt/slimevr", "server.log") {
		t.Errorf("Unexpected log path %s", cfg.LogPath())
	}
	if cfg.VRConfigPath() != filepath.Join("/opt/slimevr", DefaultSlimeVRVRConfig) {
		t.Errorf("Unexpected vrconfig path %s", cfg.VRConfigPath())
	}

	if cfg.OBS.Port != 4456 || cfg.OBS.Password != "hunter2" {
		t.Errorf("Unexpected obs config: %+v", cfg.OBS)
	}
	if cfg.OBS.TextTime != DefaultOBSTextTime {
		t.Errorf("Expected default text_time, got %s", cfg.OBS.TextTime)
	}
	if !cfg.OBS.IsEnabled() {
		t.Error("Overlay should be enabled by default")
	}

	if cfg.Watch.Debounce != 250*time.Millisecond {
		t.Errorf("Expected debounce 250ms, got %v", cfg.Watch.Debounce)
	}
	if cfg.Watch.Log.Backend != BackendFSNotify {
		t.Errorf("Expected fsnotify log backend, got %s", cfg.Watch.Log.Backend)
	}
	if cfg.Watch.RetryInterval != DefaultRetryInterval {
		t.Errorf("Expected default retry interval, got %v", cfg.Watch.RetryInterval)
	}

	if len(cfg.Parser.ResetMarkers) != 1 || cfg.Parser.ResetMarkers[0].Kind != "full" {
		t.Errorf("Unexpected reset markers: %+v", cfg.Parser.ResetMarkers)
	}
	loc, err := cfg.Parser.Location()
	if err != nil || loc != time.UTC {
		t.Errorf("Expected UTC location, got %v, %v", loc, err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.File != DefaultLogFile {
		t.Errorf("Expected default log file, got %s", cfg.Logging.File)
	}
}

func TestLoadTOMLConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "appconfig.toml")

	configContent := `
[slimevr]
dir = 'D:\SlimeVR\'
log = "log_last_0.log"
vrconfig = "vrconfig.yml"

[obs]
host = "localhost"
port = 4455
password = ""
text_time = "slimetime"
text_time_format = "Reset #{num} {time}"
text_config = "slimeconfig"
enabled = false

[watch]
retry_interval = "2s"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.SlimeVR.Dir != `D:\SlimeVR\` {
		t.Errorf("Unexpected dir %q", cfg.SlimeVR.Dir)
	}
	if cfg.OBS.IsEnabled() {
		t.Error("Expected overlay to be disabled")
	}
	if cfg.Watch.RetryInterval != 2*time.Second {
		t.Errorf("Expected retry interval 2s, got %v", cfg.Watch.RetryInterval)
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	os.Setenv("OBS_PASSWORD", "from-env")
	defer os.Unsetenv("OBS_PASSWORD")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
obs:
  password: ${OBS_PASSWORD}
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.OBS.Password != "from-env" {
		t.Errorf("Expected password from env var, got %s", cfg.OBS.Password)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.OBS.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "invalid backend",
			mutate:  func(c *Config) { c.Watch.Log.Backend = "inotify" },
			wantErr: true,
		},
		{
			name:    "empty session marker",
			mutate:  func(c *Config) { c.Parser.SessionMarkers = []string{""} },
			wantErr: true,
		},
		{
			name:    "incomplete reset marker",
			mutate:  func(c *Config) { c.Parser.ResetMarkers = []ResetMarkerConfig{{Kind: "full"}} },
			wantErr: true,
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.Parser.Timezone = "Mars/Olympus" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
		{
			name:    "metrics without address",
			mutate:  func(c *Config) { c.Metrics = &MetricsConfig{Enabled: true} },
			wantErr: true,
		},
		{
			name:    "health without address",
			mutate:  func(c *Config) { c.Health = &HealthConfig{Enabled: true} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}

	if cfg.OBS.Port != 4455 {
		t.Errorf("Expected default port 4455, got %d", cfg.OBS.Port)
	}
	if cfg.OBS.TextTimeFormat != "Reset #{num} {time}" {
		t.Errorf("Unexpected default format %q", cfg.OBS.TextTimeFormat)
	}
	if cfg.Watch.Log.Backend != BackendPoll || !cfg.Watch.Log.CompareContents {
		t.Errorf("Expected polling log watch with content compare, got %+v", cfg.Watch.Log)
	}
	if cfg.Watch.VRConfig.Backend != BackendFSNotify {
		t.Errorf("Expected fsnotify vrconfig watch, got %+v", cfg.Watch.VRConfig)
	}
	if cfg.Watch.Debounce != 100*time.Millisecond {
		t.Errorf("Expected 100ms debounce, got %v", cfg.Watch.Debounce)
	}
}

func TestWriteIfMissing(t *testing.T) {
	for _, name := range []string{"appconfig.toml", "appconfig.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			written, err := WriteIfMissing(path, DefaultConfig())
			if err != nil {
				t.Fatalf("WriteIfMissing() error = %v", err)
			}
			if !written {
				t.Fatal("Expected the default config to be written")
			}

			// The written file loads back to the defaults
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Failed to load written config: %v", err)
			}
			if cfg.OBS.TextConfig != DefaultOBSTextConfig || cfg.Watch.Debounce != DefaultDebounce {
				t.Errorf("Round trip lost values: %+v", cfg)
			}

			data, _ := os.ReadFile(path)
			if strings.HasSuffix(name, ".toml") && !strings.Contains(string(data), "[slimevr]") {
				t.Errorf("Expected a TOML document, got:\n%s", data)
			}

			// An existing file is left alone
			if err := os.WriteFile(path, []byte("# custom\n"), 0644); err != nil {
				t.Fatalf("Failed to overwrite: %v", err)
			}
			written, err = WriteIfMissing(path, DefaultConfig())
			if err != nil || written {
				t.Errorf("Expected existing file to be kept, got written=%v err=%v", written, err)
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.SlimeVR.Log != DefaultSlimeVRLog {
		t.Errorf("Expected default config, got %+v", cfg.SlimeVR)
	}
}
