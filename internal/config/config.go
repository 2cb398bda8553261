// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the dedupv1adm configuration: the installation
// root, where the daemon configuration lives, how to reach the monitor and
// where the journal, metrics and traces go.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/dedupv1adm/internal/monitor"
	"github.com/tombee/dedupv1adm/internal/scst"
	admerrors "github.com/tombee/dedupv1adm/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

const (
	// DefaultPath is read when no --config flag is given. It may be
	// missing.
	DefaultPath = "/etc/dedupv1/dedupv1adm.yaml"

	// DefaultRoot is the dedupv1 installation root.
	DefaultRoot = "/opt/dedupv1"
)

// Config represents the complete dedupv1adm configuration.
type Config struct {
	// Root is the dedupv1 installation prefix. Binaries are looked up
	// in Root/bin and relative daemon defaults resolve against it.
	// Environment: DEDUPV1_ROOT
	Root string `yaml:"root"`

	// DaemonConfig is the dedupv1d configuration file.
	// Environment: DEDUPV1_CONFIG
	// Default: Root/etc/dedupv1/dedupv1.conf
	DaemonConfig string `yaml:"daemon_config"`

	Monitor MonitorConfig `yaml:"monitor"`

	// ISCSIAdm is the iscsi-scst-adm binary.
	// Environment: DEDUPV1_ISCSI_ADM
	ISCSIAdm string `yaml:"iscsi_adm"`

	// ProcRoot is prefixed to /proc and /dev lookups. Only tests and
	// chroot setups change it.
	ProcRoot string `yaml:"proc_root"`

	Journal JournalConfig `yaml:"journal"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Log     LogConfig     `yaml:"log"`
}

// MonitorConfig configures access to the daemon's HTTP monitor. Zero
// host and port fall back to the daemon configuration.
type MonitorConfig struct {
	// Environment: DEDUPV1_MONITOR_HOST
	Host string `yaml:"host,omitempty"`

	// Environment: DEDUPV1_MONITOR_PORT
	Port int `yaml:"port,omitempty"`

	// Timeout bounds a single monitor request.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// JournalConfig configures the lifecycle event journal.
type JournalConfig struct {
	// Path is the SQLite database.
	// Environment: DEDUPV1_JOURNAL
	// Default: Root/var/lib/dedupv1/dedupv1adm.db
	Path string `yaml:"path"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	// Textfile is written in Prometheus text format after every command,
	// for the node exporter textfile collector. Empty disables it.
	// Environment: DEDUPV1_METRICS_TEXTFILE
	Textfile string `yaml:"textfile,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Environment: DEDUPV1_TRACING
	Enabled bool `yaml:"enabled"`

	// Output is "stderr", "stdout" or a file path.
	Output string `yaml:"output,omitempty"`
}

// LogConfig configures the admin tool's own logging.
type LogConfig struct {
	// Level is the log level (trace, debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Root:     DefaultRoot,
		ISCSIAdm: scst.DefaultISCSIAdm,
		ProcRoot: "/",
		Monitor: MonitorConfig{
			Timeout: monitor.DefaultTimeout,
		},
		Tracing: TracingConfig{
			Output: "stderr",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Option overrides configuration values after the file and the
// environment are applied. The CLI turns its flags into options.
type Option func(*Config)

// WithRoot sets the installation root. Paths not set explicitly are
// derived from it.
func WithRoot(root string) Option {
	return func(c *Config) {
		if root != "" {
			c.Root = root
		}
	}
}

// WithDaemonConfig sets the dedupv1d configuration file.
func WithDaemonConfig(path string) Option {
	return func(c *Config) {
		if path != "" {
			c.DaemonConfig = path
		}
	}
}

// WithMonitor sets the monitor address. Zero values keep the configured ones.
func WithMonitor(host string, port int) Option {
	return func(c *Config) {
		if host != "" {
			c.Monitor.Host = host
		}
		if port != 0 {
			c.Monitor.Port = port
		}
	}
}

// Load reads the configuration file at configPath, applies defaults,
// environment overrides and opts and validates the result. An empty
// configPath reads DefaultPath if it exists.
func Load(configPath string, opts ...Option) (*Config, error) {
	cfg := Default()
	// Root-relative defaults are recomputed after the file is read.
	cfg.DaemonConfig, cfg.Journal.Path = "", ""

	path, required := configPath, true
	if path == "" {
		path, required = DefaultPath, false
	}
	if err := cfg.loadFromFile(path); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return nil, &admerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	// Override with environment variables
	cfg.loadFromEnv()

	for _, opt := range opts {
		opt(cfg)
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, &admerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.DaemonConfig == "" {
		c.DaemonConfig = filepath.Join(c.Root, "etc/dedupv1/dedupv1.conf")
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.Root, "var/lib/dedupv1/dedupv1adm.db")
	}
	if c.ISCSIAdm == "" {
		c.ISCSIAdm = scst.DefaultISCSIAdm
	}
	if c.ProcRoot == "" {
		c.ProcRoot = "/"
	}
	if c.Monitor.Timeout == 0 {
		c.Monitor.Timeout = monitor.DefaultTimeout
	}
	if c.Tracing.Output == "" {
		c.Tracing.Output = "stderr"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("DEDUPV1_ROOT"); val != "" {
		c.Root = val
	}
	if val := os.Getenv("DEDUPV1_CONFIG"); val != "" {
		c.DaemonConfig = val
	}
	if val := os.Getenv("DEDUPV1_MONITOR_HOST"); val != "" {
		c.Monitor.Host = val
	}
	if val := os.Getenv("DEDUPV1_MONITOR_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Monitor.Port = port
		}
	}
	if val := os.Getenv("DEDUPV1_ISCSI_ADM"); val != "" {
		c.ISCSIAdm = val
	}
	if val := os.Getenv("DEDUPV1_JOURNAL"); val != "" {
		c.Journal.Path = val
	}
	if val := os.Getenv("DEDUPV1_METRICS_TEXTFILE"); val != "" {
		c.Metrics.Textfile = val
	}
	if val := os.Getenv("DEDUPV1_TRACING"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !filepath.IsAbs(c.Root) {
		errs = append(errs, fmt.Sprintf("root must be an absolute path, got %q", c.Root))
	}
	if c.DaemonConfig == "" {
		errs = append(errs, "daemon_config is required")
	}
	if !filepath.IsAbs(c.ProcRoot) {
		errs = append(errs, fmt.Sprintf("proc_root must be an absolute path, got %q", c.ProcRoot))
	}
	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		errs = append(errs, fmt.Sprintf("monitor.port must be between 0 and 65535, got %d", c.Monitor.Port))
	}
	if c.Monitor.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("monitor.timeout must be positive, got %v", c.Monitor.Timeout))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	switch out := c.Tracing.Output; {
	case out == "stderr", out == "stdout":
	case !filepath.IsAbs(out):
		errs = append(errs, fmt.Sprintf("tracing.output must be stderr, stdout or an absolute path, got %q", out))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}
