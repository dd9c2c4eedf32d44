// Package config loads the funcwatch configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	DatapacksDir string        `yaml:"datapacks_dir" json:"datapacks_dir"`
	AutoReload   bool          `yaml:"auto_reload" json:"auto_reload"`
	Watch        WatchConfig   `yaml:"watch" json:"watch"`
	Compile      CompileConfig `yaml:"compile" json:"compile"`
	HTTP         HTTPConfig    `yaml:"http" json:"http"`
	Metrics      MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing      TracingConfig `yaml:"tracing" json:"tracing"`
	Notify       NotifyConfig  `yaml:"notify" json:"notify"`
	Log          LogConfig     `yaml:"log" json:"log"`
}

// WatchConfig controls which files are reported and which datapacks are
// watched at startup.
type WatchConfig struct {
	Extensions []string `yaml:"extensions" json:"extensions"`
	Datapacks  []string `yaml:"datapacks" json:"datapacks"`
}

// CompileConfig configures the function compiler and worker pool.
type CompileConfig struct {
	Concurrency int      `yaml:"concurrency" json:"concurrency"`
	Commands    []string `yaml:"commands" json:"commands"`
}

// HTTPConfig configures the operator API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NotifyConfig configures the websocket notification stream. Each client is
// paced to MessagesPerSecond with bursts of up to Burst messages; zero turns
// pacing off.
type NotifyConfig struct {
	MessagesPerSecond float64  `yaml:"messages_per_second" json:"messages_per_second"`
	Burst             int      `yaml:"burst" json:"burst"`
	AllowedOrigins    []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DatapacksDir: "datapacks",
		Watch: WatchConfig{
			Extensions: []string{".mcfunction"},
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "funcwatch",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "funcwatch",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Notify: NotifyConfig{
			MessagesPerSecond: 20,
			Burst:             100,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadFromFile reads a YAML file on top of Default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FUNCWATCH_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("FUNCWATCH_DATAPACKS_DIR"); v != "" {
		c.DatapacksDir = v
	}
	if v := getenv("FUNCWATCH_AUTO_RELOAD"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FUNCWATCH_AUTO_RELOAD: %w", err)
		}
		c.AutoReload = b
	}
	if v := getenv("FUNCWATCH_WATCH"); v != "" {
		c.Watch.Datapacks = splitList(v)
	}
	if v := getenv("FUNCWATCH_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := getenv("FUNCWATCH_COMPILE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FUNCWATCH_COMPILE_CONCURRENCY: %w", err)
		}
		c.Compile.Concurrency = n
	}
	if v := getenv("FUNCWATCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("FUNCWATCH_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatapacksDir) == "" {
		errs = append(errs, errors.New("datapacks_dir is required"))
	}
	if c.Compile.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("compile.concurrency must not be negative, got %d", c.Compile.Concurrency))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be within [0, 1], got %v", c.Tracing.SampleRate))
	}
	if c.Notify.MessagesPerSecond < 0 || c.Notify.Burst < 0 {
		errs = append(errs, fmt.Errorf("notify: messages_per_second and burst must not be negative, got %v/%d",
			c.Notify.MessagesPerSecond, c.Notify.Burst))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	for _, id := range c.Watch.Datapacks {
		if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
			errs = append(errs, fmt.Errorf("watch.datapacks: invalid datapack id %q", id))
		}
	}
	return errors.Join(errs...)
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
