// Package config provides configuration management for the streaming
// buffer engine: environment variables override a YAML file, which
// overrides built-in defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the buffer engine's core needs that is not
// supplied per-call by the host delegate.
type Config struct {
	// NHLSThreads bounds the worker pool size. Clamped to
	// [1, runtime.NumCPU()]; default 1.
	NHLSThreads int `yaml:"nHlsThreads,omitempty"`

	// HTTPTimeout bounds every segment/playlist HTTP request.
	HTTPTimeout time.Duration `yaml:"httpTimeout,omitempty"`

	// SegmentsToCache is the delegate-supplied cache window size.
	SegmentsToCache int `yaml:"segmentsToCache,omitempty"`

	// DataDir holds the timer persistence file.
	DataDir string `yaml:"dataDir,omitempty"`

	LogLevel string `yaml:"logLevel,omitempty"`
}

// fileConfig mirrors Config's YAML shape with string durations, since
// time.Duration does not implement yaml.Unmarshaler for "15s" literals
// without a wrapper.
type fileConfig struct {
	NHLSThreads     int    `yaml:"nHlsThreads,omitempty"`
	HTTPTimeout     string `yaml:"httpTimeout,omitempty"`
	SegmentsToCache int    `yaml:"segmentsToCache,omitempty"`
	DataDir         string `yaml:"dataDir,omitempty"`
	LogLevel        string `yaml:"logLevel,omitempty"`
}

// Loader loads configuration with precedence: ENV > File > Defaults.
type Loader struct {
	configPath string
}

// NewLoader creates a new configuration loader. configPath may be empty,
// in which case only environment variables and defaults apply.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

func defaults() Config {
	return Config{
		NHLSThreads:     1,
		HTTPTimeout:     15 * time.Second,
		SegmentsToCache: 10,
		DataDir:         "/var/lib/streambuffer",
		LogLevel:        "info",
	}
}

// Load resolves the final configuration, clamping NHLSThreads to
// [1, runtime.NumCPU()].
func (l *Loader) Load() (Config, error) {
	cfg := defaults()

	if l.configPath != "" {
		fc, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFile(&cfg, fc)
	}

	l.mergeEnv(&cfg)

	if cfg.NHLSThreads < 1 {
		cfg.NHLSThreads = 1
	}
	if max := runtime.NumCPU(); cfg.NHLSThreads > max {
		cfg.NHLSThreads = max
	}
	if cfg.SegmentsToCache < 1 {
		return cfg, fmt.Errorf("%w: segmentsToCache must be >= 1", ErrInvalidConfig)
	}

	return cfg, nil
}

func (l *Loader) loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fc, fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
	}
	return fc, nil
}

func mergeFile(cfg *Config, fc fileConfig) {
	if fc.NHLSThreads != 0 {
		cfg.NHLSThreads = fc.NHLSThreads
	}
	if fc.HTTPTimeout != "" {
		if d, err := time.ParseDuration(fc.HTTPTimeout); err == nil {
			cfg.HTTPTimeout = d
		}
	}
	if fc.SegmentsToCache != 0 {
		cfg.SegmentsToCache = fc.SegmentsToCache
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
}

func (l *Loader) mergeEnv(cfg *Config) {
	if v, ok := os.LookupEnv("STREAMBUF_N_HLS_THREADS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NHLSThreads = n
		}
	}
	if v, ok := os.LookupEnv("STREAMBUF_HTTP_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTPTimeout = d
		}
	}
	if v, ok := os.LookupEnv("STREAMBUF_SEGMENTS_TO_CACHE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SegmentsToCache = n
		}
	}
	if v, ok := os.LookupEnv("STREAMBUF_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("STREAMBUF_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
}
