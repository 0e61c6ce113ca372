// Package config loads nqlstream's runtime configuration from YAML,
// covering the correlation engine's defaults and the ingest/storage
// performance knobs.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root of nqlstream's YAML configuration file.
type Config struct {
	Correlation CorrelationConfig `yaml:"correlation"`
	Performance PerformanceConfig `yaml:"performance"`
}

// CorrelationConfig controls the correlation engine's defaults.
type CorrelationConfig struct {
	Enabled  bool  `yaml:"enabled"`
	WindowMs int64 `yaml:"window_ms"`
}

// PerformanceConfig controls ingest and storage sizing: cmd/nqlrun's input
// line buffer and JSON-decode worker count, and the snapshot store's memory
// table size.
type PerformanceConfig struct {
	WorkerThreads int    `yaml:"worker_threads"`
	BufferSize    string `yaml:"buffer_size"`
	MemoryLimit   string `yaml:"memory_limit"`

	// BufferSizeBytes is BufferSize parsed via ParseByteSize, populated by
	// Load/Parse; zero means "unset" (buffer_size was empty).
	BufferSizeBytes int64 `yaml:"-"`
	// MemoryLimitBytes is MemoryLimit parsed via ParseByteSize, populated by
	// Load/Parse; zero means "unset" (memory_limit was empty).
	MemoryLimitBytes int64 `yaml:"-"`
}

// Default returns nqlstream's documented default configuration: correlation
// enabled with a 100ms window, 4 worker threads, a 64MiB buffer, and a 1GiB
// memory limit.
func Default() *Config {
	return &Config{
		Correlation: CorrelationConfig{
			Enabled:  true,
			WindowMs: 100,
		},
		Performance: PerformanceConfig{
			WorkerThreads: 4,
			BufferSize:    "64MB",
			MemoryLimit:   "1GB",
		},
	}
}

// Load reads and parses a YAML config file at path, applying defaults to
// any field the file leaves unset (the file need not be complete).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes, starting from Default and overlaying
// whatever fields data sets.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finalize() error {
	if c.Performance.MemoryLimit == "" {
		c.Performance.MemoryLimit = "1GB"
	}
	memBytes, err := ParseByteSize(c.Performance.MemoryLimit)
	if err != nil {
		return fmt.Errorf("config: performance.memory_limit: %w", err)
	}
	c.Performance.MemoryLimitBytes = memBytes

	if c.Performance.BufferSize == "" {
		c.Performance.BufferSize = "64MB"
	}
	bufBytes, err := ParseByteSize(c.Performance.BufferSize)
	if err != nil {
		return fmt.Errorf("config: performance.buffer_size: %w", err)
	}
	c.Performance.BufferSizeBytes = bufBytes

	if c.Performance.WorkerThreads <= 0 {
		c.Performance.WorkerThreads = 4
	}
	if c.Correlation.WindowMs <= 0 {
		c.Correlation.WindowMs = 100
	}
	return nil
}

var byteSizePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([KMGT]?B)?$`)

var byteSizeUnits = map[string]int64{
	"":   1,
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// ParseByteSize parses a human memory size like "256MB" or "2GB" into a
// byte count. A bare number with no suffix is interpreted as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	m := byteSizePattern.FindStringSubmatch(strings.ToUpper(s))
	if m == nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	unit, ok := byteSizeUnits[m[2]]
	if !ok {
		return 0, fmt.Errorf("invalid size suffix in %q", s)
	}
	return int64(n * float64(unit)), nil
}
