// Package config holds the relay configuration. Values come from Default,
// optionally overlaid by a YAML file, then by command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Config is the relay configuration.
type Config struct {
	// Listen is the "host:port" the relay accepts clients on.
	Listen string `yaml:"listen"`
	// Target is the "host:port" every session connects to.
	Target string `yaml:"target"`
	// Backlog bounds the listening socket's pending-connection queue.
	Backlog int `yaml:"backlog"`
	// ReadBufferSize is the maximum chunk size read from a socket.
	ReadBufferSize int `yaml:"read_buffer_size"`
	// DialTimeout limits connecting to Target; 0 means no limit.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// CaptureDir is where record files are written.
	CaptureDir string `yaml:"capture_dir"`
	// ResolveCacheTTL caches Target name lookups for this long; 0 disables.
	ResolveCacheTTL time.Duration `yaml:"resolve_cache_ttl"`
	// MetricsAddr serves /metrics and /healthz when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`
	Log         Log    `yaml:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Listen:         "0.0.0.0:9999",
		Target:         "localhost:6379",
		Backlog:        5,
		ReadBufferSize: 4096,
		DialTimeout:    10 * time.Second,
		CaptureDir:     ".",
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file over Default. Unknown keys are rejected.
//
// Parameters:
//   - path: The YAML file to read
//
// Returns:
//   - The merged configuration
//   - An error if the file cannot be read or parsed
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks that the configuration can be used to start a relay.
func (c Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}

	if host, port, err := net.SplitHostPort(c.Target); err != nil {
		errs = append(errs, fmt.Errorf("target: %w", err))
	} else if host == "" || port == "" {
		errs = append(errs, fmt.Errorf("target: host and port are required"))
	}

	if c.Backlog <= 0 {
		errs = append(errs, fmt.Errorf("backlog must be positive, got %d", c.Backlog))
	}

	if c.ReadBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("read_buffer_size must be positive, got %d", c.ReadBufferSize))
	}

	if c.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("dial_timeout must not be negative"))
	}

	if c.ResolveCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("resolve_cache_ttl must not be negative"))
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics_addr: %w", err))
		}
	}

	return errors.Join(errs...)
}
