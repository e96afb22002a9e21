// Package config centralizes the worker's configuration surface: the
// fields spec.md §6 says the surrounding CLI populates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportKind selects which Transport implementation the worker uses.
type TransportKind string

const (
	TransportFile TransportKind = "file"
	TransportHTTP TransportKind = "http"
)

// Config is the worker's complete configuration surface.
type Config struct {
	WorkerID string        `yaml:"worker_id"`
	Pool     string        `yaml:"pool"`
	Transport TransportKind `yaml:"transport"`

	JobsDir    string `yaml:"jobs_dir"`
	ResultsDir string `yaml:"results_dir"`

	MaxQueueSize int `yaml:"max_queue_size"`

	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	MetricsAddr string `yaml:"metrics_addr"`
	APIAddr     string `yaml:"api_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	PollInterval time.Duration `yaml:"poll_interval"`

	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryFactor    float64       `yaml:"retry_factor"`
	RetryCapDelay  time.Duration `yaml:"retry_cap_delay"`
	RetryJitter    float64       `yaml:"retry_jitter"`

	IdempotencyCacheSize int `yaml:"idempotency_cache_size"`

	DefaultTimeoutSeconds int           `yaml:"default_timeout_seconds"`
	ShutdownGracePeriod   time.Duration `yaml:"shutdown_grace_period"`

	// LibvirtURI, when set, registers the supplementary read-only
	// libvirt domain-info handler.
	LibvirtURI string `yaml:"libvirt_uri,omitempty"`
}

// Default returns a Config populated with spec.md's defaults.
func Default() Config {
	return Config{
		WorkerID:              "worker-1",
		Transport:             TransportFile,
		JobsDir:               "./jobs",
		ResultsDir:            "./results",
		MaxQueueSize:          256,
		MaxConcurrentJobs:     4,
		MetricsAddr:           "0.0.0.0:9090",
		APIAddr:               "0.0.0.0:8080",
		LogLevel:              "info",
		PollInterval:          500 * time.Millisecond,
		RetryBaseDelay:        1 * time.Second,
		RetryFactor:           2,
		RetryCapDelay:         30 * time.Second,
		RetryJitter:           0.2,
		IdempotencyCacheSize:  1024,
		DefaultTimeoutSeconds: 300,
		ShutdownGracePeriod:   10 * time.Second,
	}
}

// LoadFile merges a YAML config file on top of cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}
