// Package config loads and validates the ingestion job configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level JSON configuration for an ingestion run.
type Config struct {
	Job         string         `json:"job"`
	Entities    []string       `json:"entities"`
	ObjectStore ObjectStore    `json:"object_store"`
	Warehouse   Warehouse      `json:"warehouse"`
	Runtime     RuntimeConfig  `json:"runtime"`
	Fetch       FetchConfig    `json:"fetch"`
}

type ObjectStore struct {
	// Kind: "s3" | "fs"
	Kind   string `json:"kind"`
	Bucket string `json:"bucket"`
	// Root is the path segment above the entity directories ("data" for the
	// standard snapshot layout).
	Root string `json:"root"`
}

type Warehouse struct {
	// Kind: "postgres" | "sqlite" | "mssql"
	Kind string `json:"kind"`
	// DSN supports ${VAR} environment expansion, so credentials stay out of
	// the config file.
	DSN string `json:"dsn"`
}

// RuntimeConfig controls execution behavior.
type RuntimeConfig struct {
	BatchSize   int    `json:"batch_size"`
	MaxErrors   int    `json:"max_errors"`
	Parallelism int    `json:"parallelism"`
	BaseDir     string `json:"base_dir"`
	TempDir     string `json:"temp_dir"`
}

// FetchConfig controls download retry behavior.
type FetchConfig struct {
	MaxAttempts int     `json:"max_attempts"`
	BaseDelayMS int     `json:"base_delay_ms"`
	Multiplier  float64 `json:"multiplier"`
}

// Defaults that apply when the config omits a field.
const (
	DefaultBatchSize   = 1000
	DefaultMaxErrors   = 100
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMultiplier  = 2.0
)

// Load reads and parses the config file, applying defaults.
// The warehouse DSN is environment-expanded here so everything downstream
// sees the final value.
func Load(path string) (Config, error) {
	var cfg Config

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.Warehouse.DSN = os.ExpandEnv(cfg.Warehouse.DSN)
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Job == "" {
		c.Job = "ingest"
	}
	if c.ObjectStore.Root == "" {
		c.ObjectStore.Root = "data"
	}
	if c.Runtime.BatchSize <= 0 {
		c.Runtime.BatchSize = DefaultBatchSize
	}
	if c.Runtime.MaxErrors <= 0 {
		c.Runtime.MaxErrors = DefaultMaxErrors
	}
	if c.Runtime.Parallelism <= 0 {
		c.Runtime.Parallelism = 1
	}
	if c.Runtime.BaseDir == "" {
		c.Runtime.BaseDir = "."
	}
	if c.Runtime.TempDir == "" {
		c.Runtime.TempDir = os.TempDir()
	}
	if c.Fetch.MaxAttempts <= 0 {
		c.Fetch.MaxAttempts = DefaultMaxAttempts
	}
	if c.Fetch.BaseDelayMS <= 0 {
		c.Fetch.BaseDelayMS = int(DefaultBaseDelay / time.Millisecond)
	}
	if c.Fetch.Multiplier <= 1 {
		c.Fetch.Multiplier = DefaultMultiplier
	}
}

// BaseDelay returns the fetch base delay as a duration.
func (c *Config) BaseDelay() time.Duration {
	return time.Duration(c.Fetch.BaseDelayMS) * time.Millisecond
}

// Issue is one validation finding. Errors make the config unusable;
// warnings are surfaced but do not block a run.
type Issue struct {
	Severity string // "error" | "warning"
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s", i.Severity, i.Message)
}

// Validate checks the config for problems. Callers decide whether warnings
// block; HasErrors is the usual gate.
func (c *Config) Validate(knownEntities map[string]bool) []Issue {
	var issues []Issue
	errorf := func(format string, v ...any) {
		issues = append(issues, Issue{Severity: "error", Message: fmt.Sprintf(format, v...)})
	}
	warnf := func(format string, v ...any) {
		issues = append(issues, Issue{Severity: "warning", Message: fmt.Sprintf(format, v...)})
	}

	switch c.ObjectStore.Kind {
	case "s3", "fs":
	case "":
		errorf("object_store.kind must be set")
	default:
		errorf("object_store.kind %q is not supported", c.ObjectStore.Kind)
	}
	if c.ObjectStore.Bucket == "" {
		errorf("object_store.bucket must be set")
	}

	switch c.Warehouse.Kind {
	case "postgres", "sqlite", "mssql":
	case "":
		errorf("warehouse.kind must be set")
	default:
		errorf("warehouse.kind %q is not supported", c.Warehouse.Kind)
	}
	if c.Warehouse.DSN == "" {
		errorf("warehouse.dsn must be set")
	}

	for _, e := range c.Entities {
		if !knownEntities[e] {
			errorf("entities: unknown entity type %q", e)
		}
	}

	if c.Runtime.BatchSize > 10000 {
		warnf("runtime.batch_size=%d is large; flush transactions may exceed backend parameter limits", c.Runtime.BatchSize)
	}
	if c.Fetch.MaxAttempts > 10 {
		warnf("fetch.max_attempts=%d will make unreachable files very slow to fail", c.Fetch.MaxAttempts)
	}

	return issues
}

// HasErrors reports whether any issue is severity error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == "error" {
			return true
		}
	}
	return false
}
