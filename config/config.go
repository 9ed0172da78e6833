// Package config loads deployment-level settings for the orchestration
// core: worker pool sizing, pipe backpressure defaults, the sqlite path
// used for persisted state, and OTEL export settings. Settings follow the
// defaults -> TOML file -> env vars precedence (env wins), matching how
// deployment config is loaded elsewhere in the example pack.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration document, typically loaded from
// ailets.toml.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	Pipe      PipeConfig      `toml:"pipe"`
	Persist   PersistConfig   `toml:"persist"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// SchedulerConfig controls the cooperative main loop's concurrency.
type SchedulerConfig struct {
	// MaxWorkers bounds the number of actor bodies running concurrently.
	MaxWorkers int `toml:"max_workers"`
}

// PipeConfig holds broadcast-pipe settings.
type PipeConfig struct {
	// SoftCapBytes is a pipe soft cap in bytes; 0 means no cap. It is
	// loaded like every other field and can be set with --opt
	// pipe.soft_cap_bytes, but the pipes the DAG store, key-stream store
	// and node runtime create are all constructed with a cap of 0, so this
	// value does not reach them.
	SoftCapBytes int `toml:"soft_cap_bytes"`
}

// PersistConfig holds the persisted-state setting.
type PersistConfig struct {
	// SqlitePath names a sqlite file (":memory:" is sqlite's in-process
	// mode). Snapshot and restore do not read it: Environment.Snapshot and
	// Environment.Restore take an open persist.Store, and the driver opens
	// the --save-state/--load-state path for them.
	SqlitePath string `toml:"sqlite_path"`
}

// TelemetryConfig holds log formatting and OTEL export settings. They are
// loaded and can be overridden, but nothing in this module reads them: the
// driver picks its log format from the terminal check and its debug level
// from --debug.
type TelemetryConfig struct {
	Debug        bool   `toml:"debug"`
	JSON         bool   `toml:"json"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// Default returns a Config with every field set to a usable default: four
// workers, unbounded pipes, an in-memory sqlite database, and
// human-readable (non-JSON) logging.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{MaxWorkers: 4},
		Pipe:      PipeConfig{SoftCapBytes: 0},
		Persist:   PersistConfig{SqlitePath: ":memory:"},
		Telemetry: TelemetryConfig{ServiceName: "ailets"},
	}
}

// Load reads config: defaults -> TOML file at path -> env vars (env
// wins). An empty path means "ailets.toml" in the working directory. A
// missing or unreadable file is not an error: its step is skipped.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "ailets.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("AILETS_SQLITE_PATH"); v != "" {
		cfg.Persist.SqlitePath = v
	}
	if v := os.Getenv("AILETS_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if os.Getenv("AILETS_DEBUG") == "true" || os.Getenv("AILETS_DEBUG") == "1" {
		cfg.Telemetry.Debug = true
	}
	if os.Getenv("AILETS_JSON_LOGS") == "true" || os.Getenv("AILETS_JSON_LOGS") == "1" {
		cfg.Telemetry.JSON = true
	}

	return cfg
}
