// Package config loads the orchestrator's own process settings: worker
// pool size, the on-disk layout for the content-addressed store and the Git
// cache, HTTP fetch timeouts and mirror retry policy, and the operation
// cache's size threshold. This is distinct from the repositories workspace
// description (the JSON business input a user supplies), which is parsed
// and validated by internal/fieldreader instead.
package config

import "errors"

// Config is the top-level orchestrator settings struct. Field tags use
// mapstructure for viper unmarshalling.
type Config struct {
	Pool       PoolConfig       `mapstructure:"pool" json:"pool"`
	Storage    StorageConfig    `mapstructure:"storage" json:"storage"`
	Fetch      FetchConfig      `mapstructure:"fetch" json:"fetch"`
	OpCache    OpCacheConfig    `mapstructure:"op_cache" json:"op_cache"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" json:"checkpoint"`
}

// PoolConfig sizes the task pool every keyed-consumer map is built on.
type PoolConfig struct {
	Workers int `mapstructure:"workers" json:"workers"`
}

// StorageConfig locates the local CAS directory, the distdir (pre-fetched
// archive cache), and the Git cache directory that materialized trees are
// written under.
type StorageConfig struct {
	CASRoot     string `mapstructure:"cas_root" json:"cas_root"`
	DistdirRoot string `mapstructure:"distdir_root" json:"distdir_root"`
	GitCacheDir string `mapstructure:"git_cache_dir" json:"git_cache_dir"`
}

// FetchConfig governs content-CAS map HTTP fetches:
// per-URL timeout and the mirror fall-back retry policy.
type FetchConfig struct {
	Timeout           string `mapstructure:"timeout" json:"timeout"`
	MaxAttemptsPerURL int    `mapstructure:"max_attempts_per_url" json:"max_attempts_per_url"`
	RetryableOn5xx    bool   `mapstructure:"retryable_5xx" json:"retryable_5xx"`
	ServeEndpoint     string `mapstructure:"serve_endpoint" json:"serve_endpoint"`
}

// OpCacheConfig bounds the long-running-operation cache.
type OpCacheConfig struct {
	Threshold int    `mapstructure:"threshold" json:"threshold"`
	SpillDir  string `mapstructure:"spill_dir" json:"spill_dir"`
}

// CheckpointConfig controls whether the operation cache's records are
// snapshotted to Dir after a setup run, for warm-restart diagnostics.
type CheckpointConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Dir     string `mapstructure:"dir" json:"dir"`
}

// Sentinel validation errors.
var (
	ErrInvalidWorkers          = errors.New("pool.workers must be positive")
	ErrInvalidFetchAttempts    = errors.New("fetch.max_attempts_per_url must be positive")
	ErrInvalidOpCacheThreshold = errors.New("op_cache.threshold must be positive")
	ErrMissingCASRoot          = errors.New("storage.cas_root must be set")
	ErrMissingGitCacheDir      = errors.New("storage.git_cache_dir must be set")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if c.Pool.Workers <= 0 {
		return ErrInvalidWorkers
	}

	if c.Fetch.MaxAttemptsPerURL <= 0 {
		return ErrInvalidFetchAttempts
	}

	if c.OpCache.Threshold <= 0 {
		return ErrInvalidOpCacheThreshold
	}

	if c.Storage.CASRoot == "" {
		return ErrMissingCASRoot
	}

	if c.Storage.GitCacheDir == "" {
		return ErrMissingGitCacheDir
	}

	return nil
}
