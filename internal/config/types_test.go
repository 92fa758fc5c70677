package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/mrsetup/internal/config"
)

func validConfig() config.Config {
	return config.Config{
		Pool: config.PoolConfig{Workers: 4},
		Storage: config.StorageConfig{
			CASRoot:     "/tmp/cas",
			DistdirRoot: "/tmp/distdir",
			GitCacheDir: "/tmp/git-cache",
		},
		Fetch: config.FetchConfig{
			Timeout:           "30s",
			MaxAttemptsPerURL: 3,
			RetryableOn5xx:    true,
		},
		OpCache: config.OpCacheConfig{Threshold: 1024, SpillDir: "/tmp/opcache"},
	}
}

func TestValidate_ValidConfig_NoError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_ZeroConfig_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	require.Error(t, cfg.Validate())
}

func TestValidate_InvalidWorkers_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Pool.Workers = 0

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrInvalidWorkers)
}

func TestValidate_InvalidFetchAttempts_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Fetch.MaxAttemptsPerURL = 0

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrInvalidFetchAttempts)
}

func TestValidate_InvalidOpCacheThreshold_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.OpCache.Threshold = 0

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrInvalidOpCacheThreshold)
}

func TestValidate_MissingCASRoot_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Storage.CASRoot = ""

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrMissingCASRoot)
}

func TestValidate_MissingGitCacheDir_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Storage.GitCacheDir = ""

	err := cfg.Validate()
	assert.ErrorIs(t, err, config.ErrMissingGitCacheDir)
}
