package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".mrsetup"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for orchestrator settings.
const envPrefix = "MRSETUP"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

const (
	defaultWorkers           = 8
	defaultCASRoot           = ".mrsetup/cas"
	defaultDistdirRoot       = ".mrsetup/distdir"
	defaultGitCacheDir       = ".mrsetup/git-cache"
	defaultFetchTimeout      = "30s"
	defaultMaxAttemptsPerURL = 3
	defaultOpCacheThreshold  = 1024
	defaultSpillDir          = ".mrsetup/opcache"
	defaultCheckpointDir     = ".mrsetup/checkpoint"
)

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("pool.workers", defaultWorkers)

	viperCfg.SetDefault("storage.cas_root", defaultCASRoot)
	viperCfg.SetDefault("storage.distdir_root", defaultDistdirRoot)
	viperCfg.SetDefault("storage.git_cache_dir", defaultGitCacheDir)

	viperCfg.SetDefault("fetch.timeout", defaultFetchTimeout)
	viperCfg.SetDefault("fetch.max_attempts_per_url", defaultMaxAttemptsPerURL)
	viperCfg.SetDefault("fetch.retryable_5xx", true)
	viperCfg.SetDefault("fetch.serve_endpoint", "")

	viperCfg.SetDefault("op_cache.threshold", defaultOpCacheThreshold)
	viperCfg.SetDefault("op_cache.spill_dir", defaultSpillDir)

	viperCfg.SetDefault("checkpoint.enabled", false)
	viperCfg.SetDefault("checkpoint.dir", defaultCheckpointDir)
}
