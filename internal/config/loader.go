package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment.
// Priority (highest to lowest): env vars > config file > defaults.
// Command-line flags are not read.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("CRAWLFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("crawlforge")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".crawlforge"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("pool.min_concurrency", cfg.Pool.MinConcurrency)
	v.SetDefault("pool.max_concurrency", cfg.Pool.MaxConcurrency)
	v.SetDefault("pool.desired_concurrency", cfg.Pool.DesiredConcurrency)
	v.SetDefault("pool.max_requests_per_minute", cfg.Pool.MaxRequestsPerMinute)
	v.SetDefault("pool.keep_alive", cfg.Pool.KeepAlive)
	v.SetDefault("pool.logging_interval_secs", cfg.Pool.LoggingIntervalSecs)
	v.SetDefault("pool.maybe_run_interval_millis", cfg.Pool.MaybeRunIntervalMillis)
	v.SetDefault("pool.scale_up_interval_millis", cfg.Pool.ScaleUpIntervalMillis)
	v.SetDefault("pool.scale_down_interval_millis", cfg.Pool.ScaleDownIntervalMillis)
	v.SetDefault("pool.persist_state_interval_secs", cfg.Pool.PersistStateIntervalSecs)
	v.SetDefault("pool.safe_migration_wait_millis", cfg.Pool.SafeMigrationWaitMillis)

	v.SetDefault("request.max_request_retries", cfg.Request.MaxRequestRetries)
	v.SetDefault("request.max_requests_per_crawl", cfg.Request.MaxRequestsPerCrawl)
	v.SetDefault("request.request_handler_timeout_secs", cfg.Request.RequestHandlerTimeoutSecs)
	v.SetDefault("request.internal_timeout_secs", cfg.Request.InternalTimeoutSecs)

	v.SetDefault("session.use_session_pool", cfg.Session.UseSessionPool)
	v.SetDefault("session.max_pool_size", cfg.Session.MaxPoolSize)
	v.SetDefault("session.max_usage_count", cfg.Session.MaxUsageCount)
	v.SetDefault("session.max_error_score", cfg.Session.MaxErrorScore)

	v.SetDefault("snapshot.max_used_memory_ratio", cfg.Snapshot.MaxUsedMemoryRatio)
	v.SetDefault("snapshot.max_blocked_millis", cfg.Snapshot.MaxBlockedMillis)
	v.SetDefault("snapshot.max_event_loop_overloaded_ratio", cfg.Snapshot.MaxEventLoopOverloadedRatio)
	v.SetDefault("snapshot.max_client_error_ratio", cfg.Snapshot.MaxClientErrorRatio)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
