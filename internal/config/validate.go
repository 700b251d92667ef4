package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Pool.MinConcurrency < 1 {
		return fmt.Errorf("pool.min_concurrency must be >= 1, got %d", cfg.Pool.MinConcurrency)
	}
	if cfg.Pool.MaxConcurrency < cfg.Pool.MinConcurrency {
		return fmt.Errorf("pool.max_concurrency must be >= pool.min_concurrency, got %d < %d", cfg.Pool.MaxConcurrency, cfg.Pool.MinConcurrency)
	}
	if cfg.Pool.DesiredConcurrency != 0 && cfg.Pool.DesiredConcurrency < cfg.Pool.MinConcurrency {
		return fmt.Errorf("pool.desired_concurrency must be >= pool.min_concurrency, got %d", cfg.Pool.DesiredConcurrency)
	}
	if cfg.Pool.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("pool.max_requests_per_minute must be >= 0, got %f", cfg.Pool.MaxRequestsPerMinute)
	}
	if cfg.Pool.PersistStateIntervalSecs <= 0 {
		return fmt.Errorf("pool.persist_state_interval_secs must be > 0, got %d", cfg.Pool.PersistStateIntervalSecs)
	}
	if cfg.Pool.SafeMigrationWaitMillis <= 0 {
		return fmt.Errorf("pool.safe_migration_wait_millis must be > 0, got %d", cfg.Pool.SafeMigrationWaitMillis)
	}

	if cfg.Request.MaxRequestRetries < 0 {
		return fmt.Errorf("request.max_request_retries must be >= 0, got %d", cfg.Request.MaxRequestRetries)
	}
	if cfg.Request.MaxRequestsPerCrawl < 0 {
		return fmt.Errorf("request.max_requests_per_crawl must be >= 0, got %d", cfg.Request.MaxRequestsPerCrawl)
	}
	if cfg.Request.RequestHandlerTimeoutSecs <= 0 {
		return fmt.Errorf("request.request_handler_timeout_secs must be > 0")
	}

	if cfg.Session.UseSessionPool {
		if cfg.Session.MaxPoolSize < 1 {
			return fmt.Errorf("session.max_pool_size must be >= 1, got %d", cfg.Session.MaxPoolSize)
		}
		if cfg.Session.MaxUsageCount < 1 {
			return fmt.Errorf("session.max_usage_count must be >= 1, got %d", cfg.Session.MaxUsageCount)
		}
	}

	if cfg.Snapshot.MaxUsedMemoryRatio <= 0 || cfg.Snapshot.MaxUsedMemoryRatio > 1 {
		return fmt.Errorf("snapshot.max_used_memory_ratio must be in (0, 1], got %f", cfg.Snapshot.MaxUsedMemoryRatio)
	}
	if cfg.Snapshot.MaxEventLoopOverloadedRatio <= 0 || cfg.Snapshot.MaxEventLoopOverloadedRatio > 1 {
		return fmt.Errorf("snapshot.max_event_loop_overloaded_ratio must be in (0, 1], got %f", cfg.Snapshot.MaxEventLoopOverloadedRatio)
	}
	if cfg.Snapshot.MaxClientErrorRatio < 0 || cfg.Snapshot.MaxClientErrorRatio > 1 {
		return fmt.Errorf("snapshot.max_client_error_ratio must be in [0, 1], got %f", cfg.Snapshot.MaxClientErrorRatio)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}

	return nil
}

// ValidateURL checks if a URL string is valid for crawling.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
