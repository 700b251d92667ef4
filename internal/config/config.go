// Package config is the root crawl configuration: the knobs
// AutoscaledPool, RequestQueue, SessionPool, and Snapshotter read at
// startup, loaded via viper from defaults, a config file, and the
// environment, in the teacher's precedence order (env > config file >
// defaults). Command-line flags are not read.
package config

import "time"

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for a crawl.
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool"     yaml:"pool"`
	Request  RequestConfig  `mapstructure:"request"  yaml:"request"`
	Session  SessionConfig  `mapstructure:"session"  yaml:"session"`
	Snapshot SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
	Logging  LoggingConfig  `mapstructure:"logging"  yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  yaml:"metrics"`
}

// PoolConfig controls the AutoscaledPool (spec.md §4.5/§6).
type PoolConfig struct {
	MinConcurrency          int     `mapstructure:"min_concurrency"            yaml:"min_concurrency"`
	MaxConcurrency          int     `mapstructure:"max_concurrency"            yaml:"max_concurrency"`
	DesiredConcurrency      int     `mapstructure:"desired_concurrency"        yaml:"desired_concurrency"`
	MaxRequestsPerMinute    float64 `mapstructure:"max_requests_per_minute"    yaml:"max_requests_per_minute"`
	KeepAlive               bool    `mapstructure:"keep_alive"                 yaml:"keep_alive"`
	LoggingIntervalSecs     int     `mapstructure:"logging_interval_secs"      yaml:"logging_interval_secs"`
	MaybeRunIntervalMillis  int     `mapstructure:"maybe_run_interval_millis"  yaml:"maybe_run_interval_millis"`
	ScaleUpIntervalMillis   int     `mapstructure:"scale_up_interval_millis"   yaml:"scale_up_interval_millis"`
	ScaleDownIntervalMillis int     `mapstructure:"scale_down_interval_millis" yaml:"scale_down_interval_millis"`

	// PersistStateIntervalSecs bounds how often PersistState fires on its
	// own, independent of any Migrating event (spec.md §9 invariant:
	// "PersistState fires at least once per configured interval").
	PersistStateIntervalSecs int `mapstructure:"persist_state_interval_secs" yaml:"persist_state_interval_secs"`

	// SafeMigrationWaitMillis bounds how long a Migrating event's quiesce
	// waits for in-flight tasks to complete or reclaim before the crawler
	// stops waiting on them (spec.md §9, default 20s).
	SafeMigrationWaitMillis int `mapstructure:"safe_migration_wait_millis" yaml:"safe_migration_wait_millis"`
}

// RequestConfig controls per-request handling and retries.
type RequestConfig struct {
	MaxRequestRetries         int `mapstructure:"max_request_retries"          yaml:"max_request_retries"`
	MaxRequestsPerCrawl       int `mapstructure:"max_requests_per_crawl"       yaml:"max_requests_per_crawl"`
	RequestHandlerTimeoutSecs int `mapstructure:"request_handler_timeout_secs" yaml:"request_handler_timeout_secs"`
	InternalTimeoutSecs       int `mapstructure:"internal_timeout_secs"        yaml:"internal_timeout_secs"`
}

// SessionConfig controls the SessionPool (spec.md §4.3/§6).
type SessionConfig struct {
	UseSessionPool bool `mapstructure:"use_session_pool" yaml:"use_session_pool"`
	MaxPoolSize    int  `mapstructure:"max_pool_size"    yaml:"max_pool_size"`
	MaxUsageCount  int  `mapstructure:"max_usage_count"  yaml:"max_usage_count"`
	MaxErrorScore  int  `mapstructure:"max_error_score"  yaml:"max_error_score"`
}

// SnapshotConfig controls the Snapshotter's overload thresholds (spec.md §4.4/§6).
type SnapshotConfig struct {
	MaxUsedMemoryRatio          float64 `mapstructure:"max_used_memory_ratio"           yaml:"max_used_memory_ratio"`
	MaxBlockedMillis            int     `mapstructure:"max_blocked_millis"              yaml:"max_blocked_millis"`
	MaxEventLoopOverloadedRatio float64 `mapstructure:"max_event_loop_overloaded_ratio" yaml:"max_event_loop_overloaded_ratio"`
	MaxClientErrorRatio         float64 `mapstructure:"max_client_error_ratio"          yaml:"max_client_error_ratio"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns the zero-config defaults spec.md §6 enumerates.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MinConcurrency:           1,
			MaxConcurrency:           200,
			DesiredConcurrency:       1,
			MaxRequestsPerMinute:     0, // 0 means unbounded
			KeepAlive:                false,
			LoggingIntervalSecs:      60,
			MaybeRunIntervalMillis:   500,
			ScaleUpIntervalMillis:    5000,
			ScaleDownIntervalMillis:  5000,
			PersistStateIntervalSecs: 60,
			SafeMigrationWaitMillis:  20000,
		},
		Request: RequestConfig{
			MaxRequestRetries:         3,
			MaxRequestsPerCrawl:       0, // 0 means unbounded
			RequestHandlerTimeoutSecs: 60,
			InternalTimeoutSecs:       0, // 0 triggers the max(2x, 300) rule, see InternalTimeout
		},
		Session: SessionConfig{
			UseSessionPool: false,
			MaxPoolSize:    1000,
			MaxUsageCount:  50,
			MaxErrorScore:  3,
		},
		Snapshot: SnapshotConfig{
			MaxUsedMemoryRatio:          0.7,
			MaxBlockedMillis:            50,
			MaxEventLoopOverloadedRatio: 0.6,
			MaxClientErrorRatio:         0.01,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// InternalTimeout applies spec.md §6's max(2×handler, 300s) default when
// InternalTimeoutSecs is left at zero.
func (c *Config) InternalTimeout() time.Duration {
	if c.Request.InternalTimeoutSecs > 0 {
		return time.Duration(c.Request.InternalTimeoutSecs) * time.Second
	}
	secs := 2 * c.Request.RequestHandlerTimeoutSecs
	if secs < 300 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}
