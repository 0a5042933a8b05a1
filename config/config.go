// Package config holds the inkwell configuration, loaded with Viper from
// a TOML file, environment variables, and built-in defaults.
package config

// Config represents the core inkwell configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the inkwell HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// IngestConfig configures the background job engine
type IngestConfig struct {
	// ArtifactRoot is the directory holding per-page artifacts and manifests
	ArtifactRoot string `mapstructure:"artifact_root"`

	// ExtractorURL is the base URL of the page text-extraction service
	ExtractorURL string `mapstructure:"extractor_url"`

	// HeartbeatThresholdSeconds is how long a running job may go without a
	// heartbeat before it is considered stale and reclaimed as failed.
	// The single tunable that governs how long until a dead job is noticed;
	// tune it to the client polling cadence.
	HeartbeatThresholdSeconds int `mapstructure:"heartbeat_threshold_seconds"`

	// ItemRetryAttempts is the max attempts per page for recoverable errors
	ItemRetryAttempts int `mapstructure:"item_retry_attempts"`

	// RetryBaseDelayMs is the initial backoff delay between page retry
	// attempts; the delay doubles on each subsequent attempt.
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms"`

	// ManifestFlushItems flushes the buffered page manifest after this many
	// page updates. ManifestFlushSeconds flushes it after this much time,
	// whichever comes first.
	ManifestFlushItems   int `mapstructure:"manifest_flush_items"`
	ManifestFlushSeconds int `mapstructure:"manifest_flush_seconds"`

	// ExtractorCallsPerSecond throttles calls into the extraction service
	ExtractorCallsPerSecond float64 `mapstructure:"extractor_calls_per_second"`

	// RetentionDays is how long terminal jobs are kept before cleanup
	RetentionDays int `mapstructure:"retention_days"`
}

// DefaultServerPort is the development port for the inkwell server
const DefaultServerPort = 8710
