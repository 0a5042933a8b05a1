package config

import (
	"github.com/spf13/viper"
)

// SetDefaults registers the built-in defaults on a Viper instance.
// Every key a Config field maps to gets a default, so a missing config
// file yields a fully usable configuration.
func SetDefaults(v *viper.Viper) {
	// Database
	v.SetDefault("database.path", "inkwell.db")

	// Server
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{})

	// Ingest engine
	v.SetDefault("ingest.artifact_root", "artifacts")
	v.SetDefault("ingest.extractor_url", "http://localhost:9411")
	v.SetDefault("ingest.heartbeat_threshold_seconds", 120)
	v.SetDefault("ingest.item_retry_attempts", 5)
	v.SetDefault("ingest.retry_base_delay_ms", 500)
	v.SetDefault("ingest.manifest_flush_items", 10)
	v.SetDefault("ingest.manifest_flush_seconds", 5)
	v.SetDefault("ingest.extractor_calls_per_second", 4.0)
	v.SetDefault("ingest.retention_days", 90)
}
