package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "drivescan.db")

	// Scan loop defaults
	v.SetDefault("scan.page_size", 1000)
	v.SetDefault("scan.batch_size", 100)
	v.SetDefault("scan.page_delay_ms", 200) // polite delay between listing calls
	v.SetDefault("scan.staleness_days", 7)
	v.SetDefault("scan.min_index_completeness", 100)
	v.SetDefault("scan.include_trashed_default", false)
	v.SetDefault("scan.max_depth_default", 0) // unlimited
	v.SetDefault("scan.retention_days", 30)

	// Checkpoint cadence defaults
	v.SetDefault("checkpoint.file_interval", 5000)
	v.SetDefault("checkpoint.time_interval_s", 30)
	v.SetDefault("checkpoint.ttl_hours", 24)
	v.SetDefault("checkpoint.cleanup_batch", 500)

	// Chain defaults. The 8-minute budget leaves a margin under typical
	// hosting hard limits; the safety buffer is reserved on top of that.
	v.SetDefault("chain.time_budget_s", 480)
	v.SetDefault("chain.file_budget", 50000)
	v.SetDefault("chain.max_chain_length", 20)
	v.SetDefault("chain.safety_buffer_s", 30)

	// Dispatcher defaults
	v.SetDefault("dispatch.workers", 1)
	v.SetDefault("dispatch.poll_interval_s", 5)

	// Detector defaults. Weights are heuristic, pending calibration.
	v.SetDefault("detector.fuzzy_threshold", 0.8)
	v.SetDefault("detector.confidence_threshold", 0.5)
	v.SetDefault("detector.weight_extraction", 0.4)
	v.SetDefault("detector.weight_pattern", 0.3)
	v.SetDefault("detector.weight_size_consistency", 0.2)
	v.SetDefault("detector.weight_time_spread", 0.1)
}
