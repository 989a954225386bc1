// Package config provides layered configuration for drivescan.
package config

// Config represents the core drivescan configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Detector   DetectorConfig   `mapstructure:"detector"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ScanConfig configures the scan orchestrator loop
type ScanConfig struct {
	PageSize              int  `mapstructure:"page_size"`               // records fetched per page (default: 1000)
	BatchSize             int  `mapstructure:"batch_size"`              // records merged into the index per sub-batch (default: 100)
	PageDelayMs           int  `mapstructure:"page_delay_ms"`           // fixed delay between page fetches (default: 200)
	StalenessDays         int  `mapstructure:"staleness_days"`          // full scan forced past this age (default: 7)
	MinIndexCompleteness  int  `mapstructure:"min_index_completeness"`  // below this entry count the index is treated as unbootstrapped (default: 100)
	IncludeTrashedDefault bool `mapstructure:"include_trashed_default"` // default trashed-file filter for new jobs
	MaxDepthDefault       int  `mapstructure:"max_depth_default"`       // 0 = unlimited
	RetentionDays         int  `mapstructure:"retention_days"`          // terminal job rows kept this long (default: 30)
}

// CheckpointConfig configures checkpoint cadence and lifetime
type CheckpointConfig struct {
	FileInterval    int `mapstructure:"file_interval"`    // checkpoint after this many files (default: 5000)
	TimeIntervalSec int `mapstructure:"time_interval_s"`  // or after this much elapsed time (default: 30)
	TTLHours        int `mapstructure:"ttl_hours"`        // checkpoints expire after this (default: 24)
	CleanupBatch    int `mapstructure:"cleanup_batch"`    // max expired rows deleted per maintenance pass (default: 500)
}

// ChainConfig configures execution chaining
type ChainConfig struct {
	TimeBudgetSec   int `mapstructure:"time_budget_s"`    // wall-clock budget per execution (default: 480 = 8 min)
	FileBudget      int `mapstructure:"file_budget"`      // files per execution before hand-off (default: 50000)
	MaxChainLength  int `mapstructure:"max_chain_length"` // hops before chain-exhausted (default: 20)
	SafetyBufferSec int `mapstructure:"safety_buffer_s"`  // reserved under the time budget (default: 30)
}

// DispatchConfig configures the job dispatcher worker pool
type DispatchConfig struct {
	Workers         int `mapstructure:"workers"`           // concurrent workers (default: 1)
	PollIntervalSec int `mapstructure:"poll_interval_s"`   // how often to check for pending jobs (default: 5)
}

// DetectorConfig configures duplicate detection heuristics.
// The confidence weights are heuristic constants pending empirical
// calibration; they are configurable rather than hard-coded for that reason.
type DetectorConfig struct {
	FuzzyThreshold        float64 `mapstructure:"fuzzy_threshold"`          // name-similarity cluster threshold (default: 0.8)
	ConfidenceThreshold   float64 `mapstructure:"confidence_threshold"`     // version chains below this are dropped (default: 0.5)
	WeightExtraction      float64 `mapstructure:"weight_extraction"`        // default: 0.4
	WeightPattern         float64 `mapstructure:"weight_pattern"`           // default: 0.3
	WeightSizeConsistency float64 `mapstructure:"weight_size_consistency"`  // default: 0.2
	WeightTimeSpread      float64 `mapstructure:"weight_time_spread"`       // default: 0.1
}
