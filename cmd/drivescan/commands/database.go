package commands

import (
	"database/sql"
	"time"

	"github.com/skymirror/drivescan/config"
	"github.com/skymirror/drivescan/db"
	"github.com/skymirror/drivescan/dispatch"
	"github.com/skymirror/drivescan/errors"
	"github.com/skymirror/drivescan/logger"
	"github.com/skymirror/drivescan/scan"
	"github.com/skymirror/drivescan/source/localfs"
)

// openDatabase opens and migrates the database at dbPath, falling back
// to the configured path when empty.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "drivescan.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}

// buildOrchestrator wires a scan orchestrator over a local directory
// source using the loaded configuration.
func buildOrchestrator(cfg *config.Config, database *sql.DB, sourceDir string) (*scan.ScanOrchestrator, error) {
	src, err := localfs.New(sourceDir, logger.Logger)
	if err != nil {
		return nil, err
	}

	opts := orchestratorOptions(cfg)
	detector := scan.NewDuplicateDetector(detectorParams(cfg), logger.Logger)

	return scan.NewScanOrchestrator(
		src,
		scan.NewJobStore(database),
		scan.NewChainStore(database),
		scan.NewCheckpointStore(database),
		scan.NewFileIndexStore(database),
		detector,
		opts,
		logger.Logger,
	), nil
}

func orchestratorOptions(cfg *config.Config) scan.OrchestratorOptions {
	opts := scan.DefaultOrchestratorOptions()
	if cfg.Scan.PageSize > 0 {
		opts.PageSize = cfg.Scan.PageSize
	}
	if cfg.Scan.BatchSize > 0 {
		opts.BatchSize = cfg.Scan.BatchSize
	}
	if cfg.Scan.PageDelayMs > 0 {
		opts.PageDelay = time.Duration(cfg.Scan.PageDelayMs) * time.Millisecond
	}
	if cfg.Checkpoint.FileInterval > 0 {
		opts.CheckpointInterval = int64(cfg.Checkpoint.FileInterval)
	}
	if cfg.Checkpoint.TimeIntervalSec > 0 {
		opts.CheckpointCadence = time.Duration(cfg.Checkpoint.TimeIntervalSec) * time.Second
	}
	if cfg.Checkpoint.TTLHours > 0 {
		opts.CheckpointTTL = time.Duration(cfg.Checkpoint.TTLHours) * time.Hour
	}
	if cfg.Chain.TimeBudgetSec > 0 {
		opts.Chain.TimeBudget = time.Duration(cfg.Chain.TimeBudgetSec) * time.Second
	}
	if cfg.Chain.FileBudget > 0 {
		opts.Chain.FileBudget = int64(cfg.Chain.FileBudget)
	}
	if cfg.Chain.MaxChainLength > 0 {
		opts.Chain.MaxLength = cfg.Chain.MaxChainLength
	}
	if cfg.Chain.SafetyBufferSec > 0 {
		opts.Chain.SafetyBuffer = time.Duration(cfg.Chain.SafetyBufferSec) * time.Second
	}
	return opts
}

func detectorParams(cfg *config.Config) scan.DetectorParams {
	params := scan.DefaultDetectorParams()
	if cfg.Detector.FuzzyThreshold > 0 {
		params.FuzzyThreshold = cfg.Detector.FuzzyThreshold
	}
	if cfg.Detector.ConfidenceThreshold > 0 {
		params.ConfidenceThreshold = cfg.Detector.ConfidenceThreshold
	}
	if cfg.Detector.WeightExtraction > 0 {
		params.WeightExtraction = cfg.Detector.WeightExtraction
	}
	if cfg.Detector.WeightPattern > 0 {
		params.WeightPattern = cfg.Detector.WeightPattern
	}
	if cfg.Detector.WeightSizeConsistency > 0 {
		params.WeightSizeConsistency = cfg.Detector.WeightSizeConsistency
	}
	if cfg.Detector.WeightTimeSpread > 0 {
		params.WeightTimeSpread = cfg.Detector.WeightTimeSpread
	}
	return params
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	dcfg := dispatch.DefaultConfig()
	if cfg.Dispatch.Workers > 0 {
		dcfg.Workers = cfg.Dispatch.Workers
	}
	if cfg.Dispatch.PollIntervalSec > 0 {
		dcfg.PollInterval = time.Duration(cfg.Dispatch.PollIntervalSec) * time.Second
	}
	return dcfg
}
