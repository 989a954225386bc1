package scan

import (
	"time"

	"go.uber.org/zap"
)

// Default thresholds for the full-vs-delta decision
const (
	DefaultStalenessWindow      = 7 * 24 * time.Hour
	DefaultMinIndexCompleteness = 100
)

// StrategyDecision explains a scan type recommendation
type StrategyDecision struct {
	ScanType ScanType `json:"scan_type"`
	Reason   string   `json:"reason"`
}

// StrategyAdvisor recommends full or delta enumeration for an owner based
// on index freshness. A delta scan is only trustworthy when a reasonably
// recent full scan has already populated the index.
type StrategyAdvisor struct {
	jobs   *JobStore
	index  *FileIndexStore
	logger *zap.SugaredLogger

	stalenessWindow time.Duration
	minIndexEntries int

	timeNow func() time.Time
}

// NewStrategyAdvisor creates an advisor with default thresholds
func NewStrategyAdvisor(jobs *JobStore, index *FileIndexStore, logger *zap.SugaredLogger) *StrategyAdvisor {
	return &StrategyAdvisor{
		jobs:            jobs,
		index:           index,
		logger:          logger,
		stalenessWindow: DefaultStalenessWindow,
		minIndexEntries: DefaultMinIndexCompleteness,
		timeNow:         time.Now,
	}
}

// SetThresholds overrides the staleness window and minimum entry count
func (a *StrategyAdvisor) SetThresholds(staleness time.Duration, minEntries int) {
	if staleness > 0 {
		a.stalenessWindow = staleness
	}
	if minEntries > 0 {
		a.minIndexEntries = minEntries
	}
}

// Recommend picks a scan type for the owner. Full when no full scan has
// ever completed, when the last one is older than the staleness window,
// or when the index holds too few entries to be believed complete.
// Otherwise delta.
func (a *StrategyAdvisor) Recommend(ownerID string) (*StrategyDecision, error) {
	lastFull, err := a.jobs.LastCompletedFullScan(ownerID)
	if err != nil {
		return nil, err
	}

	if lastFull == nil {
		return a.decide(ownerID, ScanTypeFull, "no completed full scan on record"), nil
	}

	if age := a.timeNow().Sub(*lastFull); age > a.stalenessWindow {
		return a.decide(ownerID, ScanTypeFull, "last full scan is stale"), nil
	}

	count, err := a.index.CountLive(ownerID)
	if err != nil {
		return nil, err
	}
	if count < a.minIndexEntries {
		return a.decide(ownerID, ScanTypeFull, "index too sparse to trust deltas"), nil
	}

	return a.decide(ownerID, ScanTypeDelta, "recent full scan and populated index"), nil
}

func (a *StrategyAdvisor) decide(ownerID string, scanType ScanType, reason string) *StrategyDecision {
	a.logger.Debugw("Scan strategy recommended",
		"owner_id", ownerID,
		"scan_type", scanType,
		"reason", reason)
	return &StrategyDecision{ScanType: scanType, Reason: reason}
}
