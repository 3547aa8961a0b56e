package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/cataloger/workflow"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrRunNotFound is returned when no run matches the query.
var ErrRunNotFound = errors.New("run not found")

// Run is the persisted record of one workflow run.
type Run struct {
	ID          uint   `gorm:"primaryKey"`
	RunID       string `gorm:"uniqueIndex;size:36"`
	Prefix      string `gorm:"index;size:255"`
	Timestamp   string `gorm:"size:32"`
	Status      string `gorm:"size:32"`
	FailureKind string `gorm:"size:64"`
	CatalogKey  string `gorm:"size:512"`
	SummaryKey  string `gorm:"size:512"`
	TokensUsed  int
	Iterations  int
	DurationMS  int64
	Error       string `gorm:"type:text"`
	CreatedAt   time.Time
}

// TableName keeps the table name stable across gorm naming strategies.
func (Run) TableName() string { return "runs" }

// RunRepository persists and queries workflow run records. It satisfies
// the workflow's Recorder dependency.
type RunRepository struct {
	pool   *PoolManager
	logger *zap.Logger
}

// NewRunRepository creates a repository over the pool.
func NewRunRepository(pool *PoolManager, logger *zap.Logger) *RunRepository {
	return &RunRepository{
		pool:   pool,
		logger: logger.With(zap.String("component", "run_repository")),
	}
}

// RecordRun inserts one run record, retrying transient failures.
func (r *RunRepository) RecordRun(ctx context.Context, rec workflow.RunRecord) error {
	run := Run{
		RunID:       rec.RunID,
		Prefix:      rec.Prefix,
		Timestamp:   rec.Timestamp,
		Status:      rec.Status,
		FailureKind: rec.FailureKind,
		CatalogKey:  rec.CatalogKey,
		SummaryKey:  rec.SummaryKey,
		TokensUsed:  rec.TokensUsed,
		Iterations:  rec.Iterations,
		DurationMS:  rec.Duration.Milliseconds(),
		Error:       rec.Error,
	}

	err := r.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Create(&run).Error
	})
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.RunID, err)
	}

	r.logger.Debug("run recorded",
		zap.String("run_id", rec.RunID),
		zap.String("status", rec.Status),
	)
	return nil
}

// GetRun fetches one run by its run id.
func (r *RunRepository) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	err := r.pool.DB().WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &run, nil
}

// ListRuns returns a prefix's runs, newest first. An empty prefix lists
// across all prefixes.
func (r *RunRepository) ListRuns(ctx context.Context, prefix string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	q := r.pool.DB().WithContext(ctx).Order("created_at DESC").Limit(limit)
	if prefix != "" {
		q = q.Where("prefix = ?", prefix)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
