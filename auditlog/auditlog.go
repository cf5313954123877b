// Durable audit trail of moderation decisions, one row per computed result.
package auditlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/modgate/moderation"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("audit record not found")

type AuditRecord struct {
	ID             uint                      `gorm:"primarykey" json:"-"`
	CreatedAt      time.Time                 `json:"recorded_at"`
	AuditID        string                    `gorm:"uniqueIndex" json:"audit_id"`
	JobID          string                    `gorm:"index" json:"job_id"`
	Fingerprint    string                    `gorm:"index" json:"fingerprint"`
	Kind           moderation.ContentKind    `json:"kind"`
	Decision       moderation.Decision       `gorm:"index" json:"decision"`
	RiskLevel      moderation.RiskLevel      `json:"risk_level"`
	GlobalScore    float64                   `json:"global_score"`
	Flags          []moderation.Category     `gorm:"serializer:json" json:"flags"`
	Reasons        []string                  `gorm:"serializer:json" json:"reasons"`
	CategoryScores moderation.CategoryScores `gorm:"serializer:json" json:"category_scores"`
	Degraded       []string                  `gorm:"serializer:json" json:"degraded,omitempty"`
	DecidedAt      time.Time                 `json:"decided_at"`
}

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Runs schema migrations, then returns a store.
func NewStore(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, fmt.Errorf("migrating audit log: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With("system", "auditlog"),
	}, nil
}

// Appends a record for a freshly computed result. Implements coordinator.ResultSink.
func (s *Store) RecordResult(ctx context.Context, job moderation.Job, res *moderation.Result) error {
	rec := AuditRecord{
		AuditID:        res.AuditID,
		JobID:          job.ID,
		Fingerprint:    res.Fingerprint,
		Kind:           job.Kind,
		Decision:       res.Decision,
		RiskLevel:      res.RiskLevel,
		GlobalScore:    res.GlobalScore,
		Flags:          res.Flags,
		Reasons:        res.Reasons,
		CategoryScores: res.CategoryScores,
		Degraded:       res.Degraded,
		DecidedAt:      res.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("writing audit record %s: %w", res.AuditID, err)
	}
	s.logger.Debug("recorded decision", "audit_id", res.AuditID, "job", job.ID, "decision", res.Decision)
	return nil
}

func (s *Store) Get(ctx context.Context, auditID string) (*AuditRecord, error) {
	var rec AuditRecord
	err := s.db.WithContext(ctx).Where("audit_id = ?", auditID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Most recent records for a fingerprint, newest first.
func (s *Store) ForFingerprint(ctx context.Context, fp string, limit int) ([]AuditRecord, error) {
	var recs []AuditRecord
	err := s.db.WithContext(ctx).Where("fingerprint = ?", fp).Order("id desc").Limit(limit).Find(&recs).Error
	return recs, err
}
