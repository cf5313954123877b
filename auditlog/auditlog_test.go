package auditlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluesky-social/modgate/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := SetupDatabase("sqlite://"+filepath.Join(t.TempDir(), "audit.db"), 1)
	require.NoError(t, err)
	s, err := NewStore(db, nil)
	require.NoError(t, err)
	return s
}

func TestRecordAndGet(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := testStore(t)

	job := moderation.Job{ID: "job1", Kind: moderation.KindText}
	res := &moderation.Result{
		Decision:       moderation.DecisionBlock,
		RiskLevel:      moderation.RiskCritical,
		GlobalScore:    0.35,
		Flags:          []moderation.Category{moderation.CategoryWeapons},
		Reasons:        []string{"weapons: 0.95 exceeds block threshold (0.50)"},
		CategoryScores: moderation.CategoryScores{moderation.CategoryWeapons: 0.95},
		AuditID:        "audit-1",
		Fingerprint:    "abcd",
		Degraded:       []string{"hive"},
		CreatedAt:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	assert.NoError(s.RecordResult(ctx, job, res))

	rec, err := s.Get(ctx, "audit-1")
	require.NoError(t, err)
	assert.Equal("job1", rec.JobID)
	assert.Equal(moderation.KindText, rec.Kind)
	assert.Equal(moderation.DecisionBlock, rec.Decision)
	assert.Equal(moderation.RiskCritical, rec.RiskLevel)
	assert.Equal(0.35, rec.GlobalScore)
	assert.Equal(res.Flags, rec.Flags)
	assert.Equal(res.Reasons, rec.Reasons)
	assert.Equal(res.CategoryScores, rec.CategoryScores)
	assert.Equal([]string{"hive"}, rec.Degraded)
	assert.True(res.CreatedAt.Equal(rec.DecidedAt))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(err, ErrNotFound)

	// audit ids are unique
	assert.Error(s.RecordResult(ctx, job, res))
}

func TestForFingerprint(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := testStore(t)

	for _, id := range []string{"a1", "a2", "a3"} {
		assert.NoError(s.RecordResult(ctx, moderation.Job{ID: "job-" + id}, &moderation.Result{
			AuditID:     id,
			Fingerprint: "fp1",
			Decision:    moderation.DecisionApprove,
		}))
	}
	assert.NoError(s.RecordResult(ctx, moderation.Job{ID: "other"}, &moderation.Result{AuditID: "b1", Fingerprint: "fp2"}))

	recs, err := s.ForFingerprint(ctx, "fp1", 2)
	assert.NoError(err)
	if assert.Len(recs, 2) {
		assert.Equal("a3", recs[0].AuditID)
		assert.Equal("a2", recs[1].AuditID)
	}
}

func TestSetupDatabaseRejectsUnknown(t *testing.T) {
	_, err := SetupDatabase("mysql://localhost/db", 1)
	assert.Error(t, err)
}
