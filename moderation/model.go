package moderation

import (
	"fmt"
	"time"
)

type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindVideo ContentKind = "video"
)

func ParseContentKind(raw string) (ContentKind, error) {
	switch ContentKind(raw) {
	case KindText, KindImage, KindVideo:
		return ContentKind(raw), nil
	case "":
		// unspecified content is treated as free-form text
		return KindText, nil
	default:
		return "", fmt.Errorf("%w: unknown content kind: %s", ErrBadRequest, raw)
	}
}

// Harm category, as reported by external scorers. The list below is the known set; scorers may report other strings, which are carried through as informational.
type Category string

const (
	CategoryNudity         Category = "nudity"
	CategorySexualContent  Category = "sexual_content"
	CategoryViolence       Category = "violence"
	CategoryWeapons        Category = "weapons"
	CategoryBlood          Category = "blood"
	CategoryHate           Category = "hate"
	CategorySelfHarm       Category = "self_harm"
	CategoryDrugs          Category = "drugs"
	CategoryScamFraud      Category = "scam_fraud"
	CategorySpam           Category = "spam"
	CategoryMinors         Category = "minors"
	CategoryCSAM           Category = "csam"
	CategoryTerrorism      Category = "terrorism"
	CategoryHarassment     Category = "harassment"
	CategoryExtremism      Category = "extremism"
	CategoryGraphicContent Category = "graphic_content"
)

// Map of category to a score in [0,1]
type CategoryScores map[Category]float64

// Merges other in to s, keeping the maximum score for any category present in both.
func (s CategoryScores) Merge(other CategoryScores) {
	for cat, score := range other {
		if prev, ok := s[cat]; !ok || score > prev {
			s[cat] = clamp01(score)
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReview  Decision = "review"
	DecisionBlock   Decision = "block"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Ordering helper: higher value is more severe.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// Unit of work submitted for moderation. Immutable after creation.
type Job struct {
	ID         string            `json:"job_id"`
	Kind       ContentKind       `json:"kind"`
	Content    []byte            `json:"-"`
	ContentRef string            `json:"content_ref,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Final, immutable output of moderating a single piece of content.
type Result struct {
	Decision       Decision       `json:"decision"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	GlobalScore    float64        `json:"global_score"`
	Flags          []Category     `json:"flags"`
	Reasons        []string       `json:"reasons"`
	CategoryScores CategoryScores `json:"category_scores"`
	AuditID        string         `json:"audit_id"`
	Fingerprint    string         `json:"fingerprint,omitempty"`
	// names of scorers which failed and contributed no scores
	Degraded  []string  `json:"degraded,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)
