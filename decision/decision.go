// Decision engine: reduces per-category risk scores to a single verdict (decision, risk level, flags, reasons) and a global safety score.
//
// The engine is a pure function of its threshold table. Categories are always evaluated in table order, so the flag and reason ordering is reproducible for identical input.
package decision

import (
	"fmt"
	"maps"
	"slices"

	"github.com/bluesky-social/modgate/moderation"
)

const (
	DefaultCriticalThreshold = 0.05
	DefaultWeight            = 1.0
	// weight of the implicit "fully safe" term in the global score average
	baselineWeight = 1.0

	ReasonAllClear = "All categories below safety thresholds"
)

// Three-tier threshold table for a single category. Higher values are stricter.
type Threshold struct {
	Category moderation.Category
	Approve  float64
	Review   float64
	Reject   float64
}

type Engine struct {
	// checked first, in order; the first category above CriticalThreshold blocks immediately
	Critical          []moderation.Category
	CriticalThreshold float64
	// evaluated in slice order after the critical check
	Thresholds []Threshold
	Weights    map[moderation.Category]float64
}

type Verdict struct {
	Decision  moderation.Decision
	RiskLevel moderation.RiskLevel
	Flags     []moderation.Category
	Reasons   []string
}

func DefaultCriticalCategories() []moderation.Category {
	return []moderation.Category{
		moderation.CategoryMinors,
		moderation.CategoryCSAM,
		moderation.CategoryTerrorism,
		moderation.CategorySelfHarm,
	}
}

// Threshold table in evaluation (severity) order.
//
// Critical categories are intentionally absent: anything above the critical threshold blocks outright, and anything at or below it is informational.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Category: moderation.CategoryWeapons, Approve: 0.20, Review: 0.35, Reject: 0.50},
		{Category: moderation.CategoryViolence, Approve: 0.30, Review: 0.60, Reject: 0.85},
		{Category: moderation.CategoryBlood, Approve: 0.30, Review: 0.60, Reject: 0.85},
		{Category: moderation.CategoryHate, Approve: 0.20, Review: 0.50, Reject: 0.80},
		{Category: moderation.CategorySexualContent, Approve: 0.30, Review: 0.60, Reject: 0.85},
		{Category: moderation.CategoryNudity, Approve: 0.30, Review: 0.60, Reject: 0.85},
		{Category: moderation.CategoryDrugs, Approve: 0.30, Review: 0.60, Reject: 0.85},
		{Category: moderation.CategoryScamFraud, Approve: 0.30, Review: 0.60, Reject: 0.85},
		{Category: moderation.CategorySpam, Approve: 0.40, Review: 0.70, Reject: 0.90},
	}
}

func DefaultWeights() map[moderation.Category]float64 {
	return map[moderation.Category]float64{
		moderation.CategoryCSAM:      10.0,
		moderation.CategoryMinors:    5.0,
		moderation.CategorySelfHarm:  5.0,
		moderation.CategoryTerrorism: 5.0,
		moderation.CategoryNudity:    2.0,
		moderation.CategoryWeapons:   2.0,
		moderation.CategoryHate:      2.0,
	}
}

func DefaultEngine() *Engine {
	return &Engine{
		Critical:          DefaultCriticalCategories(),
		CriticalThreshold: DefaultCriticalThreshold,
		Thresholds:        DefaultThresholds(),
		Weights:           DefaultWeights(),
	}
}

// Reduces category scores to a verdict. Never fails: absent and unknown categories are skipped.
func (e *Engine) Decide(scores moderation.CategoryScores) Verdict {
	for _, cat := range e.Critical {
		score, ok := scores[cat]
		if ok && score > e.CriticalThreshold {
			return Verdict{
				Decision:  moderation.DecisionBlock,
				RiskLevel: moderation.RiskCritical,
				Flags:     []moderation.Category{cat},
				Reasons:   []string{fmt.Sprintf("%s: %.2f exceeds critical threshold (%.2f)", cat, score, e.CriticalThreshold)},
			}
		}
	}

	v := Verdict{
		Decision:  moderation.DecisionApprove,
		RiskLevel: moderation.RiskLow,
		Flags:     []moderation.Category{},
		Reasons:   []string{},
	}

	for _, th := range e.Thresholds {
		score, ok := scores[th.Category]
		if !ok {
			continue
		}
		if score >= th.Reject {
			v.Decision = moderation.DecisionBlock
			v.RiskLevel = moderation.RiskCritical
			v.Flags = append(v.Flags, th.Category)
			v.Reasons = append(v.Reasons, fmt.Sprintf("%s: %.2f exceeds block threshold (%.2f)", th.Category, score, th.Reject))
			// one block is sufficient
			break
		} else if score >= th.Review {
			if v.Decision != moderation.DecisionBlock {
				v.Decision = moderation.DecisionReview
			}
			if v.RiskLevel.Rank() < moderation.RiskHigh.Rank() {
				v.RiskLevel = moderation.RiskHigh
			}
			v.Flags = append(v.Flags, th.Category)
			v.Reasons = append(v.Reasons, fmt.Sprintf("%s: %.2f exceeds review threshold (%.2f)", th.Category, score, th.Review))
		} else if score >= th.Approve {
			if v.RiskLevel == moderation.RiskLow {
				v.RiskLevel = moderation.RiskMedium
			}
			v.Flags = append(v.Flags, th.Category)
			v.Reasons = append(v.Reasons, fmt.Sprintf("%s: %.2f is borderline (approve threshold %.2f)", th.Category, score, th.Approve))
		}
	}

	if len(v.Flags) == 0 {
		v.Reasons = append(v.Reasons, ReasonAllClear)
	}
	return v
}

func (e *Engine) weight(cat moderation.Category) float64 {
	if w, ok := e.Weights[cat]; ok && w >= 0 {
		return w
	}
	return DefaultWeight
}

// Weight-adjusted average of (1 - score) across all present categories, in [0,1]. Higher is safer.
//
// The average includes one implicit fully-safe term of unit weight. This keeps single-category inputs ordered by severity weight (a maxed-out csam score rates worse than a maxed-out nudity score), and makes empty input come out as exactly 1.0.
func (e *Engine) GlobalScore(scores moderation.CategoryScores) float64 {
	if len(scores) == 0 {
		return 1.0
	}
	num := baselineWeight
	denom := baselineWeight
	// sorted for a stable floating point summation order
	for _, cat := range slices.Sorted(maps.Keys(scores)) {
		w := e.weight(cat)
		num += w * (1.0 - clamp01(scores[cat]))
		denom += w
	}
	if denom <= 0 {
		return 1.0
	}
	return clamp01(num / denom)
}

// Builds a full moderation result for the given scores. AuditID and Fingerprint are left for the caller.
func (e *Engine) Evaluate(scores moderation.CategoryScores) moderation.Result {
	v := e.Decide(scores)
	copied := make(moderation.CategoryScores, len(scores))
	for k, s := range scores {
		copied[k] = s
	}
	return moderation.Result{
		Decision:       v.Decision,
		RiskLevel:      v.RiskLevel,
		GlobalScore:    e.GlobalScore(scores),
		Flags:          v.Flags,
		Reasons:        v.Reasons,
		CategoryScores: copied,
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
