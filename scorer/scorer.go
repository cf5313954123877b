// Scorers are the external analyzers which turn a piece of content in to per-category risk scores. The coordinator only knows them through the Scorer interface.
package scorer

import (
	"context"
	"slices"

	"github.com/bluesky-social/modgate/moderation"
)

type Input struct {
	JobID    string
	Kind     moderation.ContentKind
	Content  []byte
	Metadata map[string]string
	// attaches intermediate data (eg, extracted text) to the running job. May be nil.
	Progress func(key, val string)
}

func (in Input) report(key, val string) {
	if in.Progress != nil {
		in.Progress(key, val)
	}
}

type Scorer interface {
	Name() string
	// content kinds this scorer understands; others are never passed to Score
	Kinds() []moderation.ContentKind
	// An error means the scorer contributes nothing for this content. It never fails the job as a whole.
	Score(ctx context.Context, in Input) (moderation.CategoryScores, error)
}

// Optional interface for scorers which can amortize per-call overhead (model invocation, network round trips) across a batch of same-kind content.
type BatchScorer interface {
	Scorer
	// Returns one score map per input, in order. An error means no input in the batch got scores from this scorer.
	ScoreBatch(ctx context.Context, ins []Input) ([]moderation.CategoryScores, error)
}

// Optional interface for scorers with expensive one-time setup (loading models, word lists, connecting to a remote service).
type Loader interface {
	Load(ctx context.Context) error
}

// Optional interface for scorers holding resources which must be released at shutdown.
type Closer interface {
	Close() error
}

func Supports(s Scorer, kind moderation.ContentKind) bool {
	return slices.Contains(s.Kinds(), kind)
}

// Adapts a plain function to the Scorer interface.
type Func struct {
	ScorerName  string
	ScorerKinds []moderation.ContentKind
	Fn          func(ctx context.Context, in Input) (moderation.CategoryScores, error)
}

func (f *Func) Name() string {
	return f.ScorerName
}

func (f *Func) Kinds() []moderation.ContentKind {
	if len(f.ScorerKinds) == 0 {
		return []moderation.ContentKind{moderation.KindText, moderation.KindImage, moderation.KindVideo}
	}
	return f.ScorerKinds
}

func (f *Func) Score(ctx context.Context, in Input) (moderation.CategoryScores, error) {
	return f.Fn(ctx, in)
}
