package admission

import (
	"context"
	"fmt"

	"github.com/bluesky-social/modgate/moderation"
)

// Anything which can report how much work is waiting. Implemented by the queue clients and the coordinator.
type DepthSource interface {
	Depth(ctx context.Context) (int64, error)
}

// Sums the depth of several sources.
type DepthSources []DepthSource

func (ds DepthSources) Depth(ctx context.Context) (int64, error) {
	var total int64
	for _, src := range ds {
		d, err := src.Depth(ctx)
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

type BackpressureGuard struct {
	Source DepthSource
	// depth strictly greater than this is refused; non-positive disables the check
	MaxDepth int64
}

// Refuses with a queue-overflow *moderation.AdmissionError when the source reports more pending work than MaxDepth. If the depth can not be read, the request is refused with ErrQueueUnavailable.
func (g *BackpressureGuard) Check(ctx context.Context) error {
	if g == nil || g.Source == nil || g.MaxDepth <= 0 {
		return nil
	}
	depth, err := g.Source.Depth(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading queue depth: %w", moderation.ErrQueueUnavailable, err)
	}
	if depth > g.MaxDepth {
		return &moderation.AdmissionError{
			Reason: moderation.ReasonQueueOverflow,
			Depth:  depth,
			Limit:  g.MaxDepth,
		}
	}
	return nil
}
