package admission

import (
	"context"
	"errors"

	"github.com/bluesky-social/modgate/moderation"
)

// Combines the rate limiter and backpressure guard, in that order. Either may be nil.
type Gate struct {
	Limiter *RateLimiter
	Guard   *BackpressureGuard
}

func (g *Gate) Admit(ctx context.Context, session string) error {
	if g.Limiter != nil && !g.Limiter.Allow(session) {
		admissionRejections.WithLabelValues(string(moderation.ReasonRateLimited)).Inc()
		return &moderation.AdmissionError{Reason: moderation.ReasonRateLimited}
	}
	if err := g.Guard.Check(ctx); err != nil {
		var ae *moderation.AdmissionError
		if errors.As(err, &ae) {
			admissionRejections.WithLabelValues(string(ae.Reason)).Inc()
		} else {
			admissionRejections.WithLabelValues("depth-unavailable").Inc()
		}
		return err
	}
	admissionAccepted.Inc()
	return nil
}

// Releases per-session bookkeeping.
func (g *Gate) Forget(session string) {
	if g.Limiter != nil {
		g.Limiter.Forget(session)
	}
}
