package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bluesky-social/modgate/moderation"
	"github.com/bluesky-social/modgate/scorer"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Supervises one worker slot: if the slot panics outside of scorer code, it is restarted rather than taking the process down.
func (c *Coordinator) runWorker(id int) {
	for {
		if c.workerLoop(id) {
			return
		}
		workerRestarts.Inc()
		c.logger.Warn("restarting worker", "worker", id)
	}
}

// Returns true on clean exit (batch channel closed).
func (c *Coordinator) workerLoop(id int) (clean bool) {
	var current []*computation
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("worker panic", "worker", id, "panic", r, "stack", string(debug.Stack()))
			for _, comp := range current {
				c.finish(comp, StateFailed, nil, fmt.Errorf("worker failure: %v", r))
			}
			clean = false
		}
	}()
	for batch := range c.batches {
		current = batch
		c.processBatch(batch)
		current = nil
	}
	return true
}

func (c *Coordinator) processBatch(batch []*computation) {
	kind := batch[0].job.Kind
	ctx, span := tracer.Start(c.baseCtx, "processBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("size", len(batch)), attribute.String("kind", string(kind)))
	batchSizes.Observe(float64(len(batch)))

	running := make([]*computation, 0, len(batch))
	for _, comp := range batch {
		c.queued.Add(-1)
		// skips jobs which timed out or were abandoned while queued
		if comp.transition(StateRunning) {
			running = append(running, comp)
		}
	}
	if len(running) == 0 {
		return
	}

	scores := make([]moderation.CategoryScores, len(running))
	degraded := make([][]string, len(running))
	for i := range running {
		scores[i] = make(moderation.CategoryScores)
	}

	for _, s := range c.cfg.Scorers {
		if !scorer.Supports(s, kind) {
			continue
		}
		out, errs := c.runScorer(ctx, s, running)
		for i, comp := range running {
			if errs[i] != nil {
				scorerErrors.WithLabelValues(s.Name()).Inc()
				c.logger.Warn("scorer failed, degrading", "scorer", s.Name(), "job", comp.job.ID, "err", errs[i])
				degraded[i] = append(degraded[i], s.Name())
				continue
			}
			scores[i].Merge(out[i])
		}
	}

	for i, comp := range running {
		if comp.ctx.Err() != nil {
			// already resolved (timeout, abandoned, or shutdown)
			continue
		}
		res := c.engine.Evaluate(scores[i])
		res.AuditID = uuid.NewString()
		res.Fingerprint = comp.fp.String()
		res.Degraded = degraded[i]
		res.CreatedAt = time.Now().UTC()
		c.finish(comp, StateCompleted, &res, nil)
		c.publish(comp, &res)
	}
}

func (c *Coordinator) input(comp *computation) scorer.Input {
	return scorer.Input{
		JobID:    comp.job.ID,
		Kind:     comp.job.Kind,
		Content:  comp.job.Content,
		Metadata: comp.job.Metadata,
		Progress: comp.report,
	}
}

// Runs one scorer over every job in the batch, returning per-job scores and errors. Panics in scorer code are converted to errors.
func (c *Coordinator) runScorer(ctx context.Context, s scorer.Scorer, running []*computation) ([]moderation.CategoryScores, []error) {
	ctx, span := tracer.Start(ctx, "runScorer")
	defer span.End()
	span.SetAttributes(attribute.String("scorer", s.Name()))

	start := time.Now()
	defer func() {
		scorerDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	}()

	out := make([]moderation.CategoryScores, len(running))
	errs := make([]error, len(running))

	if bs, ok := s.(scorer.BatchScorer); ok && len(running) > 1 {
		inputs := make([]scorer.Input, len(running))
		for i, comp := range running {
			inputs[i] = c.input(comp)
		}
		res, err := safeBatch(ctx, bs, inputs)
		if err == nil && len(res) != len(running) {
			err = fmt.Errorf("scorer returned %d results for %d inputs", len(res), len(running))
		}
		for i := range running {
			if err != nil {
				errs[i] = fmt.Errorf("%w: %w", moderation.ErrScorerUnavailable, err)
			} else {
				out[i] = res[i]
			}
		}
		return out, errs
	}

	for i, comp := range running {
		if comp.ctx.Err() != nil {
			errs[i] = comp.ctx.Err()
			continue
		}
		res, err := safeScore(comp.ctx, s, c.input(comp))
		if err != nil {
			errs[i] = fmt.Errorf("%w: %w", moderation.ErrScorerUnavailable, err)
			continue
		}
		out[i] = res
	}
	return out, errs
}

func safeScore(ctx context.Context, s scorer.Scorer, in scorer.Input) (out moderation.CategoryScores, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Score(ctx, in)
}

func safeBatch(ctx context.Context, s scorer.BatchScorer, ins []scorer.Input) (out []moderation.CategoryScores, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer %s panicked: %v", s.Name(), r)
		}
	}()
	return s.ScoreBatch(ctx, ins)
}

// Hands a fresh result to every sink. Sink failures are logged only.
func (c *Coordinator) publish(comp *computation, res *moderation.Result) {
	for _, sink := range c.cfg.Sinks {
		if err := sink.RecordResult(c.baseCtx, comp.job, res); err != nil {
			c.logger.Error("result sink failed", "job", comp.job.ID, "audit_id", res.AuditID, "err", err)
		}
	}
}
