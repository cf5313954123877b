package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bluesky-social/modgate/coordinator"
	"github.com/bluesky-social/modgate/moderation"
	"github.com/bluesky-social/modgate/queue"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
)

type ContentResolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

// Pulls jobs from the queue stream through a consumer group, runs them through the coordinator, and stores their results. An entry is acknowledged only once its outcome has been stored, so a crash mid-job means redelivery rather than loss.
type Consumer struct {
	Queue       queue.Client
	Coordinator *coordinator.Coordinator
	Resolver    ContentResolver

	Stream string
	Group  string
	// consumer name within the group; defaults to hostname plus a random suffix
	Name string

	// max entries read per round
	ReadCount int64
	// how long a read waits for new entries
	Block time.Duration
	// entries pending on some consumer for longer than this are taken over
	ClaimIdle     time.Duration
	ClaimInterval time.Duration
	// max entries processed concurrently
	MaxInFlight int64

	Logger *slog.Logger

	// entry ids currently being processed
	inProgress *xsync.MapOf[string, struct{}]
}

func (c *Consumer) setDefaults() {
	if c.Stream == "" {
		c.Stream = queue.DefaultStream
	}
	if c.Group == "" {
		c.Group = queue.DefaultGroup
	}
	if c.Name == "" {
		host, _ := os.Hostname()
		c.Name = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 16
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = time.Minute
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.inProgress == nil {
		c.inProgress = xsync.NewMapOf[string, struct{}]()
	}
}

// Runs until ctx is done. Queue errors are logged and retried with a short pause; they never end the loop.
//
// Up to MaxInFlight entries are processed at once, and the queue is read again as soon as any slot frees up, so one slow job never holds up intake. On return, every entry already started has finished.
func (c *Consumer) Run(ctx context.Context) error {
	c.setDefaults()
	logger := c.Logger.With("system", "consumer", "consumer", c.Name)
	logger.Info("starting queue consumer", "stream", c.Stream, "group", c.Group, "max_in_flight", c.MaxInFlight)

	sem := semaphore.NewWeighted(c.MaxInFlight)
	var wg sync.WaitGroup
	defer wg.Wait()

	var lastClaim time.Time
	for {
		// wait for at least one free slot before reading anything
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		sem.Release(1)
		free := c.MaxInFlight - int64(c.inProgress.Size())
		if free <= 0 {
			continue
		}

		var entries []queue.Entry
		if time.Since(lastClaim) >= c.ClaimInterval {
			lastClaim = time.Now()
			claimed, err := c.Queue.Claim(ctx, c.Stream, c.Group, c.Name, c.ClaimIdle, min(c.ReadCount, free))
			if err != nil {
				logger.Warn("failed to claim idle entries", "err", err)
			}
			for _, ent := range claimed {
				// a slow entry of ours comes back through Claim while we are still working on it
				if _, busy := c.inProgress.Load(ent.ID); !busy {
					entries = append(entries, ent)
				}
			}
		}

		if want := min(c.ReadCount, free-int64(len(entries))); want > 0 {
			fresh, err := c.Queue.Consume(ctx, c.Stream, c.Group, c.Name, want, c.Block)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("failed to read from queue", "err", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
			entries = append(entries, fresh...)
		}

		for _, ent := range entries {
			if _, busy := c.inProgress.LoadOrStore(ent.ID, struct{}{}); busy {
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				c.inProgress.Delete(ent.ID)
				return nil
			}
			wg.Add(1)
			go func(ent queue.Entry) {
				defer wg.Done()
				defer sem.Release(1)
				defer c.inProgress.Delete(ent.ID)
				c.HandleEntry(ctx, ent)
			}(ent)
		}
	}
}

// Number of entries this consumer is working on right now.
func (c *Consumer) InProgress() int {
	if c.inProgress == nil {
		return 0
	}
	return c.inProgress.Size()
}

// Processes a single entry to a stored outcome. Exported for tests and for callers which drive the queue themselves.
func (c *Consumer) HandleEntry(ctx context.Context, ent queue.Entry) {
	c.setDefaults()
	logger := c.Logger.With("system", "consumer", "entry", ent.ID, "job", ent.Job.ID)

	if ent.Err != nil {
		logger.Warn("dropping malformed queue entry", "err", ent.Err)
		if ent.Job.ID != "" {
			c.setStatus(ctx, logger, ent.Job.ID, moderation.StatusFailed)
		}
		c.ack(ctx, logger, ent)
		entriesProcessed.WithLabelValues("malformed").Inc()
		return
	}
	job := ent.Job
	c.setStatus(ctx, logger, job.ID, moderation.StatusRunning)

	content, err := c.Resolver.Resolve(ctx, job.ContentRef)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("failed to resolve job content", "err", err)
		c.fail(ctx, logger, ent)
		return
	}
	job.Content = content

	h, err := c.Coordinator.Schedule(ctx, job)
	if err != nil {
		if retryLater(err) {
			// left pending; some consumer claims it once it has sat idle
			logger.Info("deferring queue entry", "err", err)
			entriesProcessed.WithLabelValues("deferred").Inc()
			return
		}
		logger.Warn("failed to schedule job", "err", err)
		c.fail(ctx, logger, ent)
		return
	}
	defer h.Release()

	res, err := h.Wait(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if retryLater(err) {
			logger.Info("deferring queue entry", "err", err)
			entriesProcessed.WithLabelValues("deferred").Inc()
			return
		}
		logger.Warn("job failed", "err", err)
		c.fail(ctx, logger, ent)
		return
	}

	if err := c.Queue.StoreResult(ctx, job.ID, res); err != nil {
		logger.Error("failed to store job result", "err", err)
		return
	}
	c.setStatus(ctx, logger, job.ID, moderation.StatusCompleted)
	c.ack(ctx, logger, ent)
	entriesProcessed.WithLabelValues("completed").Inc()
}

// Errors which say nothing about the job itself.
func retryLater(err error) bool {
	return errors.Is(err, moderation.ErrShuttingDown) ||
		errors.Is(err, moderation.ErrAdmissionRejected) ||
		errors.Is(err, moderation.ErrCancelled)
}

func (c *Consumer) fail(ctx context.Context, logger *slog.Logger, ent queue.Entry) {
	c.setStatus(ctx, logger, ent.Job.ID, moderation.StatusFailed)
	c.ack(ctx, logger, ent)
	entriesProcessed.WithLabelValues("failed").Inc()
}

func (c *Consumer) setStatus(ctx context.Context, logger *slog.Logger, jobID string, status moderation.JobStatus) {
	if err := c.Queue.SetStatus(ctx, jobID, status); err != nil {
		logger.Warn("failed to set job status", "status", status, "err", err)
	}
}

func (c *Consumer) ack(ctx context.Context, logger *slog.Logger, ent queue.Entry) {
	if err := c.Queue.Acknowledge(ctx, c.Stream, c.Group, ent.ID); err != nil {
		logger.Error("failed to acknowledge queue entry", "err", err)
	}
}
