package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/modgate/cachestore"
	"github.com/bluesky-social/modgate/decision"
	"github.com/bluesky-social/modgate/fingerprint"
	"github.com/bluesky-social/modgate/moderation"
	"github.com/bluesky-social/modgate/scorer"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("modgate/coordinator")

// Receives every freshly computed result (not cache hits). Errors are logged and otherwise ignored.
type ResultSink interface {
	RecordResult(ctx context.Context, job moderation.Job, res *moderation.Result) error
}

type Config struct {
	Scorers []scorer.Scorer
	// defaults to decision.DefaultEngine()
	Engine *decision.Engine
	// defaults to a private in-process cache
	Cache *cachestore.ModerationCache
	Sinks []ResultSink

	// number of worker slots; each runs at most one batch at a time
	Workers     int
	BatchSize   int
	BatchWindow time.Duration
	// capacity of the intake buffer; a full buffer refuses new jobs
	QueueSize    int
	JobTimeout   time.Duration
	DrainTimeout time.Duration
	CacheTTL     time.Duration

	Logger *slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 50 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
}

// Groups pending jobs in to same-kind batches and runs them through the scorers on a bounded pool of worker slots.
//
// At most one computation exists per content fingerprint at any instant: concurrent jobs with identical content share one computation, and the cache's per-key lock is held whenever the in-flight table or the cache entry for a fingerprint changes.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	cache  *cachestore.ModerationCache
	engine *decision.Engine

	// in-flight computations, by fingerprint
	inflight *xsync.MapOf[string, *computation]
	// jobs accepted but not yet picked up by a worker
	queued atomic.Int64

	intake       chan *computation
	intakeLk     sync.RWMutex
	intakeClosed bool
	batches      chan []*computation

	// parent of every computation context; cancelled when a drain times out
	baseCtx    context.Context
	baseCancel context.CancelFunc

	loadLk      sync.Mutex
	loaded      bool
	started     atomic.Bool
	workersDone chan struct{}
	shutdown    sync.Once
}

func New(cfg Config) (*Coordinator, error) {
	cfg.setDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("system", "coordinator")

	engine := cfg.Engine
	if engine == nil {
		engine = decision.DefaultEngine()
	}
	cache := cfg.Cache
	if cache == nil {
		store, err := cachestore.NewMemCacheStore(10_000)
		if err != nil {
			return nil, err
		}
		cache = cachestore.NewModerationCache(store, logger)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:         cfg,
		logger:      logger,
		cache:       cache,
		engine:      engine,
		inflight:    xsync.NewMapOf[string, *computation](),
		intake:      make(chan *computation, cfg.QueueSize),
		batches:     make(chan []*computation),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		workersDone: make(chan struct{}),
	}, nil
}

// One-time initialization of every scorer which needs it. Idempotent: once it has succeeded, later calls do nothing. Must complete before RunWorkers.
func (c *Coordinator) LoadModels(ctx context.Context) error {
	c.loadLk.Lock()
	defer c.loadLk.Unlock()
	if c.loaded {
		return nil
	}
	for _, s := range c.cfg.Scorers {
		ldr, ok := s.(scorer.Loader)
		if !ok {
			continue
		}
		start := time.Now()
		if err := ldr.Load(ctx); err != nil {
			return fmt.Errorf("loading scorer %s: %w", s.Name(), err)
		}
		c.logger.Info("scorer loaded", "scorer", s.Name(), "duration", time.Since(start))
	}
	c.loaded = true
	return nil
}

// Starts the batcher and worker slots, then blocks until they have exited (after Shutdown) or ctx is done. Returning on ctx does not stop the workers; Shutdown does.
func (c *Coordinator) RunWorkers(ctx context.Context) error {
	c.loadLk.Lock()
	loaded := c.loaded
	c.loadLk.Unlock()
	if !loaded {
		return fmt.Errorf("scorers must be loaded before starting workers")
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("workers already running")
	}

	c.logger.Info("starting workers", "workers", c.cfg.Workers, "batchSize", c.cfg.BatchSize, "batchWindow", c.cfg.BatchWindow)
	go c.runBatcher()

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.runWorker(id)
		}(i)
	}
	workersActive.Set(float64(c.cfg.Workers))
	go func() {
		wg.Wait()
		workersActive.Set(0)
		close(c.workersDone)
	}()

	select {
	case <-c.workersDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedules a job whose content has already been resolved. The returned handle resolves with the job's result; it may be shared with other jobs carrying identical content, or may already be resolved from the cache.
//
// Returns ErrShuttingDown once Shutdown has begun, and a queue-overflow admission error when the intake buffer is full.
func (c *Coordinator) Schedule(ctx context.Context, job moderation.Job) (*Handle, error) {
	if c.isClosed() {
		return nil, moderation.ErrShuttingDown
	}
	fp := fingerprint.Sum(job.Content)
	key := fp.String()

	if res := c.cache.Get(ctx, fp); res != nil {
		jobsScheduled.WithLabelValues("cache").Inc()
		return &Handle{JobID: job.ID, Fingerprint: fp, Cached: true, cached: res}, nil
	}

	if err := c.cache.AcquireLock(ctx, fp); err != nil {
		return nil, err
	}
	defer c.cache.ReleaseLock(fp)

	// may have been filled while we waited for the lock
	if res := c.cache.Get(ctx, fp); res != nil {
		jobsScheduled.WithLabelValues("cache").Inc()
		return &Handle{JobID: job.ID, Fingerprint: fp, Cached: true, cached: res}, nil
	}

	if comp, ok := c.inflight.Load(key); ok && comp != nil {
		if comp.addWaiter() {
			jobsScheduled.WithLabelValues("dedup").Inc()
			c.logger.Debug("joined in-flight computation", "job", job.ID, "fingerprint", key, "owner", comp.job.ID)
			return &Handle{JobID: job.ID, Fingerprint: fp, comp: comp, coord: c}, nil
		}
		// resolved, or abandoned by its last waiter and about to be cancelled; replace it
		c.retire(key, comp)
	}

	comp := newComputation(c.baseCtx, job, fp)
	comp.startTimer(c.cfg.JobTimeout, func() {
		c.logger.Warn("job exceeded time budget", "job", job.ID, "timeout", c.cfg.JobTimeout)
		c.finish(comp, StateFailed, nil, fmt.Errorf("%w: exceeded %s", moderation.ErrComputationTimeout, c.cfg.JobTimeout))
	})
	c.inflight.Store(key, comp)

	if err := c.enqueue(comp); err != nil {
		c.inflight.Delete(key)
		comp.resolve(StateFailed, nil, err)
		return nil, err
	}
	jobsScheduled.WithLabelValues("new").Inc()
	return &Handle{JobID: job.ID, Fingerprint: fp, comp: comp, coord: c}, nil
}

func (c *Coordinator) enqueue(comp *computation) error {
	c.intakeLk.RLock()
	defer c.intakeLk.RUnlock()
	if c.intakeClosed {
		return moderation.ErrShuttingDown
	}
	select {
	case c.intake <- comp:
		comp.transition(StateScheduled)
		c.queued.Add(1)
		return nil
	default:
		return &moderation.AdmissionError{
			Reason: moderation.ReasonQueueOverflow,
			Depth:  int64(len(c.intake)),
			Limit:  int64(cap(c.intake)),
		}
	}
}

func (c *Coordinator) isClosed() bool {
	c.intakeLk.RLock()
	defer c.intakeLk.RUnlock()
	return c.intakeClosed
}

// Number of jobs accepted but not yet running. Satisfies admission.DepthSource.
func (c *Coordinator) Depth(ctx context.Context) (int64, error) {
	return c.queued.Load(), nil
}

// Jobs the worker pool can hold at once: one full batch per worker.
func (c *Coordinator) Capacity() int {
	return c.cfg.Workers * c.cfg.BatchSize
}

// Number of distinct computations currently in flight.
func (c *Coordinator) InFlight() int {
	return c.inflight.Size()
}

// Resolves comp and retires it from the in-flight table. A successful result is written to the cache under the same key lock, so no new computation can start between the two.
func (c *Coordinator) finish(comp *computation, state JobState, res *moderation.Result, err error) {
	key := comp.fp.String()
	// background context: this must not be skipped because some caller went away
	_ = c.cache.AcquireLock(context.Background(), comp.fp)
	if state == StateCompleted && res != nil {
		// only cache results we are actually going to publish
		if s, _, _ := comp.outcome(); !s.Terminal() {
			c.cache.Put(context.Background(), comp.fp, res, c.cfg.CacheTTL)
		}
	}
	won := comp.resolve(state, res, err)
	c.retire(key, comp)
	c.cache.ReleaseLock(comp.fp)

	if !won {
		return
	}
	jobsResolved.WithLabelValues(string(state)).Inc()
	jobDuration.Observe(time.Since(comp.started).Seconds())
	if err != nil && !errors.Is(err, moderation.ErrShuttingDown) {
		c.logger.Warn("job failed", "job", comp.job.ID, "fingerprint", key, "err", err)
	}
}

// Removes comp from the in-flight table, unless key already belongs to some other computation. Finishing the same computation twice is harmless. Caller must hold the cache lock for key.
func (c *Coordinator) retire(key string, comp *computation) {
	c.inflight.Compute(key, func(old *computation, loaded bool) (*computation, bool) {
		// deleting an absent key is a no-op; returning false there would store a nil entry
		return old, !loaded || old == nil || old == comp
	})
}

// Called when the last waiter on an unresolved computation goes away. Best-effort: the scorers see a cancelled context, and the result (if any) is discarded.
func (c *Coordinator) abandon(comp *computation) {
	c.logger.Info("abandoning computation with no waiters", "job", comp.job.ID, "fingerprint", comp.fp.String())
	c.finish(comp, StateCancelled, nil, moderation.ErrCancelled)
}

// Stops accepting jobs and waits (up to the drain timeout, or until ctx is done) for in-flight batches to finish. Anything still unresolved after that is failed with ErrShuttingDown. Finally releases scorer resources. Only the first call has any effect.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var err error
	c.shutdown.Do(func() {
		err = c.doShutdown(ctx)
	})
	return err
}

func (c *Coordinator) doShutdown(ctx context.Context) error {
	c.logger.Info("shutting down coordinator", "inflight", c.inflight.Size(), "queued", c.queued.Load())

	c.intakeLk.Lock()
	c.intakeClosed = true
	close(c.intake)
	c.intakeLk.Unlock()

	drained := true
	if c.started.Load() {
		drainCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
		select {
		case <-c.workersDone:
		case <-drainCtx.Done():
			drained = false
		}
		cancel()
	}
	// aborts any scorer still running
	c.baseCancel()

	var remaining []*computation
	c.inflight.Range(func(key string, comp *computation) bool {
		if comp != nil {
			remaining = append(remaining, comp)
		}
		return true
	})
	for _, comp := range remaining {
		c.finish(comp, StateFailed, nil, moderation.ErrShuttingDown)
	}
	if !drained || len(remaining) > 0 {
		c.logger.Warn("coordinator drain incomplete", "failed", len(remaining))
	}

	var errs []error
	for _, s := range c.cfg.Scorers {
		if cl, ok := s.(scorer.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing scorer %s: %w", s.Name(), err))
			}
		}
	}
	c.logger.Info("coordinator shutdown complete")
	return errors.Join(errs...)
}
