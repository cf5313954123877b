// Explicit service context: constructs every component from configuration, owns their lifecycle, and exposes the operations the HTTP and streaming surfaces need.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/modgate/admission"
	"github.com/bluesky-social/modgate/auditlog"
	"github.com/bluesky-social/modgate/cachestore"
	"github.com/bluesky-social/modgate/coordinator"
	"github.com/bluesky-social/modgate/decision"
	"github.com/bluesky-social/modgate/fetch"
	"github.com/bluesky-social/modgate/moderation"
	"github.com/bluesky-social/modgate/queue"
	"github.com/bluesky-social/modgate/scorer"
	"github.com/bluesky-social/modgate/stream"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Config struct {
	// empty means in-process queue and cache
	RedisURL         string
	MemcachedServers []string
	// empty disables the audit log
	DatabaseURL string

	Workers       int
	BatchSize     int
	BatchWindow   time.Duration
	MaxQueueDepth int64
	RateLimit     int64
	RateWindow    time.Duration
	JobTimeout    time.Duration
	DrainTimeout  time.Duration
	CacheTTL      time.Duration
	ResultTTL     time.Duration
	StatusTTL     time.Duration

	KeywordSetsFile string
	HiveAPIToken    string
	HiveRateLimit   float64

	HeartbeatInterval time.Duration

	Stream       string
	Group        string
	ConsumerName string

	// extra scorers, ahead of the configured ones
	Scorers []scorer.Scorer

	Logger *slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 10_000
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if cfg.HiveRateLimit <= 0 {
		cfg.HiveRateLimit = 10
	}
	if cfg.Stream == "" {
		cfg.Stream = queue.DefaultStream
	}
	if cfg.Group == "" {
		cfg.Group = queue.DefaultGroup
	}
}

// Every long-lived component, wired together. Built by New, run by Start, torn down by Stop; nothing here is process-global.
type Context struct {
	Config Config
	Logger *slog.Logger

	Queue       queue.Client
	Cache       *cachestore.ModerationCache
	Coordinator *coordinator.Coordinator
	Limiter     *admission.RateLimiter
	Gate        *admission.Gate
	Fetcher     *fetch.Fetcher
	Dispatcher  *stream.Dispatcher
	Consumer    *Consumer
	// nil when no database is configured
	Audit *auditlog.Store

	db     *gorm.DB
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfg Config) (*Context, error) {
	cfg.setDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Context{
		Config: cfg,
		Logger: logger,
	}
	ok := false
	defer func() {
		if !ok {
			s.closeBackends()
		}
	}()

	qcfg := queue.Config{Stream: cfg.Stream, StatusTTL: cfg.StatusTTL, ResultTTL: cfg.ResultTTL}
	var store cachestore.CacheStore
	if cfg.RedisURL != "" {
		q, err := queue.NewRedisQueue(cfg.RedisURL, qcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing redis queue: %w", err)
		}
		s.Queue = q
		logger.Info("using redis job queue", "stream", cfg.Stream, "group", cfg.Group)
	} else {
		s.Queue = queue.NewMemQueue(qcfg)
		logger.Info("using in-process job queue; jobs do not survive restarts")
	}

	switch {
	case len(cfg.MemcachedServers) > 0:
		store = cachestore.NewMemcachedCacheStore(cfg.MemcachedServers...)
		logger.Info("using memcached result cache", "servers", cfg.MemcachedServers)
	case cfg.RedisURL != "":
		csh, err := cachestore.NewRedisCacheStore(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis cachestore: %w", err)
		}
		store = csh
	default:
		mem, err := cachestore.NewMemCacheStore(50_000)
		if err != nil {
			return nil, err
		}
		store = mem
	}
	s.Cache = cachestore.NewModerationCache(store, logger)

	var sinks []coordinator.ResultSink
	if cfg.DatabaseURL != "" {
		db, err := auditlog.SetupDatabase(cfg.DatabaseURL, 20)
		if err != nil {
			return nil, fmt.Errorf("opening audit database: %w", err)
		}
		s.db = db
		audit, err := auditlog.NewStore(db, logger)
		if err != nil {
			return nil, err
		}
		s.Audit = audit
		sinks = append(sinks, audit)
	}

	scorers := append([]scorer.Scorer{}, cfg.Scorers...)
	scorers = append(scorers, scorer.NewKeywordScorer(cfg.KeywordSetsFile, logger))
	if cfg.HiveAPIToken != "" {
		logger.Info("configuring Hive AI image scorer")
		scorers = append(scorers, scorer.NewHiveScorer(cfg.HiveAPIToken, cfg.HiveRateLimit, logger))
	}

	coord, err := coordinator.New(coordinator.Config{
		Scorers:      scorers,
		Engine:       decision.DefaultEngine(),
		Cache:        s.Cache,
		Sinks:        sinks,
		Workers:      cfg.Workers,
		BatchSize:    cfg.BatchSize,
		BatchWindow:  cfg.BatchWindow,
		JobTimeout:   cfg.JobTimeout,
		DrainTimeout: cfg.DrainTimeout,
		CacheTTL:     cfg.CacheTTL,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	s.Coordinator = coord

	s.Limiter = admission.NewRateLimiter(cfg.RateLimit, cfg.RateWindow)
	s.Gate = &admission.Gate{
		Limiter: s.Limiter,
		Guard: &admission.BackpressureGuard{
			Source:   admission.DepthSources{s.Queue, s.Coordinator},
			MaxDepth: cfg.MaxQueueDepth,
		},
	}
	s.Fetcher = fetch.NewFetcher(logger)
	s.Dispatcher = stream.NewDispatcher(stream.Config{
		Scheduler:         s.Coordinator,
		Resolver:          s.Fetcher,
		Gate:              s.Gate,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	})
	s.Consumer = &Consumer{
		Queue:       s.Queue,
		Coordinator: s.Coordinator,
		Resolver:    s.Fetcher,
		Stream:      cfg.Stream,
		Group:       cfg.Group,
		Name:        cfg.ConsumerName,
		MaxInFlight: int64(s.Coordinator.Capacity()),
		Logger:      logger,
	}

	ok = true
	return s, nil
}

// Loads scorers, then starts the workers, the queue consumer, and housekeeping. Returns once everything is running; background failures are reported by Stop.
func (s *Context) Start(ctx context.Context) error {
	if err := s.Coordinator.LoadModels(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	g.Go(func() error {
		return s.Coordinator.RunWorkers(gctx)
	})
	g.Go(func() error {
		return s.Consumer.Run(gctx)
	})
	g.Go(func() error {
		return s.runPrune(gctx)
	})
	s.Logger.Info("service started")
	return nil
}

// Drops rate limiter state for sessions which have gone quiet.
func (s *Context) runPrune(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Limiter.Prune(2 * s.Config.RateWindow); n > 0 {
				s.Logger.Debug("pruned idle rate limit sessions", "count", n)
			}
		}
	}
}

// Stops intake, drains the coordinator, then closes backends. Jobs still unresolved after the drain fail with ErrShuttingDown; queue entries they came from stay pending and are redelivered after a restart.
func (s *Context) Stop(ctx context.Context) error {
	s.Logger.Info("stopping service")
	var errs []error
	if err := s.Coordinator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.cancel != nil {
		s.cancel()
		if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.closeBackends())
	return errors.Join(errs...)
}

func (s *Context) closeBackends() error {
	var errs []error
	if s.Queue != nil {
		if err := s.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing queue: %w", err))
		}
	}
	if s.Cache != nil {
		if err := s.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing cache: %w", err))
		}
	}
	if s.db != nil {
		if sqldb, err := s.db.DB(); err == nil {
			if err := sqldb.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing audit database: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// Admits and enqueues a job for asynchronous processing. Content is not fetched here; only the reference is checked.
func (s *Context) Submit(ctx context.Context, session string, req *moderation.Request) (moderation.Job, error) {
	if err := s.Gate.Admit(ctx, session); err != nil {
		return moderation.Job{}, err
	}
	job, err := req.Job()
	if err != nil {
		return moderation.Job{}, err
	}
	if err := fetch.Validate(job.ContentRef); err != nil {
		return moderation.Job{}, err
	}
	if err := s.Queue.SetStatus(ctx, job.ID, moderation.StatusQueued); err != nil {
		return moderation.Job{}, fmt.Errorf("%w: %w", moderation.ErrQueueUnavailable, err)
	}
	if _, err := s.Queue.Enqueue(ctx, s.Config.Stream, job); err != nil {
		return moderation.Job{}, err
	}
	jobsSubmitted.WithLabelValues("queue").Inc()
	return job, nil
}

// Admits a job and runs it straight through the coordinator, waiting for the result. Giving up on ctx releases our interest in the job but does not cancel work shared with other callers.
func (s *Context) Moderate(ctx context.Context, session string, req *moderation.Request) (*moderation.Result, error) {
	if err := s.Gate.Admit(ctx, session); err != nil {
		return nil, err
	}
	job, err := req.Job()
	if err != nil {
		return nil, err
	}
	content, err := s.Fetcher.Resolve(ctx, job.ContentRef)
	if err != nil {
		return nil, err
	}
	job.Content = content

	h, err := s.Coordinator.Schedule(ctx, job)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	jobsSubmitted.WithLabelValues("sync").Inc()
	return h.Wait(ctx)
}

// Healthy when the queue backend is reachable.
func (s *Context) Healthy(ctx context.Context) bool {
	return s.Queue.HealthCheck(ctx)
}
