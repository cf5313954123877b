package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bluesky-social/modgate/service"
	"github.com/bluesky-social/modgate/util/svcutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "modgate",
		Usage:   "content moderation gateway daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"MODGATE_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3999",
			EnvVars: []string{"MODGATE_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"MODGATE_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for the job queue and result cache; in-process backends when empty",
			EnvVars: []string{"MODGATE_REDIS_URL"},
		},
		&cli.StringSliceFlag{
			Name:    "memcached-servers",
			Usage:   "memcached server addresses, used for the result cache instead of redis",
			EnvVars: []string{"MODGATE_MEMCACHED_SERVERS"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database for the decision audit log; empty to disable",
			Value:   "sqlite://data/modgate/audit.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "number of concurrent scoring batches",
			Value:   4,
			EnvVars: []string{"MODGATE_WORKERS"},
		},
		&cli.IntFlag{
			Name:    "batch-size",
			Usage:   "max jobs per scoring batch",
			Value:   8,
			EnvVars: []string{"MODGATE_BATCH_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "batch-window",
			Usage:   "how long to wait for a batch to fill",
			Value:   50 * time.Millisecond,
			EnvVars: []string{"MODGATE_BATCH_WINDOW"},
		},
		&cli.Int64Flag{
			Name:    "max-queue-depth",
			Usage:   "pending jobs beyond which new work is refused",
			Value:   10_000,
			EnvVars: []string{"MODGATE_MAX_QUEUE_DEPTH"},
		},
		&cli.Int64Flag{
			Name:    "rate-limit",
			Usage:   "max requests per client per rate window; zero disables",
			Value:   60,
			EnvVars: []string{"MODGATE_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "rate-window",
			Value:   time.Minute,
			EnvVars: []string{"MODGATE_RATE_WINDOW"},
		},
		&cli.DurationFlag{
			Name:    "job-timeout",
			Usage:   "processing time budget for a single job",
			Value:   5 * time.Minute,
			EnvVars: []string{"MODGATE_JOB_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "drain-timeout",
			Usage:   "how long shutdown waits for in-flight jobs",
			Value:   30 * time.Second,
			EnvVars: []string{"MODGATE_DRAIN_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "cache-ttl",
			Value:   30 * time.Minute,
			EnvVars: []string{"MODGATE_CACHE_TTL"},
		},
		&cli.DurationFlag{
			Name:    "result-ttl",
			Value:   24 * time.Hour,
			EnvVars: []string{"MODGATE_RESULT_TTL"},
		},
		&cli.DurationFlag{
			Name:    "status-ttl",
			Value:   time.Hour,
			EnvVars: []string{"MODGATE_STATUS_TTL"},
		},
		&cli.StringFlag{
			Name:    "keyword-sets",
			Usage:   "path to JSON file of keyword lists per category",
			EnvVars: []string{"MODGATE_KEYWORD_SETS"},
		},
		&cli.StringFlag{
			Name:    "hive-api-token",
			Usage:   "API token for Hive AI image scoring",
			EnvVars: []string{"HIVE_API_TOKEN"},
		},
		&cli.Float64Flag{
			Name:    "hive-rate-limit",
			Usage:   "max requests per second to the Hive API",
			Value:   10,
			EnvVars: []string{"MODGATE_HIVE_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "heartbeat-interval",
			Usage:   "idle time after which stream connections with running jobs get a heartbeat",
			Value:   15 * time.Second,
			EnvVars: []string{"MODGATE_HEARTBEAT_INTERVAL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := svcutil.ConfigLogger(cctx, os.Stdout)

		shutdownOTEL := configOTEL("modgate")
		defer shutdownOTEL()

		svc, err := service.New(service.Config{
			RedisURL:          cctx.String("redis-url"),
			MemcachedServers:  splitServers(cctx.StringSlice("memcached-servers")),
			DatabaseURL:       cctx.String("database-url"),
			Workers:           cctx.Int("workers"),
			BatchSize:         cctx.Int("batch-size"),
			BatchWindow:       cctx.Duration("batch-window"),
			MaxQueueDepth:     cctx.Int64("max-queue-depth"),
			RateLimit:         cctx.Int64("rate-limit"),
			RateWindow:        cctx.Duration("rate-window"),
			JobTimeout:        cctx.Duration("job-timeout"),
			DrainTimeout:      cctx.Duration("drain-timeout"),
			CacheTTL:          cctx.Duration("cache-ttl"),
			ResultTTL:         cctx.Duration("result-ttl"),
			StatusTTL:         cctx.Duration("status-ttl"),
			KeywordSetsFile:   cctx.String("keyword-sets"),
			HiveAPIToken:      cctx.String("hive-api-token"),
			HiveRateLimit:     cctx.Float64("hive-rate-limit"),
			HeartbeatInterval: cctx.Duration("heartbeat-interval"),
			Logger:            logger,
		})
		if err != nil {
			return fmt.Errorf("failed to construct service: %w", err)
		}

		// loads scorers before the HTTP listener comes up, so the first real job doesn't pay for it
		if err := svc.Start(cctx.Context); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}

		srv := NewServer(svc, cctx.String("bind"), logger)

		go func() {
			if err := RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		errs := make(chan error, 1)
		go func() {
			errs <- srv.RunAPI()
		}()

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-signals:
			logger.Info("received OS exit signal", "signal", sig)
		case err := <-errs:
			logger.Error("HTTP server shutting down unexpectedly", "err", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), cctx.Duration("drain-timeout")+10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		if err := svc.Stop(ctx); err != nil {
			return fmt.Errorf("service shutdown: %w", err)
		}
		logger.Info("graceful shutdown complete")
		return nil
	},
}

// Accepts both repeated flags and a single comma-separated env var.
func splitServers(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, s := range strings.Split(r, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
