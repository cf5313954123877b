package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/modgate/moderation"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("modgate/queue")

// Queue backed by redis streams and consumer groups. Acknowledged entries are deleted from the stream, so the stream length is the number of jobs not yet finished.
type RedisQueue struct {
	Client *redis.Client

	cfg       Config
	logger    *slog.Logger
	groups    *xsync.MapOf[string, bool]
	closeOnce sync.Once
	closeErr  error
}

var _ Client = (*RedisQueue)(nil)

func NewRedisQueue(redisURL string, cfg Config, logger *slog.Logger) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("%w: %w", moderation.ErrQueueUnavailable, err)
	}
	return NewRedisQueueFromClient(rdb, cfg, logger), nil
}

func NewRedisQueueFromClient(rdb *redis.Client, cfg Config, logger *slog.Logger) *RedisQueue {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		Client: rdb,
		cfg:    cfg,
		logger: logger.With("system", "queue"),
		groups: xsync.NewMapOf[string, bool](),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, stream string, job moderation.Job) (string, error) {
	fields, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	id, err := q.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: enqueue: %w", moderation.ErrQueueUnavailable, err)
	}
	enqueued.Inc()
	return id, nil
}

// Creates the consumer group (reading from the start of the stream) unless we already know it exists.
func (q *RedisQueue) ensureGroup(ctx context.Context, stream, group string) error {
	key := stream + "/" + group
	if _, ok := q.groups.Load(key); ok {
		return nil
	}
	err := q.Client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	q.groups.Store(key, true)
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "Consume", trace.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("group", group),
	))
	defer span.End()

	if err := q.ensureGroup(ctx, stream, group); err != nil {
		return nil, fmt.Errorf("%w: creating group: %w", moderation.ErrQueueUnavailable, err)
	}
	if block <= 0 {
		// a zero BLOCK argument would wait forever
		block = -1
	}
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    max,
		Block:    block,
	}
	res, err := q.Client.XReadGroup(ctx, args).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOGROUP") {
		// stream was deleted or flushed out from under us
		q.groups.Delete(stream + "/" + group)
		if err := q.ensureGroup(ctx, stream, group); err != nil {
			return nil, fmt.Errorf("%w: creating group: %w", moderation.ErrQueueUnavailable, err)
		}
		res, err = q.Client.XReadGroup(ctx, args).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: consume: %w", moderation.ErrQueueUnavailable, err)
	}

	var out []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			out = append(out, decodeJob(msg.ID, msg.Values))
		}
	}
	consumed.Add(float64(len(out)))
	return out, nil
}

func (q *RedisQueue) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, max int64) ([]Entry, error) {
	if err := q.ensureGroup(ctx, stream, group); err != nil {
		return nil, fmt.Errorf("%w: creating group: %w", moderation.ErrQueueUnavailable, err)
	}
	msgs, _, err := q.Client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: claim: %w", moderation.ErrQueueUnavailable, err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, decodeJob(msg.ID, msg.Values))
	}
	claimed.Add(float64(len(out)))
	if len(out) > 0 {
		q.logger.Info("claimed idle entries", "stream", stream, "group", group, "consumer", consumer, "count", len(out))
	}
	return out, nil
}

func (q *RedisQueue) Acknowledge(ctx context.Context, stream, group, entryID string) error {
	_, err := q.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, group, entryID)
		pipe.XDel(ctx, stream, entryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: acknowledge: %w", moderation.ErrQueueUnavailable, err)
	}
	acknowledged.Inc()
	return nil
}

func (q *RedisQueue) SetStatus(ctx context.Context, jobID string, status moderation.JobStatus) error {
	return q.Client.Set(ctx, statusKey(jobID), string(status), q.cfg.StatusTTL).Err()
}

func (q *RedisQueue) GetStatus(ctx context.Context, jobID string) (moderation.JobStatus, error) {
	val, err := q.Client.Get(ctx, statusKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return moderation.JobStatus(val), nil
}

func (q *RedisQueue) StoreResult(ctx context.Context, jobID string, res *moderation.Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return q.Client.Set(ctx, resultKey(jobID), b, q.cfg.ResultTTL).Err()
}

func (q *RedisQueue) GetResult(ctx context.Context, jobID string) (*moderation.Result, error) {
	b, err := q.Client.Get(ctx, resultKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res moderation.Result
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("decoding stored result for %s: %w", jobID, err)
	}
	return &res, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.Client.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", moderation.ErrQueueUnavailable, err)
	}
	return n, nil
}

func (q *RedisQueue) HealthCheck(ctx context.Context) bool {
	if err := q.Client.Ping(ctx).Err(); err != nil {
		q.logger.Warn("queue health check failed", "err", err)
		return false
	}
	return true
}

func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() {
		q.closeErr = q.Client.Close()
	})
	return q.closeErr
}
