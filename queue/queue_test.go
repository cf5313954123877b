package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bluesky-social/modgate/moderation"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) (*miniredis.Miniredis, *RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueFromClient(rdb, Config{}, nil)
	t.Cleanup(func() {
		_ = q.Close()
	})
	return mr, q
}

func testJob(id string) moderation.Job {
	return moderation.Job{
		ID:         id,
		Kind:       moderation.KindImage,
		ContentRef: "https://example.com/" + id + ".png",
		Metadata:   map[string]string{"source": "upload"},
		CreatedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// behaviors shared by every backend
func testQueueBasics(t *testing.T, q Client) {
	assert := assert.New(t)
	ctx := context.Background()

	entries, err := q.Consume(ctx, DefaultStream, DefaultGroup, "c1", 10, 0)
	assert.NoError(err)
	assert.Empty(entries)

	for _, id := range []string{"job1", "job2", "job3"} {
		_, err := q.Enqueue(ctx, DefaultStream, testJob(id))
		require.NoError(t, err)
	}
	depth, err := q.Depth(ctx)
	assert.NoError(err)
	assert.Equal(int64(3), depth)

	entries, err = q.Consume(ctx, DefaultStream, DefaultGroup, "c1", 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NoError(entries[0].Err)
	assert.Equal(testJob("job1"), entries[0].Job)
	assert.Equal("job2", entries[1].Job.ID)

	// each entry goes to one member of the group
	rest, err := q.Consume(ctx, DefaultStream, DefaultGroup, "c2", 10, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal("job3", rest[0].Job.ID)

	// other groups see everything
	other, err := q.Consume(ctx, DefaultStream, "audit", "c1", 10, 0)
	require.NoError(t, err)
	assert.Len(other, 3)

	// unacknowledged entries are claimable by another consumer
	stolen, err := q.Claim(ctx, DefaultStream, DefaultGroup, "c2", 0, 10)
	require.NoError(t, err)
	assert.Len(stolen, 3)

	for _, ent := range append(entries, rest...) {
		assert.NoError(q.Acknowledge(ctx, DefaultStream, DefaultGroup, ent.ID))
	}
	depth, err = q.Depth(ctx)
	assert.NoError(err)
	assert.Equal(int64(0), depth)

	stolen, err = q.Claim(ctx, DefaultStream, DefaultGroup, "c2", 0, 10)
	require.NoError(t, err)
	assert.Empty(stolen)
}

func testQueueStore(t *testing.T, q Client) {
	assert := assert.New(t)
	ctx := context.Background()

	st, err := q.GetStatus(ctx, "job1")
	assert.NoError(err)
	assert.Equal(moderation.JobStatus(""), st)

	assert.NoError(q.SetStatus(ctx, "job1", moderation.StatusQueued))
	assert.NoError(q.SetStatus(ctx, "job1", moderation.StatusRunning))
	st, err = q.GetStatus(ctx, "job1")
	assert.NoError(err)
	assert.Equal(moderation.StatusRunning, st)

	res, err := q.GetResult(ctx, "job1")
	assert.NoError(err)
	assert.Nil(res)

	stored := &moderation.Result{
		Decision:       moderation.DecisionApprove,
		RiskLevel:      moderation.RiskLow,
		GlobalScore:    1,
		Flags:          []moderation.Category{},
		Reasons:        []string{"All categories below safety thresholds"},
		CategoryScores: moderation.CategoryScores{},
		AuditID:        "audit-1",
		CreatedAt:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	assert.NoError(q.StoreResult(ctx, "job1", stored))
	res, err = q.GetResult(ctx, "job1")
	assert.NoError(err)
	assert.Equal(stored, res)

	assert.True(q.HealthCheck(ctx))
}

func TestRedisQueueBasics(t *testing.T) {
	_, q := newTestRedisQueue(t)
	testQueueBasics(t, q)
}

func TestRedisQueueStore(t *testing.T) {
	_, q := newTestRedisQueue(t)
	testQueueStore(t, q)
}

func TestMemQueueBasics(t *testing.T) {
	testQueueBasics(t, NewMemQueue(Config{}))
}

func TestMemQueueStore(t *testing.T) {
	testQueueStore(t, NewMemQueue(Config{}))
}

func TestRedisQueueWireFormat(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	mr, q := newTestRedisQueue(t)

	_, err := q.Enqueue(ctx, "jobs", testJob("job1"))
	require.NoError(t, err)

	msgs, err := q.Client.XRange(ctx, "jobs", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(map[string]interface{}{
		"job_id":        "job1",
		"kind":          "image",
		"content_ref":   "https://example.com/job1.png",
		"metadata_json": `{"source":"upload"}`,
		"created_at":    "2024-03-01T12:00:00Z",
	}, msgs[0].Values)

	assert.NoError(q.SetStatus(ctx, "job1", moderation.StatusQueued))
	assert.NoError(q.StoreResult(ctx, "job1", &moderation.Result{Decision: moderation.DecisionBlock}))
	assert.True(mr.Exists("status:job1"))
	assert.True(mr.Exists("result:job1"))
	assert.Equal(DefaultStatusTTL, mr.TTL("status:job1"))
	assert.Equal(DefaultResultTTL, mr.TTL("result:job1"))
}

func TestRedisQueueExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	mr, q := newTestRedisQueue(t)

	assert.NoError(q.SetStatus(ctx, "job1", moderation.StatusCompleted))
	assert.NoError(q.StoreResult(ctx, "job1", &moderation.Result{Decision: moderation.DecisionApprove}))

	// status is short-lived, result outlives it
	mr.FastForward(2 * time.Hour)
	st, err := q.GetStatus(ctx, "job1")
	assert.NoError(err)
	assert.Empty(st)
	res, err := q.GetResult(ctx, "job1")
	assert.NoError(err)
	assert.NotNil(res)

	mr.FastForward(24 * time.Hour)
	res, err = q.GetResult(ctx, "job1")
	assert.NoError(err)
	assert.Nil(res)
}

func TestRedisQueueMalformedEntry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, q := newTestRedisQueue(t)

	require.NoError(t, q.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: DefaultStream,
		Values: map[string]interface{}{"job_id": "job1"},
	}).Err())
	require.NoError(t, q.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: DefaultStream,
		Values: map[string]interface{}{"job_id": "job2", "content_ref": "b64:", "kind": "audio"},
	}).Err())

	entries, err := q.Consume(ctx, DefaultStream, DefaultGroup, "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.ErrorIs(entries[0].Err, moderation.ErrBadRequest)
	assert.ErrorIs(entries[1].Err, moderation.ErrBadRequest)
	assert.Equal("job2", entries[1].Job.ID)
}

func TestRedisQueueUnavailable(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	mr, q := newTestRedisQueue(t)

	mr.Close()
	assert.False(q.HealthCheck(ctx))
	_, err := q.Enqueue(ctx, DefaultStream, testJob("job1"))
	assert.ErrorIs(err, moderation.ErrQueueUnavailable)
	_, err = q.Depth(ctx)
	assert.ErrorIs(err, moderation.ErrQueueUnavailable)

	assert.NoError(q.Close())
	assert.NoError(q.Close())
}

func TestEnqueueValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	q := NewMemQueue(Config{})

	job := testJob("job1")
	job.ContentRef = ""
	_, err := q.Enqueue(ctx, DefaultStream, job)
	assert.ErrorIs(err, moderation.ErrBadRequest)

	_, err = q.Enqueue(ctx, DefaultStream, moderation.Job{ContentRef: "b64:"})
	assert.ErrorIs(err, moderation.ErrBadRequest)
}

func TestMemQueueBlockingConsume(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	q := NewMemQueue(Config{})

	start := time.Now()
	entries, err := q.Consume(ctx, DefaultStream, DefaultGroup, "c1", 10, 30*time.Millisecond)
	assert.NoError(err)
	assert.Empty(entries)
	assert.GreaterOrEqual(time.Since(start), 30*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Enqueue(ctx, DefaultStream, testJob("job1"))
	}()
	entries, err = q.Consume(ctx, DefaultStream, DefaultGroup, "c1", 10, 5*time.Second)
	assert.NoError(err)
	assert.Len(entries, 1)

	assert.NoError(q.Close())
	assert.False(q.HealthCheck(ctx))
	_, err = q.Consume(ctx, DefaultStream, DefaultGroup, "c1", 10, time.Second)
	assert.True(errors.Is(err, moderation.ErrQueueUnavailable))
}

func TestMemQueueClaimIdle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	q := NewMemQueue(Config{})

	_, err := q.Enqueue(ctx, DefaultStream, testJob("job1"))
	require.NoError(t, err)
	_, err = q.Consume(ctx, DefaultStream, DefaultGroup, "dead", 10, 0)
	require.NoError(t, err)

	// not idle long enough yet
	stolen, err := q.Claim(ctx, DefaultStream, DefaultGroup, "alive", time.Hour, 10)
	assert.NoError(err)
	assert.Empty(stolen)

	time.Sleep(10 * time.Millisecond)
	stolen, err = q.Claim(ctx, DefaultStream, DefaultGroup, "alive", 5*time.Millisecond, 10)
	assert.NoError(err)
	assert.Len(stolen, 1)
}

func TestMemQueueStoreExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	q := NewMemQueue(Config{StatusTTL: 20 * time.Millisecond})

	assert.NoError(q.SetStatus(ctx, "job1", moderation.StatusQueued))
	time.Sleep(50 * time.Millisecond)
	st, err := q.GetStatus(ctx, "job1")
	assert.NoError(err)
	assert.Empty(st)
}
