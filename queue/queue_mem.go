package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluesky-social/modgate/moderation"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// max number of status and result records kept in memory
const memStoreSize = 100_000

type memEntry struct {
	seq    uint64
	id     string
	fields map[string]interface{}
}

type memPending struct {
	entry       *memEntry
	consumer    string
	deliveredAt time.Time
}

type memGroup struct {
	lastSeq uint64
	pending map[string]*memPending
}

type memStream struct {
	seq     uint64
	entries []*memEntry
	groups  map[string]*memGroup
}

// Single-process implementation of Client, with the same delivery semantics as RedisQueue but nothing survives a restart. Intended for development and tests.
type MemQueue struct {
	cfg Config

	lk      sync.Mutex
	streams map[string]*memStream
	// closed and replaced on every enqueue, to wake blocked consumers
	notify chan struct{}
	closed bool

	statuses *expirable.LRU[string, moderation.JobStatus]
	results  *expirable.LRU[string, *moderation.Result]
}

var _ Client = (*MemQueue)(nil)

func NewMemQueue(cfg Config) *MemQueue {
	cfg.setDefaults()
	return &MemQueue{
		cfg:      cfg,
		streams:  make(map[string]*memStream),
		notify:   make(chan struct{}),
		statuses: expirable.NewLRU[string, moderation.JobStatus](memStoreSize, nil, cfg.StatusTTL),
		results:  expirable.NewLRU[string, *moderation.Result](memStoreSize, nil, cfg.ResultTTL),
	}
}

// caller must hold lk
func (q *MemQueue) stream(name string) *memStream {
	s, ok := q.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		q.streams[name] = s
	}
	return s
}

// caller must hold lk
func (s *memStream) group(name string) *memGroup {
	g, ok := s.groups[name]
	if !ok {
		g = &memGroup{pending: make(map[string]*memPending)}
		s.groups[name] = g
	}
	return g
}

func (q *MemQueue) Enqueue(ctx context.Context, stream string, job moderation.Job) (string, error) {
	fields, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return "", fmt.Errorf("%w: queue closed", moderation.ErrQueueUnavailable)
	}
	s := q.stream(stream)
	s.seq++
	ent := &memEntry{seq: s.seq, id: fmt.Sprintf("%d-0", s.seq), fields: fields}
	s.entries = append(s.entries, ent)
	close(q.notify)
	q.notify = make(chan struct{})
	enqueued.Inc()
	return ent.id, nil
}

func (q *MemQueue) Consume(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Entry, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		q.lk.Lock()
		if q.closed {
			q.lk.Unlock()
			return nil, fmt.Errorf("%w: queue closed", moderation.ErrQueueUnavailable)
		}
		s := q.stream(stream)
		g := s.group(group)
		var out []Entry
		now := time.Now()
		for _, ent := range s.entries {
			if max > 0 && int64(len(out)) >= max {
				break
			}
			if ent.seq <= g.lastSeq {
				continue
			}
			g.lastSeq = ent.seq
			g.pending[ent.id] = &memPending{entry: ent, consumer: consumer, deliveredAt: now}
			out = append(out, decodeJob(ent.id, ent.fields))
		}
		notify := q.notify
		q.lk.Unlock()

		if len(out) > 0 || deadline == nil {
			consumed.Add(float64(len(out)))
			return out, nil
		}
		select {
		case <-notify:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemQueue) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, max int64) ([]Entry, error) {
	q.lk.Lock()
	defer q.lk.Unlock()
	g := q.stream(stream).group(group)
	now := time.Now()
	var out []Entry
	for _, ent := range q.streams[stream].entries {
		if max > 0 && int64(len(out)) >= max {
			break
		}
		p, ok := g.pending[ent.id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		out = append(out, decodeJob(ent.id, ent.fields))
	}
	claimed.Add(float64(len(out)))
	return out, nil
}

func (q *MemQueue) Acknowledge(ctx context.Context, stream, group, entryID string) error {
	q.lk.Lock()
	defer q.lk.Unlock()
	s := q.stream(stream)
	delete(s.group(group).pending, entryID)
	for i, ent := range s.entries {
		if ent.id == entryID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	acknowledged.Inc()
	return nil
}

func (q *MemQueue) SetStatus(ctx context.Context, jobID string, status moderation.JobStatus) error {
	q.statuses.Add(jobID, status)
	return nil
}

func (q *MemQueue) GetStatus(ctx context.Context, jobID string) (moderation.JobStatus, error) {
	st, _ := q.statuses.Get(jobID)
	return st, nil
}

func (q *MemQueue) StoreResult(ctx context.Context, jobID string, res *moderation.Result) error {
	q.results.Add(jobID, res)
	return nil
}

func (q *MemQueue) GetResult(ctx context.Context, jobID string) (*moderation.Result, error) {
	res, _ := q.results.Get(jobID)
	return res, nil
}

func (q *MemQueue) Depth(ctx context.Context) (int64, error) {
	q.lk.Lock()
	defer q.lk.Unlock()
	s, ok := q.streams[q.cfg.Stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (q *MemQueue) HealthCheck(ctx context.Context) bool {
	q.lk.Lock()
	defer q.lk.Unlock()
	return !q.closed
}

func (q *MemQueue) Close() error {
	q.lk.Lock()
	defer q.lk.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}
