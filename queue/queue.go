// Durable job intake and result handoff.
//
// Jobs are appended to a stream and read through consumer groups: each entry is delivered to one member of a group, and stays pending (and claimable by other members) until acknowledged. Job status and results are stored per job id, each with its own TTL.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bluesky-social/modgate/moderation"
)

const (
	DefaultStream = "modgate:jobs"
	DefaultGroup  = "modgate"

	DefaultStatusTTL = time.Hour
	DefaultResultTTL = 24 * time.Hour
)

// A job as delivered from a stream. Err is set (and Job is partial) when the entry could not be decoded; such entries should be acknowledged and marked failed, not retried.
type Entry struct {
	ID  string
	Job moderation.Job
	Err error
}

type Client interface {
	// Appends job to stream, returning the entry id. The job must carry a ContentRef; raw content is never written to the stream.
	Enqueue(ctx context.Context, stream string, job moderation.Job) (string, error)
	// Reads up to max new entries for consumer, waiting up to block for at least one. Creates the group if needed.
	Consume(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Entry, error)
	// Takes over entries which have been pending on some other consumer for at least minIdle.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, max int64) ([]Entry, error)
	Acknowledge(ctx context.Context, stream, group, entryID string) error

	SetStatus(ctx context.Context, jobID string, status moderation.JobStatus) error
	// Returns an empty status, not an error, for unknown or expired jobs.
	GetStatus(ctx context.Context, jobID string) (moderation.JobStatus, error)
	StoreResult(ctx context.Context, jobID string, res *moderation.Result) error
	// Returns nil, not an error, for unknown or expired jobs.
	GetResult(ctx context.Context, jobID string) (*moderation.Result, error)

	// Number of entries in the default stream which are waiting or pending acknowledgement.
	Depth(ctx context.Context) (int64, error)
	// Never returns an error; an unreachable backend is simply unhealthy.
	HealthCheck(ctx context.Context) bool
	Close() error
}

type Config struct {
	// stream used by Depth
	Stream    string
	StatusTTL time.Duration
	ResultTTL time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = DefaultStatusTTL
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
}

func statusKey(jobID string) string {
	return "status:" + jobID
}

func resultKey(jobID string) string {
	return "result:" + jobID
}

// Flattens a job in to stream entry fields.
func encodeJob(job moderation.Job) (map[string]interface{}, error) {
	if job.ID == "" {
		return nil, fmt.Errorf("%w: missing job id", moderation.ErrBadRequest)
	}
	if job.ContentRef == "" {
		return nil, fmt.Errorf("%w: job %s has no content_ref", moderation.ErrBadRequest, job.ID)
	}
	meta := []byte("{}")
	if len(job.Metadata) > 0 {
		b, err := json.Marshal(job.Metadata)
		if err != nil {
			return nil, err
		}
		meta = b
	}
	kind := job.Kind
	if kind == "" {
		kind = moderation.KindText
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return map[string]interface{}{
		"job_id":        job.ID,
		"kind":          string(kind),
		"content_ref":   job.ContentRef,
		"metadata_json": string(meta),
		"created_at":    created.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeJob(id string, fields map[string]interface{}) Entry {
	str := func(k string) string {
		v, _ := fields[k].(string)
		return v
	}
	ent := Entry{ID: id}
	ent.Job.ID = str("job_id")
	ent.Job.ContentRef = str("content_ref")
	if ent.Job.ID == "" || ent.Job.ContentRef == "" {
		ent.Err = fmt.Errorf("%w: stream entry %s missing job_id or content_ref", moderation.ErrBadRequest, id)
		return ent
	}
	kind, err := moderation.ParseContentKind(str("kind"))
	if err != nil {
		ent.Err = err
		return ent
	}
	ent.Job.Kind = kind
	if raw := str("metadata_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ent.Job.Metadata); err != nil {
			ent.Err = fmt.Errorf("%w: stream entry %s has invalid metadata_json: %w", moderation.ErrBadRequest, id, err)
			return ent
		}
	}
	if raw := str("created_at"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			ent.Err = fmt.Errorf("%w: stream entry %s has invalid created_at: %w", moderation.ErrBadRequest, id, err)
			return ent
		}
		ent.Job.CreatedAt = ts
	}
	return ent
}
