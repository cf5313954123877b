package moderation

import (
	"errors"
	"fmt"
)

var (
	// caller was refused by admission control (rate limit or backpressure); retry later
	ErrAdmissionRejected = errors.New("admission rejected")
	// malformed job or request frame
	ErrBadRequest = errors.New("bad request")
	// a category scorer is missing or broken; absorbed as a degraded score
	ErrScorerUnavailable = errors.New("scorer unavailable")
	// job exceeded its processing time budget
	ErrComputationTimeout = errors.New("computation timeout")
	// cache backend read/write failure; absorbed as a cache miss
	ErrCacheBackend = errors.New("cache backend error")
	// durable queue or job store is not reachable
	ErrQueueUnavailable = errors.New("queue unavailable")
	// coordinator is draining and no longer accepts work
	ErrShuttingDown = errors.New("shutting down")
	// computation was abandoned because every waiter went away
	ErrCancelled = errors.New("computation cancelled")
)

type AdmissionReason string

const (
	ReasonRateLimited   AdmissionReason = "rate-limited"
	ReasonQueueOverflow AdmissionReason = "queue-overflow"
)

// Typed admission refusal. Matches ErrAdmissionRejected with errors.Is.
type AdmissionError struct {
	Reason AdmissionReason
	Depth  int64
	Limit  int64
}

func (e *AdmissionError) Error() string {
	switch e.Reason {
	case ReasonQueueOverflow:
		return fmt.Sprintf("admission rejected: queue overflow (depth=%d limit=%d)", e.Depth, e.Limit)
	default:
		return fmt.Sprintf("admission rejected: %s", e.Reason)
	}
}

func (e *AdmissionError) Is(target error) bool {
	return target == ErrAdmissionRejected
}

// Short machine-readable code for an error, used in error frames and REST error bodies.
func ErrorCode(err error) string {
	var ae *AdmissionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ae):
		return "AdmissionRejected:" + string(ae.Reason)
	case errors.Is(err, ErrAdmissionRejected):
		return "AdmissionRejected"
	case errors.Is(err, ErrBadRequest):
		return "BadRequest"
	case errors.Is(err, ErrComputationTimeout):
		return "ComputationTimeout"
	case errors.Is(err, ErrQueueUnavailable):
		return "QueueUnavailable"
	case errors.Is(err, ErrShuttingDown):
		return "ShuttingDown"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	case errors.Is(err, ErrScorerUnavailable):
		return "ScorerUnavailable"
	default:
		return "InternalError"
	}
}
