package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/modgate/fingerprint"
	"github.com/bluesky-social/modgate/moderation"
)

type JobState string

const (
	StateReceived  JobState = "received"
	StateScheduled JobState = "scheduled"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Maps coordinator state to the coarser status exposed through the job store.
func (s JobState) Status() moderation.JobStatus {
	switch s {
	case StateRunning:
		return moderation.StatusRunning
	case StateCompleted:
		return moderation.StatusCompleted
	case StateFailed, StateCancelled:
		return moderation.StatusFailed
	default:
		return moderation.StatusQueued
	}
}

// One item of intermediate data attached to a running job.
type Update struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Pending computation for a single fingerprint. Resolved exactly once; shared by every job with the same content while it is in flight.
type computation struct {
	job     moderation.Job
	fp      fingerprint.Fingerprint
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lk    sync.Mutex
	timer *time.Timer
	// set once the last waiter has gone; no new waiters may join after that
	abandoned bool
	state     JobState
	result  *moderation.Result
	err     error
	updates []Update
	changed chan struct{}
	waiters int
}

func newComputation(parent context.Context, job moderation.Job, fp fingerprint.Fingerprint) *computation {
	ctx, cancel := context.WithCancel(parent)
	return &computation{
		job:     job,
		fp:      fp,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateReceived,
		changed: make(chan struct{}),
		waiters: 1,
	}
}

// Registers another waiter. Fails if the computation already resolved, in which case the caller must not share it.
func (c *computation) addWaiter() bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.abandoned || c.state.Terminal() {
		return false
	}
	c.waiters++
	return true
}

// Drops a waiter. Reports true when that was the last one and the computation is still unresolved; from then on the computation is abandoned and addWaiter refuses.
func (c *computation) dropWaiter() bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.waiters--
	if c.waiters <= 0 && !c.state.Terminal() {
		c.abandoned = true
		return true
	}
	return false
}

// Arms the job time budget. Holding lk means a timer firing straight away still sees it assigned.
func (c *computation) startTimer(d time.Duration, fn func()) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.timer = time.AfterFunc(d, fn)
}

// Moves a non-terminal computation forward. Returns false if it has already resolved.
func (c *computation) transition(to JobState) bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.state.Terminal() {
		return false
	}
	c.state = to
	return true
}

func (c *computation) report(key, val string) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.state.Terminal() {
		return
	}
	c.updates = append(c.updates, Update{Key: key, Value: val})
	close(c.changed)
	c.changed = make(chan struct{})
}

// Resolves the computation. Only the first call has any effect; it reports whether it won.
func (c *computation) resolve(state JobState, res *moderation.Result, err error) bool {
	c.lk.Lock()
	if c.state.Terminal() {
		c.lk.Unlock()
		return false
	}
	c.state = state
	c.result = res
	c.err = err
	close(c.changed)
	c.changed = make(chan struct{})
	timer := c.timer
	c.lk.Unlock()

	if timer != nil {
		timer.Stop()
	}
	c.cancel()
	close(c.done)
	return true
}

func (c *computation) snapshot(from int) ([]Update, <-chan struct{}) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if from < 0 || from >= len(c.updates) {
		return nil, c.changed
	}
	out := make([]Update, len(c.updates)-from)
	copy(out, c.updates[from:])
	return out, c.changed
}

func (c *computation) outcome() (JobState, *moderation.Result, error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.state, c.result, c.err
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Completion handle for one scheduled job. Several handles may share a single computation when their content is identical.
//
// Every handle must be released once the caller stops caring about it. Releasing never cancels a computation which other handles are still waiting on.
type Handle struct {
	JobID       string
	Fingerprint fingerprint.Fingerprint
	// true when the result came straight from the cache, without any computation
	Cached bool

	comp     *computation
	cached   *moderation.Result
	coord    *Coordinator
	released atomic.Bool
}

// Closed once the handle has resolved.
func (h *Handle) Done() <-chan struct{} {
	if h.comp == nil {
		return closedChan
	}
	return h.comp.done
}

// Blocks until the job resolves or ctx is done. Giving up on ctx does not cancel the job; call Release for that.
func (h *Handle) Wait(ctx context.Context) (*moderation.Result, error) {
	select {
	case <-h.Done():
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Non-blocking. Returns (nil, nil) while the job is still pending.
func (h *Handle) Result() (*moderation.Result, error) {
	if h.comp == nil {
		return h.cached, nil
	}
	_, res, err := h.comp.outcome()
	return res, err
}

func (h *Handle) State() JobState {
	if h.comp == nil {
		return StateCompleted
	}
	state, _, _ := h.comp.outcome()
	return state
}

// Returns intermediate updates from index from onward, plus a channel which is closed when anything changes (a new update, or resolution).
func (h *Handle) Progress(from int) ([]Update, <-chan struct{}) {
	if h.comp == nil {
		return nil, closedChan
	}
	return h.comp.snapshot(from)
}

// Safe to call more than once; only the first call counts.
func (h *Handle) Release() {
	if h.comp == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	if h.comp.dropWaiter() {
		h.coord.abandon(h.comp)
	}
}
