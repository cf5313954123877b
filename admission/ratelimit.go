package admission

import (
	"sync/atomic"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/puzpuzpuz/xsync/v3"
)

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

type sessionLimiter struct {
	lim  *slidingwindow.Limiter
	stop slidingwindow.StopFunc
	// unix nanos of last Allow call
	lastSeen atomic.Int64
}

// Per-session sliding window rate limiter. Sessions are identified by an opaque key (connection id, client IP, API key).
type RateLimiter struct {
	Limit  int64
	Window time.Duration

	sessions *xsync.MapOf[string, *sessionLimiter]
}

func NewRateLimiter(limit int64, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		Limit:    limit,
		Window:   window,
		sessions: xsync.NewMapOf[string, *sessionLimiter](),
	}
}

// Reports whether one more request from session fits in the current window, and counts it if so. A non-positive Limit disables rate limiting.
func (r *RateLimiter) Allow(session string) bool {
	if r.Limit <= 0 {
		return true
	}
	sl, loaded := r.sessions.LoadOrCompute(session, func() *sessionLimiter {
		lim, stop := slidingwindow.NewLimiter(r.Window, r.Limit, windowFunc)
		return &sessionLimiter{lim: lim, stop: stop}
	})
	if !loaded {
		trackedSessions.Inc()
	}
	sl.lastSeen.Store(time.Now().UnixNano())
	return sl.lim.Allow()
}

// Drops all state for session. Called when a streaming connection goes away.
func (r *RateLimiter) Forget(session string) {
	sl, ok := r.sessions.LoadAndDelete(session)
	if !ok {
		return
	}
	trackedSessions.Dec()
	sl.stop()
}

// Forgets every session which has not been seen for longer than idle. Returns the number of sessions dropped.
func (r *RateLimiter) Prune(idle time.Duration) int {
	cutoff := time.Now().Add(-idle).UnixNano()
	var stale []string
	r.sessions.Range(func(key string, sl *sessionLimiter) bool {
		if sl.lastSeen.Load() < cutoff {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		r.Forget(key)
	}
	return len(stale)
}

func (r *RateLimiter) Len() int {
	return r.sessions.Size()
}
