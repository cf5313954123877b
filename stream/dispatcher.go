// Streaming moderation over websockets.
//
// Clients send JSON requests (moderation.Request) as websocket messages. For each request the server streams back binary CBOR messages: a partial frame for every intermediate update while the job runs, then a final frame carrying the result. Failures are reported as error frames, and never close the connection. A text heartbeat marker is sent while jobs are running and the connection has otherwise been quiet.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/modgate/admission"
	"github.com/bluesky-social/modgate/coordinator"
	"github.com/bluesky-social/modgate/moderation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("modgate/stream")

// Text message sent between data frames to keep idle connections alive.
const HeartbeatMarker = "heartbeat"

type Scheduler interface {
	Schedule(ctx context.Context, job moderation.Job) (*coordinator.Handle, error)
}

type ContentResolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

type Config struct {
	Scheduler Scheduler
	Resolver  ContentResolver
	// may be nil, to admit everything
	Gate *admission.Gate

	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration

	Logger *slog.Logger
}

type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: logger.With("system", "stream"),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  10 << 10,
	WriteBufferSize: 10 << 10,
}

// Upgrades the request and serves the connection until the client goes away. Each connection is its own admission session.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("upgrading websocket", "err", err, "remote_addr", r.RemoteAddr)
		return
	}
	session := "ws-" + uuid.NewString()
	if err := d.HandleConn(r.Context(), conn, session); err != nil {
		d.logger.Warn("stream connection ended", "err", err, "session", session)
	}
}

// Serializes writes to a single connection.
type connWriter struct {
	conn    *websocket.Conn
	timeout time.Duration
	// per-connection, not registered
	eventsSent prometheus.Counter

	lk        sync.Mutex
	lastWrite time.Time
}

func (cw *connWriter) writeEvent(evt *StreamEvent) error {
	cw.lk.Lock()
	defer cw.lk.Unlock()

	if err := cw.conn.SetWriteDeadline(time.Now().Add(cw.timeout)); err != nil {
		return err
	}
	wc, err := cw.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return fmt.Errorf("failed to get next writer: %w", err)
	}
	if err := evt.Serialize(wc); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to flush-close event write: %w", err)
	}
	cw.lastWrite = time.Now()
	cw.eventsSent.Inc()
	return nil
}

func (cw *connWriter) sentCount() float64 {
	var m = &dto.Metric{}
	if err := cw.eventsSent.Write(m); err != nil {
		return 0
	}
	return m.Counter.GetValue()
}

// Writes a heartbeat unless something else was written within idle.
func (cw *connWriter) heartbeat(idle time.Duration) error {
	cw.lk.Lock()
	defer cw.lk.Unlock()

	if time.Since(cw.lastWrite) < idle {
		return nil
	}
	if err := cw.conn.SetWriteDeadline(time.Now().Add(cw.timeout)); err != nil {
		return err
	}
	if err := cw.conn.WriteMessage(websocket.TextMessage, []byte(HeartbeatMarker)); err != nil {
		return err
	}
	cw.lastWrite = time.Now()
	heartbeatsSent.Inc()
	return nil
}

// Reads requests from conn until it closes or ctx is done. Requests are handled concurrently; frames for different jobs may interleave.
//
// When the connection goes away, outstanding handles are released without cancelling computations other callers still wait on.
func (d *Dispatcher) HandleConn(ctx context.Context, conn *websocket.Conn, session string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	activeConnections.Inc()
	defer activeConnections.Dec()

	logger := d.logger.With("session", session, "remote_addr", conn.RemoteAddr().String())
	logger.Debug("new stream connection")

	// clear any deadline left over from the HTTP server; reads block until the client sends something
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	cw := &connWriter{
		conn:       conn,
		timeout:    d.cfg.WriteTimeout,
		eventsSent: prometheus.NewCounter(prometheus.CounterOpts{Name: "stream_events_sent"}),
		lastWrite:  time.Now(),
	}
	var active atomic.Int64
	var wg sync.WaitGroup

	defer func() {
		cancel()
		wg.Wait()
		if d.cfg.Gate != nil {
			d.cfg.Gate.Forget(session)
		}
		logger.Info("stream connection closed", "events_sent", cw.sentCount())
	}()

	// unblocks the read loop when we give up on the connection from this side
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if active.Load() == 0 {
					continue
				}
				if err := cw.heartbeat(d.cfg.HeartbeatInterval); err != nil {
					logger.Warn("failed to send heartbeat", "err", err)
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading from stream connection: %w", err)
		}
		requestsReceived.Inc()

		active.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer active.Add(-1)
			if err := d.handleRequest(ctx, cw, session, msg); err != nil {
				logger.Warn("failed to write to stream connection", "err", err)
				cancel()
			}
		}()
	}
}

// Runs a single request to completion. Only write failures are returned; everything else becomes an error frame.
func (d *Dispatcher) handleRequest(ctx context.Context, cw *connWriter, session string, msg []byte) error {
	ctx, span := tracer.Start(ctx, "handleRequest")
	defer span.End()

	var req moderation.Request
	parseErr := json.Unmarshal(msg, &req)

	if d.cfg.Gate != nil {
		if err := d.cfg.Gate.Admit(ctx, session); err != nil {
			return d.sendError(cw, req.JobID, err)
		}
	}
	if parseErr != nil {
		return d.sendError(cw, "", fmt.Errorf("%w: %w", moderation.ErrBadRequest, parseErr))
	}
	job, err := req.Job()
	if err != nil {
		return d.sendError(cw, req.JobID, err)
	}
	span.SetAttributes(attribute.String("job", job.ID), attribute.String("kind", string(job.Kind)))

	content, err := d.cfg.Resolver.Resolve(ctx, job.ContentRef)
	if err != nil {
		return d.sendError(cw, job.ID, err)
	}
	job.Content = content

	h, err := d.cfg.Scheduler.Schedule(ctx, job)
	if err != nil {
		return d.sendError(cw, job.ID, err)
	}
	defer h.Release()

	return d.follow(ctx, cw, h)
}

// Emits a partial frame per update, then the final frame. A handle served from the cache has no updates, so it produces just the final frame.
func (d *Dispatcher) follow(ctx context.Context, cw *connWriter, h *coordinator.Handle) error {
	var seq int64
	seen := 0
	for {
		updates, changed := h.Progress(seen)
		for _, u := range updates {
			payload, err := NewObjectPayload(u)
			if err != nil {
				return err
			}
			seq++
			if err := cw.writeEvent(&StreamEvent{Frame: &Frame{JobID: h.JobID, Seq: seq, Payload: payload}}); err != nil {
				return err
			}
			framesSent.WithLabelValues("partial").Inc()
		}
		seen += len(updates)

		select {
		case <-h.Done():
			// resolution freezes the update log; flush whatever arrived since the last pass
			if tail, _ := h.Progress(seen); len(tail) > 0 {
				continue
			}
			return d.sendFinal(cw, h, seq+1)
		case <-changed:
		case <-ctx.Done():
			// the client went away; our caller releases the handle
			return nil
		}
	}
}

func (d *Dispatcher) sendFinal(cw *connWriter, h *coordinator.Handle, seq int64) error {
	res, err := h.Result()
	if err != nil {
		return d.sendError(cw, h.JobID, err)
	}
	payload, err := NewObjectPayload(res)
	if err != nil {
		return err
	}
	if h.Cached {
		framesSent.WithLabelValues("cached").Inc()
	} else {
		framesSent.WithLabelValues("final").Inc()
	}
	return cw.writeEvent(&StreamEvent{Frame: &Frame{JobID: h.JobID, Seq: seq, Final: true, Payload: payload}})
}

func (d *Dispatcher) sendError(cw *connWriter, jobID string, err error) error {
	if !errors.Is(err, moderation.ErrAdmissionRejected) && !errors.Is(err, moderation.ErrBadRequest) {
		d.logger.Warn("stream job failed", "job", jobID, "err", err)
	}
	framesSent.WithLabelValues("error").Inc()
	return cw.writeEvent(&StreamEvent{Error: &ErrorFrame{
		JobID:   jobID,
		Error:   moderation.ErrorCode(err),
		Message: err.Error(),
	}})
}
