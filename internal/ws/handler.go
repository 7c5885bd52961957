package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/metrics"
	"github.com/saker-ai/voice-relay/internal/session"
	"github.com/saker-ai/voice-relay/internal/transport"
)

// Options configures a Handler.
type Options struct {
	QueueCapacity int
	Transport     transport.Options
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Handler bridges one WebSocket client at a time to a fresh remote session.
type Handler struct {
	logger   *zap.Logger
	accepter *transport.Accepter
	opener   session.Opener
	metrics  *metrics.Metrics
	queueCap int

	active atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a handler that opens remote sessions through opener.
func NewHandler(opener session.Opener, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	topts := opts.Transport
	if topts.Logger == nil {
		topts.Logger = logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		logger:   logger,
		accepter: transport.NewAccepter(topts),
		opener:   opener,
		metrics:  opts.Metrics,
		queueCap: opts.QueueCapacity,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Active reports whether a connection is currently bridged.
func (h *Handler) Active() bool {
	return h.active.Load()
}

// Close ends the active connection, if any, and waits for its teardown.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

// Handle upgrades the request and relays until either side goes away.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()
	if !h.active.CompareAndSwap(false, true) {
		h.metrics.RecordRejected()
		h.logger.Warn("ws connection rejected; another session is active",
			zap.String("remote_addr", r.RemoteAddr),
		)
		http.Error(w, "another session is active", http.StatusConflict)
		return
	}
	defer h.active.Store(false)

	conn, err := h.accepter.Accept(w, r)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	logger := h.logger.With(zap.String("conn_id", connID))
	sess := newConnSession(connID, conn, session.NewBridge(h.opener, conn,
		session.WithLogger(logger),
		session.WithMetrics(h.metrics),
		session.WithQueueCapacity(h.queueCap),
	), logger)

	logger.Info("ws session opened", zap.String("remote_addr", conn.RemoteAddr()))
	h.metrics.RecordConnectionStart()
	started := time.Now()

	var runEndedFirst atomic.Bool
	runDone := make(chan error, 1)
	go func() {
		err := sess.bridge.Run(h.ctx)
		runEndedFirst.Store(conn.State() == transport.StateConnected)
		runDone <- err
		_ = conn.Close()
	}()

	for {
		msg, err := conn.Receive()
		if err != nil {
			break
		}
		sess.dispatch(msg)
	}
	if !runEndedFirst.Load() {
		logger.Info("client disconnected", zap.String("domain", "transport"), zap.NamedError("cause", conn.Cause()))
	}

	sess.bridge.Close()
	runErr := <-runDone

	outcome := h.logOutcome(logger, runErr, sess)
	h.metrics.RecordConnectionEnd(outcome, time.Since(started))
}

func (h *Handler) logOutcome(logger *zap.Logger, runErr error, sess *connSession) string {
	fields := []zap.Field{
		zap.Uint64("frames_dropped", sess.bridge.Dropped()),
		zap.Uint64("frames_ignored", sess.ignored.Load()),
		zap.String("state", string(sess.bridge.State())),
	}
	switch {
	case runErr == nil:
		logger.Info("ws session closed", fields...)
		return "clean"
	case errors.Is(runErr, context.Canceled):
		logger.Info("ws session closed by shutdown", fields...)
		return "shutdown"
	case errors.Is(runErr, session.ErrSessionEstablish):
		h.metrics.RecordError("session")
		logger.Error("remote session could not be established",
			append(fields, zap.String("domain", "session"), zap.Error(runErr))...)
		return "establish_failed"
	default:
		h.metrics.RecordError("session")
		logger.Error("remote session failed",
			append(fields, zap.String("domain", "session"), zap.Error(runErr))...)
		return "session_failed"
	}
}
