package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saker-ai/voice-relay/internal/metrics"
	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/queue"
	"github.com/saker-ai/voice-relay/internal/session/fsm"
	"github.com/saker-ai/voice-relay/internal/transport"
)

var (
	// ErrSessionEstablish wraps failures to open the remote session.
	ErrSessionEstablish = errors.New("session establish failed")
	// ErrSessionFailed wraps failures of an established remote session.
	ErrSessionFailed = errors.New("session failed")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("bridge already running")
)

const (
	defaultQueueCapacity = 256
	dropLogEvery         = 50
)

// Option customizes a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithQueueCapacity bounds the input queue in frames.
func WithQueueCapacity(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// Bridge relays audio frames from one transport connection into one remote
// session and forwards the session's output back to the transport.
//
// Submit and Close may be called from any goroutine. Run owns the remote
// session for its whole lifetime and releases it exactly once.
type Bridge struct {
	opener   Opener
	sink     Sink
	logger   *zap.Logger
	metrics  *metrics.Metrics
	capacity int

	input     *queue.Queue[[]byte]
	streaming atomic.Bool
	running   atomic.Bool
	dropped   atomic.Uint64
	machine   *fsm.Machine
}

// NewBridge creates a bridge that is accepting input. Run must be called to
// start relaying.
func NewBridge(opener Opener, sink Sink, opts ...Option) *Bridge {
	b := &Bridge{
		opener:   opener,
		sink:     sink,
		logger:   zap.NewNop(),
		capacity: defaultQueueCapacity,
		machine:  fsm.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.input = queue.New(b.capacity, queue.WithDropHook(b.onDrop))
	b.streaming.Store(true)
	return b
}

// State returns the current lifecycle state.
func (b *Bridge) State() fsm.State {
	return b.machine.State()
}

// Streaming reports whether Submit still accepts frames.
func (b *Bridge) Streaming() bool {
	return b.streaming.Load()
}

// Dropped returns how many frames were evicted from a full input queue.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Submit enqueues one audio frame without blocking. The caller must not reuse
// frame afterwards. After Close it is a no-op and reports false.
func (b *Bridge) Submit(frame []byte) bool {
	if !b.streaming.Load() {
		return false
	}
	if !b.input.Push(frame) {
		return false
	}
	b.metrics.RecordSubmitted(len(frame))
	b.metrics.SetQueueDepth(b.input.Len())
	return true
}

// Close stops accepting input and queues the end marker behind every frame
// already submitted. Repeated calls have no effect.
func (b *Bridge) Close() {
	b.streaming.Store(false)
	if b.input.Close() {
		b.logger.Debug("bridge input closed", zap.Int("pending", b.input.Len()))
	}
}

// Run opens the remote session and relays in both directions until the
// session ends, the input is finished and the transport is gone, or ctx is
// cancelled. Establish failures are wrapped in ErrSessionEstablish and
// failures of the running session in ErrSessionFailed.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.Close()

	b.machine.OnOpen()
	remote, err := b.opener.Open(ctx)
	if err != nil {
		b.machine.OnFailed()
		return fmt.Errorf("%w: %w", ErrSessionEstablish, err)
	}
	b.machine.OnEstablished()
	b.logger.Info("remote session established")

	var (
		releaseOnce sync.Once
		released    atomic.Bool
	)
	release := func() {
		releaseOnce.Do(func() {
			released.Store(true)
			if err := remote.Close(); err != nil {
				b.logger.Debug("remote session close", zap.Error(err))
			}
		})
	}
	defer release()

	g, gctx := errgroup.WithContext(ctx)
	stopRelease := context.AfterFunc(gctx, release)
	defer stopRelease()

	sendCtx, cancelSend := context.WithCancel(gctx)
	defer cancelSend()
	recvDone := make(chan struct{})

	g.Go(func() error {
		return b.sendLoop(sendCtx, remote, release, recvDone)
	})
	g.Go(func() error {
		defer close(recvDone)
		remoteEnded, err := b.receiveLoop(gctx, remote, &released)
		if remoteEnded {
			cancelSend()
		}
		b.Close()
		return err
	})

	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		b.machine.OnFailed()
	} else {
		b.machine.OnClosed()
	}
	return err
}

func (b *Bridge) sendLoop(ctx context.Context, remote Remote, release func(), recvDone <-chan struct{}) error {
	for {
		frame, err := b.input.Pop(ctx)
		b.metrics.SetQueueDepth(b.input.Len())
		if errors.Is(err, queue.ErrClosed) {
			break
		}
		if err != nil {
			return nil
		}
		if err := remote.Send(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: send audio: %w", ErrSessionFailed, err)
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := remote.EndInput(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: end input: %w", ErrSessionFailed, err)
	}
	b.machine.OnInputEnded()
	b.logger.Debug("remote input ended")

	select {
	case <-b.sink.Done():
		release()
	case <-recvDone:
	case <-ctx.Done():
	}
	return nil
}

// receiveLoop forwards remote output until the session ends. remoteEnded is
// true when the remote finished on its own.
func (b *Bridge) receiveLoop(ctx context.Context, remote Remote, released *atomic.Bool) (remoteEnded bool, err error) {
	for {
		msg, err := remote.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.logger.Info("remote session ended")
				return true, nil
			}
			if released.Load() || ctx.Err() != nil {
				return false, nil
			}
			return true, fmt.Errorf("%w: receive: %w", ErrSessionFailed, err)
		}

		out, ok, err := toTransport(msg)
		if err != nil {
			b.logger.Warn("dropping unencodable remote message", zap.String("kind", string(msg.Kind)), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := b.sink.Send(out); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				b.logger.Debug("transport closed; stop forwarding")
				return false, nil
			}
			return false, err
		}
		b.metrics.RecordOutbound(string(msg.Kind), len(msg.Audio))
	}
}

func toTransport(msg protocol.Message) (transport.Message, bool, error) {
	switch msg.Kind {
	case protocol.KindAudio:
		if len(msg.Audio) == 0 {
			return transport.Message{}, false, nil
		}
		return transport.Binary(msg.Audio), true, nil
	case protocol.KindText, protocol.KindTurnComplete:
		data, err := protocol.EncodeText(msg)
		if err != nil {
			return transport.Message{}, false, err
		}
		return transport.Text(data), true, nil
	default:
		return transport.Message{}, false, fmt.Errorf("unknown message kind %q", msg.Kind)
	}
}

func (b *Bridge) onDrop([]byte) {
	n := b.dropped.Add(1)
	b.metrics.RecordDropped()
	if n == 1 || n%dropLogEvery == 0 {
		b.logger.Warn("input queue full; dropped oldest frame",
			zap.Uint64("dropped_total", n),
			zap.Int("capacity", b.capacity),
		)
	}
}
