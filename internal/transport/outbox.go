package transport

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/queue"
)

// Sender is the write half of a Conn.
type Sender interface {
	Send(Message) error
}

// Outbox decouples producers from the socket: Push never blocks, and a single
// writer goroutine drains the queue in order. Under sustained overload the
// oldest pending message is dropped.
type Outbox struct {
	sender Sender
	q      *queue.Queue[Message]
	logger *zap.Logger
	done   chan struct{}
}

// NewOutbox starts the writer goroutine. It stops when ctx is done, when the
// sender reports ErrClosed, or after Close once the backlog is written.
func NewOutbox(ctx context.Context, sender Sender, capacity int, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Outbox{
		sender: sender,
		q:      queue.New[Message](capacity),
		logger: logger,
		done:   make(chan struct{}),
	}
	go o.run(ctx)
	return o
}

// Push enqueues msg and reports whether it was accepted.
func (o *Outbox) Push(msg Message) bool {
	return o.q.Push(msg)
}

// Close stops accepting messages; queued ones are still written.
func (o *Outbox) Close() {
	o.q.Close()
}

// Done is closed when the writer goroutine exits.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Dropped reports how many messages were evicted by overflow.
func (o *Outbox) Dropped() uint64 {
	return o.q.Dropped()
}

func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)
	defer o.q.Close()
	for {
		msg, err := o.q.Pop(ctx)
		if err != nil {
			return
		}
		if err := o.sender.Send(msg); err != nil {
			if !errors.Is(err, ErrClosed) {
				o.logger.Warn("outbox send failed", zap.Error(err))
			}
			return
		}
	}
}
