package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/transport"
)

// Audio is the local device pair.
type Audio interface {
	Capture() iter.Seq2[[]byte, error]
	Playback(pcm []byte) error
	Close() error
}

// Conn is the client end of the transport.
type Conn interface {
	Send(transport.Message) error
	Receive() (transport.Message, error)
	Close() error
}

// Options configures a Runner.
type Options struct {
	OutboxCapacity int
	Display        io.Writer
	Logger         *zap.Logger
}

// Runner streams the microphone to the relay and plays or prints whatever
// comes back, until either side goes away.
type Runner struct {
	conn    Conn
	audio   Audio
	display io.Writer
	logger  *zap.Logger
	outCap  int
}

// NewRunner wires an open connection to open audio devices. The runner takes
// ownership of both.
func NewRunner(conn Conn, audio Audio, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Display == nil {
		opts.Display = io.Discard
	}
	if opts.OutboxCapacity <= 0 {
		opts.OutboxCapacity = 256
	}
	return &Runner{
		conn:    conn,
		audio:   audio,
		display: opts.Display,
		logger:  opts.Logger,
		outCap:  opts.OutboxCapacity,
	}
}

// Run blocks until the relay disconnects or ctx is cancelled. Devices and the
// connection are released before it returns.
func (r *Runner) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outbox := transport.NewOutbox(runCtx, r.conn, r.outCap, r.logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.captureLoop(runCtx, outbox)
	}()
	go func() {
		defer wg.Done()
		<-runCtx.Done()
		_ = r.conn.Close()
	}()

	r.receiveLoop()

	cancel()
	outbox.Close()
	_ = r.conn.Close()
	if err := r.audio.Close(); err != nil {
		r.logger.Warn("audio close", zap.String("domain", "device"), zap.Error(err))
	}
	wg.Wait()
	<-outbox.Done()

	if dropped := outbox.Dropped(); dropped > 0 {
		r.logger.Warn("outbound frames dropped", zap.Uint64("count", dropped))
	}
	return ctx.Err()
}

func (r *Runner) captureLoop(ctx context.Context, outbox *transport.Outbox) {
	frames := 0
	for frame, err := range r.audio.Capture() {
		if err != nil {
			r.logger.Error("capture stopped", zap.String("domain", "device"), zap.Error(err))
			r.endInput(outbox)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !outbox.Push(transport.Binary(frame)) {
			return
		}
		frames++
	}
	r.logger.Debug("capture ended", zap.Int("frames", frames))
}

// endInput tells the relay no more audio is coming so the last reply can
// still be delivered.
func (r *Runner) endInput(outbox *transport.Outbox) {
	data, err := protocol.EncodeControl(protocol.TypeEndOfInput)
	if err != nil {
		return
	}
	outbox.Push(transport.Text(data))
}

func (r *Runner) receiveLoop() {
	playbackOK := true
	for {
		msg, err := r.conn.Receive()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				r.logger.Warn("receive failed", zap.String("domain", "transport"), zap.Error(err))
			} else {
				r.logger.Info("relay disconnected", zap.String("domain", "transport"))
			}
			return
		}

		switch msg.Type {
		case transport.BinaryMessage:
			if !playbackOK {
				continue
			}
			if err := r.audio.Playback(msg.Data); err != nil {
				r.logger.Error("playback stopped; audio will be discarded", zap.String("domain", "device"), zap.Error(err))
				playbackOK = false
			}
		case transport.TextMessage:
			r.handleText(msg.Data)
		}
	}
}

func (r *Runner) handleText(data []byte) {
	msg, err := protocol.DecodeText(data)
	if err != nil {
		r.logger.Debug("ignoring text frame", zap.Error(err))
		return
	}
	switch msg.Kind {
	case protocol.KindText:
		_, _ = fmt.Fprint(r.display, msg.Text)
	case protocol.KindTurnComplete:
		_, _ = fmt.Fprintln(r.display)
	}
}
