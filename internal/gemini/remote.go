package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/saker-ai/voice-relay/internal/protocol"
)

var errSessionClosed = errors.New("gemini: session closed")

// remote adapts a live session to session.Remote. Send/EndInput are
// serialized by sendMu; Receive is only called by the bridge's receive task.
type remote struct {
	s      liveSession
	mime   string
	logger *zap.Logger

	sendMu sync.Mutex

	pending []protocol.Message

	closed    atomic.Bool
	closeOnce sync.Once
}

func newRemote(s liveSession, cfg Config, logger *zap.Logger) *remote {
	return &remote{
		s:      s,
		mime:   fmt.Sprintf("audio/pcm;rate=%d", cfg.InputSampleRate),
		logger: logger,
	}
}

func (r *remote) Send(ctx context.Context, frame []byte) error {
	if r.closed.Load() {
		return errSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.s.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: frame, MIMEType: r.mime},
	})
}

func (r *remote) EndInput(ctx context.Context) error {
	if r.closed.Load() {
		return errSessionClosed
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.s.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
}

func (r *remote) Receive(ctx context.Context) (protocol.Message, error) {
	for len(r.pending) == 0 {
		if r.closed.Load() {
			return protocol.Message{}, errSessionClosed
		}
		msg, err := r.s.Receive()
		if err != nil {
			if isNormalClosure(err) {
				return protocol.Message{}, io.EOF
			}
			return protocol.Message{}, err
		}
		r.pending = r.classify(msg)
	}
	next := r.pending[0]
	r.pending = r.pending[1:]
	return next, nil
}

func (r *remote) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		err = r.s.Close()
	})
	return err
}

// classify splits one server message into relay items, preserving the order
// audio/text parts appear in, with the turn boundary last.
func (r *remote) classify(msg *genai.LiveServerMessage) []protocol.Message {
	if msg == nil {
		return nil
	}
	if msg.GoAway != nil {
		r.logger.Warn("gemini session going away", zap.Any("time_left", msg.GoAway.TimeLeft))
	}
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}

	var out []protocol.Message
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				out = append(out, protocol.AudioChunk(part.InlineData.Data))
			}
			if part.Text != "" && !part.Thought {
				out = append(out, protocol.TextChunk(part.Text))
			}
		}
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, protocol.TextChunk(t.Text))
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		r.logger.Debug("input transcription", zap.String("text", t.Text))
	}
	if sc.Interrupted {
		r.logger.Debug("model turn interrupted")
	}
	if sc.TurnComplete {
		out = append(out, protocol.TurnComplete())
	}
	return out
}

func isNormalClosure(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return errors.Is(err, io.EOF)
}
