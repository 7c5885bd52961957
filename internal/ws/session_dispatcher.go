package ws

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/session"
	"github.com/saker-ai/voice-relay/internal/transport"
)

type controlHandler func(protocol.Envelope)

// connSession is the per-connection state owned by Handle.
type connSession struct {
	id       string
	conn     *transport.Conn
	bridge   *session.Bridge
	logger   *zap.Logger
	controls map[string]controlHandler
	ignored  atomic.Uint64
}

func newConnSession(id string, conn *transport.Conn, bridge *session.Bridge, logger *zap.Logger) *connSession {
	s := &connSession{
		id:     id,
		conn:   conn,
		bridge: bridge,
		logger: logger,
	}
	s.controls = map[string]controlHandler{
		protocol.TypeHeartbeat:  s.onNoop,
		protocol.TypeEndOfInput: s.onEndOfInput,
	}
	return s
}

func (s *connSession) dispatch(msg transport.Message) {
	switch msg.Type {
	case transport.BinaryMessage:
		if !s.bridge.Submit(msg.Data) {
			s.ignored.Add(1)
		}
	case transport.TextMessage:
		env, err := protocol.DecodeEnvelope(msg.Data)
		if err != nil {
			s.logger.Debug("ws invalid text frame", zap.Error(err))
			return
		}
		s.dispatchControl(env)
	}
}

func (s *connSession) dispatchControl(env protocol.Envelope) {
	if handler, ok := s.controls[env.Type]; ok {
		handler(env)
		return
	}
	s.logger.Debug("ws unknown message type", zap.String("type", env.Type))
}

func (s *connSession) onNoop(protocol.Envelope) {}

func (s *connSession) onEndOfInput(protocol.Envelope) {
	s.logger.Info("client ended input")
	s.bridge.Close()
}
