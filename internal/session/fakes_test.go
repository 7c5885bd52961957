package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/transport"
)

var errRemoteClosed = errors.New("remote closed")

// fakeRemote records input and replays scripted output.
type fakeRemote struct {
	mu        sync.Mutex
	frames    [][]byte
	sendDelay time.Duration
	onSend    func(n int, r *fakeRemote)
	onEnd     func(r *fakeRemote)
	sendErr   error

	out       chan protocol.Message
	outOnce   sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	endCalls   atomic.Int32
	closeCalls atomic.Int32
	sentAfter  atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		out:    make(chan protocol.Message, 128),
		closed: make(chan struct{}),
	}
}

func (r *fakeRemote) Send(ctx context.Context, frame []byte) error {
	if r.endCalls.Load() > 0 {
		r.sentAfter.Add(1)
	}
	if r.sendDelay > 0 {
		select {
		case <-time.After(r.sendDelay):
		case <-r.closed:
			return errRemoteClosed
		}
	}
	if r.sendErr != nil {
		return r.sendErr
	}
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	n := len(r.frames)
	r.mu.Unlock()
	if r.onSend != nil {
		r.onSend(n, r)
	}
	return nil
}

func (r *fakeRemote) EndInput(ctx context.Context) error {
	r.endCalls.Add(1)
	if r.onEnd != nil {
		r.onEnd(r)
	}
	return nil
}

func (r *fakeRemote) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-r.out:
		if !ok {
			return protocol.Message{}, io.EOF
		}
		return msg, nil
	case <-r.closed:
		return protocol.Message{}, errRemoteClosed
	}
}

func (r *fakeRemote) Close() error {
	r.closeCalls.Add(1)
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeRemote) emit(msg protocol.Message) {
	r.out <- msg
}

func (r *fakeRemote) finish() {
	r.outOnce.Do(func() { close(r.out) })
}

func (r *fakeRemote) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

func openerFor(r *fakeRemote) Opener {
	return OpenerFunc(func(ctx context.Context) (Remote, error) {
		return r, nil
	})
}

// fakeSink stands in for the transport connection.
type fakeSink struct {
	mu       sync.Mutex
	msgs     []transport.Message
	done     chan struct{}
	doneOnce sync.Once
	delay    time.Duration
}

func newFakeSink() *fakeSink {
	return &fakeSink{done: make(chan struct{})}
}

func (s *fakeSink) Send(msg transport.Message) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Done() <-chan struct{} {
	return s.done
}

func (s *fakeSink) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *fakeSink) messages() []transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Message(nil), s.msgs...)
}
