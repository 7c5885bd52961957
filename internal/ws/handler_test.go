package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/session"
	"github.com/saker-ai/voice-relay/internal/transport"
)

// echoRemote plays every frame back as audio and ends with a turn once input
// is finished.
type echoRemote struct {
	out       chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	endOnce   sync.Once
}

func newEchoRemote() *echoRemote {
	return &echoRemote{
		out:    make(chan protocol.Message, 64),
		closed: make(chan struct{}),
	}
}

func (r *echoRemote) Send(ctx context.Context, frame []byte) error {
	select {
	case r.out <- protocol.AudioChunk(frame):
		return nil
	case <-r.closed:
		return errors.New("remote closed")
	}
}

func (r *echoRemote) EndInput(ctx context.Context) error {
	r.endOnce.Do(func() {
		r.out <- protocol.TurnComplete()
		close(r.out)
	})
	return nil
}

func (r *echoRemote) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-r.out:
		if !ok {
			return protocol.Message{}, io.EOF
		}
		return msg, nil
	case <-r.closed:
		return protocol.Message{}, errors.New("remote closed")
	}
}

func (r *echoRemote) Close() error {
	r.closes.Add(1)
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

type harness struct {
	handler *Handler
	server  *httptest.Server
	url     string
}

func newHarness(t *testing.T, opener session.Opener) *harness {
	t.Helper()
	h := NewHandler(opener, Options{QueueCapacity: 16})
	srv := httptest.NewServer(http.HandlerFunc(h.Handle))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &harness{
		handler: h,
		server:  srv,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *harness) dial(t *testing.T) *transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, h.url, nil, transport.Options{})
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerRelaysBothDirections(t *testing.T) {
	remote := newEchoRemote()
	h := newHarness(t, session.OpenerFunc(func(ctx context.Context) (session.Remote, error) {
		return remote, nil
	}))
	conn := h.dial(t)

	for i := 1; i <= 3; i++ {
		if err := conn.Send(transport.Binary([]byte{byte(i), byte(i)})); err != nil {
			t.Fatalf("Send %d error: %v", i, err)
		}
	}
	for i := 1; i <= 3; i++ {
		msg, err := conn.Receive()
		if err != nil {
			t.Fatalf("Receive %d error: %v", i, err)
		}
		if msg.Type != transport.BinaryMessage || msg.Data[0] != byte(i) {
			t.Fatalf("Receive %d=%v %v, want binary frame %d", i, msg.Type, msg.Data, i)
		}
	}

	end, _ := protocol.EncodeControl(protocol.TypeEndOfInput)
	if err := conn.Send(transport.Text(end)); err != nil {
		t.Fatalf("Send end_of_input error: %v", err)
	}
	msg, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive turn_complete error: %v", err)
	}
	env, err := protocol.DecodeEnvelope(msg.Data)
	if err != nil || env.Type != string(protocol.KindTurnComplete) {
		t.Fatalf("envelope=%+v err=%v, want turn_complete", env, err)
	}

	if _, err := conn.Receive(); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Receive after remote end err=%v, want ErrClosed", err)
	}
	waitFor(t, "handler idle", func() bool { return !h.handler.Active() })
	if n := remote.closes.Load(); n != 1 {
		t.Fatalf("remote closes=%d, want 1", n)
	}
}

func TestHandlerRejectsSecondConnection(t *testing.T) {
	h := newHarness(t, session.OpenerFunc(func(ctx context.Context) (session.Remote, error) {
		return newEchoRemote(), nil
	}))
	_ = h.dial(t)
	waitFor(t, "first connection active", h.handler.Active)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := transport.Dial(ctx, h.url, nil, transport.Options{})
	var dialErr *transport.DialError
	if !errors.As(err, &dialErr) || dialErr.StatusCode != http.StatusConflict {
		t.Fatalf("second Dial err=%v, want 409 DialError", err)
	}
}

func TestHandlerClosesTransportOnEstablishFailure(t *testing.T) {
	h := newHarness(t, session.OpenerFunc(func(ctx context.Context) (session.Remote, error) {
		return nil, errors.New("bad api key")
	}))
	conn := h.dial(t)

	if _, err := conn.Receive(); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Receive err=%v, want ErrClosed", err)
	}
	waitFor(t, "handler idle", func() bool { return !h.handler.Active() })
}

func TestHandlerReleasesRemoteOnClientDisconnect(t *testing.T) {
	remote := newEchoRemote()
	h := newHarness(t, session.OpenerFunc(func(ctx context.Context) (session.Remote, error) {
		return remote, nil
	}))
	conn := h.dial(t)
	if err := conn.Send(transport.Binary([]byte{1, 2})); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if _, err := conn.Receive(); err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	_ = conn.Close()

	waitFor(t, "handler idle", func() bool { return !h.handler.Active() })
	if n := remote.closes.Load(); n != 1 {
		t.Fatalf("remote closes=%d, want 1", n)
	}
}

func TestHandlerIgnoresUnknownControl(t *testing.T) {
	remote := newEchoRemote()
	h := newHarness(t, session.OpenerFunc(func(ctx context.Context) (session.Remote, error) {
		return remote, nil
	}))
	conn := h.dial(t)

	_ = conn.Send(transport.Text([]byte(`{"type":"bogus"}`)))
	_ = conn.Send(transport.Text([]byte(`not json`)))
	hb, _ := protocol.EncodeControl(protocol.TypeHeartbeat)
	_ = conn.Send(transport.Text(hb))
	if err := conn.Send(transport.Binary([]byte{9, 9})); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	msg, err := conn.Receive()
	if err != nil || msg.Type != transport.BinaryMessage || msg.Data[0] != 9 {
		t.Fatalf("Receive=%v err=%v, want echoed frame", msg, err)
	}
}

func TestHandlerCloseEndsActiveSession(t *testing.T) {
	remote := newEchoRemote()
	h := NewHandler(session.OpenerFunc(func(ctx context.Context) (session.Remote, error) {
		return remote, nil
	}), Options{})
	srv := httptest.NewServer(http.HandlerFunc(h.Handle))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil, transport.Options{})
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()
	waitFor(t, "connection active", h.Active)

	h.Close()
	if h.Active() {
		t.Fatal("Active after Close=true, want false")
	}
	if n := remote.closes.Load(); n != 1 {
		t.Fatalf("remote closes=%d, want 1", n)
	}
}
