package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/session/fsm"
	"github.com/saker-ai/voice-relay/internal/transport"
)

func frame(i int) []byte {
	f := make([]byte, 2048)
	f[0] = byte(i)
	f[1] = byte(i >> 8)
	return f
}

func frameIndex(f []byte) int {
	return int(f[0]) | int(f[1])<<8
}

func runBridge(t *testing.T, b *Bridge) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(context.Background())
	}()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error, within time.Duration) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(within):
		t.Fatalf("Run did not return within %v", within)
	}
	return nil
}

func TestBridgeFiftyFrameConversation(t *testing.T) {
	remote := newFakeRemote()
	remote.onSend = func(n int, r *fakeRemote) {
		switch n {
		case 10:
			r.emit(protocol.TextChunk("ack"))
		case 30:
			r.emit(protocol.AudioChunk(make([]byte, 2048)))
		}
	}
	remote.onEnd = func(r *fakeRemote) {
		r.emit(protocol.TurnComplete())
		r.finish()
	}
	sink := newFakeSink()
	b := NewBridge(openerFor(remote), sink)
	errCh := runBridge(t, b)

	for i := 0; i < 50; i++ {
		if !b.Submit(frame(i)) {
			t.Fatalf("Submit(%d)=false, want true", i)
		}
	}
	b.Close()

	if err := waitRun(t, errCh, 2*time.Second); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	got := remote.received()
	if len(got) != 50 {
		t.Fatalf("remote got %d frames, want 50", len(got))
	}
	for i, f := range got {
		if frameIndex(f) != i {
			t.Fatalf("frame %d carries index %d", i, frameIndex(f))
		}
	}
	if n := remote.endCalls.Load(); n != 1 {
		t.Fatalf("EndInput calls=%d, want 1", n)
	}
	if n := remote.closeCalls.Load(); n != 1 {
		t.Fatalf("remote Close calls=%d, want 1", n)
	}

	msgs := sink.messages()
	if len(msgs) != 3 {
		t.Fatalf("sink got %d messages, want 3", len(msgs))
	}
	if msgs[0].Type != transport.TextMessage {
		t.Fatalf("first message type=%s, want text", msgs[0].Type)
	}
	if m, err := protocol.DecodeText(msgs[0].Data); err != nil || m.Text != "ack" {
		t.Fatalf("first message=%q,%v, want text ack", msgs[0].Data, err)
	}
	if msgs[1].Type != transport.BinaryMessage || len(msgs[1].Data) != 2048 {
		t.Fatalf("second message=%s/%d bytes, want binary/2048", msgs[1].Type, len(msgs[1].Data))
	}
	if m, err := protocol.DecodeText(msgs[2].Data); err != nil || m.Kind != protocol.KindTurnComplete {
		t.Fatalf("third message=%q,%v, want turn_complete", msgs[2].Data, err)
	}
	if got := b.State(); got != fsm.StateClosed {
		t.Fatalf("state=%s, want %s", got, fsm.StateClosed)
	}
}

func TestBridgePreservesOutputOrder(t *testing.T) {
	remote := newFakeRemote()
	sink := newFakeSink()
	b := NewBridge(openerFor(remote), sink)
	errCh := runBridge(t, b)

	for i := 0; i < 100; i++ {
		remote.emit(protocol.AudioChunk([]byte{byte(i)}))
	}
	remote.finish()

	if err := waitRun(t, errCh, 2*time.Second); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	msgs := sink.messages()
	if len(msgs) != 100 {
		t.Fatalf("sink got %d, want 100", len(msgs))
	}
	for i, m := range msgs {
		if m.Data[0] != byte(i) {
			t.Fatalf("output %d carries %d", i, m.Data[0])
		}
	}
	if b.Submit(frame(0)) {
		t.Fatal("Submit after remote end=true, want false")
	}
}

func TestBridgeNoCrossDirectionBlocking(t *testing.T) {
	remote := newFakeRemote()
	remote.sendDelay = 200 * time.Millisecond
	sink := newFakeSink()
	b := NewBridge(openerFor(remote), sink)
	errCh := runBridge(t, b)

	start := time.Now()
	for i := 0; i < 20; i++ {
		b.Submit(frame(i))
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("Submit took %v with a slow remote, want non-blocking", elapsed)
	}

	remote.emit(protocol.TextChunk("hello"))
	deadline := time.After(150 * time.Millisecond)
	for len(sink.messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("output stalled behind slow input")
		case <-time.After(5 * time.Millisecond):
		}
	}

	sink.close()
	b.Close()
	if err := waitRun(t, errCh, 10*time.Second); err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

func TestBridgeCloseIdempotent(t *testing.T) {
	remote := newFakeRemote()
	remote.onEnd = func(r *fakeRemote) { r.finish() }
	sink := newFakeSink()
	b := NewBridge(openerFor(remote), sink)
	errCh := runBridge(t, b)

	b.Submit(frame(1))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Close()
		}()
	}
	wg.Wait()
	b.Close()

	if err := waitRun(t, errCh, 2*time.Second); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if n := remote.endCalls.Load(); n != 1 {
		t.Fatalf("EndInput calls=%d, want 1", n)
	}
	if n := remote.closeCalls.Load(); n != 1 {
		t.Fatalf("remote Close calls=%d, want 1", n)
	}
	if b.Submit(frame(2)) {
		t.Fatal("Submit after Close=true, want false")
	}
	if b.Streaming() {
		t.Fatal("Streaming=true after Close, want false")
	}
}

func TestBridgeHalfCloseStopsInput(t *testing.T) {
	remote := newFakeRemote()
	sink := newFakeSink()
	b := NewBridge(openerFor(remote), sink)
	errCh := runBridge(t, b)

	for i := 0; i < 5; i++ {
		b.Submit(frame(i))
	}
	b.Close()
	b.Submit(frame(99))

	deadline := time.After(time.Second)
	for remote.endCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("EndInput not called")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := len(remote.received()); got != 5 {
		t.Fatalf("remote got %d frames, want 5", got)
	}
	if n := remote.sentAfter.Load(); n != 0 {
		t.Fatalf("%d frames sent after half-close, want 0", n)
	}

	// Output still flows after the half-close until the remote finishes.
	remote.emit(protocol.TextChunk("late"))
	remote.emit(protocol.TurnComplete())
	remote.finish()

	if err := waitRun(t, errCh, 2*time.Second); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := len(sink.messages()); got != 2 {
		t.Fatalf("sink got %d messages after half-close, want 2", got)
	}
}

func TestBridgeTeardownWhenTransportGone(t *testing.T) {
	remote := newFakeRemote()
	sink := newFakeSink()
	b := NewBridge(openerFor(remote), sink)
	errCh := runBridge(t, b)

	b.Submit(frame(0))
	time.Sleep(20 * time.Millisecond)

	// Receive is blocked with nothing to read; the transport disappears.
	sink.close()
	b.Close()

	if err := waitRun(t, errCh, time.Second); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if n := remote.closeCalls.Load(); n != 1 {
		t.Fatalf("remote Close calls=%d, want 1", n)
	}
	if n := remote.endCalls.Load(); n != 1 {
		t.Fatalf("EndInput calls=%d, want 1", n)
	}
}

func TestBridgeSinkClosedDuringForward(t *testing.T) {
	remote := newFakeRemote()
	sink := newFakeSink()
	b := NewBridge(openerFor(remote), sink)
	errCh := runBridge(t, b)

	sink.close()
	remote.emit(protocol.AudioChunk([]byte{1}))

	if err := waitRun(t, errCh, time.Second); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if n := remote.closeCalls.Load(); n != 1 {
		t.Fatalf("remote Close calls=%d, want 1", n)
	}
}

func TestBridgeEstablishFailure(t *testing.T) {
	boom := errors.New("dial refused")
	b := NewBridge(OpenerFunc(func(ctx context.Context) (Remote, error) {
		return nil, boom
	}), newFakeSink())

	err := b.Run(context.Background())
	if !errors.Is(err, ErrSessionEstablish) || !errors.Is(err, boom) {
		t.Fatalf("Run err=%v, want ErrSessionEstablish wrapping cause", err)
	}
	if got := b.State(); got != fsm.StateFailed {
		t.Fatalf("state=%s, want %s", got, fsm.StateFailed)
	}
	if b.Submit(frame(0)) {
		t.Fatal("Submit after failed Run=true, want false")
	}
}

func TestBridgeSessionFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.sendErr = errors.New("stream reset")
	b := NewBridge(openerFor(remote), newFakeSink())
	errCh := runBridge(t, b)

	b.Submit(frame(0))

	err := waitRun(t, errCh, time.Second)
	if !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("Run err=%v, want ErrSessionFailed", err)
	}
	if n := remote.closeCalls.Load(); n != 1 {
		t.Fatalf("remote Close calls=%d, want 1", n)
	}
	if got := b.State(); got != fsm.StateFailed {
		t.Fatalf("state=%s, want %s", got, fsm.StateFailed)
	}
}

func TestBridgeContextCancel(t *testing.T) {
	remote := newFakeRemote()
	b := NewBridge(openerFor(remote), newFakeSink())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := waitRun(t, errCh, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v, want context.Canceled", err)
	}
	if n := remote.closeCalls.Load(); n != 1 {
		t.Fatalf("remote Close calls=%d, want 1", n)
	}
}

func TestBridgeRunTwice(t *testing.T) {
	remote := newFakeRemote()
	remote.finish()
	b := NewBridge(openerFor(remote), newFakeSink())
	_ = b.Run(context.Background())
	if err := b.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run err=%v, want ErrAlreadyRunning", err)
	}
}

func TestBridgeDropsOldestWhenFull(t *testing.T) {
	b := NewBridge(openerFor(newFakeRemote()), newFakeSink(), WithQueueCapacity(4))
	for i := 0; i < 10; i++ {
		if !b.Submit(frame(i)) {
			t.Fatalf("Submit(%d)=false before Run, want true", i)
		}
	}
	if got := b.Dropped(); got != 6 {
		t.Fatalf("Dropped=%d, want 6", got)
	}
	first, err := b.input.Pop(context.Background())
	if err != nil {
		t.Fatalf("Pop error: %v", err)
	}
	if frameIndex(first) != 6 {
		t.Fatalf("oldest kept frame=%d, want 6", frameIndex(first))
	}
}
