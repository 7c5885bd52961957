package session

import (
	"context"

	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/transport"
)

// Remote is one established duplex conversation with the model. It must
// tolerate one goroutine in Send/EndInput concurrently with one goroutine in
// Receive. Receive returns io.EOF when the remote ends the conversation
// normally, and any error once Close has been called.
type Remote interface {
	Send(ctx context.Context, frame []byte) error
	EndInput(ctx context.Context) error
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}

// Opener establishes a Remote for one bridge.
type Opener interface {
	Open(ctx context.Context) (Remote, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Remote, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context) (Remote, error) {
	return f(ctx)
}

// Sink is the transport side a bridge forwards remote output to.
type Sink interface {
	Send(transport.Message) error
	Done() <-chan struct{}
}
