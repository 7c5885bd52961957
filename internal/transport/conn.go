package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned by Receive and Send once the connection is gone.
var ErrClosed = errors.New("transport closed")

// MessageType mirrors the WebSocket opcode of a data message.
type MessageType int

const (
	TextMessage   MessageType = websocket.TextMessage
	BinaryMessage MessageType = websocket.BinaryMessage
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is one data frame on the channel.
type Message struct {
	Type MessageType
	Data []byte
}

// Binary wraps a PCM frame.
func Binary(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

// Text wraps an encoded envelope.
func Text(data []byte) Message {
	return Message{Type: TextMessage, Data: data}
}

// State is the lifecycle of a Conn.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tunes keepalive and write deadlines. Zero values fall back to the
// defaults below; a negative PingInterval disables pings.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	Logger       *zap.Logger
}

const (
	defaultPingInterval = 20 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultWriteWait    = 10 * time.Second
)

func (o Options) normalized() Options {
	if o.PingInterval == 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PingInterval > 0 && o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Conn is a message-oriented duplex channel over one WebSocket. Receive must
// be called from a single goroutine; Send and Close are safe for concurrent
// use.
type Conn struct {
	ws     *websocket.Conn
	opts   Options
	logger *zap.Logger

	state   atomic.Int32
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}

	causeMu sync.Mutex
	cause   error
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	opts = opts.normalized()
	c := &Conn{
		ws:     ws,
		opts:   opts,
		logger: opts.Logger,
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnected))

	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(opts.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if opts.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Cause returns the error that ended the connection, if any.
func (c *Conn) Cause() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	return c.cause
}

// RemoteAddr reports the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Receive blocks for the next data message. It returns ErrClosed when the
// peer disconnects, sends a close frame or sends an empty message, and after
// Close.
func (c *Conn) Receive() (Message, error) {
	if c.State() >= StateClosing {
		return Message{}, ErrClosed
	}
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		c.fail(err)
		return Message{}, ErrClosed
	}
	if len(data) == 0 {
		c.logger.Debug("empty message from peer; treating as close")
		c.fail(nil)
		return Message{}, ErrClosed
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	return Message{Type: MessageType(mt), Data: data}, nil
}

// Send writes one message. After the peer has gone or Close was called it
// returns ErrClosed without touching the socket.
func (c *Conn) Send(msg Message) error {
	if c.State() != StateConnected {
		return ErrClosed
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	err := c.ws.WriteMessage(int(msg.Type), msg.Data)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return ErrClosed
	}
	return nil
}

// Close sends a best-effort close frame and releases the socket. It is
// idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
		err = c.ws.Close()
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
	return err
}

func (c *Conn) fail(err error) {
	if err != nil && !isExpectedClose(err) {
		c.logger.Debug("transport ended", zap.Error(err))
	}
	c.causeMu.Lock()
	if c.cause == nil {
		c.cause = err
	}
	c.causeMu.Unlock()
	_ = c.Close()
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent)
}

// Accepter upgrades incoming HTTP requests into Conns.
type Accepter struct {
	upgrader websocket.Upgrader
	opts     Options
}

// NewAccepter creates an Accepter. Any origin is allowed.
func NewAccepter(opts Options) *Accepter {
	return &Accepter{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		opts: opts,
	}
}

// Accept completes the WebSocket handshake. On failure the upgrader has
// already written an HTTP error response.
func (a *Accepter) Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(ws, a.opts), nil
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   8192,
		WriteBufferSize:  8192,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &DialError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return newConn(ws, opts), nil
}

// DialError carries the HTTP status of a rejected handshake.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	return "dial rejected with status " + http.StatusText(e.StatusCode) + ": " + e.Err.Error()
}

func (e *DialError) Unwrap() error {
	return e.Err
}
