package stream

import (
	"context"
	"sync"
	"time"

	"mdsync/pkg/logger"
	"mdsync/pkg/market"

	"github.com/fasthttp/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	maxFrameSize     = 1 << 20
	logFrameBytes    = 256
)

// State is the connection lifecycle. Closed is terminal.
type State int

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// Conn is the part of *websocket.Conn the client needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

// Handlers receive updates for the active identifier only. They run on the
// client's read goroutine, in arrival order.
type Handlers struct {
	OnSeriesPoint func(id string, point market.Candle)
	OnSnapshot    func(id string, book *market.OrderBook)
	OnState       func(State)
}

type Option func(*Client)

func WithDialer(dial DialFunc) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// Client keeps one streaming connection and at most one subscribed
// identifier on it.
type Client struct {
	url      string
	handlers Handlers
	dial     DialFunc

	mu         sync.Mutex
	state      State
	active     string
	subscribed string
	opened     bool
	conn       Conn

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func New(url string, handlers Handlers, opts ...Option) *Client {
	c := &Client{
		url:      url,
		handlers: handlers,
		dial:     dialWebsocket,
		state:    Connecting,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// Start dials in the background. Identifiers set before the connection
// opens are subscribed once it does.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

func (c *Client) run(ctx context.Context) {
	dialCtx, span := logger.StartSpan(ctx, "stream.Dial")
	conn, err := c.dial(dialCtx, c.url)
	span.End()

	if err != nil {
		logger.ErrorWithErr(ctx, "stream dial failed", err, "url", c.url)
		c.shutdown(ctx, false)
		return
	}

	if !c.onOpen(ctx, conn) {
		conn.Close()
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.State() != Closed {
				logger.Warn(ctx, "stream read failed, closing", "error", err)
			}
			c.shutdown(ctx, false)
			return
		}

		c.dispatch(ctx, message)
	}
}

func (c *Client) onOpen(ctx context.Context, conn Conn) bool {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return false
	}

	c.conn = conn
	c.state = Open
	c.opened = true
	if c.active != "" {
		c.send(ctx, "subscribe", c.active)
		c.subscribed = c.active
	}
	c.mu.Unlock()

	logger.Info(ctx, "stream connected", "url", c.url)
	c.notify(Open)
	return true
}

func (c *Client) dispatch(ctx context.Context, raw []byte) {
	frame := Decode(raw)

	switch frame.Kind {
	case KindDiscard:
		logger.Warn(ctx, "stream frame dropped", "reason", frame.Reason, "frame", truncate(raw, logFrameBytes))
		return
	case KindError:
		logger.Warn(ctx, "stream error notification", "message", frame.Message)
		return
	}

	if frame.ID != c.Active() {
		logger.Debug(ctx, "stream update for inactive identifier dropped", "id", frame.ID, "kind", frame.Kind.String())
		return
	}

	switch frame.Kind {
	case KindSeriesPoint:
		if h := c.handlers.OnSeriesPoint; h != nil {
			h(frame.ID, frame.Point)
		}
	case KindSnapshot:
		if h := c.handlers.OnSnapshot; h != nil {
			h(frame.ID, frame.Book)
		}
	}
}

// SetActive makes id the only live identifier. While open, the previous
// identifier is unsubscribed before id is subscribed; otherwise id is only
// recorded. An empty id unsubscribes without replacing.
func (c *Client) SetActive(id string) {
	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = id
	if c.state != Open || c.subscribed == id {
		return
	}

	if c.subscribed != "" {
		c.send(ctx, "unsubscribe", c.subscribed)
		c.subscribed = ""
	}
	if id != "" {
		c.send(ctx, "subscribe", id)
		c.subscribed = id
	}
}

// send writes one control frame. Callers hold c.mu, which also orders writes.
func (c *Client) send(ctx context.Context, kind, id string) {
	if err := c.conn.WriteMessage(websocket.TextMessage, encodeControl(kind, id)); err != nil {
		logger.Warn(ctx, "stream write failed", "type", kind, "id", id, "error", err)
		return
	}
	logger.Debug(ctx, "stream control sent", "type", kind, "id", id)
}

func (c *Client) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the client reaches Closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) everOpened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// Close unsubscribes the active identifier and closes the transport. It is
// safe to call more than once; the transport is closed exactly once.
func (c *Client) Close() error {
	c.shutdown(context.Background(), true)
	return c.closeErr
}

func (c *Client) shutdown(ctx context.Context, local bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		if conn != nil && local && c.state == Open {
			if c.subscribed != "" {
				c.send(ctx, "unsubscribe", c.subscribed)
			}
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		c.subscribed = ""
		c.state = Closed
		c.mu.Unlock()

		if conn != nil {
			c.closeErr = conn.Close()
		}
		close(c.done)

		logger.Info(ctx, "stream closed", "url", c.url, "local", local)
		c.notify(Closed)
	})
}

func (c *Client) notify(s State) {
	if h := c.handlers.OnState; h != nil {
		h(s)
	}
}
