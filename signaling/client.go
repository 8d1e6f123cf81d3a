package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDialTimeout bounds the websocket handshake plus the welcome frame.
	DefaultDialTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval sends websocket pings on an otherwise idle connection.
	DefaultPingInterval = 25 * time.Second
	// DefaultPongWait is how long the client waits for any inbound traffic.
	DefaultPongWait = 60 * time.Second
)

// ClientOptions controls relay connection behavior.
type ClientOptions struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	Header       http.Header
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.PongWait <= 0 {
		out.PongWait = DefaultPongWait
	}
	if out.PongWait <= out.PingInterval {
		out.PongWait = out.PingInterval * 2
	}
	return out
}

// Client is a persistent connection to the relay. All other packages talk to
// the relay through it.
type Client struct {
	conn    *websocket.Conn
	url     string
	id      string
	options ClientOptions

	registry *Registry

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// Dial connects to the relay websocket at url and waits for the welcome frame
// that carries this connection's id.
func Dial(ctx context.Context, url string, options ClientOptions) (*Client, error) {
	opts := options.withDefaults()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.DialTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %q: %w", ErrRelayUnavailable, url, err)
	}
	conn.SetReadLimit(MaxFrameSize)

	if err := conn.SetReadDeadline(time.Now().Add(opts.DialTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set welcome deadline: %w", err)
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: read welcome: %w", ErrRelayUnavailable, err)
	}
	message, err := Decode(frame)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode welcome: %w", err)
	}
	welcome, ok := message.(Welcome)
	if !ok || welcome.ID == "" {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeWelcome, message.Kind())
	}

	client := &Client{
		conn:     conn,
		url:      url,
		id:       welcome.ID,
		options:  opts,
		registry: NewRegistry(),
		closed:   make(chan struct{}),
	}

	client.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		client.extendReadDeadline()
		return nil
	})

	go client.readLoop()
	go client.pingLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"relay":    url,
		"conn_id":  client.id,
	}).Info("Connected to relay")

	return client, nil
}

// ID returns the connection id the relay assigned to this client.
func (c *Client) ID() string {
	return c.id
}

// Done is closed once the relay connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the error that ended the connection, if any.
func (c *Client) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Subscribe adds a handler for one message kind. Handlers run on the read
// goroutine in subscription order and must not block.
func (c *Client) Subscribe(kind string, fn Handler) *Subscription {
	return c.registry.Subscribe(kind, fn)
}

// Send encodes and writes one message.
func (c *Client) Send(message Message) error {
	select {
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return err
		}
		return ErrRelayUnavailable
	default:
	}

	frame, err := Encode(message)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout)); err != nil {
		c.closeWithError(fmt.Errorf("%w: set write deadline: %w", ErrRelayUnavailable, err))
		return c.LastError()
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.closeWithError(fmt.Errorf("%w: write %s: %w", ErrRelayUnavailable, message.Kind(), err))
		return c.LastError()
	}
	return nil
}

// CreateSession registers this connection as sender for code.
func (c *Client) CreateSession(code string) error {
	return c.Send(CreateSession{Code: code})
}

// JoinSession asks to be attached to the sender of code.
func (c *Client) JoinSession(code string) error {
	return c.Send(JoinSession{Code: code})
}

// SendOffer relays an offer to target.
func (c *Client) SendOffer(target string, description Description) error {
	return c.Send(Offer{Target: target, Description: description})
}

// SendAnswer relays an answer to target.
func (c *Client) SendAnswer(target string, description Description) error {
	return c.Send(Answer{Target: target, Description: description})
}

// SendCandidate relays one ICE candidate to target.
func (c *Client) SendCandidate(target string, candidate Candidate) error {
	return c.Send(CandidateMessage{Target: target, Candidate: candidate})
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}

	deadline := time.Now().Add(c.options.WriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.closeWithError(nil)
	return nil
}

func (c *Client) readLoop() {
	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				c.closeWithError(ErrRelayUnavailable)
				return
			}
			c.closeWithError(fmt.Errorf("%w: read: %w", ErrRelayUnavailable, err))
			return
		}
		c.extendReadDeadline()

		if messageType != websocket.TextMessage {
			continue
		}

		message, err := Decode(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"conn_id":  c.id,
				"error":    err.Error(),
			}).Warn("Dropping undecodable relay frame")
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function": "readLoop",
			"conn_id":  c.id,
			"type":     message.Kind(),
		}).Debug("Relay message received")

		c.registry.Dispatch(message)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.options.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.closeWithError(fmt.Errorf("%w: ping: %w", ErrRelayUnavailable, err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) extendReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.options.PongWait))
}

func (c *Client) closeWithError(err error) {
	closedNow := false
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
		closedNow = true
	})
	if !closedNow {
		return
	}

	fields := logrus.Fields{
		"function": "closeWithError",
		"conn_id":  c.id,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Relay connection lost")
	} else {
		logrus.WithFields(fields).Info("Relay connection closed")
	}

	c.registry.Dispatch(Disconnected{Err: err})
}
