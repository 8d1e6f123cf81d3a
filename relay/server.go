package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/aditya-sadavare/boltshare/signaling"
)

const (
	// DefaultWriteTimeout bounds one websocket write to a client.
	DefaultWriteTimeout = 10 * time.Second

	// HealthMessage is served on GET /.
	HealthMessage = "boltshare signaling relay is running\n"

	// SessionErrorMessage is sent when a join cannot be satisfied.
	SessionErrorMessage = "Session not found or expired"

	outboundQueueSize = 64
)

// Options controls relay behavior.
type Options struct {
	SessionTTL    time.Duration
	SweepInterval time.Duration
	WriteTimeout  time.Duration
	// Now overrides the session clock.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.SessionTTL <= 0 {
		out.SessionTTL = DefaultSessionTTL
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Server is the websocket rendezvous point. It pairs senders and receivers by
// session code and forwards negotiation payloads between them untouched.
type Server struct {
	options  Options
	sessions *SessionTable
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	listener   net.Listener
	httpServer *http.Server

	connMu sync.RWMutex
	conns  map[string]*clientConn

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a relay and starts its sweep loop. Serve it through
// Handler, or use Listen to bind a TCP address.
func NewServer(options Options) *Server {
	opts := options.withDefaults()
	server := &Server{
		options:  opts,
		sessions: NewSessionTable(opts.SessionTTL, opts.Now),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux:    http.NewServeMux(),
		conns:  make(map[string]*clientConn),
		closed: make(chan struct{}),
	}
	server.mux.HandleFunc("GET /{$}", server.handleHealth)
	server.mux.HandleFunc("GET /ws", server.handleWebsocket)

	server.wg.Add(1)
	go server.sweepLoop()
	return server
}

// Listen binds address and serves the relay on it.
func Listen(address string, options Options) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := NewServer(options)
	server.listener = listener
	server.httpServer = &http.Server{
		Handler:           server.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		if err := server.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Listen",
				"address":  listener.Addr().String(),
				"error":    err.Error(),
			}).Error("Relay HTTP server stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"address":  listener.Addr().String(),
	}).Info("Relay listening")

	return server, nil
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the listening address, or nil when serving through Handler.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// URL returns the websocket URL clients dial, or "" when not listening.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "ws://" + s.listener.Addr().String() + "/ws"
}

// Sessions exposes the session table.
func (s *Server) Sessions() *SessionTable {
	return s.sessions
}

// ConnectionCount returns the number of attached websocket clients.
func (s *Server) ConnectionCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.conns)
}

// Close stops the sweep loop, the HTTP server and every client connection.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.connMu.Lock()
		close(s.closed)
		s.connMu.Unlock()
		if s.httpServer != nil {
			closeErr = s.httpServer.Close()
		}

		s.connMu.Lock()
		conns := make([]*clientConn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.connMu.Unlock()
		for _, c := range conns {
			c.close()
		}

		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, HealthMessage)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleWebsocket",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		return
	}
	ws.SetReadLimit(signaling.MaxFrameSize)

	c := &clientConn{
		id:           uuid.NewString(),
		ws:           ws,
		send:         make(chan []byte, outboundQueueSize),
		closed:       make(chan struct{}),
		writeTimeout: s.options.WriteTimeout,
	}

	s.connMu.Lock()
	select {
	case <-s.closed:
		s.connMu.Unlock()
		_ = ws.Close()
		return
	default:
	}
	s.conns[c.id] = c
	s.wg.Add(2)
	s.connMu.Unlock()

	c.sendMessage(signaling.Welcome{ID: c.id})

	logrus.WithFields(logrus.Fields{
		"function": "handleWebsocket",
		"conn_id":  c.id,
		"remote":   r.RemoteAddr,
	}).Info("Client connected")

	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(c)
	}()
}

func (s *Server) readPump(c *clientConn) {
	defer s.dropConn(c)

	for {
		messageType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.closed:
				default:
					logrus.WithFields(logrus.Fields{
						"function": "readPump",
						"conn_id":  c.id,
						"error":    err.Error(),
					}).Debug("Client read ended")
				}
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		message, err := signaling.Decode(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"conn_id":  c.id,
				"error":    err.Error(),
			}).Warn("Ignoring malformed frame")
			continue
		}
		s.handleMessage(c, message)
	}
}

func (s *Server) handleMessage(c *clientConn, message signaling.Message) {
	switch m := message.(type) {
	case signaling.CreateSession:
		s.handleCreate(c, m)
	case signaling.JoinSession:
		s.handleJoin(c, m)
	case signaling.Offer:
		s.forward(c, m.Target, signaling.Offer{Sender: c.id, Description: m.Description})
	case signaling.Answer:
		s.forward(c, m.Target, signaling.Answer{Sender: c.id, Description: m.Description})
	case signaling.CandidateMessage:
		s.forward(c, m.Target, signaling.CandidateMessage{Sender: c.id, Candidate: m.Candidate})
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleMessage",
			"conn_id":  c.id,
			"type":     message.Kind(),
		}).Warn("Ignoring relay-bound message of unexpected type")
	}
}

func (s *Server) handleCreate(c *clientConn, m signaling.CreateSession) {
	code := signaling.NormalizeCode(m.Code)
	if code == "" {
		logrus.WithFields(logrus.Fields{
			"function": "handleCreate",
			"conn_id":  c.id,
		}).Warn("Ignoring create-session without a code")
		return
	}

	s.sessions.Create(code, c.id)
	logrus.WithFields(logrus.Fields{
		"function": "handleCreate",
		"conn_id":  c.id,
		"code":     code,
	}).Info("Session created")
}

func (s *Server) handleJoin(c *clientConn, m signaling.JoinSession) {
	code := signaling.NormalizeCode(m.Code)

	// Bind and sender resolution come from one locked read.
	session, ok := s.sessions.Join(code, c.id)
	var sender *clientConn
	if ok {
		sender = s.lookupConn(session.SenderID)
	}
	if sender == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleJoin",
			"conn_id":  c.id,
			"code":     code,
		}).Info("Join for unknown or expired session")
		c.sendMessage(signaling.SessionError{Message: SessionErrorMessage})
		return
	}
	if session.ReceiverID != c.id {
		logrus.WithFields(logrus.Fields{
			"function":    "handleJoin",
			"conn_id":     c.id,
			"code":        code,
			"receiver_id": session.ReceiverID,
		}).Warn("Session already has a receiver")
	}

	sender.sendMessage(signaling.ReceiverJoined{ReceiverID: c.id})
	logrus.WithFields(logrus.Fields{
		"function":  "handleJoin",
		"conn_id":   c.id,
		"code":      code,
		"sender_id": session.SenderID,
	}).Info("Receiver joined session")
}

func (s *Server) forward(c *clientConn, target string, message signaling.Message) {
	peer := s.lookupConn(target)
	if peer == nil {
		logrus.WithFields(logrus.Fields{
			"function": "forward",
			"conn_id":  c.id,
			"target":   target,
			"type":     message.Kind(),
		}).Warn("Dropping message for unknown target")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "forward",
		"conn_id":  c.id,
		"target":   target,
		"type":     message.Kind(),
	}).Debug("Forwarding message")
	peer.sendMessage(message)
}

func (s *Server) lookupConn(id string) *clientConn {
	if id == "" {
		return nil
	}
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conns[id]
}

func (s *Server) dropConn(c *clientConn) {
	c.close()

	s.connMu.Lock()
	delete(s.conns, c.id)
	s.connMu.Unlock()

	removed := s.sessions.RemoveSender(c.id)
	logrus.WithFields(logrus.Fields{
		"function":         "dropConn",
		"conn_id":          c.id,
		"sessions_removed": removed,
	}).Info("Client disconnected")
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.sessions.Sweep(); removed > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "sweepLoop",
					"removed":  removed,
				}).Debug("Expired sessions swept")
			}
		case <-s.closed:
			return
		}
	}
}

// clientConn owns one websocket. Only writePump writes data frames.
type clientConn struct {
	id           string
	ws           *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *clientConn) sendMessage(message signaling.Message) {
	frame, err := signaling.Encode(message)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendMessage",
			"conn_id":  c.id,
			"type":     message.Kind(),
			"error":    err.Error(),
		}).Error("Encode relay message failed")
		return
	}

	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- frame:
	case <-c.closed:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "sendMessage",
			"conn_id":  c.id,
			"type":     message.Kind(),
		}).Warn("Outbound queue full, closing slow client")
		c.close()
	}
}

func (c *clientConn) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writePump",
					"conn_id":  c.id,
					"error":    err.Error(),
				}).Debug("Client write failed")
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
}
