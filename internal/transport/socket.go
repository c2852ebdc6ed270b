package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnectTimeout = errors.New("unable to connect to KMS")
	ErrClosed         = errors.New("socket closed")
)

const writeWait = 10 * time.Second

type EventType int

const (
	EventMessage EventType = iota
	EventClose
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by the socket after a successful Connect. Close events
// carry the websocket close code; error events carry the read error.
type Event struct {
	Type   EventType
	Data   []byte
	Code   int
	Reason string
	Err    error
}

type Config struct {
	URL               string
	PingInterval      time.Duration
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
}

// Socket is a persistent websocket connection to the KMS.
type Socket struct {
	config Config
	logger *slog.Logger
	dialer *websocket.Dialer
	events chan Event

	mu            sync.Mutex
	conn          *websocket.Conn
	keepAlive     *keepAlive
	cancelConnect context.CancelFunc

	writeMu sync.Mutex
}

func New(config Config, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}

	return &Socket{
		config: config,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:             websocket.DefaultDialer.Proxy,
			HandshakeTimeout:  websocket.DefaultDialer.HandshakeTimeout,
			EnableCompression: false,
		},
		events: make(chan Event, 64),
	}
}

// Events delivers inbound messages and connection loss notifications.
func (s *Socket) Events() <-chan Event {
	return s.events
}

func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect dials the KMS. Refused connections are retried every
// ReconnectInterval until ConnectTimeout elapses; any other dial failure is
// returned immediately. Connect on an open socket succeeds at once.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	s.cancelConnect = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancelConnect = nil
		s.mu.Unlock()
		cancel()
	}()

	for {
		conn, _, err := s.dialer.DialContext(connectCtx, s.config.URL, nil)
		if err == nil {
			s.attach(conn)
			return nil
		}

		if connectCtx.Err() != nil {
			return s.connectAborted(ctx, connectCtx)
		}

		if !IsConnectionRefused(err) {
			return fmt.Errorf("failed to connect to KMS: %w", err)
		}

		s.logger.Info("KMS connection refused, retrying",
			"url", s.config.URL, "retry_in", s.config.ReconnectInterval)

		select {
		case <-time.After(s.config.ReconnectInterval):
		case <-connectCtx.Done():
			return s.connectAborted(ctx, connectCtx)
		}
	}
}

func (s *Socket) connectAborted(parent, connectCtx context.Context) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w within %s", ErrConnectTimeout, s.config.ConnectTimeout)
	}
	return ErrClosed
}

// Send writes a text message. It silently drops data when not connected.
func (s *Socket) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close sends a normal close frame and tears the connection down. No close
// event is emitted for an explicit close.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.cancelConnect != nil {
		s.cancelConnect()
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	if !s.detach(conn) {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}

func (s *Socket) attach(conn *websocket.Conn) {
	conn.SetPingHandler(func(data string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(s.onPong)

	ka := newKeepAlive(conn, s.config.PingInterval, s.logger)

	s.mu.Lock()
	s.conn = conn
	s.keepAlive = ka
	s.mu.Unlock()

	ka.start()
	go s.readLoop(conn)

	s.logger.Info("Connected to KMS", "url", s.config.URL)
}

// detach clears conn if it is still the current connection. It reports
// whether this call did the teardown.
func (s *Socket) detach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != conn {
		return false
	}

	if s.keepAlive != nil {
		s.keepAlive.stop()
		s.keepAlive = nil
	}
	s.conn = nil
	return true
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.detach(conn) {
				return
			}
			conn.Close()

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.events <- Event{Type: EventClose, Code: closeErr.Code, Reason: closeErr.Text}
			} else {
				s.events <- Event{Type: EventError, Err: err}
			}
			return
		}

		s.events <- Event{Type: EventMessage, Data: data}
	}
}

func (s *Socket) onPong(data string) error {
	sent, err := parsePingPayload([]byte(data))
	if err != nil {
		s.logger.Warn("Received malformed pong", "error", err)
		return nil
	}
	s.logger.Info("Received pong", "elapsed_ms", time.Since(sent).Milliseconds())
	return nil
}

// IsConnectionRefused reports whether err was caused by a refused TCP connect.
func IsConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// IsNormalClose reports whether code is the expected close code.
func IsNormalClose(code int) bool {
	return code == websocket.CloseNormalClosure
}
