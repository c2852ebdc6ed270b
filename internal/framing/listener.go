package framing

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

var ErrListenerClosed = errors.New("listener closed")

const readBufferSize = 32 * 1024

// Listener accepts local connections and emits one message per decoded frame.
// Pause stops reading from every connection without dropping buffered bytes;
// the kernel socket buffers then push back on the writers.
type Listener struct {
	logger   *slog.Logger
	ln       net.Listener
	messages chan []byte
	stopCh   chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	conns    map[*connection]struct{}
	resumeCh chan struct{}
	paused   bool
	closed   bool

	wg sync.WaitGroup
}

type connection struct {
	conn    net.Conn
	decoder Decoder
}

func NewListener(logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	resumeCh := make(chan struct{})
	close(resumeCh)

	return &Listener{
		logger:   logger,
		messages: make(chan []byte, 64),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		conns:    make(map[*connection]struct{}),
		resumeCh: resumeCh,
	}
}

// Listen binds addr and starts accepting connections in the background.
func (l *Listener) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ln.Close()
		return ErrListenerClosed
	}
	l.ln = ln
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ln)

	l.logger.Info("Listening for framed messages", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Messages delivers decoded frame payloads.
func (l *Listener) Messages() <-chan []byte {
	return l.messages
}

// Done is closed once Close has torn everything down.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return
	}
	l.paused = true
	l.resumeCh = make(chan struct{})
	l.logger.Debug("Listener paused", "connections", len(l.conns))
}

func (l *Listener) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.paused {
		return
	}
	l.paused = false
	close(l.resumeCh)
	l.logger.Debug("Listener resumed", "connections", len(l.conns))
}

func (l *Listener) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// ActiveConnections returns the number of open inbound connections.
func (l *Listener) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Close ends all connections and the listening socket. It is safe to call
// more than once; only the first call does anything.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stopCh)

	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for c := range l.conns {
		c.conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	close(l.done)

	l.logger.Info("Listener closed")
	return err
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error("Accept failed", "error", err)
			return
		}

		c := &connection{conn: conn}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conns[c] = struct{}{}
		l.mu.Unlock()

		l.logger.Debug("Accepted connection", "remote", conn.RemoteAddr().String())

		l.wg.Add(1)
		go l.readLoop(c)
	}
}

func (l *Listener) readLoop(c *connection) {
	defer l.wg.Done()
	defer l.disconnect(c)

	buf := make([]byte, readBufferSize)
	for {
		if !l.waitResumed() {
			return
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			for _, frame := range c.decoder.Feed(buf[:n]) {
				if !l.deliver(frame) {
					return
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				l.logger.Debug("Connection ended", "remote", c.conn.RemoteAddr().String(),
					"buffered", c.decoder.Buffered())
			} else if !l.isClosed() {
				l.logger.Warn("Connection error", "remote", c.conn.RemoteAddr().String(), "error", err)
			}
			return
		}
	}
}

func (l *Listener) deliver(frame []byte) bool {
	if !l.waitResumed() {
		return false
	}

	select {
	case l.messages <- frame:
		return true
	case <-l.stopCh:
		return false
	}
}

// waitResumed blocks while the listener is paused. It returns false once the
// listener is closed.
func (l *Listener) waitResumed() bool {
	l.mu.Lock()
	ch := l.resumeCh
	l.mu.Unlock()

	select {
	case <-l.stopCh:
		return false
	default:
	}

	select {
	case <-ch:
		return true
	case <-l.stopCh:
		return false
	}
}

func (l *Listener) disconnect(c *connection) {
	c.conn.Close()

	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
