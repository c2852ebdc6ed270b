package framing

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := NewListener(logger)
	if err := l.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func dial(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receive(t *testing.T, l *Listener, timeout time.Duration) []byte {
	t.Helper()
	select {
	case msg := <-l.Messages():
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestListener_ReceivesMessages(t *testing.T) {
	l := newTestListener(t)
	conn := dial(t, l)

	messages := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	stream := buildStream(t, messages)

	// Write in uneven pieces to cross frame boundaries.
	for _, piece := range [][]byte{stream[:2], stream[2:9], stream[9:]} {
		if _, err := conn.Write(piece); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, want := range messages {
		got := receive(t, l, 2*time.Second)
		if string(got) != string(want) {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}

func TestListener_IndependentConnections(t *testing.T) {
	l := newTestListener(t)
	c1 := dial(t, l)
	c2 := dial(t, l)

	// A partial frame on c1 must not mix with a full frame on c2.
	c1.Write([]byte{0, 0, 0, 4, 'a'})
	time.Sleep(20 * time.Millisecond)
	c2.Write(buildStream(t, [][]byte{[]byte("full")}))

	if got := receive(t, l, 2*time.Second); string(got) != "full" {
		t.Fatalf("expected %q, got %q", "full", got)
	}

	c1.Write([]byte("bcd"))
	if got := receive(t, l, 2*time.Second); string(got) != "abcd" {
		t.Fatalf("expected %q, got %q", "abcd", got)
	}
}

func TestListener_PauseResume(t *testing.T) {
	l := newTestListener(t)
	conn := dial(t, l)

	conn.Write(buildStream(t, [][]byte{[]byte("before")}))
	if got := receive(t, l, 2*time.Second); string(got) != "before" {
		t.Fatalf("expected %q, got %q", "before", got)
	}

	l.Pause()
	if !l.Paused() {
		t.Fatal("expected listener to be paused")
	}

	// Half a frame, then the rest; nothing may be dropped while paused.
	frame := buildStream(t, [][]byte{[]byte("during")})
	conn.Write(frame[:3])
	time.Sleep(20 * time.Millisecond)
	conn.Write(frame[3:])

	select {
	case msg := <-l.Messages():
		t.Fatalf("unexpected message while paused: %q", msg)
	case <-time.After(150 * time.Millisecond):
	}

	l.Resume()
	if got := receive(t, l, 2*time.Second); string(got) != "during" {
		t.Fatalf("expected %q, got %q", "during", got)
	}
}

func TestListener_ConnectionEnd(t *testing.T) {
	l := newTestListener(t)
	conn := dial(t, l)

	deadline := time.Now().Add(2 * time.Second)
	for l.ActiveConnections() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.ActiveConnections() != 1 {
		t.Fatalf("expected 1 connection, got %d", l.ActiveConnections())
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for l.ActiveConnections() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.ActiveConnections() != 0 {
		t.Errorf("expected connection to be removed, got %d", l.ActiveConnections())
	}
}

func TestListener_Close(t *testing.T) {
	l := newTestListener(t)
	conn := dial(t, l)
	addr := l.Addr().String()

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected done to be signalled")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected connection to be closed")
	}

	if _, err := net.Dial("tcp", addr); err == nil {
		t.Error("expected listening socket to be closed")
	}

	if err := l.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestListener_CloseWhilePaused(t *testing.T) {
	l := newTestListener(t)
	dial(t, l)
	l.Pause()

	done := make(chan struct{})
	go func() {
		l.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked while paused")
	}
}
