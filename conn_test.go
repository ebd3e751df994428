package sigsock

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

func newTestConn(c *net.TCPConn) *Conn {
	return newConn(c, testSignature, discardLogger(), 0, 0, time.Second)
}

// runReadLoop starts readLoop and forwards every batch.
func runReadLoop(ctx context.Context, c *Conn) (<-chan []Record, <-chan error) {
	batches := make(chan []Record, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.readLoop(ctx, func(batch []Record) error {
			batches <- batch
			return nil
		})
	}()
	return batches, done
}

func TestNewConn(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn := newTestConn(serverConn)
	if conn.rawConn != serverConn {
		t.Error("rawConn not set correctly")
	}
	if conn.ID() == "" {
		t.Error("connection id is empty")
	}
	if other := newTestConn(clientConn); other.ID() == conn.ID() {
		t.Error("connection ids are not unique")
	}
}

func TestConn_Addr(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn := newTestConn(serverConn)
	if conn.Addr().String() != clientConn.LocalAddr().String() {
		t.Errorf("Addr() = %v, want %v", conn.Addr(), clientConn.LocalAddr())
	}
}

func TestConn_WriteSignsFrame(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn := newTestConn(serverConn)
	if err := conn.Write(NewRecord(MethodAlive)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := `{"METHOD":"ALIVE"}` + testSignature
	buf := make([]byte, len(want))
	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientConn, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != want {
		t.Errorf("wire = %q, want %q", buf, want)
	}
}

func TestConn_WriteInvalidRecord(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn := newTestConn(serverConn)
	if err := conn.Write(Record{"NO": "method"}); !errors.Is(err, ErrMissingMethod) {
		t.Errorf("expected ErrMissingMethod, got %v", err)
	}
}

func TestConn_WriteAfterClose(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := newTestConn(serverConn)
	conn.Close()

	if err := conn.Write(NewRecord("X")); err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConn_CloseIdempotent(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := newTestConn(serverConn)
	if conn.IsClosed() {
		t.Error("new connection reports closed")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if !conn.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
}

func TestConn_ReadLoopDeliversBatches(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn := newTestConn(serverConn)
	batches, done := runReadLoop(context.Background(), conn)

	peer := newTestConn(clientConn)
	for _, m := range []string{"A", "B"} {
		if err := peer.Write(NewRecord(m)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	var methods []string
	timeout := time.After(2 * time.Second)
	for len(methods) < 2 {
		select {
		case batch := <-batches:
			for _, rec := range batch {
				methods = append(methods, rec.Method())
			}
		case <-timeout:
			t.Fatalf("timeout, got %v", methods)
		}
	}
	if methods[0] != "A" || methods[1] != "B" {
		t.Errorf("methods = %v, want [A B]", methods)
	}

	clientConn.Close()
	select {
	case err := <-done:
		if err != io.EOF {
			t.Errorf("readLoop returned %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop did not return after peer close")
	}
}

func TestConn_ReadLoopContextCancel(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn := newTestConn(serverConn)
	ctx, cancel := context.WithCancel(context.Background())
	_, done := runReadLoop(ctx, conn)

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("readLoop returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop did not return after cancel")
	}
	if !conn.IsClosed() {
		t.Error("connection should be closed after cancel")
	}
}

func TestConn_ReadLoopLocalClose(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := newTestConn(serverConn)
	_, done := runReadLoop(context.Background(), conn)

	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		if err != ErrConnectionClosed {
			t.Errorf("readLoop returned %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop did not return after Close")
	}
}

func TestConn_ReadLoopDecodeError(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn := newTestConn(serverConn)
	_, done := runReadLoop(context.Background(), conn)

	if _, err := clientConn.Write([]byte(`{not json}` + testSignature)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("readLoop returned %v, want ErrMalformedFrame", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop did not return after malformed frame")
	}
}

func TestConn_ReadLoopHandlerError(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn := newTestConn(serverConn)
	stop := errors.New("stop")
	done := make(chan error, 1)
	go func() {
		done <- conn.readLoop(context.Background(), func([]Record) error { return stop })
	}()

	if err := newTestConn(clientConn).Write(NewRecord("X")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case err := <-done:
		if err != stop {
			t.Errorf("readLoop returned %v, want handler error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop did not return handler error")
	}
}

func TestConn_ReadTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn := newConn(serverConn, testSignature, discardLogger(), 0, 50*time.Millisecond, time.Second)
	_, done := runReadLoop(context.Background(), conn)

	select {
	case err := <-done:
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.Errorf("readLoop returned %v, want timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("readLoop ignored read timeout")
	}
}
