// Package sigsock implements signed, self-delimiting JSON record sessions
// over TCP. Every record travels as its JSON text followed by a signature
// derived from a shared secret; the signature doubles as the frame terminator.
//
// A Server accepts connections, authenticates clients and publishes their
// records on a Dispatcher. A Client keeps one authenticated connection alive,
// reconnects when it drops and replays records sent while it was away.
package sigsock

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Conn is one TCP connection carrying signed frames.
// Writes are serialized; reads happen on the owning session's receive loop.
type Conn struct {
	id        string
	rawConn   *net.TCPConn
	decoder   *Decoder
	signature string
	logger    Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

// newConn wraps c. signature signs outgoing frames and terminates incoming ones.
func newConn(c *net.TCPConn, signature string, logger Logger, maxFrameSize int, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		rawConn:      c,
		decoder:      NewDecoder(signature, maxFrameSize, logger),
		signature:    signature,
		logger:       logger,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Write signs rec and writes it to the connection.
func (c *Conn) Write(rec Record) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	data, err := Encode(rec, c.signature)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err = c.rawConn.Write(data); err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Close closes the underlying TCP connection.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// readLoop reads the connection until it fails or ctx is canceled, handing
// every decoded batch to onBatch in stream order. It always returns a
// non-nil error: the read or decode error, ErrConnectionClosed after a local
// Close, or the error returned by onBatch.
func (c *Conn) readLoop(ctx context.Context, onBatch func([]Record) error) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	buf := make([]byte, defaultReadChunkLength)
	for {
		if c.readTimeout > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}

		n, err := c.rawConn.Read(buf)
		if n > 0 {
			records, decodeErr := c.decoder.Feed(buf[:n])
			if decodeErr != nil {
				c.logger.Warn("decode error", "addr", c.Addr(), "error", decodeErr)
				return decodeErr
			}
			if len(records) > 0 {
				if err := onBatch(records); err != nil {
					return err
				}
			}
		}

		if err != nil {
			if c.closed.Load() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrConnectionClosed
			}
			c.logger.Debug("read error", "addr", c.Addr(), "error", err)
			return err
		}
	}
}
