package sigsock

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by the client session.
var (
	// ErrAuthenticationFailed ends a session the server answered with AUTHENTICATION_FAILED.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrAlreadyConnected is returned by Connect while a session is running.
	ErrAlreadyConnected = errors.New("client already connected")
)

// State is the lifecycle state of a client session.
type State int32

// Client session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAuth
	StateAuthenticated
)

// String returns the lower-case state name used in logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Client keeps one authenticated connection to a server.
// Records sent while the session is not authenticated are queued and
// replayed, in order, after the next AUTHENTICATION_OK.
type Client struct {
	opts      clientOptions
	logger    Logger
	signature string

	state     atomic.Int32
	reconnect atomic.Bool

	mu      sync.Mutex // guards the fields below
	conn    *Conn
	pending []Record
	err     error
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient creates a disconnected client.
// Returns an error if the secret or client id is missing.
func NewClient(opt ...ClientOption) (*Client, error) {
	opts := defaultClientOptions()
	for _, o := range opt {
		o(&opts)
	}
	if err := checkClientOptions(&opts); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	close(done)
	return &Client{
		opts:      opts,
		logger:    opts.logger,
		signature: NewSignature(opts.secret),
		done:      done,
	}, nil
}

// Connect dials addr and starts the session worker, which authenticates,
// runs the receive loop and keep-alive, and reconnects when the session ends.
// A failed first dial is returned and nothing is retried. The session lives
// until ctx is canceled or Disconnect is called.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.running, c.cancel, c.done = true, cancel, done
	c.mu.Unlock()

	c.reconnect.Store(c.opts.reconnect)

	conn, err := c.dial(ctx, addr)
	if err != nil {
		c.logger.Error("connect failed", "addr", addr, "error", err)
		c.mu.Lock()
		c.running, c.err = false, err
		c.mu.Unlock()
		cancel()
		close(done)
		return err
	}

	go c.run(ctx, cancel, addr, conn, done)
	return nil
}

// Disconnect disables reconnecting and closes the connection.
func (c *Client) Disconnect() error {
	c.reconnect.Store(false)

	c.mu.Lock()
	cancel, conn := c.cancel, c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.setState(StateDisconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send writes rec on the authenticated connection. While the session is not
// authenticated, rec is queued for replay instead and Send returns nil.
func (c *Client) Send(rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.State() == StateAuthenticated {
		err := c.conn.Write(rec)
		if err == nil {
			return nil
		}
		c.logger.Warn("send failed", "method", rec.Method(), "error", err)
		if c.State() == StateAuthenticated {
			return err
		}
	}

	if _, ok := rec[KeyMethod].(string); !ok {
		return ErrMissingMethod
	}
	c.pending = append(c.pending, rec)
	c.logger.Debug("record queued", "method", rec.Method(), "pending", len(c.pending))
	return nil
}

// State returns the current session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Err returns the error that ended the last session, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the session worker has exited for good.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Pending returns the number of records queued for replay.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Dispatcher returns the dispatcher client events are published on.
func (c *Client) Dispatcher() Dispatcher {
	return c.opts.dispatcher
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) dial(ctx context.Context, addr string) (*Conn, error) {
	c.setState(StateConnecting)

	dialer := net.Dialer{Timeout: c.opts.dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	tcp, ok := raw.(*net.TCPConn)
	if !ok {
		_ = raw.Close()
		c.setState(StateDisconnected)
		return nil, errors.Errorf("dial %s: not a TCP connection", addr)
	}
	_ = tcp.SetNoDelay(true)

	conn := newConn(tcp, c.signature, c.logger, c.opts.maxFrameSize, 0, c.opts.writeTimeout)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("connection established", "addr", conn.Addr())
	return conn, nil
}

// run is the session worker. Each pass serves one connection; reconnects
// happen in this loop rather than in a new goroutine.
func (c *Client) run(ctx context.Context, cancel context.CancelFunc, addr string, conn *Conn, done chan struct{}) {
	defer close(done)
	defer cancel()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		err := c.serve(ctx, conn)
		c.endSession(conn, err)

		for {
			if !c.reconnect.Load() || ctx.Err() != nil {
				return
			}

			c.logger.Info("reconnecting", "addr", addr, "delay", c.opts.reconnectDelay)
			timer := time.NewTimer(c.opts.reconnectDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			conn, err = c.dial(ctx, addr)
			if err == nil {
				break
			}
			c.logger.Warn("reconnect failed", "addr", addr, "error", err)
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
		}
	}
}

// serve authenticates on conn and runs the receive loop next to the
// keep-alive task. Whichever fails first ends both.
func (c *Client) serve(ctx context.Context, conn *Conn) error {
	c.setState(StateAwaitingAuth)
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return keepAlive(child, conn, c.opts.keepAlive, c.logger)
	})

	group.Go(func() error {
		if err := conn.Write(c.authRecord()); err != nil {
			return err
		}
		return conn.readLoop(child, func(batch []Record) error {
			return c.handleBatch(conn, batch)
		})
	})

	return group.Wait()
}

func (c *Client) authRecord() Record {
	return NewRecord(MethodAuthentication,
		KeyClientID, c.opts.clientID,
		KeyClientType, c.opts.clientType,
		KeyPassword, c.opts.secret,
	)
}

func (c *Client) handleBatch(conn *Conn, batch []Record) error {
	for _, rec := range batch {
		switch method := rec.Method(); method {
		case MethodAuthenticationFailed:
			c.logger.Error("authentication rejected", "addr", conn.Addr(), "client_id", c.opts.clientID)
			return ErrAuthenticationFailed
		case MethodAuthenticationOK:
			if err := c.authenticated(conn); err != nil {
				return err
			}
		default:
			if !c.opts.noPrint.suppressed(method) {
				c.logger.Debug("record received", "method", method)
			}
			c.opts.dispatcher.Publish(EventReceive, rec)
		}
	}
	return nil
}

// authenticated marks the session authenticated and replays the queue.
// The queue is drained under the lock so that concurrent Sends land after it.
func (c *Client) authenticated(conn *Conn) error {
	c.mu.Lock()
	c.setState(StateAuthenticated)
	queued := c.pending
	c.pending = nil
	for i, rec := range queued {
		if err := conn.Write(rec); err != nil {
			c.pending = queued[i:]
			c.mu.Unlock()
			return errors.Wrap(err, "replay queued records")
		}
	}
	c.mu.Unlock()

	c.logger.Info("authenticated", "addr", conn.Addr(), "client_id", c.opts.clientID, "replayed", len(queued))
	c.opts.dispatcher.Publish(EventConnect)
	return nil
}

func (c *Client) endSession(conn *Conn, cause error) {
	_ = conn.Close()
	c.setState(StateDisconnected)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.err = cause
	c.mu.Unlock()

	if cause != nil && !errors.Is(cause, ErrConnectionClosed) && !errors.Is(cause, context.Canceled) {
		c.logger.Warn("session ended", "addr", conn.Addr(), "error", cause)
	} else {
		c.logger.Info("session ended", "addr", conn.Addr())
	}
	c.opts.dispatcher.Publish(EventDisconnect, cause)
}
