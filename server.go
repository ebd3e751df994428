package sigsock

import (
	"context"
	"crypto/subtle"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ErrClientNotFound is returned when no registered client has the requested id.
var ErrClientNotFound = errors.New("client not found")

// Server accepts TCP connections, authenticates clients and publishes
// their records on the configured Dispatcher.
type Server struct {
	listener  *net.TCPListener
	logger    Logger
	opts      serverOptions
	signature string

	registry *registry
	pending  *semaphore.Weighted // connections awaiting authentication
	workers  sync.WaitGroup

	ctx    context.Context // canceled on stop; closes every connection
	cancel context.CancelFunc

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// NewServer creates a new server bound to the specified address.
// Returns an error if the options are invalid or the address cannot be bound.
func NewServer(addr *net.TCPAddr, opt ...ServerOption) (*Server, error) {
	opts := defaultServerOptions()
	for _, o := range opt {
		o(&opts)
	}
	if err := checkServerOptions(&opts); err != nil {
		return nil, err
	}

	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listener:    listener,
		logger:      opts.logger,
		opts:        opts,
		signature:   NewSignature(opts.secret),
		registry:    newRegistry(),
		pending:     semaphore.NewWeighted(int64(opts.maxClients)),
		ctx:         ctx,
		cancel:      cancel,
		shutdownNow: make(chan struct{}),
	}, nil
}

// Serve accepts connections and runs one session per connection.
// It blocks until the context is canceled, Close is called or an
// unrecoverable error occurs, then waits for every session to finish its
// cleanup. If ServerShutdownTimeoutOption is set, the server keeps serving
// for up to that duration after ctx is canceled. Call Close() to bypass the
// timeout and shut down immediately.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())
	defer s.workers.Wait()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
			return
		}

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.opts.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.opts.shutdownTimeout)
			select {
			case <-time.After(s.opts.shutdownTimeout):
				// Timeout expired, proceed with shutdown
			case <-s.shutdownNow:
				// Close() was called, skip remaining timeout
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}
		s.stop()
	}()

	for {
		// Hold a slot for every connection until it authenticates.
		if err := s.pending.Acquire(s.ctx, 1); err != nil {
			s.logger.Info("server stopped", "addr", s.listener.Addr())
			return ctx.Err()
		}

		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.pending.Release(1)
			if s.isShutdown() {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			s.stop()
			return errors.Wrap(err, "accept")
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.newSession(conn).run()
		}()
	}
}

// Close stops the server, closing the listener and every live connection.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
func (s *Server) Close() error {
	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
		// Channel already has a signal or no one is listening
	}

	s.stop()
	return s.listener.Close()
}

// stop marks the server shut down, unblocks Accept and closes every connection.
func (s *Server) stop() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.cancel()
	// Set a deadline to unblock Accept
	_ = s.listener.SetDeadline(time.Now())
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Dispatcher returns the dispatcher server events are published on.
func (s *Server) Dispatcher() Dispatcher {
	return s.opts.dispatcher
}

// SendTo signs rec and writes it to conn. A connection that fails a write
// is closed, which ends its session and triggers the usual cleanup.
func (s *Server) SendTo(conn *Conn, rec Record) error {
	if err := conn.Write(rec); err != nil {
		s.logger.Warn("send failed, closing connection",
			"addr", conn.Addr(), "method", rec.Method(), "error", err)
		_ = conn.Close()
		return err
	}
	return nil
}

// SendToAll sends rec to every live connection.
func (s *Server) SendToAll(rec Record) {
	for _, conn := range s.registry.connections() {
		_ = s.SendTo(conn, rec)
	}
}

// SendToClientID sends rec to the connection of the client registered as id.
func (s *Server) SendToClientID(id string, rec Record) error {
	client, ok := s.registry.lookupClientID(id)
	if !ok {
		return errors.Wrapf(ErrClientNotFound, "client id %q", id)
	}
	return s.SendTo(client.conn, rec)
}

// Clients returns the registered clients sorted by id.
func (s *Server) Clients() []*RegisteredClient {
	return s.registry.clientList()
}

// Client returns the client registered as id.
func (s *Server) Client(id string) (*RegisteredClient, bool) {
	return s.registry.lookupClientID(id)
}

// serverSession runs one accepted connection:
// awaiting authentication, authenticated, closed.
type serverSession struct {
	srv       *Server
	conn      *Conn
	admit     sync.Once
	authTimer *time.Timer
}

func (s *Server) newSession(c *net.TCPConn) *serverSession {
	return &serverSession{
		srv:  s,
		conn: newConn(c, s.signature, s.logger, s.opts.maxFrameSize, s.opts.readTimeout, s.opts.writeTimeout),
	}
}

func (ss *serverSession) run() {
	s := ss.srv
	s.registry.addConn(ss.conn)
	s.logger.Info("connection established", "addr", ss.conn.Addr(), "conn_id", ss.conn.ID())
	ss.authTimer = time.AfterFunc(s.opts.authTimeout, ss.expireAuth)

	err := ss.conn.readLoop(s.ctx, func(batch []Record) error {
		for _, rec := range batch {
			if !ss.handleRecord(rec) {
				// The rest of a batch after a failed authentication is dropped.
				break
			}
		}
		return nil
	})
	ss.authTimer.Stop()
	ss.cleanup(err)
}

// expireAuth closes the connection if it has not authenticated yet.
func (ss *serverSession) expireAuth() {
	s := ss.srv
	if _, ok := s.registry.lookup(ss.conn.ID()); ok {
		return
	}
	s.logger.Warn("authentication timed out, closing connection",
		"addr", ss.conn.Addr(), "timeout", s.opts.authTimeout)
	_ = ss.conn.Close()
}

// release frees the pending-authentication slot. Idempotent.
func (ss *serverSession) release() {
	ss.admit.Do(func() {
		ss.srv.pending.Release(1)
	})
}

// handleRecord reports whether the rest of the batch should be processed.
func (ss *serverSession) handleRecord(rec Record) bool {
	s := ss.srv
	method := rec.Method()
	if method == MethodAuthentication {
		return ss.authenticate(rec)
	}

	client, ok := s.registry.lookup(ss.conn.ID())
	if !ok {
		s.logger.Warn("unauthenticated record received", "addr", ss.conn.Addr(), "method", method)
		return true
	}

	if !s.opts.noPrint.suppressed(method) {
		s.logger.Debug("record received", "client_id", client.ID, "method", method)
	}
	s.opts.dispatcher.Publish(EventReceive, client, rec)
	return true
}

func (ss *serverSession) authenticate(rec Record) bool {
	s := ss.srv
	id := rec.String(KeyClientID)

	password := rec.String(KeyPassword)
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.opts.secret)) != 1 {
		s.logger.Warn("authentication failed", "addr", ss.conn.Addr(), "client_id", id, "reason", "bad secret")
		ss.reject()
		return false
	}
	if id == "" {
		s.logger.Warn("authentication failed", "addr", ss.conn.Addr(), "reason", "missing client id")
		ss.reject()
		return false
	}

	client := &RegisteredClient{
		ID:    id,
		Type:  rec.String(KeyClientType),
		Since: time.Now(),
		conn:  ss.conn,
	}
	if evicted := s.registry.register(client); evicted != nil {
		s.logger.Warn("client id taken over, closing previous connection",
			"client_id", id, "previous_addr", evicted.Addr(), "addr", ss.conn.Addr())
		_ = evicted.conn.Close()
	}
	ss.authTimer.Stop()
	ss.release()

	if err := s.SendTo(ss.conn, NewRecord(MethodAuthenticationOK)); err != nil {
		return false
	}
	s.logger.Info("client authenticated", "client_id", id, "client_type", client.Type, "addr", ss.conn.Addr())
	s.opts.dispatcher.Publish(EventClientConnect, client)
	return true
}

// reject answers AUTHENTICATION_FAILED. The connection stays open and may
// retry until the auth timeout, but no longer holds a pending slot.
func (ss *serverSession) reject() {
	ss.release()
	_ = ss.srv.SendTo(ss.conn, NewRecord(MethodAuthenticationFailed))
}

// cleanup runs once per connection, after its receive loop has ended.
func (ss *serverSession) cleanup(cause error) {
	s := ss.srv
	ss.release()

	s.registry.removeConn(ss.conn.ID())
	client, _ := s.registry.unregister(ss.conn.ID())
	s.opts.dispatcher.Publish(EventClientDisconnect, client)
	_ = ss.conn.Close()

	if cause != nil && !errors.Is(cause, ErrConnectionClosed) && !errors.Is(cause, context.Canceled) {
		s.logger.Info("connection closed with error", "addr", ss.conn.Addr(), "error", cause)
	} else {
		s.logger.Info("connection closed", "addr", ss.conn.Addr())
	}
}
