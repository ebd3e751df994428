package sigsock

import (
	"time"

	"github.com/pkg/errors"
)

// Errors returned when validating options.
var (
	// ErrInvalidSecret is returned when no shared secret is configured.
	ErrInvalidSecret = errors.New("invalid shared secret")
	// ErrInvalidClientID is returned when a client has no identifier.
	ErrInvalidClientID = errors.New("invalid client id")
)

// Default configuration values.
const (
	defaultMaxClients      = 10
	defaultWriteTimeout    = 30 * time.Second
	defaultKeepAlive       = 10 * time.Second
	defaultReconnectDelay  = 10 * time.Second
	defaultDialTimeout     = 5 * time.Second
	defaultWaitTimeout     = 1500 * time.Millisecond
	defaultReadChunkLength = 4096
	defaultAuthTimeout     = 10 * time.Second
)

// serverOptions holds the configuration for a server.
type serverOptions struct {
	secret     string
	dispatcher Dispatcher
	logger     Logger
	noPrint    printBlacklist

	maxClients      int           // connections allowed to wait for authentication
	authTimeout     time.Duration // unauthenticated connections are closed after this
	maxFrameSize    int           // maximum unsigned data buffered per connection
	readTimeout     time.Duration // zero disables the read deadline
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

func defaultServerOptions() serverOptions {
	return serverOptions{
		noPrint:      defaultPrintBlacklist(),
		maxClients:   defaultMaxClients,
		authTimeout:  defaultAuthTimeout,
		maxFrameSize: defaultMaxFrameSize,
		writeTimeout: defaultWriteTimeout,
	}
}

// checkServerOptions validates and sets default values for server options.
func checkServerOptions(opts *serverOptions) error {
	if opts.secret == "" {
		return ErrInvalidSecret
	}
	if opts.maxClients <= 0 {
		opts.maxClients = defaultMaxClients
	}
	if opts.authTimeout <= 0 {
		opts.authTimeout = defaultAuthTimeout
	}
	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}
	if opts.dispatcher == nil {
		opts.dispatcher = NewBus()
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.noPrint == nil {
		opts.noPrint = defaultPrintBlacklist()
	}
	return nil
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// ServerSecretOption sets the shared secret clients must present.
// The frame signature is derived from it. Required.
func ServerSecretOption(secret string) ServerOption {
	return func(o *serverOptions) {
		o.secret = secret
	}
}

// ServerDispatcherOption sets the dispatcher that receives server events.
// If not set, the server creates its own Bus.
func ServerDispatcherOption(d Dispatcher) ServerOption {
	return func(o *serverOptions) {
		o.dispatcher = d
	}
}

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// ServerMaxClientsOption bounds how many accepted connections may wait for
// authentication at once. Further connections stay in the listen backlog.
// A slot is freed when its connection authenticates, is answered with
// AUTHENTICATION_FAILED, closes or exceeds the auth timeout.
func ServerMaxClientsOption(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxClients = n
	}
}

// ServerAuthTimeoutOption closes connections that have not authenticated
// within d of being accepted, freeing their pending slot.
func ServerAuthTimeoutOption(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.authTimeout = d
	}
}

// ServerPrintBlacklistOption replaces the set of methods whose receipt is not logged.
func ServerPrintBlacklistOption(methods ...string) ServerOption {
	return func(o *serverOptions) {
		o.noPrint = newPrintBlacklist(methods...)
	}
}

// ServerMaxFrameSizeOption sets the maximum size of an incomplete frame.
func ServerMaxFrameSizeOption(size int) ServerOption {
	return func(o *serverOptions) {
		o.maxFrameSize = size
	}
}

// ServerReadTimeoutOption drops connections that stay silent for longer than d.
// Zero (the default) waits forever.
func ServerReadTimeoutOption(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// ServerWriteTimeoutOption sets the deadline for a single frame write.
func ServerWriteTimeoutOption(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.writeTimeout = d
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener. This gives existing connections time to complete.
// Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.shutdownTimeout = timeout
	}
}

// clientOptions holds the configuration for a client session.
type clientOptions struct {
	secret     string
	clientID   string
	clientType string
	dispatcher Dispatcher
	logger     Logger
	noPrint    printBlacklist

	keepAlive      time.Duration // zero disables ALIVE records
	reconnect      bool
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	writeTimeout   time.Duration
	waitTimeout    time.Duration // default SendAndWait timeout
	maxFrameSize   int
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		noPrint:        defaultPrintBlacklist(),
		keepAlive:      defaultKeepAlive,
		reconnect:      true,
		reconnectDelay: defaultReconnectDelay,
		dialTimeout:    defaultDialTimeout,
		writeTimeout:   defaultWriteTimeout,
		waitTimeout:    defaultWaitTimeout,
		maxFrameSize:   defaultMaxFrameSize,
	}
}

// checkClientOptions validates and sets default values for client options.
func checkClientOptions(opts *clientOptions) error {
	if opts.secret == "" {
		return ErrInvalidSecret
	}
	if opts.clientID == "" {
		return ErrInvalidClientID
	}
	if opts.keepAlive < 0 {
		opts.keepAlive = 0
	}
	if opts.reconnectDelay <= 0 {
		opts.reconnectDelay = defaultReconnectDelay
	}
	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}
	if opts.waitTimeout <= 0 {
		opts.waitTimeout = defaultWaitTimeout
	}
	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}
	if opts.dispatcher == nil {
		opts.dispatcher = NewBus()
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.noPrint == nil {
		opts.noPrint = defaultPrintBlacklist()
	}
	return nil
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// ClientSecretOption sets the shared secret. It is sent as the password and
// the frame signature is derived from it. Required.
func ClientSecretOption(secret string) ClientOption {
	return func(o *clientOptions) {
		o.secret = secret
	}
}

// ClientIdentityOption sets the identifier and type announced on authentication.
// The identifier is required.
func ClientIdentityOption(id, clientType string) ClientOption {
	return func(o *clientOptions) {
		o.clientID = id
		o.clientType = clientType
	}
}

// ClientDispatcherOption sets the dispatcher that receives client events.
// If not set, the client creates its own Bus.
func ClientDispatcherOption(d Dispatcher) ClientOption {
	return func(o *clientOptions) {
		o.dispatcher = d
	}
}

// ClientLoggerOption sets the logger for the client.
func ClientLoggerOption(logger Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// ClientKeepAliveOption sets the ALIVE interval. Zero disables keep-alive.
func ClientKeepAliveOption(interval time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.keepAlive = interval
	}
}

// ClientReconnectOption enables or disables reconnecting after a session ends,
// waiting delay before each attempt.
func ClientReconnectOption(enabled bool, delay time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.reconnect = enabled
		o.reconnectDelay = delay
	}
}

// ClientDialTimeoutOption sets the timeout for opening the connection.
func ClientDialTimeoutOption(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.dialTimeout = d
	}
}

// ClientWriteTimeoutOption sets the deadline for a single frame write.
func ClientWriteTimeoutOption(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// ClientWaitTimeoutOption sets the default timeout used by SendAndWait.
func ClientWaitTimeoutOption(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.waitTimeout = d
	}
}

// ClientPrintBlacklistOption replaces the set of methods whose receipt is not logged.
func ClientPrintBlacklistOption(methods ...string) ClientOption {
	return func(o *clientOptions) {
		o.noPrint = newPrintBlacklist(methods...)
	}
}

// ClientMaxFrameSizeOption sets the maximum size of an incomplete frame.
func ClientMaxFrameSizeOption(size int) ClientOption {
	return func(o *clientOptions) {
		o.maxFrameSize = size
	}
}
