package sigsock

import "sync"

// Event names a session notification.
type Event string

// Events published by Server and Client.
const (
	// EventClientConnect is published by the server after a client authenticates.
	// Params: *RegisteredClient.
	EventClientConnect Event = "ON_CLIENT_CONNECT"
	// EventClientDisconnect is published by the server when a connection ends.
	// Params: *RegisteredClient, nil if the connection never authenticated.
	EventClientDisconnect Event = "ON_CLIENT_DISCONNECT"
	// EventReceive is published for every application record.
	// Params: *RegisteredClient, Record on the server; Record on the client.
	EventReceive Event = "ON_RECEIVE"
	// EventConnect is published by the client on AUTHENTICATION_OK. No params.
	EventConnect Event = "ON_CONNECT"
	// EventDisconnect is published by the client when a session ends.
	// Params: error.
	EventDisconnect Event = "ON_DISCONNECT"
)

// Handler receives the params of a published event.
// Handlers may run concurrently on any goroutine.
type Handler func(params ...any)

// Subscription is the registration of one handler.
type Subscription interface {
	// Unsubscribe removes the handler. Safe to call more than once.
	Unsubscribe()
}

// Dispatcher delivers session notifications to application code.
type Dispatcher interface {
	Publish(event Event, params ...any)
	Subscribe(event Event, handler Handler) Subscription
}

// Bus is the default Dispatcher. Handlers run synchronously on the
// publishing goroutine, outside the bus lock.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Event]map[uint64]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Event]map[uint64]Handler)}
}

// Publish calls every handler subscribed to event.
func (b *Bus) Publish(event Event, params ...any) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(params...)
	}
}

// Subscribe registers handler for event.
func (b *Bus) Subscribe(event Event, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[uint64]Handler)
	}
	b.handlers[event][id] = handler

	return &subscription{bus: b, event: event, id: id}
}

// Subscribers returns the number of handlers registered for event.
func (b *Bus) Subscribers(event Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

func (b *Bus) remove(event Event, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers[event], id)
	if len(b.handlers[event]) == 0 {
		delete(b.handlers, event)
	}
}

type subscription struct {
	once  sync.Once
	bus   *Bus
	event Event
	id    uint64
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.event, s.id)
	})
}
