package sigsock

import (
	"net"
	"sort"
	"sync"
	"time"
)

// RegisteredClient is a connection that completed authentication.
type RegisteredClient struct {
	// ID is the identifier the peer announced.
	ID string
	// Type is the client type the peer announced.
	Type string
	// Since is when the client authenticated.
	Since time.Time

	conn *Conn
}

// Conn returns the client's connection.
func (c *RegisteredClient) Conn() *Conn {
	return c.conn
}

// Addr returns the remote address of the client's connection.
func (c *RegisteredClient) Addr() net.Addr {
	return c.conn.Addr()
}

// registry tracks live connections and registered clients, keyed by
// connection id, with a secondary index by client id.
type registry struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	clients map[string]*RegisteredClient
	byID    map[string]*RegisteredClient
}

func newRegistry() *registry {
	return &registry{
		conns:   make(map[string]*Conn),
		clients: make(map[string]*RegisteredClient),
		byID:    make(map[string]*RegisteredClient),
	}
}

func (r *registry) addConn(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// removeConn reports whether the connection was still live.
func (r *registry) removeConn(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return false
	}
	delete(r.conns, connID)
	return true
}

// register binds client to its connection and claims its id.
// A client holding the same id on another connection loses the id and is
// returned; its own entry stays until that connection is cleaned up.
func (r *registry) register(client *RegisteredClient) (evicted *RegisteredClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := client.conn.ID()
	if prev, ok := r.clients[connID]; ok && r.byID[prev.ID] == prev {
		delete(r.byID, prev.ID)
	}
	if prev, ok := r.byID[client.ID]; ok && prev.conn != client.conn {
		evicted = prev
	}

	r.clients[connID] = client
	r.byID[client.ID] = client
	return evicted
}

func (r *registry) unregister(connID string) (*RegisteredClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[connID]
	if !ok {
		return nil, false
	}
	delete(r.clients, connID)
	if r.byID[client.ID] == client {
		delete(r.byID, client.ID)
	}
	return client, true
}

func (r *registry) lookup(connID string) (*RegisteredClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[connID]
	return client, ok
}

func (r *registry) lookupClientID(id string) (*RegisteredClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.byID[id]
	return client, ok
}

func (r *registry) connections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// clientList returns the clients owning their id, sorted by id.
func (r *registry) clientList() []*RegisteredClient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*RegisteredClient, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
