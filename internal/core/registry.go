package core

import (
	"sync"

	"github.com/vovakirdan/guffghar-rt/internal/metrics"
)

// Registry tracks live connections on this instance: by connection, by identity and by room.
// All three views change under one lock so a connection is never visible in one and not the other.
type Registry struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	byIdentity map[string]map[*Client]struct{}
	rooms      map[string]*Room

	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		clients:    make(map[string]*Client),
		byIdentity: make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]*Room),
		metrics:    m,
	}
}

// Register records a connection whose identity has been verified.
func (r *Registry) Register(c *Client) error {
	if c == nil || !c.Identity.Valid() {
		return ErrUnauthenticated
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[c.ID] = c
	set, ok := r.byIdentity[c.Identity.ID]
	if !ok {
		set = make(map[*Client]struct{})
		r.byIdentity[c.Identity.ID] = set
	}
	set[c] = struct{}{}
	return nil
}

// Unregister removes the connection from every view. It returns the rooms the
// connection was subscribed to, whether it was the identity's last connection,
// and whether anything was removed. Calling it twice is a no-op the second time.
func (r *Registry) Unregister(c *Client) (rooms []string, lastForIdentity, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.ID]; !ok {
		return nil, false, false
	}
	delete(r.clients, c.ID)

	for roomID := range c.rooms {
		if room, ok := r.rooms[roomID]; ok {
			room.RemoveClient(c)
			if room.Empty() {
				delete(r.rooms, roomID)
			}
		}
		rooms = append(rooms, roomID)
	}
	c.rooms = make(map[string]struct{})

	if set, ok := r.byIdentity[c.Identity.ID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byIdentity, c.Identity.ID)
			lastForIdentity = true
		}
	}
	return rooms, lastForIdentity, true
}

// JoinRoom subscribes c to roomID. Returns false if it already was subscribed
// or is not registered.
func (r *Registry) JoinRoom(c *Client, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.ID]; !ok {
		return false
	}
	room, ok := r.rooms[roomID]
	if !ok {
		room = NewRoom(roomID)
		r.rooms[roomID] = room
	}
	if !room.AddClient(c) {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

// LeaveRoom unsubscribes c from roomID. Returns false if it was not subscribed.
func (r *Registry) LeaveRoom(c *Client, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok || !room.RemoveClient(c) {
		return false
	}
	delete(c.rooms, roomID)
	if room.Empty() {
		delete(r.rooms, roomID)
	}
	return true
}

// InRoom reports whether c is subscribed to roomID.
func (r *Registry) InRoom(c *Client, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	return ok && room.Has(c)
}

// RoomsOf returns the rooms c is subscribed to.
func (r *Registry) RoomsOf(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// ConnectionsFor returns every live connection of an identity.
func (r *Registry) ConnectionsFor(identityID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byIdentity[identityID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// ConnectionsInRoom returns the connections subscribed to roomID.
func (r *Registry) ConnectionsInRoom(roomID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return room.Snapshot()
}

// Online reports whether the identity has at least one live connection here.
func (r *Registry) Online(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}

// WatchingRoom reports whether any connection of the identity is subscribed to roomID.
func (r *Registry) WatchingRoom(identityID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.byIdentity[identityID] {
		if _, ok := c.rooms[roomID]; ok {
			return true
		}
	}
	return false
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// DeliverRoom enqueues ev to every subscriber of roomID except exceptConnID.
// Returns the number of connections that accepted the event.
func (r *Registry) DeliverRoom(roomID string, ev *Event, exceptConnID string) int {
	return r.deliverAll(r.ConnectionsInRoom(roomID), ev, exceptConnID)
}

// DeliverUser enqueues ev to every connection of identityID except exceptConnID.
func (r *Registry) DeliverUser(identityID string, ev *Event, exceptConnID string) int {
	return r.deliverAll(r.ConnectionsFor(identityID), ev, exceptConnID)
}

func (r *Registry) deliverAll(targets []*Client, ev *Event, exceptConnID string) int {
	n := 0
	for _, c := range targets {
		if c.ID == exceptConnID {
			continue
		}
		switch c.deliver(ev) {
		case deliverOK:
			n++
		case deliverDropped:
			r.metrics.EventDropped("best_effort")
		case deliverEvicted:
			r.metrics.EventDropped("slow_consumer")
		}
	}
	return n
}
