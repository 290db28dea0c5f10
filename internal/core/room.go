package core

// Room groups the connections subscribed to one chat on this instance.
type Room struct {
	ID      string
	clients map[*Client]struct{}
}

// NewRoom constructs a room with no clients.
func NewRoom(id string) *Room {
	return &Room{
		ID:      id,
		clients: make(map[*Client]struct{}),
	}
}

// AddClient inserts a client into the room. Returns true if newly added.
func (r *Room) AddClient(c *Client) bool {
	if _, exists := r.clients[c]; exists {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

// RemoveClient deletes a client from the room. Returns true if removed.
func (r *Room) RemoveClient(c *Client) bool {
	if _, exists := r.clients[c]; !exists {
		return false
	}
	delete(r.clients, c)
	return true
}

// Has reports whether c is subscribed.
func (r *Room) Has(c *Client) bool {
	_, ok := r.clients[c]
	return ok
}

// Snapshot copies the current subscribers so delivery can happen outside the lock.
func (r *Room) Snapshot() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Empty returns true if no clients are in the room.
func (r *Room) Empty() bool {
	return len(r.clients) == 0
}
