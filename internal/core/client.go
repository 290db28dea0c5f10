package core

import "sync"

const defaultSendBuffer = 64

// Client is one live connection as seen by the core layer.
// Its identity is fixed at handshake and never changes.
type Client struct {
	ID       string
	Identity Identity
	Commands chan *Command

	events    chan *Event
	done      chan struct{}
	closeOnce sync.Once

	// rooms is guarded by the owning Registry's mutex.
	rooms map[string]struct{}
}

// NewClient constructs a client with initialized channels.
func NewClient(id string, identity Identity, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{
		ID:       id,
		Identity: identity,
		Commands: make(chan *Command, 8),
		events:   make(chan *Event, buffer),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
}

// Events returns the outbound queue drained by the transport writer.
func (c *Client) Events() <-chan *Event {
	return c.events
}

// Done is closed once the client is shut down, either by the transport or as a slow consumer.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close marks the client as finished. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Push enqueues an event for this connection only, with the same overflow rules as fan-out.
func (c *Client) Push(ev *Event) bool {
	return c.deliver(ev) == deliverOK
}

// deliver enqueues an event without blocking. A full queue drops best-effort
// events; for anything else the client is closed so it cannot miss messages silently.
// The events channel is never closed, so concurrent senders cannot panic.
func (c *Client) deliver(ev *Event) deliverResult {
	if c.Closed() {
		return deliverClosed
	}
	select {
	case c.events <- ev:
		return deliverOK
	default:
	}
	if ev.Kind.BestEffort() {
		return deliverDropped
	}
	c.Close()
	return deliverEvicted
}

type deliverResult int

const (
	deliverOK deliverResult = iota
	deliverDropped
	deliverEvicted
	deliverClosed
)
