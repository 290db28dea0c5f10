package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/guffghar-rt/internal/metrics"
)

const defaultCallType = "VIDEO"

// callSession is the in-memory view of one call. It never outlives the process.
type callSession struct {
	roomID   string
	callType string
	callerID string
	invited  map[string]struct{}
	joined   map[string]struct{}
}

func (s *callSession) has(userID string) bool {
	_, inv := s.invited[userID]
	_, j := s.joined[userID]
	return inv || j
}

func (s *callSession) remove(userID string) {
	delete(s.invited, userID)
	delete(s.joined, userID)
}

func (s *callSession) parties() int {
	return len(s.invited) + len(s.joined)
}

// others lists every party except userID.
func (s *callSession) others(userID string) []string {
	out := make([]string, 0, s.parties())
	for id := range s.joined {
		if id != userID {
			out = append(out, id)
		}
	}
	for id := range s.invited {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// CallRelay forwards call control and WebRTC negotiation between identities.
// It never persists anything and never inspects payloads.
type CallRelay struct {
	fanout  Fanout
	log     *zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*callSession
}

func newCallRelay(fanout Fanout, logger *zerolog.Logger, m *metrics.Metrics) *CallRelay {
	return &CallRelay{
		fanout:   fanout,
		log:      logger,
		metrics:  m,
		sessions: make(map[string]*callSession),
	}
}

// Invite opens (or extends) the session for roomID and rings every participant.
// Participants without a live connection are simply not reached.
func (r *CallRelay) Invite(ctx context.Context, c *Client, roomID string, participants []string, callType string) error {
	if roomID == "" {
		return validationError("roomId is required")
	}
	if len(participants) == 0 {
		return validationError("participants must not be empty")
	}
	if callType == "" {
		callType = defaultCallType
	}

	caller := c.Identity
	targets := make([]string, 0, len(participants))

	r.mu.Lock()
	s, ok := r.sessions[roomID]
	if !ok {
		s = &callSession{
			roomID:   roomID,
			callType: callType,
			callerID: caller.ID,
			invited:  make(map[string]struct{}),
			joined:   make(map[string]struct{}),
		}
		r.sessions[roomID] = s
	}
	delete(s.invited, caller.ID)
	s.joined[caller.ID] = struct{}{}
	for _, id := range participants {
		if id == "" || id == caller.ID {
			continue
		}
		if _, in := s.joined[id]; !in {
			s.invited[id] = struct{}{}
		}
		targets = append(targets, id)
	}
	r.metrics.SetCallSessions(len(r.sessions))
	r.mu.Unlock()

	ev := &Event{Kind: EventCallInvitation, Call: &CallEvent{RoomID: roomID, CallType: callType, Caller: &caller}}
	for _, id := range targets {
		r.send(ctx, id, ev)
	}
	return nil
}

// Answer moves the sender from invited to joined and tells the other parties.
func (r *CallRelay) Answer(ctx context.Context, c *Client, roomID string, answer json.RawMessage) {
	r.mu.Lock()
	s, ok := r.sessions[roomID]
	if !ok || !s.has(c.Identity.ID) {
		r.mu.Unlock()
		return
	}
	delete(s.invited, c.Identity.ID)
	s.joined[c.Identity.ID] = struct{}{}
	targets := s.others(c.Identity.ID)
	r.mu.Unlock()

	ev := &Event{Kind: EventCallAnswered, Call: &CallEvent{RoomID: roomID, UserID: c.Identity.ID, Answer: answer}}
	r.sendAll(ctx, targets, ev)
}

// Reject drops the sender from the session and tells the other parties.
func (r *CallRelay) Reject(ctx context.Context, c *Client, roomID string) {
	r.leave(ctx, c.Identity.ID, roomID, EventCallRejected, "")
}

// End hangs the sender up and tells the other parties.
func (r *CallRelay) End(ctx context.Context, c *Client, roomID string) {
	r.leave(ctx, c.Identity.ID, roomID, EventCallEnded, "")
}

// RelayPayload forwards a negotiation payload to every connection of target.
func (r *CallRelay) RelayPayload(ctx context.Context, c *Client, target string, kind EventKind, roomID string, payload json.RawMessage) error {
	if target == "" {
		return validationError("target is required")
	}
	if len(payload) == 0 {
		return validationError("payload is required")
	}
	ev := &Event{Kind: kind, Signal: &SignalEvent{SenderID: c.Identity.ID, RoomID: roomID, Payload: payload}}
	r.send(ctx, target, ev)
	return nil
}

// DropIdentity removes userID from every session after its last connection closed.
func (r *CallRelay) DropIdentity(ctx context.Context, userID string) {
	r.mu.Lock()
	var rooms []string
	for id, s := range r.sessions {
		if s.has(userID) {
			rooms = append(rooms, id)
		}
	}
	r.mu.Unlock()

	for _, roomID := range rooms {
		r.leave(ctx, userID, roomID, EventCallEnded, "disconnected")
	}
}

// Sessions returns the number of live call sessions.
func (r *CallRelay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *CallRelay) leave(ctx context.Context, userID, roomID string, kind EventKind, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[roomID]
	if !ok || !s.has(userID) {
		r.mu.Unlock()
		return
	}
	targets := s.others(userID)
	s.remove(userID)
	if len(s.joined) == 0 || s.parties() < 2 {
		delete(r.sessions, roomID)
	}
	r.metrics.SetCallSessions(len(r.sessions))
	r.mu.Unlock()

	ev := &Event{Kind: kind, Call: &CallEvent{RoomID: roomID, UserID: userID, Reason: reason}}
	r.sendAll(ctx, targets, ev)
}

func (r *CallRelay) sendAll(ctx context.Context, targets []string, ev *Event) {
	for _, id := range targets {
		r.send(ctx, id, ev)
	}
}

func (r *CallRelay) send(ctx context.Context, target string, ev *Event) {
	err := r.fanout.ToUser(ctx, target, ev, "")
	switch {
	case errors.Is(err, ErrTargetUnreachable):
		r.log.Debug().Str("user_id", target).Str("event", ev.Kind.String()).Msg("signaling target unreachable, dropped")
	case err != nil:
		r.log.Debug().Err(err).Str("user_id", target).Str("event", ev.Kind.String()).Msg("signaling relay failed")
	}
}
