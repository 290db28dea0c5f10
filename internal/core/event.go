package core

import (
	"encoding/json"

	"github.com/vovakirdan/guffghar-rt/internal/store"
)

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventMessage delivers a persisted, hydrated chat message.
	EventMessage EventKind = iota
	// EventJoined acknowledges a successful join to the joining connection.
	EventJoined
	// EventUserOnline tells room subscribers that a user joined the room.
	EventUserOnline
	// EventUserOffline tells room subscribers that a user left the room or disconnected.
	EventUserOffline
	// EventTyping tells room subscribers that a user started typing.
	EventTyping
	// EventStoppedTyping tells room subscribers that a user stopped typing.
	EventStoppedTyping
	// EventNotification nudges online members who are not viewing the room.
	EventNotification
	// EventError reports an intent failure to the originating connection only.
	EventError

	// Call signaling events
	EventCallInvitation
	EventCallAnswered
	EventCallRejected
	EventCallEnded
	EventSignalOffer
	EventSignalAnswer
	EventSignalCandidate
)

var eventKindNames = map[EventKind]string{
	EventMessage:         "message",
	EventJoined:          "joined",
	EventUserOnline:      "user_online",
	EventUserOffline:     "user_offline",
	EventTyping:          "typing",
	EventStoppedTyping:   "stopped_typing",
	EventNotification:    "notification",
	EventError:           "error",
	EventCallInvitation:  "call_invitation",
	EventCallAnswered:    "call_answered",
	EventCallRejected:    "call_rejected",
	EventCallEnded:       "call_ended",
	EventSignalOffer:     "signal_offer",
	EventSignalAnswer:    "signal_answer",
	EventSignalCandidate: "signal_candidate",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// BestEffort reports whether the event may be dropped under backpressure.
// Messages, acks, errors and call signaling must reach the client or the connection is cut.
func (k EventKind) BestEffort() bool {
	switch k {
	case EventUserOnline, EventUserOffline, EventTyping, EventStoppedTyping, EventNotification:
		return true
	}
	return false
}

// Event is sent to clients to describe what happened in the system.
// It is JSON-encodable so it can travel over a cluster bus unchanged.
type Event struct {
	Kind         EventKind      `json:"kind"`
	ChatID       string         `json:"chatId,omitempty"`
	User         *Identity      `json:"user,omitempty"`
	Message      *store.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	Error        *CoreError     `json:"error,omitempty"`
	Intent       string         `json:"intent,omitempty"` // inbound event name an error answers
	Call         *CallEvent     `json:"call,omitempty"`
	Signal       *SignalEvent   `json:"signal,omitempty"`
}

// Notification is the in-app nudge for members who are online elsewhere.
type Notification struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
}

// CallEvent holds data specific to call events.
type CallEvent struct {
	RoomID   string          `json:"roomId"`
	CallType string          `json:"type,omitempty"`
	Caller   *Identity       `json:"caller,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Answer   json.RawMessage `json:"answer,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// SignalEvent carries an opaque WebRTC negotiation payload.
type SignalEvent struct {
	SenderID string          `json:"sender"`
	RoomID   string          `json:"roomId,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// ErrorEvent builds the error event answering the inbound intent named intent.
func ErrorEvent(err *CoreError, intent string) *Event {
	return &Event{Kind: EventError, Error: err, Intent: intent}
}
