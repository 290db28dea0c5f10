package core

import (
	"encoding/json"

	"github.com/vovakirdan/guffghar-rt/internal/store"
)

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandJoinRoom subscribes the connection to a chat after a membership check.
	CommandJoinRoom CommandKind = iota
	// CommandLeaveRoom unsubscribes the connection from a chat.
	CommandLeaveRoom
	// CommandSendMessage persists a message and fans it out.
	CommandSendMessage
	// CommandTyping relays a typing indicator.
	CommandTyping
	// CommandCallInvite rings the listed participants.
	CommandCallInvite
	// CommandCallAnswer accepts a call.
	CommandCallAnswer
	// CommandCallReject declines a call.
	CommandCallReject
	// CommandCallEnd hangs up.
	CommandCallEnd
	// CommandSignal forwards a WebRTC offer/answer/candidate to one identity.
	CommandSignal
)

var commandKindNames = map[CommandKind]string{
	CommandJoinRoom:    "join",
	CommandLeaveRoom:   "leave",
	CommandSendMessage: "send",
	CommandTyping:      "typing",
	CommandCallInvite:  "call_invite",
	CommandCallAnswer:  "call_answer",
	CommandCallReject:  "call_reject",
	CommandCallEnd:     "call_end",
	CommandSignal:      "signal",
}

func (k CommandKind) String() string {
	if name, ok := commandKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Command represents an action requested by a client.
type Command struct {
	Kind CommandKind
	// Name is the inbound event name as spelled by the client; errors echo it back.
	Name   string
	ChatID string

	// CommandSendMessage
	Content   string
	Type      store.MessageType
	ReplyToID *string
	MediaURL  *string

	// CommandTyping
	Typing bool

	// Call commands
	Participants []string
	CallType     string
	Answer       json.RawMessage

	// CommandSignal
	Target     string
	SignalKind EventKind
	Payload    json.RawMessage
}
