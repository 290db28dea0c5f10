package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Inbound is the envelope for frames coming from the client.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is the envelope for frames sent to the client.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Inbound event names. Both historical spellings are accepted.
const (
	InboundAuth = "auth"

	InboundJoinChat     = "join_chat"
	InboundJoinChatDash = "join-chat"

	InboundLeaveChat     = "leave_chat"
	InboundLeaveChatDash = "leave-chat"

	InboundSendMessage     = "send_message"
	InboundSendMessageDash = "send-message"

	InboundTypingStart     = "typing_start"
	InboundTypingStartDash = "typing-start"
	InboundTypingStop      = "typing_stop"
	InboundTypingStopDash  = "typing-stop"

	InboundCallInvite = "call-invite"
	InboundCallAnswer = "call-answer"
	InboundCallReject = "call-reject"
	InboundCallEnd    = "call-end"

	InboundWebRTCOffer     = "webrtc-offer"
	InboundWebRTCAnswer    = "webrtc-answer"
	InboundWebRTCCandidate = "webrtc-ice-candidate"
)

// Outbound event names that exist in one spelling only.
const (
	OutboundReady          = "ready"
	OutboundError          = "error"
	OutboundNotification   = "notification"
	OutboundCallInvitation = "call-invitation"
	OutboundCallAnswered   = "call-answered"
	OutboundCallRejected   = "call-rejected"
	OutboundCallEnded      = "call-ended"
)

// Error codes produced by the transport itself.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeUnauthenticated = "unauthenticated"
)

// AuthData carries the bearer token when it is not sent on the upgrade request.
type AuthData struct {
	Token string `json:"token"`
}

// ChatRef names a chat either as a bare JSON string or as {"chatId": "..."}.
type ChatRef struct {
	ChatID string `json:"chatId"`
}

var errEmptyChatRef = errors.New("chat reference is empty")

// UnmarshalJSON accepts "id" and {"chatId":"id"}.
func (r *ChatRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return errEmptyChatRef
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ChatID)
	}
	type plain ChatRef
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	r.ChatID = p.ChatID
	return nil
}

// SendMessageData is a chat message from the client.
type SendMessageData struct {
	ChatID    string  `json:"chatId"`
	Content   string  `json:"content"`
	Type      string  `json:"type,omitempty"`
	ReplyToID *string `json:"replyToId,omitempty"`
	MediaURL  *string `json:"mediaUrl,omitempty"`
}

// CallInviteData starts a call.
type CallInviteData struct {
	RoomID       string   `json:"roomId"`
	Participants []string `json:"participants"`
	Type         string   `json:"type,omitempty"`
}

// CallActionData answers, rejects or ends a call.
type CallActionData struct {
	RoomID string          `json:"roomId"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

// SignalData is a WebRTC negotiation frame. The SDP or candidate may arrive
// under payload or under its own key.
type SignalData struct {
	Target    string          `json:"target"`
	RoomID    string          `json:"roomId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Body returns whichever payload field was set.
func (d SignalData) Body() json.RawMessage {
	for _, raw := range []json.RawMessage{d.Payload, d.Offer, d.Answer, d.Candidate} {
		if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			return raw
		}
	}
	return nil
}

// User is the public projection of an identity.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ReadyData confirms the handshake.
type ReadyData struct {
	ConnectionID string `json:"connectionId"`
	User         User   `json:"user"`
}

// Message is the hydrated message pushed to room subscribers.
type Message struct {
	Seq       int64         `json:"seq"`
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	SenderID  string        `json:"senderId"`
	Content   string        `json:"content"`
	Type      string        `json:"type"`
	MediaURL  *string       `json:"mediaUrl"`
	ReplyToID *string       `json:"replyToId"`
	CreatedAt time.Time     `json:"createdAt"`
	Sender    User          `json:"sender"`
	ReplyTo   *ReplyPreview `json:"replyTo"`
}

// ReplyPreview is the replied-to message embedded in Message.
type ReplyPreview struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	Sender    User      `json:"sender"`
}

// JoinedData acknowledges a join.
type JoinedData struct {
	ChatID string `json:"chatId"`
}

// PresenceData announces a user joining or leaving a chat.
type PresenceData struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	ChatID   string `json:"chatId"`
}

// TypingData announces typing state.
type TypingData struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	ChatID   string `json:"chatId"`
	Typing   bool   `json:"typing"`
}

// NotificationData nudges a user about a chat they are not viewing.
type NotificationData struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
}

// ErrorData describes an intent failure.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// CallInvitationData rings a callee.
type CallInvitationData struct {
	RoomID string `json:"roomId"`
	Caller User   `json:"caller"`
	Type   string `json:"type"`
}

// CallUpdateData reports another party's answer, rejection or hang-up.
type CallUpdateData struct {
	RoomID string          `json:"roomId"`
	UserID string          `json:"userId"`
	Answer json.RawMessage `json:"answer,omitempty"`
	Reason string          `json:"reason,omitempty"`
}
