package http

import (
	"encoding/json"
	"strings"

	"github.com/vovakirdan/guffghar-rt/internal/core"
	"github.com/vovakirdan/guffghar-rt/internal/proto"
	"github.com/vovakirdan/guffghar-rt/internal/store"
)

// dialect selects the outbound spelling for a connection.
type dialect int

const (
	dialectUnderscore dialect = iota
	dialectDash
)

func parseDialect(s string) dialect {
	if strings.EqualFold(s, "dash") {
		return dialectDash
	}
	return dialectUnderscore
}

var eventNames = map[core.EventKind][2]string{
	core.EventMessage:         {"new_message", "new-message"},
	core.EventJoined:          {"joined_chat", "joined-chat"},
	core.EventUserOnline:      {"user_online", "user-online"},
	core.EventUserOffline:     {"user_offline", "user-offline"},
	core.EventTyping:          {"user_typing", "user-typing"},
	core.EventStoppedTyping:   {"user_stopped_typing", "user-stopped-typing"},
	core.EventNotification:    {proto.OutboundNotification, proto.OutboundNotification},
	core.EventError:           {proto.OutboundError, proto.OutboundError},
	core.EventCallInvitation:  {proto.OutboundCallInvitation, proto.OutboundCallInvitation},
	core.EventCallAnswered:    {proto.OutboundCallAnswered, proto.OutboundCallAnswered},
	core.EventCallRejected:    {proto.OutboundCallRejected, proto.OutboundCallRejected},
	core.EventCallEnded:       {proto.OutboundCallEnded, proto.OutboundCallEnded},
	core.EventSignalOffer:     {proto.InboundWebRTCOffer, proto.InboundWebRTCOffer},
	core.EventSignalAnswer:    {proto.InboundWebRTCAnswer, proto.InboundWebRTCAnswer},
	core.EventSignalCandidate: {proto.InboundWebRTCCandidate, proto.InboundWebRTCCandidate},
}

func (d dialect) name(kind core.EventKind) string {
	return eventNames[kind][d]
}

// inboundToCommand maps a client frame to a core command. A non-nil error
// data means the frame was rejected before reaching the core.
func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.ErrorData) {
	name := inbound.Event
	invalid := func(msg string) *proto.ErrorData {
		return &proto.ErrorData{Code: core.ErrCodeValidation, Message: msg, Event: name}
	}

	switch name {
	case proto.InboundJoinChat, proto.InboundJoinChatDash:
		ref, perr := decodeChatRef(inbound.Data, invalid)
		if perr != nil {
			return nil, perr
		}
		return &core.Command{Kind: core.CommandJoinRoom, Name: name, ChatID: ref.ChatID}, nil

	case proto.InboundLeaveChat, proto.InboundLeaveChatDash:
		ref, perr := decodeChatRef(inbound.Data, invalid)
		if perr != nil {
			return nil, perr
		}
		return &core.Command{Kind: core.CommandLeaveRoom, Name: name, ChatID: ref.ChatID}, nil

	case proto.InboundTypingStart, proto.InboundTypingStartDash, proto.InboundTypingStop, proto.InboundTypingStopDash:
		ref, perr := decodeChatRef(inbound.Data, invalid)
		if perr != nil {
			return nil, perr
		}
		typing := name == proto.InboundTypingStart || name == proto.InboundTypingStartDash
		return &core.Command{Kind: core.CommandTyping, Name: name, ChatID: ref.ChatID, Typing: typing}, nil

	case proto.InboundSendMessage, proto.InboundSendMessageDash:
		var data proto.SendMessageData
		if err := json.Unmarshal(inbound.Data, &data); err != nil {
			return nil, invalid("malformed message payload")
		}
		return &core.Command{
			Kind:      core.CommandSendMessage,
			Name:      name,
			ChatID:    data.ChatID,
			Content:   data.Content,
			Type:      store.MessageType(strings.ToUpper(data.Type)),
			ReplyToID: data.ReplyToID,
			MediaURL:  data.MediaURL,
		}, nil

	case proto.InboundCallInvite:
		var data proto.CallInviteData
		if err := json.Unmarshal(inbound.Data, &data); err != nil {
			return nil, invalid("malformed call payload")
		}
		return &core.Command{
			Kind:         core.CommandCallInvite,
			Name:         name,
			ChatID:       data.RoomID,
			Participants: data.Participants,
			CallType:     strings.ToUpper(data.Type),
		}, nil

	case proto.InboundCallAnswer, proto.InboundCallReject, proto.InboundCallEnd:
		var data proto.CallActionData
		if err := json.Unmarshal(inbound.Data, &data); err != nil {
			return nil, invalid("malformed call payload")
		}
		kind := map[string]core.CommandKind{
			proto.InboundCallAnswer: core.CommandCallAnswer,
			proto.InboundCallReject: core.CommandCallReject,
			proto.InboundCallEnd:    core.CommandCallEnd,
		}[name]
		return &core.Command{Kind: kind, Name: name, ChatID: data.RoomID, Answer: data.Answer}, nil

	case proto.InboundWebRTCOffer, proto.InboundWebRTCAnswer, proto.InboundWebRTCCandidate:
		var data proto.SignalData
		if err := json.Unmarshal(inbound.Data, &data); err != nil {
			return nil, invalid("malformed signaling payload")
		}
		kind := map[string]core.EventKind{
			proto.InboundWebRTCOffer:     core.EventSignalOffer,
			proto.InboundWebRTCAnswer:    core.EventSignalAnswer,
			proto.InboundWebRTCCandidate: core.EventSignalCandidate,
		}[name]
		return &core.Command{
			Kind:       core.CommandSignal,
			Name:       name,
			ChatID:     data.RoomID,
			Target:     data.Target,
			SignalKind: kind,
			Payload:    data.Body(),
		}, nil

	default:
		return nil, &proto.ErrorData{Code: proto.ErrCodeBadRequest, Message: "unknown event", Event: name}
	}
}

func decodeChatRef(raw json.RawMessage, invalid func(string) *proto.ErrorData) (proto.ChatRef, *proto.ErrorData) {
	var ref proto.ChatRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.ChatID == "" {
		return ref, invalid("chatId is required")
	}
	return ref, nil
}

// outboundFromEvent renders a core event in the connection's dialect.
func outboundFromEvent(ev *core.Event, d dialect) proto.Outbound {
	out := proto.Outbound{Event: d.name(ev.Kind)}

	switch ev.Kind {
	case core.EventMessage:
		out.Data = messageToProto(ev.Message)
	case core.EventJoined:
		out.Data = proto.JoinedData{ChatID: ev.ChatID}
	case core.EventUserOnline, core.EventUserOffline:
		out.Data = proto.PresenceData{UserID: userID(ev.User), Username: username(ev.User), ChatID: ev.ChatID}
	case core.EventTyping, core.EventStoppedTyping:
		out.Data = proto.TypingData{
			UserID:   userID(ev.User),
			Username: username(ev.User),
			ChatID:   ev.ChatID,
			Typing:   ev.Kind == core.EventTyping,
		}
	case core.EventNotification:
		if n := ev.Notification; n != nil {
			out.Data = proto.NotificationData{
				Type:     n.Type,
				Title:    n.Title,
				Content:  n.Content,
				ChatID:   n.ChatID,
				SenderID: n.SenderID,
			}
		}
	case core.EventError:
		data := proto.ErrorData{Code: core.ErrCodeInternal, Message: "unknown error", Event: ev.Intent}
		if ev.Error != nil {
			data.Code = ev.Error.Code
			data.Message = ev.Error.Message
		}
		out.Data = data
	case core.EventCallInvitation:
		data := proto.CallInvitationData{RoomID: ev.Call.RoomID, Type: ev.Call.CallType}
		if ev.Call.Caller != nil {
			data.Caller = identityToProto(*ev.Call.Caller)
		}
		out.Data = data
	case core.EventCallAnswered, core.EventCallRejected, core.EventCallEnded:
		out.Data = proto.CallUpdateData{
			RoomID: ev.Call.RoomID,
			UserID: ev.Call.UserID,
			Answer: ev.Call.Answer,
			Reason: ev.Call.Reason,
		}
	case core.EventSignalOffer, core.EventSignalAnswer, core.EventSignalCandidate:
		out.Data = signalToProto(ev)
	}
	return out
}

// signalToProto keeps the historical key for the body: offer, answer or candidate.
func signalToProto(ev *core.Event) map[string]any {
	key := map[core.EventKind]string{
		core.EventSignalOffer:     "offer",
		core.EventSignalAnswer:    "answer",
		core.EventSignalCandidate: "candidate",
	}[ev.Kind]
	data := map[string]any{
		"sender": ev.Signal.SenderID,
		key:      ev.Signal.Payload,
	}
	if ev.Signal.RoomID != "" {
		data["roomId"] = ev.Signal.RoomID
	}
	return data
}

func messageToProto(m *store.Message) proto.Message {
	out := proto.Message{
		Seq:       m.Seq,
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      string(m.Type),
		MediaURL:  m.MediaURL,
		ReplyToID: m.ReplyToID,
		CreatedAt: m.CreatedAt,
		Sender:    summaryToProto(m.Sender),
	}
	if r := m.ReplyTo; r != nil {
		out.ReplyTo = &proto.ReplyPreview{
			ID:        r.ID,
			Content:   r.Content,
			Type:      string(r.Type),
			CreatedAt: r.CreatedAt,
			Sender:    summaryToProto(r.Sender),
		}
	}
	return out
}

func summaryToProto(u store.UserSummary) proto.User {
	return proto.User{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

func identityToProto(id core.Identity) proto.User {
	return proto.User{ID: id.ID, Username: id.Username, DisplayName: id.DisplayName, AvatarURL: id.AvatarURL}
}

func userID(id *core.Identity) string {
	if id == nil {
		return ""
	}
	return id.ID
}

func username(id *core.Identity) string {
	if id == nil {
		return ""
	}
	return id.Username
}
