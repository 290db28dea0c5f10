package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vovakirdan/guffghar-rt/internal/store"
)

func TestHubJoinSendAndLeave(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2")
	hub := NewHub(s, Options{}, nil, nil)

	alice := connect(ctx, t, hub, "c1", "u1")
	bob := connect(ctx, t, hub, "c2", "u2")

	alice.Commands <- &Command{Kind: CommandJoinRoom, Name: "join_chat", ChatID: "room-r"}
	mustEvent(t, alice.Events(), EventJoined)
	bob.Commands <- &Command{Kind: CommandJoinRoom, Name: "join_chat", ChatID: "room-r"}
	mustEvent(t, bob.Events(), EventJoined)

	online := mustEvent(t, alice.Events(), EventUserOnline)
	if online.User == nil || online.User.ID != "u2" || online.ChatID != "room-r" {
		t.Fatalf("unexpected online event: %+v", online)
	}

	alice.Commands <- &Command{Kind: CommandSendMessage, Name: "send_message", ChatID: "room-r", Content: "hi", Type: store.MessageTypeText}

	for _, c := range []*Client{alice, bob} {
		ev := mustEvent(t, c.Events(), EventMessage)
		if ev.Message.Content != "hi" || ev.Message.SenderID != "u1" || ev.Message.ChatID != "room-r" {
			t.Fatalf("unexpected message event for %s: %+v", c.ID, ev.Message)
		}
		if ev.Message.Sender.DisplayName != "User u1" {
			t.Fatalf("expected hydrated sender, got %+v", ev.Message.Sender)
		}
	}

	msgs, err := s.ListMessages(ctx, "room-r", 10, nil)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("expected one persisted message, got %+v", msgs)
	}
	chat, err := s.GetChat(ctx, "room-r")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chat.LastMessageID == nil || *chat.LastMessageID != msgs[0].ID {
		t.Fatalf("expected last message marker to be %s, got %v", msgs[0].ID, chat.LastMessageID)
	}

	alice.Commands <- &Command{Kind: CommandLeaveRoom, Name: "leave_chat", ChatID: "room-r"}
	left := mustEvent(t, bob.Events(), EventUserOffline)
	if left.User == nil || left.User.ID != "u1" {
		t.Fatalf("unexpected offline event: %+v", left)
	}
	hub.Wait()
}

func TestHubSendFromNonMemberIsRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2")
	seedChat(t, s, "other", "u3")
	hub := NewHub(s, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u2 := connect(ctx, t, hub, "c2", "u2")
	u3 := connect(ctx, t, hub, "c3", "u3")
	for _, c := range []*Client{u1, u2} {
		c.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
		mustEvent(t, c.Events(), EventJoined)
	}

	u3.Commands <- &Command{Kind: CommandSendMessage, Name: "send-message", ChatID: "room-r", Content: "sneaky"}

	ev := mustEvent(t, u3.Events(), EventError)
	if ev.Error == nil || ev.Error.Code != ErrCodeUnauthorized || ev.Intent != "send-message" {
		t.Fatalf("expected unauthorized error, got %+v", ev)
	}
	mustNoEvent(t, u1.Events(), EventMessage)
	mustNoEvent(t, u2.Events(), EventMessage)

	msgs, err := s.ListMessages(ctx, "room-r", 10, nil)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no persisted message, got %d", len(msgs))
	}
}

func TestHubJoinNonMemberIsRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1")
	seedChat(t, s, "other", "u3")
	hub := NewHub(s, Options{}, nil, nil)

	u3 := connect(ctx, t, hub, "c3", "u3")
	u3.Commands <- &Command{Kind: CommandJoinRoom, Name: "join-chat", ChatID: "room-r"}

	ev := mustEvent(t, u3.Events(), EventError)
	if ev.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", ev.Error)
	}
	if hub.Registry().InRoom(u3, "room-r") {
		t.Fatalf("non-member must not be subscribed")
	}
}

func TestHubMembershipIsCheckedOnEverySend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2")
	hub := NewHub(s, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u1.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
	mustEvent(t, u1.Events(), EventJoined)

	if err := s.RemoveParticipant(ctx, "room-r", "u1", time.Now()); err != nil {
		t.Fatalf("remove participant: %v", err)
	}

	u1.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "still here?"}
	ev := mustEvent(t, u1.Events(), EventError)
	if ev.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized after removal, got %+v", ev.Error)
	}
}

func TestHubFailedRejoinDropsSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2")
	hub := NewHub(s, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u2 := connect(ctx, t, hub, "c2", "u2")
	for _, c := range []*Client{u1, u2} {
		c.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
		mustEvent(t, c.Events(), EventJoined)
	}
	drain(u2.Events())

	if err := s.RemoveParticipant(ctx, "room-r", "u1", time.Now()); err != nil {
		t.Fatalf("remove participant: %v", err)
	}

	u1.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r", Name: "join_chat"}
	ev := mustEvent(t, u1.Events(), EventError)
	if ev.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized on re-join, got %+v", ev.Error)
	}
	if hub.Registry().InRoom(u1, "room-r") {
		t.Fatalf("removed member still subscribed after failed re-join")
	}
	if off := mustEvent(t, u2.Events(), EventUserOffline); off.User == nil || off.User.ID != "u1" {
		t.Fatalf("expected user_offline for u1, got %+v", off.User)
	}

	u2.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "members only"}
	mustEvent(t, u2.Events(), EventMessage)
	mustNoEvent(t, u1.Events(), EventMessage)
	hub.Wait()
}

func TestHubLeaveUnknownRoomIsNoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1")
	hub := NewHub(s, Options{}, nil, nil)

	alice := connect(ctx, t, hub, "c1", "u1")
	alice.Commands <- &Command{Kind: CommandLeaveRoom, ChatID: "ghost"}

	mustNoEvent(t, alice.Events(), EventError)
}

func TestHubSendValidation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1")
	hub := NewHub(s, Options{Relay: RelayConfig{MaxContentBytes: 10}}, nil, nil)
	alice := connect(ctx, t, hub, "c1", "u1")

	otherReply := "does-not-exist"
	badURL := "ftp://example.com/a.png"
	cases := []*Command{
		{Kind: CommandSendMessage, ChatID: "room-r", Content: "   "},
		{Kind: CommandSendMessage, ChatID: "room-r", Content: strings.Repeat("x", 11)},
		{Kind: CommandSendMessage, ChatID: "room-r", Content: "hi", Type: "STICKER"},
		{Kind: CommandSendMessage, ChatID: "room-r", Content: "hi", MediaURL: &badURL},
		{Kind: CommandSendMessage, ChatID: "room-r", Content: "hi", ReplyToID: &otherReply},
		{Kind: CommandSendMessage, Content: "hi"},
	}
	for i, cmd := range cases {
		alice.Commands <- cmd
		ev := mustEvent(t, alice.Events(), EventError)
		if ev.Error.Code != ErrCodeValidation {
			t.Fatalf("case %d: expected validation error, got %+v", i, ev.Error)
		}
	}

	msgs, err := s.ListMessages(ctx, "room-r", 10, nil)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected nothing persisted, got %d", len(msgs))
	}
}

func TestHubReplyIsHydrated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2")
	hub := NewHub(s, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u1.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
	mustEvent(t, u1.Events(), EventJoined)

	u1.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "first"}
	first := mustEvent(t, u1.Events(), EventMessage).Message

	u1.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "second", ReplyToID: &first.ID}
	second := mustEvent(t, u1.Events(), EventMessage).Message
	if second.ReplyTo == nil || second.ReplyTo.ID != first.ID || second.ReplyTo.Content != "first" {
		t.Fatalf("expected reply preview of first message, got %+v", second.ReplyTo)
	}
	hub.Wait()
}

func TestHubPersistenceFailureDoesNotFanOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2")
	gw := &faultyGateway{Store: s}
	hub := NewHub(gw, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u2 := connect(ctx, t, hub, "c2", "u2")
	for _, c := range []*Client{u1, u2} {
		c.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
		mustEvent(t, c.Events(), EventJoined)
	}

	gw.mu.Lock()
	gw.createErr = errStorageDown
	gw.mu.Unlock()

	u1.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "lost"}
	ev := mustEvent(t, u1.Events(), EventError)
	if ev.Error.Code != ErrCodePersistenceUnavailable {
		t.Fatalf("expected persistence_unavailable, got %+v", ev.Error)
	}
	if strings.Contains(ev.Error.Message, errStorageDown.Error()) {
		t.Fatalf("infrastructure detail leaked to client: %q", ev.Error.Message)
	}
	mustNoEvent(t, u2.Events(), EventMessage)
}

func TestHubMembershipLookupFailureIsNotADenial(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1")
	gw := &faultyGateway{Store: s, membershipErr: errStorageDown}
	hub := NewHub(gw, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u1.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}

	ev := mustEvent(t, u1.Events(), EventError)
	if ev.Error.Code != ErrCodePersistenceUnavailable {
		t.Fatalf("expected persistence_unavailable, got %+v", ev.Error)
	}
	if hub.Registry().InRoom(u1, "room-r") {
		t.Fatalf("must not subscribe when membership is unknown")
	}
}

func TestHubPersistTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1")
	hub := NewHub(&blockingGateway{Store: s}, Options{Relay: RelayConfig{PersistTimeout: 50 * time.Millisecond}}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u1.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
	mustEvent(t, u1.Events(), EventJoined)

	u1.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "slow"}
	ev := mustEvent(t, u1.Events(), EventError)
	if ev.Error.Code != ErrCodePersistenceUnavailable {
		t.Fatalf("expected persistence_unavailable on timeout, got %+v", ev.Error)
	}
	mustNoEvent(t, u1.Events(), EventMessage)
}

func TestHubTouchFailureDoesNotBlockDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2")
	gw := &faultyGateway{Store: s, touchErr: errStorageDown}
	hub := NewHub(gw, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u2 := connect(ctx, t, hub, "c2", "u2")
	for _, c := range []*Client{u1, u2} {
		c.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
		mustEvent(t, c.Events(), EventJoined)
	}

	u1.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "delivered anyway"}
	mustEvent(t, u2.Events(), EventMessage)
	hub.Wait()

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.created != 1 || gw.touched != 1 {
		t.Fatalf("expected one create and one touch attempt, got %d/%d", gw.created, gw.touched)
	}
}

func TestHubPerConnectionOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2")
	hub := NewHub(s, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u2 := connect(ctx, t, hub, "c2", "u2")
	for _, c := range []*Client{u1, u2} {
		c.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
		mustEvent(t, c.Events(), EventJoined)
	}

	want := []string{"a", "b", "c", "d", "e"}
	for _, text := range want {
		u1.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: text}
	}
	for _, text := range want {
		ev := mustEvent(t, u2.Events(), EventMessage)
		if ev.Message.Content != text {
			t.Fatalf("expected %q, got %q", text, ev.Message.Content)
		}
	}

	msgs, err := s.ListMessages(ctx, "room-r", 10, nil)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Fatalf("persisted order mismatch at %d: %q", i, m.Content)
		}
	}
	hub.Wait()
}

func TestHubFanoutFollowsInsertionOrderAcrossConnections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2", "u3")
	gw := newHoldingGateway(s, "A")
	hub := NewHub(gw, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u2 := connect(ctx, t, hub, "c2", "u2")
	u3 := connect(ctx, t, hub, "c3", "u3")
	for _, c := range []*Client{u1, u2, u3} {
		c.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
		mustEvent(t, c.Events(), EventJoined)
	}

	// A commits first, then its sender stalls before fan-out.
	u1.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "A"}
	select {
	case <-gw.committed:
	case <-ctx.Done():
		t.Fatal("A was never persisted")
	}
	u2.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "B"}

	// B is durable but must not overtake A on the wire.
	deadline := time.Now().Add(2 * time.Second)
	for hub.relay.seq.pending("room-r") != 2 || gw.createdCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("B was never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mustNoEvent(t, u3.Events(), EventMessage)

	close(gw.release)
	first := mustEvent(t, u3.Events(), EventMessage)
	second := mustEvent(t, u3.Events(), EventMessage)
	if first.Message.Content != "A" || second.Message.Content != "B" {
		t.Fatalf("wire order %q, %q; want A, B", first.Message.Content, second.Message.Content)
	}
	if first.Message.Seq >= second.Message.Seq {
		t.Fatalf("seq does not follow insertion: A=%d B=%d", first.Message.Seq, second.Message.Seq)
	}

	msgs, err := s.ListMessages(ctx, "room-r", 10, nil)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Seq != first.Message.Seq || msgs[1].Seq != second.Message.Seq {
		t.Fatalf("history disagrees with wire order: %+v", msgs)
	}
	hub.Wait()
}

func TestHubFailedPersistDoesNotStallRoom(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2")
	gw := &faultyGateway{Store: s, createErr: errStorageDown}
	hub := NewHub(gw, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u2 := connect(ctx, t, hub, "c2", "u2")
	for _, c := range []*Client{u1, u2} {
		c.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
		mustEvent(t, c.Events(), EventJoined)
	}

	u1.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "lost"}
	mustEvent(t, u1.Events(), EventError)

	gw.mu.Lock()
	gw.createErr = nil
	gw.mu.Unlock()

	u2.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "kept"}
	if ev := mustEvent(t, u1.Events(), EventMessage); ev.Message.Content != "kept" {
		t.Fatalf("unexpected message %q", ev.Message.Content)
	}
	if n := hub.relay.seq.pending("room-r"); n != 0 {
		t.Fatalf("expected no pending slots, got %d", n)
	}
	hub.Wait()
}

func TestHubServeCancelCompletesInFlightSend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1")
	gw := &gatingGateway{Store: s, entered: make(chan struct{}, 1), release: make(chan struct{})}
	hub := NewHub(gw, Options{}, nil, nil)

	c := NewClient("c1", identity("u1"), 32)
	if err := hub.RegisterClient(ctx, c); err != nil {
		t.Fatalf("register: %v", err)
	}
	serveCtx, stopServe := context.WithCancel(ctx)
	served := make(chan struct{})
	go func() {
		defer close(served)
		hub.ServeClient(serveCtx, c)
	}()

	c.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
	mustEvent(t, c.Events(), EventJoined)
	c.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "in flight"}

	select {
	case <-gw.entered:
	case <-ctx.Done():
		t.Fatal("send never reached the gateway")
	}
	// The socket goes away while the gateway call is outstanding.
	stopServe()
	close(gw.release)

	select {
	case <-served:
	case <-ctx.Done():
		t.Fatal("ServeClient did not return")
	}
	msgs, err := s.ListMessages(ctx, "room-r", 10, nil)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "in flight" {
		t.Fatalf("in-flight send was not persisted: %+v", msgs)
	}
	hub.Wait()
}

func TestHubFanoutReachesSendersOtherConnections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1")
	hub := NewHub(s, Options{}, nil, nil)

	phone := connect(ctx, t, hub, "phone", "u1")
	laptop := connect(ctx, t, hub, "laptop", "u1")
	for _, c := range []*Client{phone, laptop} {
		c.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
		mustEvent(t, c.Events(), EventJoined)
	}

	phone.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "sync"}
	a := mustEvent(t, phone.Events(), EventMessage)
	b := mustEvent(t, laptop.Events(), EventMessage)
	if a.Message.ID != b.Message.ID {
		t.Fatalf("connections saw different payloads: %s vs %s", a.Message.ID, b.Message.ID)
	}
	mustNoEvent(t, laptop.Events(), EventMessage)
	hub.Wait()
}

func TestHubTypingRequiresSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2")
	hub := NewHub(s, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u2 := connect(ctx, t, hub, "c2", "u2")
	u2.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
	mustEvent(t, u2.Events(), EventJoined)

	u1.Commands <- &Command{Kind: CommandTyping, ChatID: "room-r", Typing: true}
	mustNoEvent(t, u2.Events(), EventTyping)
	mustNoEvent(t, u1.Events(), EventError)

	u1.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
	mustEvent(t, u1.Events(), EventJoined)

	u1.Commands <- &Command{Kind: CommandTyping, ChatID: "room-r", Typing: true}
	ev := mustEvent(t, u2.Events(), EventTyping)
	if ev.User.ID != "u1" {
		t.Fatalf("unexpected typing event: %+v", ev)
	}
	u1.Commands <- &Command{Kind: CommandTyping, ChatID: "room-r", Typing: false}
	mustEvent(t, u2.Events(), EventStoppedTyping)
	mustNoEvent(t, u1.Events(), EventTyping)
}

func TestHubDisconnectCleansUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2")
	hub := NewHub(s, Options{}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u2 := connect(ctx, t, hub, "c2", "u2")
	for _, c := range []*Client{u1, u2} {
		c.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
		mustEvent(t, c.Events(), EventJoined)
	}
	drain(u1.Events())

	hub.UnregisterClient(ctx, u2)
	hub.UnregisterClient(ctx, u2)

	off := mustEvent(t, u1.Events(), EventUserOffline)
	if off.User.ID != "u2" {
		t.Fatalf("unexpected offline event: %+v", off)
	}
	for _, c := range hub.Registry().ConnectionsInRoom("room-r") {
		if c == u2 {
			t.Fatalf("disconnected client still in room")
		}
	}
	if len(hub.Registry().ConnectionsFor("u2")) != 0 {
		t.Fatalf("disconnected client still registered for identity")
	}

	u1.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: "anyone?"}
	mustEvent(t, u1.Events(), EventMessage)
	mustNoEvent(t, u2.Events(), EventMessage)

	u, err := s.GetUserByID(ctx, "u2")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.LastActive == nil {
		t.Fatalf("expected last active to be touched on disconnect")
	}
	hub.Wait()
}

func TestHubNotifiesAbsentMembers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1", "u2", "u3")
	notifier := &recordingNotifier{}
	hub := NewHub(s, Options{Notifier: notifier}, nil, nil)

	u1 := connect(ctx, t, hub, "c1", "u1")
	u2 := connect(ctx, t, hub, "c2", "u2") // online, not viewing the room
	u1.Commands <- &Command{Kind: CommandJoinRoom, ChatID: "room-r"}
	mustEvent(t, u1.Events(), EventJoined)

	u1.Commands <- &Command{Kind: CommandSendMessage, ChatID: "room-r", Content: strings.Repeat("é", 150)}
	mustEvent(t, u1.Events(), EventMessage)

	n := mustEvent(t, u2.Events(), EventNotification)
	if n.Notification.ChatID != "room-r" || n.Notification.SenderID != "u1" {
		t.Fatalf("unexpected notification: %+v", n.Notification)
	}
	if got := len([]rune(n.Notification.Content)); got != notificationPreviewLen {
		t.Fatalf("expected preview of %d runes, got %d", notificationPreviewLen, got)
	}
	hub.Wait()

	notices := notifier.all()
	if len(notices) != 1 || notices[0].UserID != "u3" {
		t.Fatalf("expected one offline notice for u3, got %+v", notices)
	}
	mustNoEvent(t, u1.Events(), EventNotification)
}

func TestHubRegisterRequiresIdentity(t *testing.T) {
	hub := NewHub(newTestStore(t), Options{}, nil, nil)
	err := hub.RegisterClient(context.Background(), NewClient("c1", Identity{}, 0))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if hub.Registry().Count() != 0 {
		t.Fatalf("unauthenticated client must not be registered")
	}
}

func TestHubUnknownCommand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := newTestStore(t)
	seedChat(t, s, "room-r", "u1")
	hub := NewHub(s, Options{}, nil, nil)
	u1 := connect(ctx, t, hub, "c1", "u1")

	u1.Commands <- &Command{Kind: CommandKind(99), Name: "dance"}
	ev := mustEvent(t, u1.Events(), EventError)
	if ev.Error.Code != ErrCodeBadRequest || ev.Intent != "dance" {
		t.Fatalf("expected bad_request for dance, got %+v", ev)
	}
}
