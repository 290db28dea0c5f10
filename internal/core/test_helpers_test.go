package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/guffghar-rt/internal/store"
	"github.com/vovakirdan/guffghar-rt/internal/store/sqlite"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// mustNoEvent fails if an event of kind shows up within a short window.
func mustNoEvent(t *testing.T, ch <-chan *Event, kind EventKind) {
	t.Helper()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev != nil && ev.Kind == kind {
				t.Fatalf("unexpected %v event: %+v", kind, ev)
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func drain(ch <-chan *Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func newTestStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()

	s, err := sqlite.NewWithSetup(":memory:", sqlite.ApplySchema)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedChat(t *testing.T, s store.Store, chatID string, users ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	for _, u := range users {
		if _, err := s.GetUserByID(ctx, u); err == nil {
			continue
		}
		err := s.CreateUser(ctx, &store.User{
			ID:          u,
			Email:       u + "@example.com",
			Username:    u,
			DisplayName: "User " + u,
			CreatedAt:   now,
		})
		if err != nil {
			t.Fatalf("create user %s: %v", u, err)
		}
	}
	if err := s.CreateChat(ctx, &store.Chat{ID: chatID, CreatedAt: now, UpdatedAt: now}, users); err != nil {
		t.Fatalf("create chat: %v", err)
	}
}

func identity(id string) Identity {
	return Identity{ID: id, Username: id, DisplayName: "User " + id}
}

// connect registers a client for id and starts serving its commands.
func connect(ctx context.Context, t *testing.T, hub *Hub, connID, userID string) *Client {
	t.Helper()

	c := NewClient(connID, identity(userID), 32)
	if err := hub.RegisterClient(ctx, c); err != nil {
		t.Fatalf("register %s: %v", connID, err)
	}
	go hub.ServeClient(ctx, c)
	return c
}

// faultyGateway wraps a real store and injects failures.
type faultyGateway struct {
	store.Store

	mu            sync.Mutex
	membershipErr error
	createErr     error
	touchErr      error
	touched       int
	created       int
}

func (g *faultyGateway) FindActiveMembership(ctx context.Context, userID, chatID string) (*store.ChatParticipant, error) {
	g.mu.Lock()
	err := g.membershipErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g.Store.FindActiveMembership(ctx, userID, chatID)
}

func (g *faultyGateway) CreateMessage(ctx context.Context, in store.NewMessage) (*store.Message, error) {
	g.mu.Lock()
	err := g.createErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	msg, err := g.Store.CreateMessage(ctx, in)
	if err == nil {
		g.mu.Lock()
		g.created++
		g.mu.Unlock()
	}
	return msg, err
}

func (g *faultyGateway) TouchChat(ctx context.Context, chatID, lastMessageID string, at time.Time) error {
	g.mu.Lock()
	g.touched++
	err := g.touchErr
	g.mu.Unlock()
	if err != nil {
		return err
	}
	return g.Store.TouchChat(ctx, chatID, lastMessageID, at)
}

var errStorageDown = errors.New("storage down")

// blockingGateway never answers a create until ctx expires.
type blockingGateway struct {
	store.Store
}

func (g *blockingGateway) CreateMessage(ctx context.Context, _ store.NewMessage) (*store.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// holdingGateway commits the message whose content is hold, signals
// committed, and then waits for release before returning.
type holdingGateway struct {
	store.Store

	hold      string
	committed chan struct{}
	release   chan struct{}

	mu      sync.Mutex
	created int
}

func newHoldingGateway(s store.Store, hold string) *holdingGateway {
	return &holdingGateway{
		Store:     s,
		hold:      hold,
		committed: make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (g *holdingGateway) CreateMessage(ctx context.Context, in store.NewMessage) (*store.Message, error) {
	msg, err := g.Store.CreateMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.created++
	g.mu.Unlock()
	if in.Content == g.hold {
		close(g.committed)
		<-g.release
	}
	return msg, nil
}

func (g *holdingGateway) createdCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}

// gatingGateway parks every create until release, then honours ctx like a
// real driver would.
type gatingGateway struct {
	store.Store

	entered chan struct{}
	release chan struct{}
}

func (g *gatingGateway) CreateMessage(ctx context.Context, in store.NewMessage) (*store.Message, error) {
	g.entered <- struct{}{}
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.Store.CreateMessage(ctx, in)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []OfflineNotice
}

func (n *recordingNotifier) NotifyOffline(_ context.Context, notice OfflineNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) all() []OfflineNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]OfflineNotice(nil), n.notices...)
}
