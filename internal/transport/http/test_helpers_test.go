package http

import (
	"context"
	"testing"
	"time"

	"github.com/vovakirdan/guffghar-rt/internal/auth"
	"github.com/vovakirdan/guffghar-rt/internal/store"
	"github.com/vovakirdan/guffghar-rt/internal/store/sqlite"
)

const testJWTSecret = "test-secret-change-me"

// createTestStore creates an in-memory SQLite store with schema applied.
func createTestStore(t *testing.T) store.Store {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.ApplySchema)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seedUsersAndChat creates users and a chat they all belong to.
func seedUsersAndChat(t *testing.T, st store.Store, chatID string, users ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	for _, u := range users {
		if _, err := st.GetUserByID(ctx, u); err == nil {
			continue
		}
		if err := st.CreateUser(ctx, &store.User{
			ID:          u,
			Email:       u + "@example.com",
			Username:    u,
			DisplayName: "User " + u,
			CreatedAt:   now,
		}); err != nil {
			t.Fatalf("create user %s: %v", u, err)
		}
	}
	if err := st.CreateChat(ctx, &store.Chat{ID: chatID, CreatedAt: now, UpdatedAt: now}, users); err != nil {
		t.Fatalf("create chat: %v", err)
	}
}

// createTestVerifier creates a JWT verifier backed by st.
func createTestVerifier(st store.Store) (*auth.Verifier, *auth.JWTConfig) {
	jwtConfig := &auth.JWTConfig{
		Secret: []byte(testJWTSecret),
		TTL:    time.Hour,
	}
	return auth.NewVerifier(jwtConfig, st), jwtConfig
}
