package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vovakirdan/guffghar-rt/internal/auth"
	"github.com/vovakirdan/guffghar-rt/internal/store"
)

// SeedPassword is the password of every seeded account.
const SeedPassword = "password123"

var seedNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("guffghar-rt/seed"))

type seedUser struct {
	email       string
	username    string
	displayName string
}

var seedUsers = []seedUser{
	{email: "demo@guffghar.com", username: "guffghar_demo", displayName: "Guff Ghar Demo"},
	{email: "test@guffghar.com", username: "test_user", displayName: "Test User"},
	{email: "third@guffghar.com", username: "third_user", displayName: "Third User"},
}

// SeedResult lists what the seed left in the store.
type SeedResult struct {
	Users        []*store.User
	DirectChatID string
	GroupChatID  string
}

// Seed creates demo users, a direct chat between the first two and a group
// chat with all of them. Running it again changes nothing.
func Seed(ctx context.Context, st store.Store) (*SeedResult, error) {
	var hash string
	res := &SeedResult{}

	for _, su := range seedUsers {
		u, err := st.GetUserByUsername(ctx, su.username)
		if err == nil {
			res.Users = append(res.Users, u)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup %s: %w", su.username, err)
		}
		if hash == "" {
			if hash, err = auth.HashPassword(SeedPassword); err != nil {
				return nil, err
			}
		}
		u = &store.User{
			ID:           uuid.NewSHA1(seedNamespace, []byte("user/"+su.username)).String(),
			Email:        su.email,
			Username:     su.username,
			DisplayName:  su.displayName,
			PasswordHash: hash,
			CreatedAt:    time.Now().UTC(),
		}
		if err := st.CreateUser(ctx, u); err != nil {
			return nil, fmt.Errorf("create %s: %w", su.username, err)
		}
		res.Users = append(res.Users, u)
	}

	ids := make([]string, len(res.Users))
	for i, u := range res.Users {
		ids[i] = u.ID
	}

	var err error
	res.DirectChatID, err = seedChat(ctx, st, "direct", "", false, ids[:2])
	if err != nil {
		return nil, err
	}
	res.GroupChatID, err = seedChat(ctx, st, "group", "Guff Ghar Lounge", true, ids)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func seedChat(ctx context.Context, st store.Store, key, name string, group bool, members []string) (string, error) {
	id := uuid.NewSHA1(seedNamespace, []byte("chat/"+key)).String()
	if _, err := st.GetChat(ctx, id); err == nil {
		return id, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("lookup chat %s: %w", key, err)
	}

	now := time.Now().UTC()
	chat := &store.Chat{ID: id, Name: name, IsGroup: group, CreatedAt: now, UpdatedAt: now}
	if err := st.CreateChat(ctx, chat, members); err != nil {
		return "", fmt.Errorf("create chat %s: %w", key, err)
	}
	return id, nil
}
