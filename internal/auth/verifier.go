package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vovakirdan/guffghar-rt/internal/core"
	"github.com/vovakirdan/guffghar-rt/internal/store"
)

// Verifier checks a bearer token and loads the user it names.
// A valid signature is not enough: the user must still exist.
type Verifier struct {
	cfg   *JWTConfig
	users store.UserStore
}

// NewVerifier creates a verifier backed by users.
func NewVerifier(cfg *JWTConfig, users store.UserStore) *Verifier {
	return &Verifier{cfg: cfg, users: users}
}

// VerifyIdentity implements core.IdentityVerifier.
func (v *Verifier) VerifyIdentity(ctx context.Context, token string) (core.Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return core.Identity{}, fmt.Errorf("%w: missing token", core.ErrUnauthenticated)
	}

	claims, err := ValidateToken(v.cfg, token)
	if err != nil {
		return core.Identity{}, fmt.Errorf("%w: %v", core.ErrUnauthenticated, err)
	}

	user, err := v.users.GetUserByID(ctx, claims.Subject())
	if errors.Is(err, store.ErrNotFound) {
		return core.Identity{}, fmt.Errorf("%w: user not found", core.ErrUnauthenticated)
	}
	if err != nil {
		return core.Identity{}, fmt.Errorf("%w: load user: %v", core.ErrPersistenceUnavailable, err)
	}

	return core.Identity{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
	}, nil
}
