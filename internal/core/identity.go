package core

import "context"

// Identity is the authenticated user bound to a connection for its whole lifetime.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Valid reports whether the identity names a user.
func (i Identity) Valid() bool {
	return i.ID != ""
}

// Name returns the display name, falling back to the username.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Username
}

// IdentityVerifier turns a bearer credential into an identity.
// Implementations return an error wrapping ErrUnauthenticated on rejection.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, token string) (Identity, error)
}
