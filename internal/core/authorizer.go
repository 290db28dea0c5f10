package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vovakirdan/guffghar-rt/internal/store"
)

// MembershipFinder is the slice of the chat store the authorizer needs.
type MembershipFinder interface {
	FindActiveMembership(ctx context.Context, userID, chatID string) (*store.ChatParticipant, error)
}

// Authorizer decides whether an identity may act in a room. It keeps no cache:
// every call reads the persistence gateway so leaving a chat takes effect immediately.
type Authorizer struct {
	members MembershipFinder
	timeout time.Duration
}

// NewAuthorizer builds an authorizer; timeout bounds each lookup (0 disables).
func NewAuthorizer(members MembershipFinder, timeout time.Duration) *Authorizer {
	return &Authorizer{members: members, timeout: timeout}
}

// Authorize returns true only for an active membership. A lookup failure is
// reported as ErrPersistenceUnavailable, never as a denial.
func (a *Authorizer) Authorize(ctx context.Context, identityID, roomID string) (bool, error) {
	if identityID == "" || roomID == "" {
		return false, nil
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	p, err := a.members.FindActiveMembership(ctx, identityID, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: membership lookup: %v", ErrPersistenceUnavailable, err)
	}
	return p != nil && p.LeftAt == nil, nil
}
