package core

import "context"

// Presence answers whether an identity has any live connection, possibly on another instance.
type Presence interface {
	Connected(ctx context.Context, identityID, connID string) error
	Disconnected(ctx context.Context, identityID, connID string) error
	IsOnline(ctx context.Context, identityID string) (bool, error)
}

// LocalPresence derives presence from this instance's registry.
type LocalPresence struct {
	reg *Registry
}

// NewLocalPresence wraps reg.
func NewLocalPresence(reg *Registry) *LocalPresence {
	return &LocalPresence{reg: reg}
}

func (p *LocalPresence) Connected(context.Context, string, string) error    { return nil }
func (p *LocalPresence) Disconnected(context.Context, string, string) error { return nil }

func (p *LocalPresence) IsOnline(_ context.Context, identityID string) (bool, error) {
	return p.reg.Online(identityID), nil
}

// OfflineNotice describes a message a member missed because no connection of theirs was live.
type OfflineNotice struct {
	UserID     string `json:"userId"`
	ChatID     string `json:"chatId"`
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Preview    string `json:"preview"`
}

// OfflineNotifier hands missed-message notices to an out-of-band channel (push, email, queue).
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, n OfflineNotice) error
}
