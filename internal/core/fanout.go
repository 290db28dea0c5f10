package core

import (
	"context"
	"fmt"
)

// Fanout delivers events to room subscribers and identities. The local
// implementation only reaches this instance; a bus-backed one reaches the cluster.
type Fanout interface {
	ToRoom(ctx context.Context, roomID string, ev *Event, exceptConnID string) error
	ToUser(ctx context.Context, identityID string, ev *Event, exceptConnID string) error
}

// LocalFanout delivers straight into a Registry.
type LocalFanout struct {
	reg *Registry
}

// NewLocalFanout wraps reg.
func NewLocalFanout(reg *Registry) *LocalFanout {
	return &LocalFanout{reg: reg}
}

func (f *LocalFanout) ToRoom(_ context.Context, roomID string, ev *Event, exceptConnID string) error {
	n := f.reg.DeliverRoom(roomID, ev, exceptConnID)
	f.reg.metrics.Fanout(n)
	return nil
}

// ToUser returns ErrTargetUnreachable when no connection of identityID accepted ev.
func (f *LocalFanout) ToUser(_ context.Context, identityID string, ev *Event, exceptConnID string) error {
	if f.reg.DeliverUser(identityID, ev, exceptConnID) == 0 {
		return fmt.Errorf("%w: %s", ErrTargetUnreachable, identityID)
	}
	return nil
}
