package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestTracker connects to the Redis named by GUFFGHAR_TEST_REDIS_ADDR.
func newTestTracker(t *testing.T, instance string, ttl time.Duration) *RedisTracker {
	t.Helper()

	addr := os.Getenv("GUFFGHAR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GUFFGHAR_TEST_REDIS_ADDR not set")
	}

	cfg := Config{Addr: addr, TTL: ttl, InstanceID: instance}
	rdb, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisTracker(rdb, cfg, nil)
}

func TestConnectedAndDisconnected(t *testing.T) {
	tr := newTestTracker(t, "i1", time.Minute)
	ctx := context.Background()
	user := uuid.NewString()

	if online, err := tr.IsOnline(ctx, user); err != nil || online {
		t.Fatalf("fresh user online=%v err=%v", online, err)
	}

	if err := tr.Connected(ctx, user, "c1"); err != nil {
		t.Fatalf("connected: %v", err)
	}
	if err := tr.Connected(ctx, user, "c2"); err != nil {
		t.Fatalf("connected: %v", err)
	}
	if err := tr.Disconnected(ctx, user, "c1"); err != nil {
		t.Fatalf("disconnected: %v", err)
	}
	if online, _ := tr.IsOnline(ctx, user); !online {
		t.Fatalf("user with one live connection reported offline")
	}

	if err := tr.Disconnected(ctx, user, "c2"); err != nil {
		t.Fatalf("disconnected: %v", err)
	}
	if online, _ := tr.IsOnline(ctx, user); online {
		t.Fatalf("user without connections reported online")
	}
}

func TestPresenceSpansInstances(t *testing.T) {
	a := newTestTracker(t, "i1", time.Minute)
	b := newTestTracker(t, "i2", time.Minute)
	ctx := context.Background()
	user := uuid.NewString()

	if err := a.Connected(ctx, user, "c1"); err != nil {
		t.Fatalf("connected: %v", err)
	}
	if online, err := b.IsOnline(ctx, user); err != nil || !online {
		t.Fatalf("other instance sees online=%v err=%v", online, err)
	}
	// Same connection id on another instance is a different lease.
	if err := b.Disconnected(ctx, user, "c1"); err != nil {
		t.Fatalf("disconnected: %v", err)
	}
	if online, _ := a.IsOnline(ctx, user); !online {
		t.Fatalf("lease of another instance was removed")
	}
	_ = a.Disconnected(ctx, user, "c1")
}

func TestExpiredLeaseIsOffline(t *testing.T) {
	tr := newTestTracker(t, "i1", time.Minute)
	ctx := context.Background()
	user := uuid.NewString()

	if err := tr.Connected(ctx, user, "c1"); err != nil {
		t.Fatalf("connected: %v", err)
	}
	// Jump past the lease without refreshing.
	tr.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if online, _ := tr.IsOnline(ctx, user); online {
		t.Fatalf("expired lease still counts as online")
	}

	if err := tr.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if online, _ := tr.IsOnline(ctx, user); !online {
		t.Fatalf("refresh did not renew the lease")
	}
	_ = tr.Disconnected(ctx, user, "c1")
}

func TestStaleRenewDoesNotResurrectLease(t *testing.T) {
	tr := newTestTracker(t, "i1", time.Minute)
	ctx := context.Background()
	user := uuid.NewString()

	if err := tr.Connected(ctx, user, "c1"); err != nil {
		t.Fatalf("connected: %v", err)
	}
	// A refresh snapshot taken here lands after the disconnect.
	stale := []string{"c1"}
	if err := tr.Disconnected(ctx, user, "c1"); err != nil {
		t.Fatalf("disconnected: %v", err)
	}

	n, err := tr.renew(ctx, user, stale)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if n != 0 {
		t.Fatalf("renew extended %d removed leases", n)
	}
	if err := tr.restore(ctx, user, stale); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if online, _ := tr.IsOnline(ctx, user); online {
		t.Fatalf("disconnected user reported online after a stale refresh")
	}
}

func TestRefreshRestoresLapsedLease(t *testing.T) {
	tr := newTestTracker(t, "i1", time.Minute)
	ctx := context.Background()
	user := uuid.NewString()

	if err := tr.Connected(ctx, user, "c1"); err != nil {
		t.Fatalf("connected: %v", err)
	}
	// Lease lost while the connection stays open.
	if err := tr.rdb.Del(ctx, presenceKey(user)).Err(); err != nil {
		t.Fatalf("del: %v", err)
	}
	if online, _ := tr.IsOnline(ctx, user); online {
		t.Fatalf("deleted lease still online")
	}

	if err := tr.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if online, _ := tr.IsOnline(ctx, user); !online {
		t.Fatalf("refresh did not restore a lease of a held connection")
	}
	_ = tr.Disconnected(ctx, user, "c1")
}
