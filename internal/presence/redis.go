// Package presence tracks which identities have a live connection anywhere in the cluster.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "guffghar:rt:presence:"

// presence key: guffghar:rt:presence:<user>
// Sorted set of "<instance>/<conn>" scored by lease expiry (unix ms). A crashed
// instance stops renewing, so its members age out without a cleanup pass.
func presenceKey(userID string) string { return keyPrefix + userID }

// Config describes the Redis connection and the lease length.
type Config struct {
	Addr       string
	Password   string
	DB         int
	TTL        time.Duration
	InstanceID string
}

// RedisTracker implements core.Presence with leases in Redis.
type RedisTracker struct {
	rdb      redis.UniversalClient
	ttl      time.Duration
	instance string
	log      *zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	local map[string]map[string]struct{} // userID -> connIDs held by this instance
}

// NewClient dials Redis and checks the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewRedisTracker builds a tracker on top of rdb.
func NewRedisTracker(rdb redis.UniversalClient, cfg Config, logger *zerolog.Logger) *RedisTracker {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RedisTracker{
		rdb:      rdb,
		ttl:      cfg.TTL,
		instance: cfg.InstanceID,
		log:      logger,
		now:      time.Now,
		local:    make(map[string]map[string]struct{}),
	}
}

func (t *RedisTracker) member(connID string) string {
	return t.instance + "/" + connID
}

func (t *RedisTracker) Connected(ctx context.Context, identityID, connID string) error {
	t.mu.Lock()
	conns, ok := t.local[identityID]
	if !ok {
		conns = make(map[string]struct{})
		t.local[identityID] = conns
	}
	conns[connID] = struct{}{}
	t.mu.Unlock()

	return t.lease(ctx, identityID, []string{connID})
}

func (t *RedisTracker) Disconnected(ctx context.Context, identityID, connID string) error {
	t.mu.Lock()
	if conns, ok := t.local[identityID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(t.local, identityID)
		}
	}
	t.mu.Unlock()

	if err := t.rdb.ZRem(ctx, presenceKey(identityID), t.member(connID)).Err(); err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	return nil
}

// IsOnline reports whether any unexpired lease exists for identityID.
func (t *RedisTracker) IsOnline(ctx context.Context, identityID string) (bool, error) {
	now := strconv.FormatInt(t.now().UnixMilli(), 10)
	n, err := t.rdb.ZCount(ctx, presenceKey(identityID), "("+now, "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	return n > 0, nil
}

// lease writes fresh leases for connIDs and trims expired members.
func (t *RedisTracker) lease(ctx context.Context, identityID string, connIDs []string) error {
	now := t.now()
	key := presenceKey(identityID)

	pipe := t.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, t.leaseMembers(now, connIDs)...)
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	pipe.Expire(ctx, key, t.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence lease: %w", err)
	}
	return nil
}

// renew extends leases that still exist. A member removed by Disconnected
// after the caller's snapshot stays removed. It returns how many members
// were extended.
func (t *RedisTracker) renew(ctx context.Context, identityID string, connIDs []string) (int64, error) {
	now := t.now()
	key := presenceKey(identityID)

	pipe := t.rdb.TxPipeline()
	extended := pipe.ZAddArgs(ctx, key, redis.ZAddArgs{XX: true, Ch: true, Members: t.leaseMembers(now, connIDs)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	pipe.Expire(ctx, key, t.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence renew: %w", err)
	}
	return extended.Val(), nil
}

func (t *RedisTracker) leaseMembers(now time.Time, connIDs []string) []redis.Z {
	expAt := float64(now.Add(t.ttl).UnixMilli())
	members := make([]redis.Z, 0, len(connIDs))
	for _, id := range connIDs {
		members = append(members, redis.Z{Score: expAt, Member: t.member(id)})
	}
	return members
}

// restore re-leases connections whose lease lapsed while they stayed open,
// e.g. after a Redis outage. t.mu is held across the write so a concurrent
// Disconnected removes the member only after it is re-added.
func (t *RedisTracker) restore(ctx context.Context, identityID string, connIDs []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	held := make([]string, 0, len(connIDs))
	for _, id := range connIDs {
		if _, ok := t.local[identityID][id]; ok {
			held = append(held, id)
		}
	}
	if len(held) == 0 {
		return nil
	}
	return t.lease(ctx, identityID, held)
}

// Refresh renews the leases of every connection this instance holds.
func (t *RedisTracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	snapshot := make(map[string][]string, len(t.local))
	for user, conns := range t.local {
		ids := make([]string, 0, len(conns))
		for id := range conns {
			ids = append(ids, id)
		}
		snapshot[user] = ids
	}
	t.mu.Unlock()

	var firstErr error
	for user, ids := range snapshot {
		n, err := t.renew(ctx, user, ids)
		if err == nil && n < int64(len(ids)) {
			err = t.restore(ctx, user, ids)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run refreshes leases at a third of the TTL until ctx is done.
func (t *RedisTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				t.log.Warn().Err(err).Msg("presence refresh failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
