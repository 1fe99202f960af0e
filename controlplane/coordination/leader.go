package coordination

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/switchyardhq/switchyard/controlplane/observability"
)

const leaderKey = "switchyard:lock:reaper"

// renewScript extends the lease only while we still own it, so a replica
// that lost the key can never steal it back mid-flight.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the lease only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// Elector is a redis SETNX-lease leader election. Exactly one replica
// holds the lease at a time; losing it simply means the reaper skips its
// ticks until the lease comes back. Sweeps are idempotent, so a brief
// double-leader window during failover is harmless.
type Elector struct {
	client *redis.Client
	id     string
	ttl    time.Duration
	log    *zap.Logger

	leader atomic.Bool
}

func NewElector(client *redis.Client, ttl time.Duration, log *zap.Logger) *Elector {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Elector{
		client: client,
		id:     uuid.NewString(),
		ttl:    ttl,
		log:    log.Named("elector"),
	}
}

// IsLeader reports whether this replica held the lease at the last tick.
func (e *Elector) IsLeader() bool { return e.leader.Load() }

// Start launches the acquire/renew loop. On context end the lease is
// released so the next leader does not wait out the TTL.
func (e *Elector) Start(ctx context.Context) {
	go e.loop(ctx)
}

func (e *Elector) loop(ctx context.Context) {
	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.release()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	if e.leader.Load() {
		kept, err := renewScript.Run(ctx, e.client, []string{leaderKey}, e.id, e.ttl.Milliseconds()).Int()
		if err != nil || kept == 0 {
			e.leader.Store(false)
			observability.LeaderStatus.Set(0)
			e.log.Warn("lost reaper leadership", zap.Error(err))
		}
		return
	}

	ok, err := e.client.SetNX(ctx, leaderKey, e.id, e.ttl).Result()
	if err != nil {
		e.log.Warn("leader acquire failed", zap.Error(err))
		return
	}
	if ok {
		e.leader.Store(true)
		observability.LeaderStatus.Set(1)
		e.log.Info("acquired reaper leadership", zap.String("id", e.id))
	}
}

func (e *Elector) release() {
	if !e.leader.Swap(false) {
		return
	}
	observability.LeaderStatus.Set(0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, e.client, []string{leaderKey}, e.id).Err(); err != nil {
		e.log.Warn("lease release failed", zap.Error(err))
	}
}
