package idem

import (
	"context"
	"fmt"
	"time"

	"github.com/park285/fleetbattle/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisGuard claims records with SETNX and upgrades them to done.
type RedisGuard struct {
	rdb      *redis.Client
	claimTTL time.Duration
	doneTTL  time.Duration
}

func NewRedisGuard(rdb *redis.Client, claimTTL time.Duration) *RedisGuard {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &RedisGuard{rdb: rdb, claimTTL: claimTTL, doneTTL: defaultDoneTTL}
}

func recordKey(subject, event string) string { return "idem:" + subject + ":" + event }

func (g *RedisGuard) Do(ctx context.Context, subjectUserID, externalEventID string, fn Effect) (bool, error) {
	subject, event, err := normalize(subjectUserID, externalEventID)
	if err != nil {
		return false, err
	}
	key := recordKey(subject, event)

	ok, err := g.rdb.SetNX(ctx, key, statePending, g.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		state, err := g.rdb.Get(ctx, key).Result()
		switch {
		case err == redis.Nil:
			// Claim expired between SETNX and GET; let redelivery retry.
			return false, ErrInFlight
		case err != nil:
			return false, fmt.Errorf("read %s: %w", key, err)
		case state == stateDone:
			return false, nil
		default:
			return false, ErrInFlight
		}
	}

	if err := fn(ctx); err != nil {
		if derr := g.rdb.Del(context.WithoutCancel(ctx), key).Err(); derr != nil {
			obslog.L().Warn("idem_release_failed", zap.String("key", key), zap.Error(derr))
		}
		return false, err
	}
	if err := g.rdb.Set(context.WithoutCancel(ctx), key, stateDone, g.doneTTL).Err(); err != nil {
		// Effect ran; a lost done-marker can only cause a repeat after the claim expires.
		obslog.L().Error("idem_mark_done_failed", zap.String("key", key), zap.Error(err))
	}
	return true, nil
}
