package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/park285/fleetbattle/internal/domain"
	"github.com/park285/fleetbattle/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ttlSettlement = 90 * 24 * time.Hour
	maxWatchRetry = 8

	fieldMatchesPlayed  = "matches_played"
	fieldWins           = "wins"
	fieldLosses         = "losses"
	fieldDraws          = "draws"
	fieldUnitsDestroyed = "units_destroyed"
	fieldUnitsLost      = "units_lost"
)

// RedisLedger keeps stats in a hash per user and applies all six HINCRBYs
// inside one MULTI/EXEC.
type RedisLedger struct{ rdb *redis.Client }

func NewRedisLedger(rdb *redis.Client) *RedisLedger { return &RedisLedger{rdb: rdb} }

func statsKey(userID string) string { return "stats:" + strings.TrimSpace(userID) }
func settledKey(userID, eventID string) string {
	return "stats:settled:" + strings.TrimSpace(userID) + ":" + strings.TrimSpace(eventID)
}

func queueIncrements(ctx context.Context, pipe redis.Pipeliner, key string, d domain.StatsDelta) {
	pipe.HIncrBy(ctx, key, fieldMatchesPlayed, d.MatchesPlayed)
	pipe.HIncrBy(ctx, key, fieldWins, d.Wins)
	pipe.HIncrBy(ctx, key, fieldLosses, d.Losses)
	pipe.HIncrBy(ctx, key, fieldDraws, d.Draws)
	pipe.HIncrBy(ctx, key, fieldUnitsDestroyed, d.UnitsDestroyed)
	pipe.HIncrBy(ctx, key, fieldUnitsLost, d.UnitsLost)
}

func (l *RedisLedger) AtomicIncrement(ctx context.Context, inc Increment) (bool, error) {
	if err := validate(inc); err != nil {
		return false, err
	}
	key := statsKey(inc.UserID)

	if strings.TrimSpace(inc.EventID) == "" {
		_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queueIncrements(ctx, pipe, key, inc.Delta)
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("stats increment: %w", err)
		}
		return true, nil
	}

	marker := settledKey(inc.UserID, inc.EventID)
	fp := inc.Delta.Fingerprint()
	var applied bool
	txf := func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, marker).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			if prev != fp {
				return ErrSettlementMismatch
			}
			applied = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, marker, fp, ttlSettlement)
			queueIncrements(ctx, pipe, key, inc.Delta)
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}

	for attempt := 1; attempt <= maxWatchRetry; attempt++ {
		err := l.rdb.Watch(ctx, txf, marker)
		if err == nil {
			return applied, nil
		}
		if errors.Is(err, ErrSettlementMismatch) {
			return false, err
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return false, fmt.Errorf("stats settle: %w", err)
		}
		obslog.L().Debug("ledger_settle_retry", zap.String("user_id", inc.UserID), zap.String("event_id", inc.EventID), zap.Int("attempt", attempt))
	}
	return false, fmt.Errorf("stats settle contention: %w", redis.TxFailedErr)
}

func (l *RedisLedger) Stats(ctx context.Context, userID string) (*domain.PlayerStats, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgs
	}
	vals, err := l.rdb.HGetAll(ctx, statsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("stats read: %w", err)
	}
	st := &domain.PlayerStats{UserID: strings.TrimSpace(userID)}
	fields := map[string]*int64{
		fieldMatchesPlayed:  &st.MatchesPlayed,
		fieldWins:           &st.Wins,
		fieldLosses:         &st.Losses,
		fieldDraws:          &st.Draws,
		fieldUnitsDestroyed: &st.UnitsDestroyed,
		fieldUnitsLost:      &st.UnitsLost,
	}
	for name, dst := range fields {
		raw, ok := vals[name]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stats field %s: %w", name, err)
		}
		*dst = n
	}
	return st, nil
}
