package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/fleetbattle/internal/domain"
	"github.com/park285/fleetbattle/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxWatchRetry = 8

// RedisStore keeps match documents without expiry: a finished match must
// stay readable so a late finalize still reports alreadyProcessed.
type RedisStore struct{ rdb *redis.Client }

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func matchKey(id string) string { return "match:" + strings.TrimSpace(id) }

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Match, error) {
	raw, err := s.rdb.Get(ctx, matchKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m domain.Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode match %s: %w", id, err)
	}
	return &m, nil
}

func (s *RedisStore) Create(ctx context.Context, m *domain.Match) error {
	if err := validateNew(m); err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, matchKey(m.ID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// CommitFinished is a WATCH/MULTI compare-and-set on the match document.
// A concurrent writer aborts EXEC; the loop re-reads and sees finished.
func (s *RedisStore) CommitFinished(ctx context.Context, id string, winnerID *string, at time.Time) (bool, error) {
	key := matchKey(id)
	committed := false
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("match %s not found", id)
		}
		if err != nil {
			return err
		}
		var cur domain.Match
		if err := json.Unmarshal(raw, &cur); err != nil {
			return err
		}
		if cur.Status == domain.MatchFinished {
			committed = false
			return nil
		}
		finishedAt := at.UTC()
		cur.Status = domain.MatchFinished
		cur.WinnerID = winnerID
		cur.FinishedAt = &finishedAt
		next, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err != nil {
			return err
		}
		committed = true
		return nil
	}

	for attempt := 1; attempt <= maxWatchRetry; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return committed, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return false, err
		}
		obslog.L().Debug("match_commit_retry", zap.String("match_id", id), zap.Int("attempt", attempt))
	}
	return false, fmt.Errorf("match %s: commit contention: %w", id, redis.TxFailedErr)
}
