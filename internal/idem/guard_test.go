package idem

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/fleetbattle/internal/storage"
	"github.com/redis/go-redis/v9"
)

func newSQLGuard(t *testing.T) *SQLGuard {
	t.Helper()
	db, err := storage.OpenSQL(context.Background(), "sqlite", filepath.Join(t.TempDir(), "idem.db"))
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLGuard(db, time.Minute)
}

func forEachGuard(t *testing.T, fn func(t *testing.T, g Guard)) {
	t.Run("redis", func(t *testing.T) {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis: %v", err)
		}
		t.Cleanup(mr.Close)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		fn(t, NewRedisGuard(rdb, time.Minute))
	})
	t.Run("sql", func(t *testing.T) { fn(t, newSQLGuard(t)) })
}

func TestDoRunsOnce(t *testing.T) {
	forEachGuard(t, func(t *testing.T, g Guard) {
		ctx := context.Background()
		var calls int
		effect := func(context.Context) error { calls++; return nil }
		performed, err := g.Do(ctx, "u1", "match-result:m1", effect)
		if err != nil || !performed {
			t.Fatalf("first Do: performed=%v err=%v", performed, err)
		}
		performed, err = g.Do(ctx, "u1", "match-result:m1", effect)
		if err != nil || performed {
			t.Fatalf("redelivery must skip: performed=%v err=%v", performed, err)
		}
		if calls != 1 {
			t.Fatalf("effect ran %d times", calls)
		}
		if _, err := g.Do(ctx, "u2", "match-result:m1", effect); err != nil || calls != 2 {
			t.Fatalf("other subject must run: calls=%d err=%v", calls, err)
		}
	})
}

func TestDoReleasesOnFailure(t *testing.T) {
	forEachGuard(t, func(t *testing.T, g Guard) {
		ctx := context.Background()
		boom := errors.New("egress down")
		performed, err := g.Do(ctx, "u1", "ev", func(context.Context) error { return boom })
		if !errors.Is(err, boom) || performed {
			t.Fatalf("expected effect error, got performed=%v err=%v", performed, err)
		}
		performed, err = g.Do(ctx, "u1", "ev", func(context.Context) error { return nil })
		if err != nil || !performed {
			t.Fatalf("retry after failure must run: performed=%v err=%v", performed, err)
		}
	})
}

func TestDoReportsInFlight(t *testing.T) {
	forEachGuard(t, func(t *testing.T, g Guard) {
		ctx := context.Background()
		entered := make(chan struct{})
		release := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Do(ctx, "u1", "ev", func(context.Context) error {
				close(entered)
				<-release
				return nil
			})
		}()
		<-entered
		_, err := g.Do(ctx, "u1", "ev", func(context.Context) error { return nil })
		close(release)
		wg.Wait()
		if !errors.Is(err, ErrInFlight) {
			t.Fatalf("expected ErrInFlight, got %v", err)
		}
	})
}

func TestDoConcurrentSingleEffect(t *testing.T) {
	forEachGuard(t, func(t *testing.T, g Guard) {
		ctx := context.Background()
		var calls atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := g.Do(ctx, "u1", "ev", func(context.Context) error {
					calls.Add(1)
					return nil
				})
				if err != nil && !errors.Is(err, ErrInFlight) {
					t.Errorf("Do: %v", err)
				}
			}()
		}
		wg.Wait()
		if calls.Load() != 1 {
			t.Fatalf("effect ran %d times", calls.Load())
		}
	})
}

func TestSQLGuardTakesOverStaleClaim(t *testing.T) {
	g := newSQLGuard(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return base }
	if _, err := g.claim(ctx, "u1", "ev"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := g.Do(ctx, "u1", "ev", func(context.Context) error { return nil }); !errors.Is(err, ErrInFlight) {
		t.Fatalf("fresh claim must block: %v", err)
	}
	g.now = func() time.Time { return base.Add(2 * time.Minute) }
	performed, err := g.Do(ctx, "u1", "ev", func(context.Context) error { return nil })
	if err != nil || !performed {
		t.Fatalf("stale claim must be taken over: performed=%v err=%v", performed, err)
	}
}

func TestDoRejectsBlankKeys(t *testing.T) {
	forEachGuard(t, func(t *testing.T, g Guard) {
		if _, err := g.Do(context.Background(), "", "ev", func(context.Context) error { return nil }); !errors.Is(err, ErrInvalidArgs) {
			t.Fatalf("expected ErrInvalidArgs, got %v", err)
		}
	})
}
