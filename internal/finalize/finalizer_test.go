package finalize

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/fleetbattle/internal/apperr"
	"github.com/park285/fleetbattle/internal/domain"
	"github.com/park285/fleetbattle/internal/ledger"
	"github.com/park285/fleetbattle/internal/match"
	"github.com/park285/fleetbattle/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// tokenAuth maps tokens straight to user ids.
type tokenAuth map[string]string

func (a tokenAuth) Authenticate(_ context.Context, cred string) (string, error) {
	if id, ok := a[cred]; ok {
		return id, nil
	}
	return "", errors.New("unknown token")
}

var testAuth = tokenAuth{"host-token": "host", "opp-token": "opp", "stranger-token": "stranger"}

// flakyLedger fails the next n increments for failUser.
type flakyLedger struct {
	ledger.Ledger
	mu       sync.Mutex
	failUser string
	n        int
	calls    int
}

func (l *flakyLedger) AtomicIncrement(ctx context.Context, inc ledger.Increment) (bool, error) {
	l.mu.Lock()
	l.calls++
	fail := inc.UserID == l.failUser && l.n > 0
	if fail {
		l.n--
	}
	l.mu.Unlock()
	if fail {
		return false, errors.New("ledger unavailable")
	}
	return l.Ledger.AtomicIncrement(ctx, inc)
}

type fixture struct {
	matches match.Store
	ledger  *flakyLedger
	fin     *Finalizer
	metrics *Metrics
}

func newRedisFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return newFixture(match.NewRedisStore(rdb), ledger.NewRedisLedger(rdb))
}

func newSQLFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenSQL(context.Background(), "sqlite", filepath.Join(t.TempDir(), "fin.db"))
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newFixture(match.NewSQLStore(db), ledger.NewSQLLedger(db))
}

func newFixture(ms match.Store, l ledger.Ledger) *fixture {
	fl := &flakyLedger{Ledger: l}
	metrics := NewMetrics(prometheus.NewRegistry())
	return &fixture{
		matches: ms,
		ledger:  fl,
		metrics: metrics,
		fin:     New(testAuth, ms, fl, WithLogger(zap.NewNop()), WithMetrics(metrics)),
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, fx *fixture)) {
	t.Run("redis", func(t *testing.T) { fn(t, newRedisFixture(t)) })
	t.Run("sql", func(t *testing.T) { fn(t, newSQLFixture(t)) })
}

func (fx *fixture) seed(t *testing.T) *domain.Match {
	t.Helper()
	m, err := match.NewMatch("host", "opp")
	if err != nil {
		t.Fatalf("NewMatch: %v", err)
	}
	if err := fx.matches.Create(context.Background(), m); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func (fx *fixture) stats(t *testing.T, user string) domain.PlayerStats {
	t.Helper()
	st, err := fx.ledger.Stats(context.Background(), user)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return *st
}

func TestFinalizeOutcomes(t *testing.T) {
	cases := []struct {
		name          string
		my, opp       int
		winner        string
		host, oppRes  domain.Result
		hostW, hostL  int64
		hostD, oppD   int64
		hostUD, hostU int64
	}{
		{name: "host wins", my: 3, opp: 5, winner: "host", host: domain.ResultWin, oppRes: domain.ResultLoss, hostW: 1, hostUD: 5, hostU: 3},
		{name: "opponent wins", my: 5, opp: 3, winner: "opp", host: domain.ResultLoss, oppRes: domain.ResultWin, hostL: 1, hostUD: 3, hostU: 5},
		{name: "draw", my: 4, opp: 4, host: domain.ResultDraw, oppRes: domain.ResultDraw, hostD: 1, oppD: 1, hostUD: 4, hostU: 4},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, fx *fixture) {
				m := fx.seed(t)
				res, err := fx.fin.Finalize(context.Background(), Request{MatchID: m.ID, MyLosses: c.my, OpponentLosses: c.opp, Credentials: "host-token"})
				if err != nil {
					t.Fatalf("Finalize: %v", err)
				}
				if c.winner == "" {
					if res.WinnerID != nil {
						t.Fatalf("draw must have no winner, got %q", *res.WinnerID)
					}
				} else if res.WinnerID == nil || *res.WinnerID != c.winner {
					t.Fatalf("winner = %v, want %s", res.WinnerID, c.winner)
				}
				if res.HostResult != c.host || res.OpponentResult != c.oppRes {
					t.Fatalf("results = %s/%s", res.HostResult, res.OpponentResult)
				}

				host := fx.stats(t, "host")
				if host.MatchesPlayed != 1 || host.Wins != c.hostW || host.Losses != c.hostL || host.Draws != c.hostD ||
					host.UnitsDestroyed != c.hostUD || host.UnitsLost != c.hostU {
					t.Fatalf("host stats = %+v", host)
				}
				opp := fx.stats(t, "opp")
				if opp.MatchesPlayed != 1 || opp.Wins != c.hostL || opp.Losses != c.hostW || opp.Draws != c.oppD ||
					opp.UnitsDestroyed != c.hostU || opp.UnitsLost != c.hostUD {
					t.Fatalf("opponent stats = %+v", opp)
				}

				got, _ := fx.matches.Get(context.Background(), m.ID)
				if got.Status != domain.MatchFinished || got.FinishedAt == nil {
					t.Fatalf("match not committed: %+v", got)
				}
			})
		})
	}
}

func TestFinalizeTwiceIsAlreadyProcessed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, fx *fixture) {
		m := fx.seed(t)
		req := Request{MatchID: m.ID, MyLosses: 1, OpponentLosses: 2, Credentials: "host-token"}
		if _, err := fx.fin.Finalize(context.Background(), req); err != nil {
			t.Fatalf("first Finalize: %v", err)
		}
		calls := fx.ledger.calls
		_, err := fx.fin.Finalize(context.Background(), req)
		if !errors.Is(err, apperr.ErrConflict) || !apperr.IsAlreadyProcessed(err) {
			t.Fatalf("expected alreadyProcessed conflict, got %v", err)
		}
		if fx.ledger.calls != calls {
			t.Fatalf("second finalize touched the ledger")
		}
		if st := fx.stats(t, "host"); st.MatchesPlayed != 1 {
			t.Fatalf("double credit: %+v", st)
		}
		if got := testutil.ToFloat64(fx.metrics.requests.WithLabelValues("conflict")); got != 1 {
			t.Fatalf("conflict metric = %v", got)
		}
	})
}

func TestFinalizeRejectsNonHost(t *testing.T) {
	forEachBackend(t, func(t *testing.T, fx *fixture) {
		m := fx.seed(t)
		for _, cred := range []string{"opp-token", "stranger-token"} {
			_, err := fx.fin.Finalize(context.Background(), Request{MatchID: m.ID, MyLosses: 0, OpponentLosses: 9, Credentials: cred})
			if !errors.Is(err, apperr.ErrAuthorization) {
				t.Fatalf("%s: expected authorization error, got %v", cred, err)
			}
		}
		if fx.ledger.calls != 0 {
			t.Fatalf("unauthorized finalize touched the ledger")
		}
		got, _ := fx.matches.Get(context.Background(), m.ID)
		if got.Finished() {
			t.Fatalf("unauthorized finalize committed the match")
		}
	})
}

func TestFinalizeInputErrors(t *testing.T) {
	forEachBackend(t, func(t *testing.T, fx *fixture) {
		ctx := context.Background()
		cases := []struct {
			req  Request
			want error
		}{
			{Request{MatchID: "m", Credentials: "bogus"}, apperr.ErrAuth},
			{Request{MatchID: " ", Credentials: "host-token"}, apperr.ErrValidation},
			{Request{MatchID: "m", MyLosses: -1, Credentials: "host-token"}, apperr.ErrValidation},
			{Request{MatchID: "missing", Credentials: "host-token"}, apperr.ErrNotFound},
		}
		for _, c := range cases {
			if _, err := fx.fin.Finalize(ctx, c.req); !errors.Is(err, c.want) {
				t.Fatalf("Finalize(%+v) = %v, want %v", c.req, err, c.want)
			}
		}
	})
}

func TestFinalizeLedgerFailureIsRetryable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, fx *fixture) {
		m := fx.seed(t)
		fx.ledger.failUser = "opp"
		fx.ledger.n = 1
		req := Request{MatchID: m.ID, MyLosses: 2, OpponentLosses: 4, Credentials: "host-token"}

		_, err := fx.fin.Finalize(context.Background(), req)
		if !errors.Is(err, apperr.ErrMutation) || !apperr.IsRetryable(err) {
			t.Fatalf("expected retryable mutation error, got %v", err)
		}
		got, _ := fx.matches.Get(context.Background(), m.ID)
		if got.Finished() {
			t.Fatalf("match committed after ledger failure")
		}

		if _, err := fx.fin.Finalize(context.Background(), req); err != nil {
			t.Fatalf("retry: %v", err)
		}
		if st := fx.stats(t, "host"); st.MatchesPlayed != 1 || st.Wins != 1 {
			t.Fatalf("host credited more than once: %+v", st)
		}
		if st := fx.stats(t, "opp"); st.MatchesPlayed != 1 || st.Losses != 1 {
			t.Fatalf("opponent stats: %+v", st)
		}
		if got := testutil.ToFloat64(fx.metrics.settlements.WithLabelValues("replayed")); got != 1 {
			t.Fatalf("replayed settlements = %v", got)
		}
	})
}

func TestFinalizeConcurrentSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, fx *fixture) {
		m := fx.seed(t)
		req := Request{MatchID: m.ID, MyLosses: 1, OpponentLosses: 3, Credentials: "host-token"}
		const n = 6
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = fx.fin.Finalize(context.Background(), req)
			}(i)
		}
		wg.Wait()
		ok := 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case apperr.IsAlreadyProcessed(err):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 {
			t.Fatalf("expected one success, got %d", ok)
		}
		if st := fx.stats(t, "host"); st.MatchesPlayed != 1 || st.Wins != 1 || st.UnitsDestroyed != 3 {
			t.Fatalf("host stats: %+v", st)
		}
		if st := fx.stats(t, "opp"); st.MatchesPlayed != 1 || st.Losses != 1 {
			t.Fatalf("opponent stats: %+v", st)
		}
	})
}

func TestFinalizeSettlementMismatchIsConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, fx *fixture) {
		m := fx.seed(t)
		fx.ledger.failUser = "opp"
		fx.ledger.n = 1
		first := Request{MatchID: m.ID, MyLosses: 2, OpponentLosses: 4, Credentials: "host-token"}
		if _, err := fx.fin.Finalize(context.Background(), first); !errors.Is(err, apperr.ErrMutation) {
			t.Fatalf("expected mutation error, got %v", err)
		}
		changed := first
		changed.MyLosses = 7
		_, err := fx.fin.Finalize(context.Background(), changed)
		if !errors.Is(err, apperr.ErrConflict) || apperr.IsAlreadyProcessed(err) {
			t.Fatalf("expected plain conflict, got %v", err)
		}
		if !errors.Is(err, ledger.ErrSettlementMismatch) {
			t.Fatalf("cause lost: %v", err)
		}
		if got := testutil.ToFloat64(fx.metrics.settlements.WithLabelValues("mismatch")); got != 1 {
			t.Fatalf("mismatch metric = %v", got)
		}
		if got, _ := fx.matches.Get(context.Background(), m.ID); got.Finished() {
			t.Fatalf("mismatched report must not commit: %+v", got)
		}
		if _, err := fx.fin.Finalize(context.Background(), first); err != nil {
			t.Fatalf("identical retry must recover: %v", err)
		}
		if st := fx.stats(t, "host"); st.MatchesPlayed != 1 || st.UnitsLost != 2 {
			t.Fatalf("host stats after recovery: %+v", st)
		}
	})
}

func TestFinalizeSettlementMismatchLogsError(t *testing.T) {
	fx := newRedisFixture(t)
	core, logs := observer.New(zap.ErrorLevel)
	fx.fin.log = zap.New(core)
	m := fx.seed(t)
	fx.ledger.failUser = "opp"
	fx.ledger.n = 1
	first := Request{MatchID: m.ID, MyLosses: 1, OpponentLosses: 3, Credentials: "host-token"}
	_, _ = fx.fin.Finalize(context.Background(), first)
	first.OpponentLosses = 0
	_, _ = fx.fin.Finalize(context.Background(), first)

	entries := logs.FilterMessage("finalize_settlement_mismatch").All()
	if len(entries) != 1 {
		t.Fatalf("expected one mismatch error log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["player_id"] != "host" || fields["opponent_losses"] != int64(0) {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestFinalizeUsesClock(t *testing.T) {
	fx := newRedisFixture(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx.fin.now = func() time.Time { return at }
	m := fx.seed(t)
	res, err := fx.fin.Finalize(context.Background(), Request{MatchID: m.ID, Credentials: "host-token"})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got, _ := fx.matches.Get(context.Background(), m.ID)
	if !res.FinishedAt.Equal(at) || got.FinishedAt == nil || !got.FinishedAt.Equal(at) {
		t.Fatalf("finishedAt = %v / %v", res.FinishedAt, got.FinishedAt)
	}
}
