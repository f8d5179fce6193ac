// Package finalize is the server-side authority that turns a host's
// end-of-match report into a committed result and per-player statistics.
//
// Statistics are settled before the match is committed. Every ledger
// increment carries the match's settlement key, so a retry after a partial
// failure, or a concurrent attempt that loses the commit, never credits a
// player twice.
//
// Only a retry carrying the identical report recovers from a partial
// settlement. A report with different counts is refused with a conflict and
// logged at error as finalize_settlement_mismatch; if an earlier attempt
// already credited the host, the match stays pending until an operator
// resolves it.
package finalize

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/park285/fleetbattle/internal/apperr"
	"github.com/park285/fleetbattle/internal/domain"
	"github.com/park285/fleetbattle/internal/ledger"
	"github.com/park285/fleetbattle/internal/match"
	"github.com/park285/fleetbattle/internal/obslog"
	"go.uber.org/zap"
)

const op = "finalize"

// Authenticator resolves request credentials to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, credentials string) (string, error)
}

// Request is the host's report. Loss counts are from the caller's side:
// MyLosses are units the caller lost.
type Request struct {
	MatchID        string
	MyLosses       int
	OpponentLosses int
	Credentials    string
}

type Result struct {
	MatchID        string
	HostID         string
	OpponentID     string
	WinnerID       *string
	HostResult     domain.Result
	OpponentResult domain.Result
	FinishedAt     time.Time
}

type Finalizer struct {
	auth    Authenticator
	matches match.Store
	ledger  ledger.Ledger
	now     func() time.Time
	log     *zap.Logger
	metrics *Metrics
}

type Option func(*Finalizer)

func WithClock(now func() time.Time) Option { return func(f *Finalizer) { f.now = now } }
func WithLogger(l *zap.Logger) Option       { return func(f *Finalizer) { f.log = l } }
func WithMetrics(m *Metrics) Option         { return func(f *Finalizer) { f.metrics = m } }

func New(a Authenticator, matches match.Store, l ledger.Ledger, opts ...Option) *Finalizer {
	f := &Finalizer{auth: a, matches: matches, ledger: l, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = obslog.Named("finalize")
	}
	return f
}

// Finalize authenticates, validates, authorizes, settles statistics and
// commits the match. Errors are *apperr.Error values.
func (f *Finalizer) Finalize(ctx context.Context, req Request) (res *Result, err error) {
	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(apperr.KindOf(err))
		}
		f.metrics.observe(outcome, started)
	}()

	userID, err := f.auth.Authenticate(ctx, req.Credentials)
	if err != nil {
		return nil, apperr.Auth(op, err)
	}

	matchID := strings.TrimSpace(req.MatchID)
	switch {
	case matchID == "":
		return nil, apperr.Validation(op, "match id is required")
	case req.MyLosses < 0 || req.OpponentLosses < 0:
		return nil, apperr.Validation(op, "loss counts must be non-negative")
	}

	log := f.log.With(zap.String("match_id", matchID), zap.String("user_id", userID))

	m, err := f.matches.Get(ctx, matchID)
	if err != nil {
		return nil, apperr.Mutation(op, err, "load match")
	}
	if m == nil {
		return nil, apperr.NotFound(op, "match %s", matchID)
	}

	if userID != m.HostID {
		log.Warn("finalize_not_host",
			zap.String("host_id", m.HostID),
			zap.Bool("participant", m.Participant(userID)),
		)
		return nil, apperr.Authorization(op, "only the host may finalize match %s", matchID)
	}

	if m.Finished() {
		log.Info("finalize_already_finished")
		return nil, apperr.AlreadyProcessed(op, "match %s already finished", matchID)
	}

	outcome := domain.DecideOutcome(m, req.MyLosses, req.OpponentLosses)
	event := domain.SettlementKey(m.ID)
	settlements := []ledger.Increment{
		{UserID: m.HostID, EventID: event, Delta: domain.DeltaFor(outcome.HostResult, req.OpponentLosses, req.MyLosses)},
		{UserID: m.OpponentID, EventID: event, Delta: domain.DeltaFor(outcome.OpponentResult, req.MyLosses, req.OpponentLosses)},
	}
	for _, inc := range settlements {
		applied, err := f.ledger.AtomicIncrement(ctx, inc)
		if errors.Is(err, ledger.ErrSettlementMismatch) {
			f.metrics.settlementMismatch()
			log.Error("finalize_settlement_mismatch",
				zap.String("player_id", inc.UserID),
				zap.Int("my_losses", req.MyLosses),
				zap.Int("opponent_losses", req.OpponentLosses),
			)
			return nil, apperr.Conflict(op, err, "match %s was settled with a different report", matchID)
		}
		if err != nil {
			log.Warn("finalize_stats_failed", zap.String("player_id", inc.UserID), zap.Error(err))
			return nil, apperr.Mutation(op, err, "stats increment for %s", inc.UserID)
		}
		f.metrics.settlement(applied)
		if !applied {
			log.Info("finalize_settlement_replayed", zap.String("player_id", inc.UserID))
		}
	}

	at := f.now()
	committed, err := f.matches.CommitFinished(ctx, m.ID, outcome.WinnerID, at)
	if err != nil {
		log.Warn("finalize_commit_failed", zap.Error(err))
		return nil, apperr.Mutation(op, err, "commit match %s", matchID)
	}
	if !committed {
		log.Info("finalize_commit_lost")
		return nil, apperr.AlreadyProcessed(op, "match %s already finished", matchID)
	}

	log.Info("finalize_committed",
		zap.String("host_result", string(outcome.HostResult)),
		zap.Int("my_losses", req.MyLosses),
		zap.Int("opponent_losses", req.OpponentLosses),
	)
	return &Result{
		MatchID:        m.ID,
		HostID:         m.HostID,
		OpponentID:     m.OpponentID,
		WinnerID:       outcome.WinnerID,
		HostResult:     outcome.HostResult,
		OpponentResult: outcome.OpponentResult,
		FinishedAt:     at,
	}, nil
}
