// Package notify tells both players the outcome of a finalized match.
// Each (player, match) pair is delivered at most once.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/park285/fleetbattle/internal/domain"
	"github.com/park285/fleetbattle/internal/idem"
	"github.com/park285/fleetbattle/internal/ledger"
	"github.com/park285/fleetbattle/internal/msgcat"
	"github.com/park285/fleetbattle/internal/obslog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNotFinished = errors.New("match is not finished")

// EventID is the guard key for a match result delivery.
func EventID(matchID string) string { return "match-result:" + matchID }

// Report counts deliveries performed and skipped as duplicates.
type Report struct {
	Delivered int
	Skipped   int
}

type Notifier struct {
	cat    *msgcat.Catalog
	egress Egress
	guard  idem.Guard
	stats  ledger.Ledger
	log    *zap.Logger
}

// New builds a Notifier. stats may be nil, in which case the record summary
// line is omitted.
func New(cat *msgcat.Catalog, egress Egress, guard idem.Guard, stats ledger.Ledger) *Notifier {
	return &Notifier{cat: cat, egress: egress, guard: guard, stats: stats, log: obslog.Named("notify")}
}

// MatchFinalized notifies host and opponent concurrently.
func (n *Notifier) MatchFinalized(ctx context.Context, m *domain.Match) (Report, error) {
	if m == nil || !m.Finished() {
		return Report{}, ErrNotFinished
	}
	var delivered, skipped atomic.Int32
	// One player's failure must not cancel the other's delivery.
	var g errgroup.Group
	for _, p := range []struct{ user, opponent string }{
		{m.HostID, m.OpponentID},
		{m.OpponentID, m.HostID},
	} {
		p := p
		g.Go(func() error {
			performed, err := n.guard.Do(ctx, p.user, EventID(m.ID), func(ctx context.Context) error {
				text, err := n.render(ctx, m, p.user, p.opponent)
				if err != nil {
					return err
				}
				return n.egress.Deliver(ctx, p.user, text)
			})
			switch {
			case errors.Is(err, idem.ErrInFlight):
				skipped.Add(1)
				return nil
			case err != nil:
				n.log.Warn("notify_failed", zap.String("match_id", m.ID), zap.String("user_id", p.user), zap.Error(err))
				return fmt.Errorf("notify %s: %w", p.user, err)
			case performed:
				delivered.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	rep := Report{Delivered: int(delivered.Load()), Skipped: int(skipped.Load())}
	n.log.Info("notify_match_finalized", zap.String("match_id", m.ID), zap.Int("delivered", rep.Delivered), zap.Int("skipped", rep.Skipped))
	return rep, err
}

func (n *Notifier) render(ctx context.Context, m *domain.Match, user, opponent string) (string, error) {
	result := domain.ResultDraw
	if m.WinnerID != nil {
		result = domain.ResultLoss
		if *m.WinnerID == user {
			result = domain.ResultWin
		}
	}
	text, err := n.cat.Render("result."+string(result), map[string]any{"MatchID": m.ID, "OpponentID": opponent})
	if err != nil {
		return "", err
	}
	if n.stats == nil {
		return text, nil
	}
	st, err := n.stats.Stats(ctx, user)
	if err != nil {
		n.log.Debug("notify_stats_unavailable", zap.String("user_id", user), zap.Error(err))
		return text, nil
	}
	summary, err := n.cat.Render("stats.summary", st)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{text, summary}, "\n"), nil
}
