package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/fleetbattle/internal/domain"
	"github.com/park285/fleetbattle/internal/storage"
)

// SQLLedger settles increments in one transaction: the settlement row and
// the additive upsert commit together or not at all.
type SQLLedger struct{ db *storage.DB }

func NewSQLLedger(db *storage.DB) *SQLLedger { return &SQLLedger{db: db} }

func (l *SQLLedger) AtomicIncrement(ctx context.Context, inc Increment) (applied bool, err error) {
	if err := validate(inc); err != nil {
		return false, err
	}
	userID := strings.TrimSpace(inc.UserID)
	eventID := strings.TrimSpace(inc.EventID)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin stats tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if eventID != "" {
		const claim = `
			INSERT INTO stat_settlements (user_id, event_id, fingerprint, created_at_ms)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, event_id) DO NOTHING`
		res, cerr := tx.ExecContext(ctx, l.db.Q(claim), userID, eventID, inc.Delta.Fingerprint(), storage.Millis(time.Now()))
		if cerr != nil {
			return false, fmt.Errorf("claim settlement: %w", cerr)
		}
		n, cerr := res.RowsAffected()
		if cerr != nil {
			return false, fmt.Errorf("claim settlement rows: %w", cerr)
		}
		if n == 0 {
			var prev string
			const lookup = `SELECT fingerprint FROM stat_settlements WHERE user_id = ? AND event_id = ?`
			if cerr := tx.QueryRowContext(ctx, l.db.Q(lookup), userID, eventID).Scan(&prev); cerr != nil {
				return false, fmt.Errorf("read settlement: %w", cerr)
			}
			if cerr := tx.Rollback(); cerr != nil && !errors.Is(cerr, sql.ErrTxDone) {
				return false, cerr
			}
			if prev != inc.Delta.Fingerprint() {
				return false, ErrSettlementMismatch
			}
			return false, nil
		}
	}

	const upsert = `
		INSERT INTO player_stats (user_id, matches_played, wins, losses, draws, units_destroyed, units_lost)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			matches_played  = player_stats.matches_played + excluded.matches_played,
			wins            = player_stats.wins + excluded.wins,
			losses          = player_stats.losses + excluded.losses,
			draws           = player_stats.draws + excluded.draws,
			units_destroyed = player_stats.units_destroyed + excluded.units_destroyed,
			units_lost      = player_stats.units_lost + excluded.units_lost`
	d := inc.Delta
	if _, err = tx.ExecContext(ctx, l.db.Q(upsert), userID, d.MatchesPlayed, d.Wins, d.Losses, d.Draws, d.UnitsDestroyed, d.UnitsLost); err != nil {
		return false, fmt.Errorf("upsert stats: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit stats: %w", err)
	}
	return true, nil
}

func (l *SQLLedger) Stats(ctx context.Context, userID string) (*domain.PlayerStats, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidArgs
	}
	const query = `
		SELECT matches_played, wins, losses, draws, units_destroyed, units_lost
		FROM player_stats
		WHERE user_id = ?`
	st := &domain.PlayerStats{UserID: userID}
	err := l.db.QueryRowContext(ctx, l.db.Q(query), userID).Scan(
		&st.MatchesPlayed, &st.Wins, &st.Losses, &st.Draws, &st.UnitsDestroyed, &st.UnitsLost,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select stats: %w", err)
	}
	return st, nil
}
