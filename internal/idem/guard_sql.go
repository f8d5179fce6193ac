package idem

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/park285/fleetbattle/internal/obslog"
	"github.com/park285/fleetbattle/internal/storage"
	"go.uber.org/zap"
)

// SQLGuard keeps records in idempotency_records. A pending claim older than
// claimTTL may be taken over by another worker.
type SQLGuard struct {
	db       *storage.DB
	claimTTL time.Duration
	now      func() time.Time
}

func NewSQLGuard(db *storage.DB, claimTTL time.Duration) *SQLGuard {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &SQLGuard{db: db, claimTTL: claimTTL, now: time.Now}
}

func (g *SQLGuard) Do(ctx context.Context, subjectUserID, externalEventID string, fn Effect) (bool, error) {
	subject, event, err := normalize(subjectUserID, externalEventID)
	if err != nil {
		return false, err
	}
	claimed, err := g.claim(ctx, subject, event)
	if err != nil || !claimed {
		return false, err
	}

	if err := fn(ctx); err != nil {
		const release = `DELETE FROM idempotency_records WHERE subject_id = ? AND event_id = ? AND state = ?`
		if _, derr := g.db.ExecContext(context.WithoutCancel(ctx), g.db.Q(release), subject, event, statePending); derr != nil {
			obslog.L().Warn("idem_release_failed", zap.String("subject_id", subject), zap.String("event_id", event), zap.Error(derr))
		}
		return false, err
	}
	const done = `UPDATE idempotency_records SET state = ?, updated_at_ms = ? WHERE subject_id = ? AND event_id = ?`
	if _, err := g.db.ExecContext(context.WithoutCancel(ctx), g.db.Q(done), stateDone, storage.Millis(g.now()), subject, event); err != nil {
		obslog.L().Error("idem_mark_done_failed", zap.String("subject_id", subject), zap.String("event_id", event), zap.Error(err))
	}
	return true, nil
}

// claim returns (false, nil) when the record is already done.
func (g *SQLGuard) claim(ctx context.Context, subject, event string) (bool, error) {
	now := storage.Millis(g.now())
	const insert = `
		INSERT INTO idempotency_records (subject_id, event_id, state, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (subject_id, event_id) DO NOTHING`
	res, err := g.db.ExecContext(ctx, g.db.Q(insert), subject, event, statePending, now)
	if err != nil {
		return false, fmt.Errorf("claim record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var state string
	var updated int64
	const lookup = `SELECT state, updated_at_ms FROM idempotency_records WHERE subject_id = ? AND event_id = ?`
	err = g.db.QueryRowContext(ctx, g.db.Q(lookup), subject, event).Scan(&state, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrInFlight
	}
	if err != nil {
		return false, fmt.Errorf("read record: %w", err)
	}
	if state == stateDone {
		return false, nil
	}
	if now-updated < g.claimTTL.Milliseconds() {
		return false, ErrInFlight
	}

	const takeover = `
		UPDATE idempotency_records SET updated_at_ms = ?
		WHERE subject_id = ? AND event_id = ? AND state = ? AND updated_at_ms = ?`
	res, err = g.db.ExecContext(ctx, g.db.Q(takeover), now, subject, event, statePending, updated)
	if err != nil {
		return false, fmt.Errorf("take over stale claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, ErrInFlight
	}
	obslog.L().Info("idem_stale_claim_taken", zap.String("subject_id", subject), zap.String("event_id", event))
	return true, nil
}
