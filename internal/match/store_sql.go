package match

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

type SQLStore struct{ db *storage.DB }

func NewSQLStore(db *storage.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) Get(ctx context.Context, id string) (*domain.Match, error) {
	const query = `
		SELECT id, host_id, opponent_id, status, winner_id, finished_at_ms, created_at_ms
		FROM matches
		WHERE id = ?`

	var (
		m         domain.Match
		status    string
		winner    sql.NullString
		finished  sql.NullInt64
		createdMS int64
	)
	err := s.db.QueryRowContext(ctx, s.db.Q(query), strings.TrimSpace(id)).Scan(
		&m.ID, &m.HostID, &m.OpponentID, &status, &winner, &finished, &createdMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select match: %w", err)
	}
	m.Status = domain.MatchStatus(status)
	m.WinnerID = storage.StringPtr(winner)
	m.FinishedAt = storage.FromMillis(finished)
	m.CreatedAt = time.UnixMilli(createdMS).UTC()
	return &m, nil
}

func (s *SQLStore) Create(ctx context.Context, m *domain.Match) error {
	if err := validateNew(m); err != nil {
		return err
	}
	const query = `
		INSERT INTO matches (id, host_id, opponent_id, status, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, s.db.Q(query), m.ID, m.HostID, m.OpponentID, string(m.Status), storage.Millis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExists
	}
	return nil
}

// CommitFinished relies on the row predicate: the UPDATE only matches while
// status is not finished, so exactly one caller sees a row affected.
func (s *SQLStore) CommitFinished(ctx context.Context, id string, winnerID *string, at time.Time) (bool, error) {
	const query = `
		UPDATE matches
		SET status = ?, winner_id = ?, finished_at_ms = ?
		WHERE id = ? AND status <> ?`

	res, err := s.db.ExecContext(ctx, s.db.Q(query),
		string(domain.MatchFinished), storage.NullString(winnerID), storage.Millis(at),
		strings.TrimSpace(id), string(domain.MatchFinished),
	)
	if err != nil {
		return false, fmt.Errorf("commit match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("commit match rows: %w", err)
	}
	return n == 1, nil
}
