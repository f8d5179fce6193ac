// Package match persists matches and owns the terminal compare-and-set.
package match

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/fleetbattle/internal/domain"
)

var (
	ErrInvalidArgs = errors.New("invalid arguments")
	ErrExists      = errors.New("match already exists")
)

// Store is the persistence contract used by the finalizer.
type Store interface {
	// Get returns nil, nil when the match does not exist.
	Get(ctx context.Context, id string) (*domain.Match, error)
	Create(ctx context.Context, m *domain.Match) error
	// CommitFinished flips status to finished only if it is not finished
	// yet. It reports false when another commit already won.
	CommitFinished(ctx context.Context, id string, winnerID *string, at time.Time) (bool, error)
}

// NewMatch builds a pending match between host and opponent.
func NewMatch(hostID, opponentID string) (*domain.Match, error) {
	hostID, opponentID = strings.TrimSpace(hostID), strings.TrimSpace(opponentID)
	if hostID == "" || opponentID == "" || hostID == opponentID {
		return nil, ErrInvalidArgs
	}
	return &domain.Match{
		ID:         fmt.Sprintf("m-%d-%s", time.Now().UnixNano(), randSuffix(3)),
		HostID:     hostID,
		OpponentID: opponentID,
		Status:     domain.MatchPending,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func validateNew(m *domain.Match) error {
	if m == nil || strings.TrimSpace(m.ID) == "" || m.HostID == "" || m.OpponentID == "" || m.HostID == m.OpponentID {
		return ErrInvalidArgs
	}
	if m.Status == "" {
		m.Status = domain.MatchPending
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidArgs, m.Status)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return nil
}

func randSuffix(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err == nil {
		return hex.EncodeToString(b)
	}
	return fmt.Sprintf("%x", time.Now().UnixNano()%1_000_000)
}
