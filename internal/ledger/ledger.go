// Package ledger is the per-player statistics counter store. Every
// increment is all-or-nothing across the six counters.
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/park285/fleetbattle/internal/domain"
)

var (
	ErrInvalidArgs = errors.New("invalid arguments")
	// ErrSettlementMismatch means the event was already settled for the
	// user with a different delta.
	ErrSettlementMismatch = errors.New("settlement already applied with a different delta")
)

// Increment is one atomic counter update. When EventID is set the ledger
// records it together with the counters, and a repeat of the same
// (UserID, EventID) is a no-op.
type Increment struct {
	UserID  string
	EventID string
	Delta   domain.StatsDelta
}

// Ledger applies increments and serves aggregate reads.
type Ledger interface {
	// AtomicIncrement reports applied=false when EventID was already settled
	// with the same delta.
	AtomicIncrement(ctx context.Context, inc Increment) (applied bool, err error)
	// Stats returns a zero row for users without history.
	Stats(ctx context.Context, userID string) (*domain.PlayerStats, error)
}

func validate(inc Increment) error {
	if strings.TrimSpace(inc.UserID) == "" {
		return ErrInvalidArgs
	}
	d := inc.Delta
	if d.MatchesPlayed < 0 || d.Wins < 0 || d.Losses < 0 || d.Draws < 0 || d.UnitsDestroyed < 0 || d.UnitsLost < 0 {
		return ErrInvalidArgs
	}
	return nil
}
