package domain

import (
	"fmt"
	"time"
)

// MatchStatus is the server-side lifecycle of a match.
type MatchStatus string

const (
	MatchPending  MatchStatus = "pending"
	MatchActive   MatchStatus = "active"
	MatchFinished MatchStatus = "finished"
)

func (s MatchStatus) Valid() bool {
	switch s {
	case MatchPending, MatchActive, MatchFinished:
		return true
	}
	return false
}

// Match is created by matchmaking and finished only by the finalizer.
type Match struct {
	ID         string      `json:"id"`
	HostID     string      `json:"host_id"`
	OpponentID string      `json:"opponent_id"`
	Status     MatchStatus `json:"status"`
	WinnerID   *string     `json:"winner_id,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (m *Match) Finished() bool { return m != nil && m.Status == MatchFinished }

// Participant reports whether userID plays in the match.
func (m *Match) Participant(userID string) bool {
	return m != nil && userID != "" && (m.HostID == userID || m.OpponentID == userID)
}

// Result is a single player's view of a finished match.
type Result string

const (
	ResultWin  Result = "win"
	ResultLoss Result = "loss"
	ResultDraw Result = "draw"
)

// Outcome is the decided result of a match from both perspectives.
type Outcome struct {
	WinnerID       *string
	HostResult     Result
	OpponentResult Result
}

// DecideOutcome compares reported losses: the side that lost fewer units wins.
func DecideOutcome(m *Match, hostLosses, opponentLosses int) Outcome {
	switch {
	case opponentLosses > hostLosses:
		id := m.HostID
		return Outcome{WinnerID: &id, HostResult: ResultWin, OpponentResult: ResultLoss}
	case hostLosses > opponentLosses:
		id := m.OpponentID
		return Outcome{WinnerID: &id, HostResult: ResultLoss, OpponentResult: ResultWin}
	default:
		return Outcome{HostResult: ResultDraw, OpponentResult: ResultDraw}
	}
}

// PlayerStats is the aggregate row kept per user.
type PlayerStats struct {
	UserID         string `json:"user_id"`
	MatchesPlayed  int64  `json:"matches_played"`
	Wins           int64  `json:"wins"`
	Losses         int64  `json:"losses"`
	Draws          int64  `json:"draws"`
	UnitsDestroyed int64  `json:"units_destroyed"`
	UnitsLost      int64  `json:"units_lost"`
}

// StatsDelta is one additive increment of every counter in PlayerStats.
type StatsDelta struct {
	MatchesPlayed  int64 `json:"matches_played"`
	Wins           int64 `json:"wins"`
	Losses         int64 `json:"losses"`
	Draws          int64 `json:"draws"`
	UnitsDestroyed int64 `json:"units_destroyed"`
	UnitsLost      int64 `json:"units_lost"`
}

// DeltaFor builds the increment for one player given their result and the
// units destroyed/lost from their perspective.
func DeltaFor(r Result, destroyed, lost int) StatsDelta {
	d := StatsDelta{MatchesPlayed: 1, UnitsDestroyed: int64(destroyed), UnitsLost: int64(lost)}
	switch r {
	case ResultWin:
		d.Wins = 1
	case ResultLoss:
		d.Losses = 1
	default:
		d.Draws = 1
	}
	return d
}

// Fingerprint is a stable text form used to compare settlements.
func (d StatsDelta) Fingerprint() string {
	return fmt.Sprintf("mp=%d w=%d l=%d d=%d ud=%d ul=%d",
		d.MatchesPlayed, d.Wins, d.Losses, d.Draws, d.UnitsDestroyed, d.UnitsLost)
}

// Apply adds d onto s.
func (s *PlayerStats) Apply(d StatsDelta) {
	s.MatchesPlayed += d.MatchesPlayed
	s.Wins += d.Wins
	s.Losses += d.Losses
	s.Draws += d.Draws
	s.UnitsDestroyed += d.UnitsDestroyed
	s.UnitsLost += d.UnitsLost
}

// SettlementKey is the external event id under which a match's statistics
// are applied to each player.
func SettlementKey(matchID string) string { return "match:" + matchID }
