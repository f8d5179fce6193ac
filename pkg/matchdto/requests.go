package matchdto

import "time"

type CreateMatchRequest struct {
	OpponentID string `json:"opponent_id"`
}

// FinalizeRequest is the host's end-of-match report. Both counts are
// required; a nil field means the key was absent from the body.
type FinalizeRequest struct {
	MyLosses       *int `json:"my_losses"`
	OpponentLosses *int `json:"opponent_losses"`
}

func NewFinalizeRequest(myLosses, opponentLosses int) FinalizeRequest {
	return FinalizeRequest{MyLosses: &myLosses, OpponentLosses: &opponentLosses}
}

type FinalizeResponse struct {
	MatchID        string    `json:"match_id"`
	WinnerID       *string   `json:"winner_id"`
	HostResult     string    `json:"host_result"`
	OpponentResult string    `json:"opponent_result"`
	FinishedAt     time.Time `json:"finished_at"`
}

type Match struct {
	ID         string     `json:"id"`
	HostID     string     `json:"host_id"`
	OpponentID string     `json:"opponent_id"`
	Status     string     `json:"status"`
	WinnerID   *string    `json:"winner_id"`
	FinishedAt *time.Time `json:"finished_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

type PlayerStats struct {
	UserID         string `json:"user_id"`
	MatchesPlayed  int64  `json:"matches_played"`
	Wins           int64  `json:"wins"`
	Losses         int64  `json:"losses"`
	Draws          int64  `json:"draws"`
	UnitsDestroyed int64  `json:"units_destroyed"`
	UnitsLost      int64  `json:"units_lost"`
}

// MatchFinalizedHook asks the server to (re)deliver result notifications
// for an already finished match.
type MatchFinalizedHook struct {
	MatchID string `json:"match_id"`
}

type HookResponse struct {
	MatchID   string `json:"match_id"`
	Delivered int    `json:"delivered"`
	Skipped   int    `json:"skipped"`
}
