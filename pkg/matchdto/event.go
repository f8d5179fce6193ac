package matchdto

// Transport event types pushed to clients over the session feed.
const (
	EventInviteSent     = "invite_sent"
	EventInviteReceived = "invite_received"
	EventInviteDeclined = "invite_declined"
	EventMatchLoading   = "match_loading"
	EventShipsReady     = "ships_ready"
	EventBattleStarted  = "battle_started"
	EventMatchOver      = "match_over"
	EventFault          = "fault"
)

// Event is one frame on the session feed. MyLosses and OpponentLosses are
// set on match_over from the receiving player's side.
type Event struct {
	Type           string `json:"type"`
	MatchID        string `json:"match_id,omitempty"`
	HostID         string `json:"host_id,omitempty"`
	OpponentID     string `json:"opponent_id,omitempty"`
	MyLosses       int    `json:"my_losses,omitempty"`
	OpponentLosses int    `json:"opponent_losses,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
