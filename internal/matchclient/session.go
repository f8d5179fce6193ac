package matchclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/park285/fleetbattle/internal/apperr"
	"github.com/park285/fleetbattle/internal/lifecycle"
	"github.com/park285/fleetbattle/internal/obslog"
	"github.com/park285/fleetbattle/pkg/matchdto"
	"go.uber.org/zap"
)

// Session context keys.
const (
	KeyMatchID    = "match_id"
	KeyHostID     = "host_id"
	KeyOpponentID = "opponent_id"
	KeyResult     = "result"
)

// Finalizer submits the host's end-of-match report.
type Finalizer interface {
	Finalize(ctx context.Context, matchID string, myLosses, opponentLosses int) (*matchdto.FinalizeResponse, error)
}

// Session owns the lifecycle machine of one player and maps feed events
// onto transitions. Events are applied one at a time.
type Session struct {
	userID  string
	machine *lifecycle.Machine
	api     Finalizer
	timeout time.Duration
	log     *zap.Logger

	mu sync.Mutex
}

func NewSession(userID string, api Finalizer, mode lifecycle.Mode) *Session {
	log := obslog.Named("session").With(zap.String("user_id", userID))
	return &Session{
		userID:  userID,
		machine: lifecycle.New(mode, lifecycle.WithLogger(log)),
		api:     api,
		timeout: 15 * time.Second,
		log:     log,
	}
}

// Machine exposes the underlying machine for subscriptions. Callers must
// not transition it directly while events are flowing.
func (s *Session) Machine() *lifecycle.Machine { return s.machine }

func (s *Session) State() lifecycle.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// Attach feeds every event from f into the session and returns the
// callback id for RemoveEventCallback.
func (s *Session) Attach(f *Feed) int {
	return f.OnEvent(func(ev matchdto.Event) {
		if err := s.Handle(context.Background(), ev); err != nil {
			s.log.Warn("session_event_failed", zap.String("event", ev.Type), zap.Error(err))
		}
	})
}

// Handle applies one transport event.
func (s *Session) Handle(ctx context.Context, ev matchdto.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.machine

	switch ev.Type {
	case matchdto.EventInviteSent:
		return m.Transition(lifecycle.StateInviting, ev)
	case matchdto.EventInviteReceived:
		return m.Transition(lifecycle.StateInviteReceived, ev)
	case matchdto.EventInviteDeclined:
		return m.Transition(lifecycle.StateIdle, ev)
	case matchdto.EventMatchLoading:
		if err := m.Transition(lifecycle.StateLoading, ev); err != nil {
			return err
		}
		m.Set(KeyMatchID, ev.MatchID)
		m.Set(KeyHostID, ev.HostID)
		m.Set(KeyOpponentID, ev.OpponentID)
		return nil
	case matchdto.EventShipsReady:
		return m.Transition(lifecycle.StateShipSelection, ev)
	case matchdto.EventBattleStarted:
		return m.Transition(lifecycle.StateBattle, ev)
	case matchdto.EventMatchOver:
		return s.matchOver(ctx, ev)
	case matchdto.EventFault:
		if !m.CanTransitionTo(lifecycle.StateError) {
			s.log.Info("session_fault_ignored", zap.String("state", string(m.Current())), zap.String("reason", ev.Reason))
			return nil
		}
		return m.Transition(lifecycle.StateError, ev)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// matchOver runs battle -> finished -> (host finalizes) -> returning_to_lobby.
func (s *Session) matchOver(ctx context.Context, ev matchdto.Event) error {
	m := s.machine
	if err := m.Transition(lifecycle.StateFinished, ev); err != nil {
		return err
	}
	matchID := stringValue(m, KeyMatchID)
	if ev.MatchID != "" {
		matchID = ev.MatchID
	}
	if stringValue(m, KeyHostID) != s.userID {
		return m.Transition(lifecycle.StateReturningToLobby, nil)
	}

	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.api.Finalize(fctx, matchID, ev.MyLosses, ev.OpponentLosses)
	switch {
	case err == nil:
		m.Set(KeyResult, res)
		s.log.Info("session_finalized", zap.String("match_id", matchID), zap.String("host_result", res.HostResult))
		return m.Transition(lifecycle.StateReturningToLobby, res)
	case apperr.IsAlreadyProcessed(err):
		s.log.Info("session_already_finalized", zap.String("match_id", matchID))
		return m.Transition(lifecycle.StateReturningToLobby, nil)
	default:
		s.log.Warn("session_finalize_failed", zap.String("match_id", matchID), zap.Error(err))
		if terr := m.Transition(lifecycle.StateError, err); terr != nil {
			return errors.Join(err, terr)
		}
		return err
	}
}

// Leave completes navigation back to the lobby, or recovers from error.
func (s *Session) Leave() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Transition(lifecycle.StateIdle, nil)
}

// Reset abandons the current session.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.Reset()
}

// Result returns the finalize response stored by the last host finalize.
func (s *Session) Result() (*matchdto.FinalizeResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.machine.Value(KeyResult)
	if !ok {
		return nil, false
	}
	res, ok := v.(*matchdto.FinalizeResponse)
	return res, ok
}

func stringValue(m *lifecycle.Machine, key string) string {
	v, _ := m.Value(key)
	s, _ := v.(string)
	return s
}
