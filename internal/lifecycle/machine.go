// Package lifecycle tracks one client's progress through a match session.
//
// A Machine is owned by a single session and is not safe for concurrent
// use. Subscribers run synchronously inside Transition.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/park285/fleetbattle/internal/apperr"
	"github.com/park285/fleetbattle/internal/obslog"
	"go.uber.org/zap"
)

type State string

const (
	StateIdle             State = "idle"
	StateInviting         State = "inviting"
	StateInviteReceived   State = "invite_received"
	StateLoading          State = "loading"
	StateShipSelection    State = "ship_selection"
	StateBattle           State = "battle"
	StateFinished         State = "finished"
	StateReturningToLobby State = "returning_to_lobby"
	StateError            State = "error"
)

var transitions = map[State][]State{
	StateIdle:             {StateInviting, StateInviteReceived},
	StateInviting:         {StateLoading, StateIdle, StateError},
	StateInviteReceived:   {StateLoading, StateIdle, StateError},
	StateLoading:          {StateShipSelection, StateError},
	StateShipSelection:    {StateBattle, StateError},
	StateBattle:           {StateFinished, StateError},
	StateFinished:         {StateReturningToLobby, StateError},
	StateReturningToLobby: {StateIdle},
	StateError:            {StateIdle},
}

// States lists every state in declaration order.
func States() []State {
	return []State{
		StateIdle, StateInviting, StateInviteReceived, StateLoading, StateShipSelection,
		StateBattle, StateFinished, StateReturningToLobby, StateError,
	}
}

func (s State) Known() bool {
	_, ok := transitions[s]
	return ok
}

// Allowed returns the states reachable from s in one step.
func Allowed(s State) []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Mode selects how invalid transitions are treated.
type Mode int

const (
	// ModeStrict rejects invalid transitions and leaves the state unchanged.
	ModeStrict Mode = iota
	// ModeDiagnostic applies invalid transitions, flags the record and logs
	// an error. For development builds only.
	ModeDiagnostic
)

func (m Mode) String() string {
	if m == ModeDiagnostic {
		return "diagnostic"
	}
	return "strict"
}

const historyLimit = 50

// Record is one entry of the transition history.
type Record struct {
	State    State
	Previous State
	At       time.Time
	Data     any
	// Forced marks an invalid transition applied in diagnostic mode.
	Forced bool
}

// Handler observes entry into a state. Errors and panics are logged and
// never reach the caller of Transition.
type Handler func(rec Record) error

// Handle identifies a subscription for Off.
type Handle int

type subscriber struct {
	id Handle
	fn Handler
}

type Option func(*Machine)

func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

type Machine struct {
	mode    Mode
	current State
	history []Record
	subs    map[State][]subscriber
	nextID  Handle
	values  map[string]any
	log     *zap.Logger
	now     func() time.Time
}

func New(mode Mode, opts ...Option) *Machine {
	m := &Machine{
		mode: mode,
		subs: make(map[State][]subscriber),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = obslog.Named("lifecycle")
	}
	m.reset()
	return m
}

func (m *Machine) reset() {
	m.current = StateIdle
	m.values = make(map[string]any)
	m.history = []Record{{State: StateIdle, At: m.now()}}
}

func (m *Machine) Mode() Mode                   { return m.mode }
func (m *Machine) Current() State               { return m.current }
func (m *Machine) Is(s State) bool              { return m.current == s }
func (m *Machine) CanTransitionTo(s State) bool { return allowed(m.current, s) }

// Transition moves to the target state and notifies its subscribers.
// Unknown target states are rejected in every mode.
func (m *Machine) Transition(to State, data any) error {
	from := m.current
	if !to.Known() {
		m.log.Warn("lifecycle_unknown_state", zap.String("from", string(from)), zap.String("to", string(to)))
		return apperr.InvalidTransition(string(from), string(to))
	}
	forced := false
	if !allowed(from, to) {
		if m.mode != ModeDiagnostic {
			m.log.Warn("lifecycle_transition_rejected", zap.String("from", string(from)), zap.String("to", string(to)))
			return apperr.InvalidTransition(string(from), string(to))
		}
		forced = true
		m.log.Error("lifecycle_transition_forced",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Strings("allowed", stateNames(transitions[from])),
		)
	}

	rec := Record{State: to, Previous: from, At: m.now(), Data: data, Forced: forced}
	m.current = to
	m.history = append(m.history, rec)
	if over := len(m.history) - historyLimit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	m.log.Debug("lifecycle_transition", zap.String("from", string(from)), zap.String("to", string(to)))

	subs := make([]subscriber, len(m.subs[to]))
	copy(subs, m.subs[to])
	for _, s := range subs {
		m.notify(s, rec)
	}
	return nil
}

func (m *Machine) notify(s subscriber, rec Record) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("lifecycle_subscriber_panic",
				zap.String("state", string(rec.State)),
				zap.Int("handle", int(s.id)),
				zap.Any("panic", r),
			)
		}
	}()
	if err := s.fn(rec); err != nil {
		m.log.Warn("lifecycle_subscriber_error",
			zap.String("state", string(rec.State)),
			zap.Int("handle", int(s.id)),
			zap.Error(err),
		)
	}
}

// On registers fn for entries into s. Handlers for one state run in
// registration order.
func (m *Machine) On(s State, fn Handler) Handle {
	m.nextID++
	m.subs[s] = append(m.subs[s], subscriber{id: m.nextID, fn: fn})
	return m.nextID
}

// Off removes a subscription and reports whether it existed.
func (m *Machine) Off(s State, h Handle) bool {
	list := m.subs[s]
	for i, sub := range list {
		if sub.id == h {
			m.subs[s] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Reset returns to idle, clears the session values and restarts history.
// Subscribers are kept and not notified.
func (m *Machine) Reset() {
	m.log.Debug("lifecycle_reset", zap.String("from", string(m.current)))
	m.reset()
}

// History returns a copy of the transition records, oldest first.
func (m *Machine) History() []Record {
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) Set(key string, value any) { m.values[key] = value }

func (m *Machine) Value(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *Machine) String() string {
	return fmt.Sprintf("lifecycle(%s, %s)", m.current, m.mode)
}

func stateNames(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
