package lifecycle

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/park285/fleetbattle/internal/apperr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func fixedClock() func() time.Time {
	t := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestTransitionTableExhaustive(t *testing.T) {
	want := map[State][]State{
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
	for _, from := range States() {
		for _, to := range States() {
			expect := false
			for _, s := range want[from] {
				if s == to {
					expect = true
				}
			}
			m := New(ModeStrict, WithLogger(zap.NewNop()))
			m.current = from
			if got := m.CanTransitionTo(to); got != expect {
				t.Fatalf("CanTransitionTo %s -> %s = %v, want %v", from, to, got, expect)
			}
			err := m.Transition(to, nil)
			if expect {
				if err != nil || m.Current() != to {
					t.Fatalf("%s -> %s should succeed: err=%v current=%s", from, to, err, m.Current())
				}
				continue
			}
			if !errors.Is(err, apperr.ErrInvalidTransition) {
				t.Fatalf("%s -> %s should be rejected, got %v", from, to, err)
			}
			if m.Current() != from {
				t.Fatalf("rejected transition changed state to %s", m.Current())
			}
		}
	}
}

func TestHappyPathHistory(t *testing.T) {
	m := New(ModeStrict, WithLogger(zap.NewNop()), WithClock(fixedClock()))
	path := []State{StateInviting, StateLoading, StateShipSelection, StateBattle, StateFinished, StateReturningToLobby, StateIdle}
	for _, s := range path {
		if err := m.Transition(s, string(s)); err != nil {
			t.Fatalf("Transition(%s): %v", s, err)
		}
	}
	h := m.History()
	if len(h) != len(path)+1 {
		t.Fatalf("history len = %d", len(h))
	}
	if h[0].State != StateIdle || h[0].Previous != "" {
		t.Fatalf("first record must be initial idle: %+v", h[0])
	}
	for i, s := range path {
		rec := h[i+1]
		if rec.State != s || rec.Previous != h[i].State || rec.Data != string(s) || rec.Forced {
			t.Fatalf("record %d = %+v", i+1, rec)
		}
		if !rec.At.After(h[i].At) {
			t.Fatalf("timestamps must advance")
		}
	}
}

func TestHistoryCapped(t *testing.T) {
	m := New(ModeStrict, WithLogger(zap.NewNop()))
	for i := 0; i < 40; i++ {
		_ = m.Transition(StateInviting, i)
		_ = m.Transition(StateIdle, i)
	}
	h := m.History()
	if len(h) != historyLimit {
		t.Fatalf("history len = %d, want %d", len(h), historyLimit)
	}
	last := h[len(h)-1]
	if last.State != StateIdle || last.Data != 39 {
		t.Fatalf("newest record lost: %+v", last)
	}
	if h[0].Data != 15 {
		t.Fatalf("oldest entries must be evicted first, got %+v", h[0])
	}
}

func TestHistoryIsCopy(t *testing.T) {
	m := New(ModeStrict, WithLogger(zap.NewNop()))
	h := m.History()
	h[0].State = StateError
	if m.History()[0].State != StateIdle {
		t.Fatalf("History must return a copy")
	}
}

func TestSubscribersRunInOrder(t *testing.T) {
	m := New(ModeStrict, WithLogger(zap.NewNop()))
	var got []string
	m.On(StateInviting, func(Record) error { got = append(got, "a"); return nil })
	m.On(StateInviting, func(Record) error { got = append(got, "b"); return nil })
	m.On(StateLoading, func(Record) error { got = append(got, "other"); return nil })
	if err := m.Transition(StateInviting, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if fmt.Sprint(got) != "[a b]" {
		t.Fatalf("got %v", got)
	}
}

func TestOffRemovesSubscriber(t *testing.T) {
	m := New(ModeStrict, WithLogger(zap.NewNop()))
	calls := 0
	h := m.On(StateInviting, func(Record) error { calls++; return nil })
	if !m.Off(StateInviting, h) {
		t.Fatalf("Off must report removal")
	}
	if m.Off(StateInviting, h) {
		t.Fatalf("second Off must report false")
	}
	if m.Off(StateLoading, h) {
		t.Fatalf("Off on another state must report false")
	}
	_ = m.Transition(StateInviting, nil)
	if calls != 0 {
		t.Fatalf("removed subscriber was called")
	}
}

func TestSubscriberFailuresContained(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := New(ModeStrict, WithLogger(zap.New(core)))
	reached := false
	m.On(StateInviting, func(Record) error { return errors.New("handler failed") })
	m.On(StateInviting, func(Record) error { panic("handler panicked") })
	m.On(StateInviting, func(Record) error { reached = true; return nil })
	if err := m.Transition(StateInviting, nil); err != nil {
		t.Fatalf("subscriber failure leaked: %v", err)
	}
	if !reached || !m.Is(StateInviting) {
		t.Fatalf("transition must complete: reached=%v state=%s", reached, m.Current())
	}
	if logs.FilterMessage("lifecycle_subscriber_error").Len() != 1 || logs.FilterMessage("lifecycle_subscriber_panic").Len() != 1 {
		t.Fatalf("expected both failures logged, got %v", logs.All())
	}
}

func TestDiagnosticModeForcesAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	m := New(ModeDiagnostic, WithLogger(zap.New(core)))
	if err := m.Transition(StateBattle, "jump"); err != nil {
		t.Fatalf("diagnostic mode must apply: %v", err)
	}
	if !m.Is(StateBattle) {
		t.Fatalf("state = %s", m.Current())
	}
	h := m.History()
	if !h[len(h)-1].Forced {
		t.Fatalf("forced record not flagged")
	}
	if logs.FilterMessage("lifecycle_transition_forced").Len() != 1 {
		t.Fatalf("forced transition not logged")
	}
	if err := m.Transition(State("warp"), nil); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("unknown state must be rejected: %v", err)
	}
}

func TestResetClearsContext(t *testing.T) {
	m := New(ModeStrict, WithLogger(zap.NewNop()))
	notified := false
	m.On(StateIdle, func(Record) error { notified = true; return nil })
	m.Set("match_id", "m1")
	_ = m.Transition(StateInviting, nil)
	_ = m.Transition(StateLoading, nil)
	m.Reset()
	if !m.Is(StateIdle) {
		t.Fatalf("state = %s", m.Current())
	}
	if _, ok := m.Value("match_id"); ok {
		t.Fatalf("context not cleared")
	}
	if h := m.History(); len(h) != 1 || h[0].State != StateIdle {
		t.Fatalf("history = %+v", h)
	}
	if notified {
		t.Fatalf("Reset must not notify subscribers")
	}
}
