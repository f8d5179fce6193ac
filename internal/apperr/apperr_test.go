package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", AlreadyProcessed("finalize", "match %s", "m1"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if errors.Is(err, ErrMutation) {
		t.Fatalf("conflict must not match mutation")
	}
	if !IsAlreadyProcessed(err) {
		t.Fatalf("expected alreadyProcessed flag")
	}
	if IsRetryable(err) {
		t.Fatalf("conflict is not retryable")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{errors.New("boom"), KindInternal},
		{Validation("op", "bad"), KindValidation},
		{Mutation("op", errors.New("redis down"), "ledger"), KindMutation},
		{InvalidTransition("idle", "battle"), KindInvalidTransition},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Fatalf("KindOf(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestMutationUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Mutation("finalize", cause, "host increment")
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if !IsRetryable(err) {
		t.Fatalf("mutation must be retryable")
	}
}
