// Package idem runs side effects at most once per (subject, external event).
//
// A worker claims the record before running the effect, marks it done on
// success and releases the claim on failure so that redelivery retries.
package idem

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidArgs = errors.New("invalid arguments")
	// ErrInFlight means another worker holds a live claim on the record.
	ErrInFlight = errors.New("event is being processed by another worker")
)

const (
	statePending = "pending"
	stateDone    = "done"

	// DefaultClaimTTL bounds how long a crashed worker can block redelivery.
	DefaultClaimTTL = 2 * time.Minute
	defaultDoneTTL  = 30 * 24 * time.Hour
)

// Effect is the side effect guarded by a record.
type Effect func(ctx context.Context) error

// Guard deduplicates effects by (subjectUserID, externalEventID).
type Guard interface {
	// Do reports performed=false with a nil error when the record is already
	// done. The effect's own error is returned unchanged.
	Do(ctx context.Context, subjectUserID, externalEventID string, fn Effect) (performed bool, err error)
}

func normalize(subject, event string) (string, string, error) {
	subject = strings.TrimSpace(subject)
	event = strings.TrimSpace(event)
	if subject == "" || event == "" {
		return "", "", ErrInvalidArgs
	}
	return subject, event, nil
}
