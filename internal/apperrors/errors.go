// Package apperrors defines the error kinds of the settlement engine and how
// the event boundary should treat each of them.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"settlement-service/internal/money"
)

var (
	// ErrUnknownMember is returned when an event references a member that
	// was never registered.
	ErrUnknownMember = errors.New("unknown member")
	// ErrInvalidEvent is returned for events that are well formed but
	// contradict the plan or the member's state.
	ErrInvalidEvent = errors.New("invalid event")
)

// PlacementError reports a registration that cannot be placed in the tree.
type PlacementError struct {
	MemberID  string
	SponsorID string
	Reason    string
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("placement failed: %s", e.Reason)
}

// DuplicateEventError marks a replayed event. It is a benign no-op.
type DuplicateEventError struct {
	EventID string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event %s already processed", e.EventID)
}

// InsufficientFundsError is returned when a withdrawal exceeds earnings.
type InsufficientFundsError struct {
	MemberID  string
	Requested int64
	Available int64
	Currency  string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: requested %s, available %s",
		money.Format(e.Requested, e.Currency), money.Format(e.Available, e.Currency))
}

// CapExceededError is informational: pairs above the daily cap stay in the
// unconsumed counters and are paid on a later day.
type CapExceededError struct {
	MemberID string
	Day      string
	Cap      int64
	Deferred int64
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("daily pair cap %d reached for %s on %s, %d pairs deferred", e.Cap, e.MemberID, e.Day, e.Deferred)
}

// AggregationConsistencyError is a detected invariant violation on a tree
// node. Processing for that node stops until it is reconciled by hand.
type AggregationConsistencyError struct {
	NodeID string
	Reason string
}

func (e *AggregationConsistencyError) Error() string {
	return fmt.Sprintf("aggregation consistency violation on node %s: %s", e.NodeID, e.Reason)
}

// ParkedError wraps a consistency violation whose event was set aside on
// the blocked node. The event is replayed when the node is resolved.
type ParkedError struct {
	EventID string
	NodeID  string
	Err     error
}

func (e *ParkedError) Error() string {
	return fmt.Sprintf("event %s parked on node %s: %v", e.EventID, e.NodeID, e.Err)
}

func (e *ParkedError) Unwrap() error {
	return e.Err
}

// IsDuplicate reports whether err marks a replayed event.
func IsDuplicate(err error) bool {
	var dup *DuplicateEventError
	return errors.As(err, &dup)
}

// transientMarkers are driver messages for lock contention and
// serialization failures on MySQL and PostgreSQL.
var transientMarkers = []string{
	"1213",
	"Deadlock",
	"deadlock detected",
	"1205",
	"Lock wait timeout",
	"40001",
	"40P01",
	"could not serialize access",
}

// IsTransient reports whether err is worth retrying with the same event id.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsConsistency reports whether err is an aggregation consistency violation.
func IsConsistency(err error) bool {
	var ce *AggregationConsistencyError
	return errors.As(err, &ce)
}

// IsParked reports whether err's event was parked for replay.
func IsParked(err error) bool {
	var pe *ParkedError
	return errors.As(err, &pe)
}
