package apperrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("Error 1213 (40001): Deadlock found when trying to get lock")))
	assert.True(t, IsTransient(fmt.Errorf("commit: %w", errors.New("ERROR: could not serialize access due to concurrent update (SQLSTATE 40001)"))))
	assert.True(t, IsTransient(fmt.Errorf("tx: %w", context.DeadlineExceeded)))
	assert.False(t, IsTransient(&InsufficientFundsError{Currency: "USD"}))
	assert.False(t, IsTransient(nil))
}

func TestKindsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("handle: %w", &DuplicateEventError{EventID: "evt-1"})
	assert.True(t, IsDuplicate(err))
	assert.False(t, IsConsistency(err))

	err = fmt.Errorf("aggregate: %w", &AggregationConsistencyError{NodeID: "A", Reason: "negative left volume"})
	assert.True(t, IsConsistency(err))

	var ce *AggregationConsistencyError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, "A", ce.NodeID)

	parked := &ParkedError{EventID: "evt-2", NodeID: "A", Err: ce}
	assert.True(t, IsParked(parked))
	assert.True(t, IsConsistency(parked))
	assert.False(t, IsParked(err))
}

func TestUserFacingMessages(t *testing.T) {
	err := &InsufficientFundsError{MemberID: "m1", Requested: 2500, Available: 1000, Currency: "USD"}
	assert.Equal(t, "insufficient funds: requested 25.00 USD, available 10.00 USD", err.Error())

	perr := &PlacementError{SponsorID: "s1", Reason: "sponsor s1 is inactive"}
	assert.Equal(t, "placement failed: sponsor s1 is inactive", perr.Error())
}
