package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-service/internal/model"
)

func TestDecodePackagePurchased(t *testing.T) {
	body := `{
		"type": "package_purchased",
		"event_id": "evt-42",
		"occurred_at": "2024-05-01T10:00:00Z",
		"payload": {"member_id": "m1", "package_id": "starter", "value": 10000, "pv": 100, "bv": 80}
	}`

	ev, err := Decode([]byte(body))
	require.NoError(t, err)

	p, ok := ev.(*PackagePurchased)
	require.True(t, ok)
	assert.Equal(t, "evt-42", p.ID())
	assert.Equal(t, "m1", p.Member())
	assert.Equal(t, int64(10000), p.Value)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), p.OccurredAt())
}

func TestDecodeRegistrationDefaults(t *testing.T) {
	body := `{"type": "member_registered", "payload": {"member_id": "m2", "sponsor_id": "m1", "package_id": "starter"}}`

	ev, err := Decode([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "registration:m2", ev.ID())
	assert.False(t, ev.OccurredAt().IsZero())
}

func TestDecodeWithdrawalUsesRequestID(t *testing.T) {
	body := `{"type": "withdrawal_requested", "event_id": "req-9", "payload": {"member_id": "m1", "amount": 500}}`

	ev, err := Decode([]byte(body))
	require.NoError(t, err)
	w := ev.(*WithdrawalRequested)
	assert.Equal(t, "req-9", w.RequestID)
	assert.Equal(t, "withdrawal:req-9", w.ID())
}

func TestDecodeRejectsInvalidMessages(t *testing.T) {
	cases := map[string]string{
		"malformed":        `{"type":`,
		"unknown type":     `{"type": "bonus_paid", "payload": {}}`,
		"missing payload":  `{"type": "package_purchased"}`,
		"missing event id": `{"type": "repurchase_completed", "payload": {"member_id": "m1", "pv": 10}}`,
		"zero repurchase":  `{"type": "repurchase_completed", "event_id": "e", "payload": {"member_id": "m1", "pv": 0}}`,
		"bad leg":          `{"type": "member_registered", "payload": {"member_id": "m2", "package_id": "p", "requested_leg": "up"}}`,
		"same package":     `{"type": "package_upgraded", "event_id": "e", "payload": {"member_id": "m1", "old_package_id": "a", "new_package_id": "a"}}`,
		"negative amount":  `{"type": "withdrawal_requested", "event_id": "r", "payload": {"member_id": "m1", "amount": -5}}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	in := &MemberRegistered{
		EventID:      "reg-1",
		MemberID:     "m3",
		SponsorID:    "m1",
		RequestedLeg: model.LegRight,
		PackageID:    "business",
		Timestamp:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
