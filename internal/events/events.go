// Package events defines the inbound events of the settlement engine and
// their JSON wire envelope.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"settlement-service/internal/model"
)

// Kind names an event type on the wire.
type Kind string

const (
	KindMemberRegistered    Kind = "member_registered"
	KindPackagePurchased    Kind = "package_purchased"
	KindPackageUpgraded     Kind = "package_upgraded"
	KindRepurchaseCompleted Kind = "repurchase_completed"
	KindWithdrawalRequested Kind = "withdrawal_requested"
)

// Event is implemented by every inbound event.
type Event interface {
	Kind() Kind
	// ID is the idempotency key of the event.
	ID() string
	// Member is the member whose events must be applied in order.
	Member() string
	OccurredAt() time.Time
}

// Envelope is the message format on the queue and on POST /events.
type Envelope struct {
	Type       Kind            `json:"type" validate:"required"`
	EventID    string          `json:"event_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

type MemberRegistered struct {
	EventID      string    `json:"event_id"`
	MemberID     string    `json:"member_id" validate:"required,max=64"`
	SponsorID    string    `json:"sponsor_id" validate:"max=64"`
	RequestedLeg model.Leg `json:"requested_leg" validate:"omitempty,oneof=left right auto"`
	PackageID    string    `json:"package_id" validate:"required"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e *MemberRegistered) Kind() Kind { return KindMemberRegistered }
func (e *MemberRegistered) ID() string {
	if e.EventID != "" {
		return e.EventID
	}
	return "registration:" + e.MemberID
}
func (e *MemberRegistered) Member() string        { return e.MemberID }
func (e *MemberRegistered) OccurredAt() time.Time { return e.Timestamp }

type PackagePurchased struct {
	EventID   string    `json:"event_id" validate:"required"`
	MemberID  string    `json:"member_id" validate:"required"`
	PackageID string    `json:"package_id" validate:"required"`
	Value     int64     `json:"value" validate:"gte=0"`
	PV        int64     `json:"pv" validate:"gte=0"`
	BV        int64     `json:"bv" validate:"gte=0"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *PackagePurchased) Kind() Kind            { return KindPackagePurchased }
func (e *PackagePurchased) ID() string            { return e.EventID }
func (e *PackagePurchased) Member() string        { return e.MemberID }
func (e *PackagePurchased) OccurredAt() time.Time { return e.Timestamp }

type PackageUpgraded struct {
	EventID      string    `json:"event_id" validate:"required"`
	MemberID     string    `json:"member_id" validate:"required"`
	OldPackageID string    `json:"old_package_id" validate:"required"`
	NewPackageID string    `json:"new_package_id" validate:"required,nefield=OldPackageID"`
	DeltaValue   int64     `json:"delta_value" validate:"gte=0"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e *PackageUpgraded) Kind() Kind            { return KindPackageUpgraded }
func (e *PackageUpgraded) ID() string            { return e.EventID }
func (e *PackageUpgraded) Member() string        { return e.MemberID }
func (e *PackageUpgraded) OccurredAt() time.Time { return e.Timestamp }

type RepurchaseCompleted struct {
	EventID   string    `json:"event_id" validate:"required"`
	MemberID  string    `json:"member_id" validate:"required"`
	PV        int64     `json:"pv" validate:"gt=0"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *RepurchaseCompleted) Kind() Kind            { return KindRepurchaseCompleted }
func (e *RepurchaseCompleted) ID() string            { return e.EventID }
func (e *RepurchaseCompleted) Member() string        { return e.MemberID }
func (e *RepurchaseCompleted) OccurredAt() time.Time { return e.Timestamp }

type WithdrawalRequested struct {
	RequestID string    `json:"request_id" validate:"required"`
	MemberID  string    `json:"member_id" validate:"required"`
	Amount    int64     `json:"amount" validate:"gt=0"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *WithdrawalRequested) Kind() Kind            { return KindWithdrawalRequested }
func (e *WithdrawalRequested) ID() string            { return "withdrawal:" + e.RequestID }
func (e *WithdrawalRequested) Member() string        { return e.MemberID }
func (e *WithdrawalRequested) OccurredAt() time.Time { return e.Timestamp }

var validate = validator.New()

// Decode parses and validates an envelope. Payload event ids and timestamps
// fall back to the envelope's.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var ev Event
	switch env.Type {
	case KindMemberRegistered:
		p := &MemberRegistered{}
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", env.Type, err)
		}
		p.EventID = fallback(p.EventID, env.EventID)
		p.Timestamp = fallbackTime(p.Timestamp, env.OccurredAt)
		ev = p
	case KindPackagePurchased:
		p := &PackagePurchased{}
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", env.Type, err)
		}
		p.EventID = fallback(p.EventID, env.EventID)
		p.Timestamp = fallbackTime(p.Timestamp, env.OccurredAt)
		ev = p
	case KindPackageUpgraded:
		p := &PackageUpgraded{}
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", env.Type, err)
		}
		p.EventID = fallback(p.EventID, env.EventID)
		p.Timestamp = fallbackTime(p.Timestamp, env.OccurredAt)
		ev = p
	case KindRepurchaseCompleted:
		p := &RepurchaseCompleted{}
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", env.Type, err)
		}
		p.EventID = fallback(p.EventID, env.EventID)
		p.Timestamp = fallbackTime(p.Timestamp, env.OccurredAt)
		ev = p
	case KindWithdrawalRequested:
		p := &WithdrawalRequested{}
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", env.Type, err)
		}
		p.RequestID = fallback(p.RequestID, env.EventID)
		p.Timestamp = fallbackTime(p.Timestamp, env.OccurredAt)
		ev = p
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}

	if err := Validate(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Validate checks the field rules of ev.
func Validate(ev Event) error {
	if err := validate.Struct(ev); err != nil {
		return fmt.Errorf("invalid %s: %w", ev.Kind(), err)
	}
	return nil
}

// Encode wraps ev in an envelope.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{
		Type:       ev.Kind(),
		EventID:    ev.ID(),
		OccurredAt: ev.OccurredAt(),
		Payload:    payload,
	})
}

func fallback(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func fallbackTime(v, def time.Time) time.Time {
	if !v.IsZero() {
		return v
	}
	if !def.IsZero() {
		return def
	}
	return time.Now().UTC()
}
