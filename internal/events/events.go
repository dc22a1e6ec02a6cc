// Package events carries domain notifications to SSE subscribers and Kafka.
package events

import (
	"context"
	"errors"
	"time"
)

type Kind string

const (
	PaymentCreated       Kind = "payment.created"
	PaymentValidated     Kind = "payment.validated"
	PaymentRejected      Kind = "payment.rejected"
	ReferralBonusGranted Kind = "referral.bonus_granted"
)

// Event describes a decision other services may react to (notifications, dashboards).
type Event struct {
	Kind      Kind      `json:"kind"`
	MemberID  string    `json:"member_id"`
	EntityID  string    `json:"entity_id"`
	Amount    string    `json:"amount,omitempty"`
	Points    int       `json:"points,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events. Callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
