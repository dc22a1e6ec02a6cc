package dues

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/events"
	"adhesion.org/internal/fault"
	"adhesion.org/internal/ids"
	"adhesion.org/internal/obs"
)

const defaultValidationComment = "payment validated"

// BonusHook credits the member's sponsor after a validated payment. It must be
// idempotent per member: the ledger calls it after every validation.
type BonusHook func(ctx context.Context, memberID string) error

// Service is the contribution ledger.
type Service struct {
	store Store
	bonus BonusHook
	pub   events.Publisher
	now   func() time.Time
	loc   *time.Location
}

// Option configures a Service.
type Option func(*Service)

// WithBonusHook sets the hook run after each validation. Nil disables bonuses.
func WithBonusHook(h BonusHook) Option {
	return func(s *Service) { s.bonus = h }
}

// WithPublisher sets where payment events go; the default discards them.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the time zone in which anniversaries fall.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewService builds a ledger on store, publishing nowhere and in UTC unless configured.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		pub:   events.Discard{},
		now:   time.Now,
		loc:   time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Period returns the member's current contribution period.
func (s *Service) Period(ctx context.Context, memberID string) (Period, error) {
	m, err := s.store.Member(ctx, memberID)
	if err != nil {
		return Period{}, err
	}
	return CurrentPeriod(m.EnrolledAt, s.now(), s.loc), nil
}

// TotalValidated sums the member's validated payments in the current period.
func (s *Service) TotalValidated(ctx context.Context, memberID string) (Total, error) {
	p, err := s.Period(ctx, memberID)
	if err != nil {
		return Total{}, err
	}
	return s.store.ValidatedTotal(ctx, memberID, p)
}

// IsFirstPaymentOfPeriod reports whether no payment has been validated yet this period.
func (s *Service) IsFirstPaymentOfPeriod(ctx context.Context, memberID string) (bool, error) {
	t, err := s.TotalValidated(ctx, memberID)
	if err != nil {
		return false, err
	}
	return t.Count == 0, nil
}

// Summary reports the current period, the validated total and the allowance left.
func (s *Service) Summary(ctx context.Context, memberID string) (Summary, error) {
	p, err := s.Period(ctx, memberID)
	if err != nil {
		return Summary{}, err
	}
	t, err := s.store.ValidatedTotal(ctx, memberID, p)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		MemberID:      memberID,
		Period:        p,
		Validated:     t.Sum,
		Payments:      t.Count,
		Remaining:     remaining(t.Sum),
		FirstOfPeriod: t.Count == 0,
	}, nil
}

// Get returns a payment by id.
func (s *Service) Get(ctx context.Context, id string) (Payment, error) {
	return s.store.Payment(ctx, id)
}

// List returns payments matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Payment, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fault.Validation("payment", "", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.store.List(ctx, f)
}

// Last returns the member's most recent submission.
func (s *Service) Last(ctx context.Context, memberID string) (Payment, error) {
	if _, err := s.store.Member(ctx, memberID); err != nil {
		return Payment{}, err
	}
	items, err := s.store.List(ctx, Filter{MemberID: memberID, Limit: 1})
	if err != nil {
		return Payment{}, err
	}
	if len(items) == 0 {
		return Payment{}, fault.NotFound("payment", "")
	}
	return items[0], nil
}

// CreatePayment records a pending submission.
func (s *Service) CreatePayment(ctx context.Context, in NewPayment) (Payment, error) {
	if !in.Method.Valid() {
		return Payment{}, fault.Validation("payment", "", fmt.Sprintf("unknown payment method %q", in.Method))
	}
	if err := checkScale(in.Amount); err != nil {
		return Payment{}, err
	}
	switch {
	case in.Amount.IsNegative():
		return Payment{}, fault.Validation("payment", "", "amount must not be negative")
	case in.Amount.GreaterThan(TransactionCeiling):
		return Payment{}, fault.Validation("payment", "", "amount exceeds the per-payment ceiling of "+TransactionCeiling.StringFixed(2))
	case in.Method != MethodReceipt && !in.Amount.IsPositive():
		return Payment{}, fault.Validation("payment", "", "amount is required for "+string(in.Method)+" payments")
	}

	actor := strings.TrimSpace(in.ActorID)
	if actor == "" {
		actor = in.MemberID
	}
	now := s.now()
	p := Payment{
		ID:         ids.New(),
		MemberID:   in.MemberID,
		Amount:     in.Amount,
		Method:     in.Method,
		ReceiptRef: strings.TrimSpace(in.ReceiptRef),
		Status:     StatusPending,
		PaidAt:     now.UTC(),
	}
	err := s.store.Atomic(ctx, func(tx Store) error {
		if _, err := tx.Member(ctx, in.MemberID); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, &p); err != nil {
			return err
		}
		desc := fmt.Sprintf("payment of %s submitted by %s", p.Amount.StringFixed(2), p.Method)
		return tx.AppendAudit(ctx, audit.NewEntry(ctx, now, actor, audit.ActionPaymentCreate, "payment", p.ID, desc, nil, p))
	})
	if err != nil {
		return Payment{}, err
	}
	s.publish(ctx, events.PaymentCreated, p)
	return p, nil
}

// ValidatePayment confirms a pending payment with the admin-confirmed amount, then
// triggers the sponsor bonus before publishing the event. A bonus failure never undoes
// the validation.
func (s *Service) ValidatePayment(ctx context.Context, paymentID, adminID string, confirmed decimal.Decimal, comment string) (Payment, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		comment = defaultValidationComment
	}
	p, err := s.validate(ctx, paymentID, adminID, confirmed, comment)
	obs.ObservePaymentDecision("validate", resultLabel(err))
	if err != nil {
		return Payment{}, err
	}
	s.grantBonus(ctx, p)
	s.publish(ctx, events.PaymentValidated, p)
	return p, nil
}

func (s *Service) validate(ctx context.Context, paymentID, adminID string, confirmed decimal.Decimal, comment string) (Payment, error) {
	var out Payment
	err := s.store.Atomic(ctx, func(tx Store) error {
		cur, err := tx.Payment(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := ensurePending(cur); err != nil {
			return err
		}
		m, err := tx.LockMember(ctx, cur.MemberID)
		if err != nil {
			return err
		}
		if err := checkScale(confirmed); err != nil {
			return err
		}
		if !confirmed.IsPositive() {
			return fault.Validation("payment", cur.ID, "confirmed amount must be positive")
		}

		now := s.now()
		total, err := tx.ValidatedTotal(ctx, m.ID, CurrentPeriod(m.EnrolledAt, now, s.loc))
		if err != nil {
			return err
		}
		if total.Count == 0 && confirmed.LessThan(FirstInstallmentFloor) {
			return fault.Validation("payment", cur.ID,
				"first installment too small: the first payment of the period must be at least "+FirstInstallmentFloor.StringFixed(2))
		}
		if total.Sum.Add(confirmed).GreaterThan(AnnualCap) {
			rem := remaining(total.Sum)
			e := fault.Validation("payment", cur.ID, "annual contribution cap of "+AnnualCap.StringFixed(2)+" exceeded")
			e.Remaining = &rem
			return e
		}

		before := cur
		verifiedAt := now.UTC()
		cur.Amount = confirmed
		cur.Status = StatusValidated
		cur.VerifiedAt = &verifiedAt
		cur.VerifiedBy = strings.TrimSpace(adminID)
		cur.Comment = comment
		if err := tx.UpdatePayment(ctx, &cur); err != nil {
			return err
		}
		desc := fmt.Sprintf("payment %s validated for %s (period total %s)", cur.ID, confirmed.StringFixed(2), total.Sum.Add(confirmed).StringFixed(2))
		if err := tx.AppendAudit(ctx, audit.NewEntry(ctx, now, adminID, audit.ActionPaymentValidate, "payment", cur.ID, desc, before, cur)); err != nil {
			return err
		}
		out = cur
		return nil
	})
	return out, err
}

// RejectPayment closes a pending payment. A reason is mandatory.
func (s *Service) RejectPayment(ctx context.Context, paymentID, adminID, comment string) (Payment, error) {
	p, err := s.reject(ctx, paymentID, adminID, strings.TrimSpace(comment))
	obs.ObservePaymentDecision("reject", resultLabel(err))
	if err != nil {
		return Payment{}, err
	}
	s.publish(ctx, events.PaymentRejected, p)
	return p, nil
}

func (s *Service) reject(ctx context.Context, paymentID, adminID, comment string) (Payment, error) {
	var out Payment
	err := s.store.Atomic(ctx, func(tx Store) error {
		cur, err := tx.Payment(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := ensurePending(cur); err != nil {
			return err
		}
		if comment == "" {
			return fault.Validation("payment", cur.ID, "a comment is required to reject a payment")
		}
		now := s.now()
		before := cur
		verifiedAt := now.UTC()
		cur.Status = StatusRejected
		cur.VerifiedAt = &verifiedAt
		cur.VerifiedBy = strings.TrimSpace(adminID)
		cur.Comment = comment
		if err := tx.UpdatePayment(ctx, &cur); err != nil {
			return err
		}
		desc := fmt.Sprintf("payment %s rejected: %s", cur.ID, comment)
		if err := tx.AppendAudit(ctx, audit.NewEntry(ctx, now, adminID, audit.ActionPaymentReject, "payment", cur.ID, desc, before, cur)); err != nil {
			return err
		}
		out = cur
		return nil
	})
	return out, err
}

// ConfirmGatewayPayment applies the payment provider's callback. Success goes through
// the same checks as an admin validation, with no actor.
func (s *Service) ConfirmGatewayPayment(ctx context.Context, cb GatewayCallback) (Payment, error) {
	p, err := s.store.Payment(ctx, cb.PaymentID)
	if err != nil {
		return Payment{}, err
	}
	if !cb.Amount.Equal(p.Amount) {
		return Payment{}, fault.Validation("payment", p.ID,
			fmt.Sprintf("gateway amount %s does not match declared amount %s", cb.Amount.StringFixed(2), p.Amount.StringFixed(2)))
	}

	status := strings.ToLower(strings.TrimSpace(cb.Status))
	switch status {
	case "success", "completed", "approved":
		return s.ValidatePayment(ctx, p.ID, "", p.Amount,
			"electronic payment confirmed automatically, transaction "+cb.TransactionID)
	case "failed", "cancelled":
		return s.RejectPayment(ctx, p.ID, "",
			fmt.Sprintf("electronic payment %s, transaction %s", status, cb.TransactionID))
	}

	desc := fmt.Sprintf("gateway callback with status %q for transaction %s", cb.Status, cb.TransactionID)
	if err := s.store.AppendAudit(ctx, audit.NewEntry(ctx, s.now(), "", audit.ActionPaymentGateway, "payment", p.ID, desc, nil, nil)); err != nil {
		return Payment{}, err
	}
	return p, nil
}

// grantBonus runs the hook on a context detached from the caller's cancellation.
func (s *Service) grantBonus(ctx context.Context, p Payment) {
	if s.bonus == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := s.bonus(ctx, p.MemberID)
	if err == nil {
		return
	}
	obs.ObserveReferralBonus("failed")
	obs.Logger().Error().Err(err).
		Str("member_id", p.MemberID).
		Str("payment_id", p.ID).
		Msg("referral bonus not granted")
	desc := fmt.Sprintf("referral bonus for member %s after payment %s failed: %v", p.MemberID, p.ID, err)
	entry := audit.NewEntry(ctx, s.now(), "", audit.ActionReferralBonusFail, "payment", p.ID, desc, nil, nil)
	if aerr := s.store.AppendAudit(ctx, entry); aerr != nil {
		obs.Logger().Error().Err(aerr).Str("payment_id", p.ID).Msg("audit append failed")
	}
}

func (s *Service) publish(ctx context.Context, kind events.Kind, p Payment) {
	evt := events.Event{
		Kind:      kind,
		MemberID:  p.MemberID,
		EntityID:  p.ID,
		Amount:    p.Amount.StringFixed(2),
		Timestamp: s.now().UTC(),
	}
	if err := s.pub.Publish(ctx, evt); err != nil {
		obs.Logger().Warn().Err(err).Str("kind", string(kind)).Str("payment_id", p.ID).Msg("event not published")
	}
}

func ensurePending(p Payment) error {
	switch p.Status {
	case StatusPending:
		return nil
	case StatusValidated:
		return fault.Conflict("payment", p.ID, "payment already validated")
	default:
		return fault.Conflict("payment", p.ID, "payment already rejected")
	}
}

func checkScale(amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(amountScale)) {
		return fault.Validation("payment", "", "amount must have at most two decimal places")
	}
	return nil
}

func remaining(total decimal.Decimal) decimal.Decimal {
	rem := AnnualCap.Sub(total)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if k := fault.KindOf(err); k != "" {
		return string(k)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}
