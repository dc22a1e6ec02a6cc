package dues

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/member"
)

// Domain policy, not configurable.
var (
	// TransactionCeiling bounds a single submitted amount.
	TransactionCeiling = decimal.NewFromInt(1500)
	// AnnualCap bounds the validated total within one contribution period.
	AnnualCap = decimal.NewFromInt(1500)
	// FirstInstallmentFloor is the minimum for the first validated payment of a period.
	FirstInstallmentFloor = decimal.NewFromInt(150)
)

// Amounts carry at most two decimal places.
const amountScale = 2

type Method string

const (
	MethodElectronic Method = "electronic"
	MethodCash       Method = "cash"
	MethodReceipt    Method = "receipt_upload"
)

func (m Method) Valid() bool {
	switch m {
	case MethodElectronic, MethodCash, MethodReceipt:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusValidated Status = "validated"
	StatusRejected  Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusValidated, StatusRejected:
		return true
	}
	return false
}

// Payment is a single contribution attempt ("cotisation").
type Payment struct {
	ID         string          `json:"id"`
	MemberID   string          `json:"member_id"`
	Amount     decimal.Decimal `json:"amount"`
	Method     Method          `json:"method"`
	ReceiptRef string          `json:"receipt_ref,omitempty"`
	Status     Status          `json:"status"`
	PaidAt     time.Time       `json:"paid_at"`
	VerifiedAt *time.Time      `json:"verified_at,omitempty"`
	VerifiedBy string          `json:"verified_by,omitempty"`
	Comment    string          `json:"comment,omitempty"`
}

// NewPayment is the input of CreatePayment. ActorID defaults to the member.
type NewPayment struct {
	MemberID   string
	Amount     decimal.Decimal
	Method     Method
	ReceiptRef string
	ActorID    string
}

// GatewayCallback is the electronic payment provider's notification for a payment.
type GatewayCallback struct {
	TransactionID string
	PaymentID     string
	Amount        decimal.Decimal
	Status        string
}

// Total is the validated sum and payment count within a period.
type Total struct {
	Sum   decimal.Decimal
	Count int
}

// Summary is a member's standing for the current period.
type Summary struct {
	MemberID      string          `json:"member_id"`
	Period        Period          `json:"period"`
	Validated     decimal.Decimal `json:"validated"`
	Payments      int             `json:"payments"`
	Remaining     decimal.Decimal `json:"remaining"`
	FirstOfPeriod bool            `json:"first_of_period"`
}

// Filter narrows List. Results are newest first.
type Filter struct {
	MemberID string
	Status   Status
	Limit    int
}

// Store is the persistence the ledger runs on.
type Store interface {
	// Atomic runs fn in one transaction; fn receives a Store bound to it.
	Atomic(ctx context.Context, fn func(Store) error) error
	Member(ctx context.Context, id string) (member.Member, error)
	// LockMember returns the member and serialises other lockers of the same
	// member until the enclosing Atomic ends.
	LockMember(ctx context.Context, id string) (member.Member, error)
	// Payment returns the payment; inside Atomic the row stays locked.
	Payment(ctx context.Context, id string) (Payment, error)
	InsertPayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	// ValidatedTotal sums validated payments whose verification time lies in p.
	ValidatedTotal(ctx context.Context, memberID string, p Period) (Total, error)
	List(ctx context.Context, f Filter) ([]Payment, error)
	AppendAudit(ctx context.Context, e *audit.Entry) error
}
