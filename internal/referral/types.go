// Package referral tracks sponsor relationships and the points they earn.
package referral

import (
	"context"
	"time"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/member"
)

// Points configuration keys.
const (
	ActionBase    = "referral_base"
	ActionPayment = "referral_payment"
)

// Fallback point values when no active configuration row exists.
const (
	DefaultBasePoints    = 10
	DefaultPaymentPoints = 5
)

// Link records that SponsorID brought RefereeID into the program.
// BonusGrantedAt is set once, when the referee's first payment bonus is credited.
type Link struct {
	ID             string     `json:"id"`
	SponsorID      string     `json:"sponsor_id"`
	RefereeID      string     `json:"referee_id"`
	Points         int        `json:"points"`
	BonusGrantedAt *time.Time `json:"bonus_granted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// PointsConfig is an admin-tunable point value.
type PointsConfig struct {
	ActionType  string    `json:"action_type"`
	Points      int       `json:"points"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Referee is one entry of a sponsor's referee list.
type Referee struct {
	LinkID         string        `json:"link_id"`
	Member         member.Member `json:"member"`
	Points         int           `json:"points"`
	BonusGrantedAt *time.Time    `json:"bonus_granted_at,omitempty"`
	LinkedAt       time.Time     `json:"linked_at"`
}

// Summary is the sponsor view returned by ListReferees.
type Summary struct {
	Sponsor       member.Member `json:"sponsor"`
	Referees      []Referee     `json:"referees"`
	TotalPoints   int           `json:"total_points"`
	BasePoints    int           `json:"base_points"`
	PaymentPoints int           `json:"payment_points"`
}

// MemberPoints totals the points a member earned as a sponsor.
type MemberPoints struct {
	MemberID       string `json:"member_id"`
	Referees       int    `json:"referees"`
	BonusesGranted int    `json:"bonuses_granted"`
	Points         int    `json:"points"`
}

// Standing is one row of the leaderboard. Members tied on points share a Rank.
type Standing struct {
	Rank      int    `json:"rank"`
	MemberID  string `json:"member_id"`
	Code      string `json:"code"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Referees  int    `json:"referees"`
	Points    int    `json:"points"`
}

// Store is the persistence the cascade runs on.
type Store interface {
	// Atomic runs fn in one transaction; fn receives a Store bound to it.
	Atomic(ctx context.Context, fn func(Store) error) error
	Member(ctx context.Context, id string) (member.Member, error)
	MemberByCode(ctx context.Context, code string) (member.Member, error)
	// Link returns the link by id; inside Atomic the row stays locked.
	Link(ctx context.Context, id string) (Link, error)
	LinkByReferee(ctx context.Context, refereeID string) (Link, error)
	LinksBySponsor(ctx context.Context, sponsorID string) ([]Link, error)
	// InsertLink fails with a conflict when the referee already has a link.
	InsertLink(ctx context.Context, l *Link) error
	UpdateLink(ctx context.Context, l *Link) error
	// ClaimPaymentBonus adds points to the referee's link and stamps
	// bonus_granted_at in one step, only if it was unset. granted reports
	// whether this call did it. NotFound when the referee has no link.
	ClaimPaymentBonus(ctx context.Context, refereeID string, points int, at time.Time) (l Link, granted bool, err error)
	PointsConfig(ctx context.Context, actionType string) (PointsConfig, error)
	ListPointsConfig(ctx context.Context) ([]PointsConfig, error)
	UpsertPointsConfig(ctx context.Context, c *PointsConfig) error
	Leaderboard(ctx context.Context, limit int) ([]Standing, error)
	AppendAudit(ctx context.Context, e *audit.Entry) error
}
