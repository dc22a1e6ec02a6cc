package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/events"
	"adhesion.org/internal/fault"
	"adhesion.org/internal/ids"
	"adhesion.org/internal/member"
	"adhesion.org/internal/obs"
)

// Service runs the referral cascade.
type Service struct {
	store         Store
	pub           events.Publisher
	now           func() time.Time
	basePoints    int
	paymentPoints int
}

// Option configures a Service.
type Option func(*Service)

// WithDefaults sets the point values used when no active configuration row exists.
func WithDefaults(base, payment int) Option {
	return func(s *Service) {
		if base >= 0 {
			s.basePoints = base
		}
		if payment >= 0 {
			s.paymentPoints = payment
		}
	}
}

// WithPublisher sets where referral events go; the default discards them.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds the referral cascade on store with the default point values.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:         store,
		pub:           events.Discard{},
		now:           time.Now,
		basePoints:    DefaultBasePoints,
		paymentPoints: DefaultPaymentPoints,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateLink records that the holder of sponsorCode sponsored refereeID.
// Repeating the same pair returns the existing link.
func (s *Service) CreateLink(ctx context.Context, sponsorCode, refereeID string) (Link, error) {
	code := member.NormalizeCode(sponsorCode)
	if code == "" {
		return Link{}, fault.Validation("referral", "", "sponsor code is required")
	}

	var (
		out       Link
		sponsorID string
	)
	err := s.store.Atomic(ctx, func(tx Store) error {
		sponsor, err := tx.MemberByCode(ctx, code)
		if err != nil {
			if errors.Is(err, fault.ErrNotFound) {
				return fault.NotFound("sponsor", code)
			}
			return err
		}
		sponsorID = sponsor.ID
		referee, err := tx.Member(ctx, refereeID)
		if err != nil {
			return err
		}
		if sponsor.ID == referee.ID {
			return fault.Validation("referral", "", "a member cannot sponsor themselves")
		}

		existing, err := tx.LinkByReferee(ctx, referee.ID)
		switch {
		case err == nil && existing.SponsorID == sponsor.ID:
			out = existing
			return nil
		case err == nil:
			return fault.Conflict("referral", existing.ID, "member already has a sponsor")
		case !errors.Is(err, fault.ErrNotFound):
			return err
		}

		points, err := s.points(ctx, tx, ActionBase)
		if err != nil {
			return err
		}
		now := s.now()
		l := Link{
			ID:        ids.New(),
			SponsorID: sponsor.ID,
			RefereeID: referee.ID,
			Points:    points,
			CreatedAt: now.UTC(),
		}
		if err := tx.InsertLink(ctx, &l); err != nil {
			return err
		}
		desc := fmt.Sprintf("%s %s sponsored by %s %s, %d points credited",
			referee.FirstName, referee.LastName, sponsor.FirstName, sponsor.LastName, points)
		if err := tx.AppendAudit(ctx, audit.NewEntry(ctx, now, sponsor.ID, audit.ActionReferralCreate, "referral", l.ID, desc, nil, l)); err != nil {
			return err
		}
		out = l
		return nil
	})
	if errors.Is(err, fault.ErrConflict) && sponsorID != "" {
		// A concurrent registration may have inserted the same pair first.
		if existing, lerr := s.store.LinkByReferee(ctx, refereeID); lerr == nil && existing.SponsorID == sponsorID {
			return existing, nil
		}
	}
	if err != nil {
		return Link{}, err
	}
	return out, nil
}

// GrantPaymentBonus credits the referee's sponsor with the payment bonus, at most once
// per link. It returns nil when the referee has no sponsor.
func (s *Service) GrantPaymentBonus(ctx context.Context, refereeID string) (*Link, error) {
	var (
		out     *Link
		granted bool
	)
	err := s.store.Atomic(ctx, func(tx Store) error {
		points, err := s.points(ctx, tx, ActionPayment)
		if err != nil {
			return err
		}
		now := s.now()
		l, ok, err := tx.ClaimPaymentBonus(ctx, refereeID, points, now.UTC())
		if errors.Is(err, fault.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, granted = &l, ok
		if !ok {
			return nil
		}
		before := l
		before.Points -= points
		before.BonusGrantedAt = nil
		desc := fmt.Sprintf("payment bonus of %d points for referee %s, total %d points", points, refereeID, l.Points)
		return tx.AppendAudit(ctx, audit.NewEntry(ctx, now, "", audit.ActionReferralBonus, "referral", l.ID, desc, before, l))
	})
	if err != nil {
		return nil, err
	}

	switch {
	case out == nil:
		obs.ObserveReferralBonus("no_link")
	case !granted:
		obs.ObserveReferralBonus("already_granted")
	default:
		obs.ObserveReferralBonus("granted")
		evt := events.Event{
			Kind:      events.ReferralBonusGranted,
			MemberID:  out.SponsorID,
			EntityID:  out.ID,
			Points:    out.Points,
			Timestamp: s.now().UTC(),
		}
		if perr := s.pub.Publish(ctx, evt); perr != nil {
			obs.Logger().Warn().Err(perr).Str("link_id", out.ID).Msg("event not published")
		}
	}
	return out, nil
}

// ListReferees returns the sponsor's referees, newest first, with point totals.
func (s *Service) ListReferees(ctx context.Context, sponsorID string) (Summary, error) {
	sponsor, err := s.store.Member(ctx, sponsorID)
	if err != nil {
		return Summary{}, err
	}
	links, err := s.store.LinksBySponsor(ctx, sponsorID)
	if err != nil {
		return Summary{}, err
	}
	base, err := s.points(ctx, s.store, ActionBase)
	if err != nil {
		return Summary{}, err
	}
	payment, err := s.points(ctx, s.store, ActionPayment)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{
		Sponsor:       sponsor,
		Referees:      make([]Referee, 0, len(links)),
		BasePoints:    base,
		PaymentPoints: payment,
	}
	for _, l := range links {
		m, err := s.store.Member(ctx, l.RefereeID)
		if err != nil {
			return Summary{}, err
		}
		out.Referees = append(out.Referees, Referee{
			LinkID:         l.ID,
			Member:         m,
			Points:         l.Points,
			BonusGrantedAt: l.BonusGrantedAt,
			LinkedAt:       l.CreatedAt,
		})
		out.TotalPoints += l.Points
	}
	return out, nil
}

// AdjustPoints overrides a link's points. A reason is mandatory.
func (s *Service) AdjustPoints(ctx context.Context, linkID string, points int, adminID, reason string) (Link, error) {
	reason = strings.TrimSpace(reason)
	if points < 0 {
		return Link{}, fault.Validation("referral", linkID, "points must not be negative")
	}
	if reason == "" {
		return Link{}, fault.Validation("referral", linkID, "a reason is required to adjust points")
	}
	var out Link
	err := s.store.Atomic(ctx, func(tx Store) error {
		l, err := tx.Link(ctx, linkID)
		if err != nil {
			return err
		}
		before := l
		l.Points = points
		if err := tx.UpdateLink(ctx, &l); err != nil {
			return err
		}
		desc := fmt.Sprintf("points adjusted by admin: %d -> %d. Reason: %s", before.Points, points, reason)
		if err := tx.AppendAudit(ctx, audit.NewEntry(ctx, s.now(), adminID, audit.ActionReferralAdjust, "referral", l.ID, desc, before, l)); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// UpdatePointsConfig sets the value of a point action, creating the row if needed.
func (s *Service) UpdatePointsConfig(ctx context.Context, actionType string, points int, active bool, adminID string) (PointsConfig, error) {
	actionType = strings.TrimSpace(actionType)
	if actionType == "" {
		return PointsConfig{}, fault.Validation("points_config", "", "action type is required")
	}
	if points < 0 {
		return PointsConfig{}, fault.Validation("points_config", actionType, "points must not be negative")
	}
	var out PointsConfig
	err := s.store.Atomic(ctx, func(tx Store) error {
		var before any
		cur, err := tx.PointsConfig(ctx, actionType)
		switch {
		case err == nil:
			before = cur
		case errors.Is(err, fault.ErrNotFound):
			cur = PointsConfig{ActionType: actionType}
		default:
			return err
		}
		now := s.now()
		cur.Points = points
		cur.Active = active
		cur.UpdatedAt = now.UTC()
		if err := tx.UpsertPointsConfig(ctx, &cur); err != nil {
			return err
		}
		desc := fmt.Sprintf("points for %s set to %d (active=%t)", actionType, points, active)
		if err := tx.AppendAudit(ctx, audit.NewEntry(ctx, now, adminID, audit.ActionPointsConfig, "points_config", actionType, desc, before, cur)); err != nil {
			return err
		}
		out = cur
		return nil
	})
	return out, err
}

// PointsConfigs lists every configured action, sorted by action type.
func (s *Service) PointsConfigs(ctx context.Context) ([]PointsConfig, error) {
	return s.store.ListPointsConfig(ctx)
}

// MemberPoints totals what memberID earned as a sponsor.
func (s *Service) MemberPoints(ctx context.Context, memberID string) (MemberPoints, error) {
	if _, err := s.store.Member(ctx, memberID); err != nil {
		return MemberPoints{}, err
	}
	links, err := s.store.LinksBySponsor(ctx, memberID)
	if err != nil {
		return MemberPoints{}, err
	}
	out := MemberPoints{MemberID: memberID, Referees: len(links)}
	for _, l := range links {
		out.Points += l.Points
		if l.BonusGrantedAt != nil {
			out.BonusesGranted++
		}
	}
	return out, nil
}

// Leaderboard ranks sponsors by points, highest first.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]Standing, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Rank = i + 1
		if i > 0 && rows[i].Points == rows[i-1].Points {
			rows[i].Rank = rows[i-1].Rank
		}
	}
	return rows, nil
}

// points resolves an action's value: the active configuration row, else the default.
func (s *Service) points(ctx context.Context, st Store, action string) (int, error) {
	c, err := st.PointsConfig(ctx, action)
	if err == nil && c.Active {
		return c.Points, nil
	}
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return 0, err
	}
	if action == ActionPayment {
		return s.paymentPoints, nil
	}
	return s.basePoints, nil
}
