// Package member registers members and resolves their referral codes.
package member

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/fault"
	"adhesion.org/internal/ids"
	"adhesion.org/internal/obs"
)

// Member is a person enrolled in the program. EnrolledAt anchors the dues period.
type Member struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Phone       string    `json:"phone"`
	SponsorCode string    `json:"sponsor_code,omitempty"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

// Registration is the input of Register. SponsorCode is optional.
type Registration struct {
	FirstName   string
	LastName    string
	Phone       string
	SponsorCode string
}

// Store persists members. Create fails with a conflict when the code is taken.
type Store interface {
	Create(ctx context.Context, m *Member) error
	Find(ctx context.Context, id string) (Member, error)
	FindByCode(ctx context.Context, code string) (Member, error)
}

// Linker records the sponsor relationship once the referee exists.
type Linker func(ctx context.Context, sponsorCode, refereeID string) error

const maxCodeAttempts = 5

// Service registers members and allocates their codes.
type Service struct {
	store Store
	link  Linker
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLinker sets how a sponsor code given at registration is linked.
func WithLinker(l Linker) Option {
	return func(s *Service) { s.link = l }
}

// WithClock overrides time.Now for enrollment timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a registration service on store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the member with the given id.
func (s *Service) Get(ctx context.Context, id string) (Member, error) {
	return s.store.Find(ctx, id)
}

// Register creates a member. An unknown sponsor code fails before anything is written;
// a failure to record the link afterwards is logged and does not undo the registration.
func (s *Service) Register(ctx context.Context, reg Registration) (Member, error) {
	first := strings.TrimSpace(reg.FirstName)
	last := strings.TrimSpace(reg.LastName)
	phone := strings.TrimSpace(reg.Phone)
	base, err := BaseCode(first, last, phone)
	if err != nil {
		return Member{}, err
	}

	sponsor := NormalizeCode(reg.SponsorCode)
	if sponsor != "" {
		if _, err := s.store.FindByCode(ctx, sponsor); err != nil {
			if errors.Is(err, fault.ErrNotFound) {
				return Member{}, fault.NotFound("sponsor", sponsor)
			}
			return Member{}, err
		}
	}

	m := Member{
		ID:          ids.New(),
		FirstName:   first,
		LastName:    last,
		Phone:       phone,
		SponsorCode: sponsor,
		EnrolledAt:  s.now().UTC(),
	}
	if err := s.create(ctx, &m, base); err != nil {
		return Member{}, err
	}

	_ = audit.LogEvent(ctx, audit.ActionMemberRegister, map[string]any{
		"member_id":    m.ID,
		"code":         m.Code,
		"sponsor_code": sponsor,
	})

	if sponsor != "" && s.link != nil {
		if err := s.link(ctx, sponsor, m.ID); err != nil {
			obs.Logger().Warn().Err(err).
				Str("member_id", m.ID).
				Str("sponsor_code", sponsor).
				Msg("referral link not recorded")
		}
	}
	return m, nil
}

// create picks the first free code among base, base1, base2, ... and retries when a
// concurrent registration takes it between the lookup and the insert.
func (s *Service) create(ctx context.Context, m *Member, base string) error {
	suffix := 0
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		for {
			code := base
			if suffix > 0 {
				code = fmt.Sprintf("%s%d", base, suffix)
			}
			_, err := s.store.FindByCode(ctx, code)
			if errors.Is(err, fault.ErrNotFound) {
				m.Code = code
				break
			}
			if err != nil {
				return err
			}
			suffix++
		}
		err := s.store.Create(ctx, m)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fault.ErrConflict) {
			return err
		}
		suffix++
	}
	return fault.Conflict("member", "", "could not allocate a unique member code")
}

// BaseCode builds "A" + first-name initial + last-name initial + last four phone digits.
// Only ASCII digits count; other scripts' numerals are dropped.
func BaseCode(first, last, phone string) (string, error) {
	var digits strings.Builder
	for i := 0; i < len(phone); i++ {
		if c := phone[i]; c >= '0' && c <= '9' {
			digits.WriteByte(c)
		}
	}
	d := digits.String()
	if first == "" || last == "" || len(d) < 4 {
		return "", fault.Validation("member", "", "first name, last name and a phone number with at least 4 digits are required")
	}
	return "A" + initial(first) + initial(last) + d[len(d)-4:], nil
}

// NormalizeCode trims and upper-cases a member code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func initial(name string) string {
	for _, r := range name {
		return strings.ToUpper(string(r))
	}
	return ""
}
