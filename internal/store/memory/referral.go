package memory

import (
	"context"
	"sort"
	"time"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/fault"
	"adhesion.org/internal/member"
	"adhesion.org/internal/referral"
)

type referralStore struct{ tx }

func (r referralStore) Atomic(ctx context.Context, fn func(referral.Store) error) error {
	return r.atomic(ctx, func(t tx) error { return fn(referralStore{t}) })
}

func (r referralStore) Member(_ context.Context, id string) (member.Member, error) {
	return r.member(id)
}

func (r referralStore) MemberByCode(ctx context.Context, code string) (member.Member, error) {
	return memberStore(r).FindByCode(ctx, code)
}

func (r referralStore) Link(_ context.Context, id string) (referral.Link, error) {
	var l referral.Link
	err := r.read(func(st *state) error {
		var ok bool
		if l, ok = st.links[id]; !ok {
			return fault.NotFound("referral", id)
		}
		return nil
	})
	return l, err
}

func byReferee(st *state, refereeID string) (referral.Link, bool) {
	for _, l := range st.links {
		if l.RefereeID == refereeID {
			return l, true
		}
	}
	return referral.Link{}, false
}

func (r referralStore) LinkByReferee(_ context.Context, refereeID string) (referral.Link, error) {
	var l referral.Link
	err := r.read(func(st *state) error {
		var ok bool
		if l, ok = byReferee(st, refereeID); !ok {
			return fault.NotFound("referral", refereeID)
		}
		return nil
	})
	return l, err
}

// LinksBySponsor returns the sponsor's links newest first.
func (r referralStore) LinksBySponsor(_ context.Context, sponsorID string) ([]referral.Link, error) {
	var out []referral.Link
	err := r.read(func(st *state) error {
		for _, l := range st.links {
			if l.SponsorID == sponsorID {
				out = append(out, l)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, err
}

func (r referralStore) InsertLink(_ context.Context, l *referral.Link) error {
	return r.read(func(st *state) error {
		if _, ok := byReferee(st, l.RefereeID); ok {
			return fault.Conflict("referral", l.ID, "member already has a sponsor")
		}
		st.links[l.ID] = *l
		return nil
	})
}

func (r referralStore) UpdateLink(_ context.Context, l *referral.Link) error {
	return r.read(func(st *state) error {
		if _, ok := st.links[l.ID]; !ok {
			return fault.NotFound("referral", l.ID)
		}
		st.links[l.ID] = *l
		return nil
	})
}

func (r referralStore) ClaimPaymentBonus(_ context.Context, refereeID string, points int, at time.Time) (referral.Link, bool, error) {
	var (
		l       referral.Link
		granted bool
	)
	err := r.read(func(st *state) error {
		var ok bool
		if l, ok = byReferee(st, refereeID); !ok {
			return fault.NotFound("referral", refereeID)
		}
		if l.BonusGrantedAt != nil {
			return nil
		}
		l.Points += points
		l.BonusGrantedAt = &at
		st.links[l.ID] = l
		granted = true
		return nil
	})
	return l, granted, err
}

func (r referralStore) PointsConfig(_ context.Context, actionType string) (referral.PointsConfig, error) {
	var c referral.PointsConfig
	err := r.read(func(st *state) error {
		var ok bool
		if c, ok = st.config[actionType]; !ok {
			return fault.NotFound("points_config", actionType)
		}
		return nil
	})
	return c, err
}

func (r referralStore) ListPointsConfig(_ context.Context) ([]referral.PointsConfig, error) {
	var out []referral.PointsConfig
	err := r.read(func(st *state) error {
		for _, c := range st.config {
			out = append(out, c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ActionType < out[j].ActionType })
	return out, err
}

func (r referralStore) UpsertPointsConfig(_ context.Context, c *referral.PointsConfig) error {
	return r.read(func(st *state) error {
		st.config[c.ActionType] = *c
		return nil
	})
}

// Leaderboard ranks every member by sponsor points, then referee count, then code.
func (r referralStore) Leaderboard(_ context.Context, limit int) ([]referral.Standing, error) {
	var out []referral.Standing
	err := r.read(func(st *state) error {
		rows := make(map[string]*referral.Standing, len(st.members))
		for _, m := range st.members {
			rows[m.ID] = &referral.Standing{MemberID: m.ID, Code: m.Code, FirstName: m.FirstName, LastName: m.LastName}
		}
		for _, l := range st.links {
			if row, ok := rows[l.SponsorID]; ok {
				row.Referees++
				row.Points += l.Points
			}
		}
		for _, row := range rows {
			out = append(out, *row)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		if out[i].Referees != out[j].Referees {
			return out[i].Referees > out[j].Referees
		}
		return out[i].Code < out[j].Code
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r referralStore) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return r.appendAudit(ctx, e)
}
