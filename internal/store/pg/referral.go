package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/member"
	"adhesion.org/internal/referral"
)

const linkColumns = `id, sponsor_id, referee_id, points, bonus_granted_at, created_at`

func scanLink(row scanner) (referral.Link, error) {
	var (
		l       referral.Link
		granted sql.NullTime
	)
	err := row.Scan(&l.ID, &l.SponsorID, &l.RefereeID, &l.Points, &granted, &l.CreatedAt)
	l.BonusGrantedAt = timePtr(granted)
	l.CreatedAt = l.CreatedAt.UTC()
	return l, err
}

type referralStore struct{ conn }

func (s referralStore) Atomic(ctx context.Context, fn func(referral.Store) error) error {
	return s.atomic(ctx, func(c conn) error { return fn(referralStore{c}) })
}

func (s referralStore) Member(ctx context.Context, id string) (member.Member, error) {
	return s.member(ctx, id)
}

func (s referralStore) MemberByCode(ctx context.Context, code string) (member.Member, error) {
	return s.memberByCode(ctx, code)
}

func (s referralStore) Link(ctx context.Context, id string) (referral.Link, error) {
	l, err := scanLink(s.q.QueryRowContext(ctx, `select `+linkColumns+` from referral_links where id = $1`+s.lock(), id))
	return l, mapErr(err, "referral", id)
}

func (s referralStore) LinkByReferee(ctx context.Context, refereeID string) (referral.Link, error) {
	l, err := scanLink(s.q.QueryRowContext(ctx, `select `+linkColumns+` from referral_links where referee_id = $1`, refereeID))
	return l, mapErr(err, "referral", refereeID)
}

func (s referralStore) LinksBySponsor(ctx context.Context, sponsorID string) ([]referral.Link, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+linkColumns+`
		from referral_links
		where sponsor_id = $1
		order by created_at desc, id desc
	`, sponsorID)
	if err != nil {
		return nil, mapErr(err, "referral", sponsorID)
	}
	defer rows.Close()
	var out []referral.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, mapErr(err, "referral", sponsorID)
		}
		out = append(out, l)
	}
	return out, mapErr(rows.Err(), "referral", sponsorID)
}

func (s referralStore) InsertLink(ctx context.Context, l *referral.Link) error {
	_, err := s.q.ExecContext(ctx, `
		insert into referral_links (id, sponsor_id, referee_id, points, bonus_granted_at, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, l.ID, l.SponsorID, l.RefereeID, l.Points, nullTime(l.BonusGrantedAt), l.CreatedAt.UTC())
	return mapErr(err, "referral", l.ID)
}

func (s referralStore) UpdateLink(ctx context.Context, l *referral.Link) error {
	res, err := s.q.ExecContext(ctx, `
		update referral_links set points = $2, bonus_granted_at = $3 where id = $1
	`, l.ID, l.Points, nullTime(l.BonusGrantedAt))
	if err != nil {
		return mapErr(err, "referral", l.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return mapErr(sql.ErrNoRows, "referral", l.ID)
	}
	return nil
}

// ClaimPaymentBonus relies on the row lock taken by the update: a concurrent
// claim waits, then re-evaluates "bonus_granted_at is null" and matches nothing.
func (s referralStore) ClaimPaymentBonus(ctx context.Context, refereeID string, points int, at time.Time) (referral.Link, bool, error) {
	l, err := scanLink(s.q.QueryRowContext(ctx, `
		update referral_links
		set points = points + $2, bonus_granted_at = $3
		where referee_id = $1 and bonus_granted_at is null
		returning `+linkColumns, refereeID, points, at.UTC()))
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return referral.Link{}, false, mapErr(err, "referral", refereeID)
	}
	l, err = s.LinkByReferee(ctx, refereeID)
	if err != nil {
		return referral.Link{}, false, err
	}
	return l, false, nil
}

func (s referralStore) PointsConfig(ctx context.Context, actionType string) (referral.PointsConfig, error) {
	var c referral.PointsConfig
	err := s.q.QueryRowContext(ctx, `
		select action_type, points, description, active, updated_at
		from points_config where action_type = $1
	`, actionType).Scan(&c.ActionType, &c.Points, &c.Description, &c.Active, &c.UpdatedAt)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, mapErr(err, "points_config", actionType)
}

func (s referralStore) ListPointsConfig(ctx context.Context) ([]referral.PointsConfig, error) {
	rows, err := s.q.QueryContext(ctx, `
		select action_type, points, description, active, updated_at
		from points_config order by action_type
	`)
	if err != nil {
		return nil, mapErr(err, "points_config", "")
	}
	defer rows.Close()
	var out []referral.PointsConfig
	for rows.Next() {
		var c referral.PointsConfig
		if err := rows.Scan(&c.ActionType, &c.Points, &c.Description, &c.Active, &c.UpdatedAt); err != nil {
			return nil, mapErr(err, "points_config", "")
		}
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	return out, mapErr(rows.Err(), "points_config", "")
}

func (s referralStore) UpsertPointsConfig(ctx context.Context, c *referral.PointsConfig) error {
	_, err := s.q.ExecContext(ctx, `
		insert into points_config (action_type, points, description, active, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (action_type) do update
		set points = excluded.points,
		    active = excluded.active,
		    updated_at = excluded.updated_at,
		    description = coalesce(nullif(excluded.description, ''), points_config.description)
	`, c.ActionType, c.Points, c.Description, c.Active, c.UpdatedAt.UTC())
	return mapErr(err, "points_config", c.ActionType)
}

func (s referralStore) Leaderboard(ctx context.Context, limit int) ([]referral.Standing, error) {
	rows, err := s.q.QueryContext(ctx, `
		select m.id, m.code, m.first_name, m.last_name,
		       count(l.id) as referees, coalesce(sum(l.points), 0) as points
		from members m
		left join referral_links l on l.sponsor_id = m.id
		group by m.id, m.code, m.first_name, m.last_name
		order by points desc, referees desc, m.code asc
		limit $1
	`, limit)
	if err != nil {
		return nil, mapErr(err, "referral", "")
	}
	defer rows.Close()
	var out []referral.Standing
	for rows.Next() {
		var st referral.Standing
		if err := rows.Scan(&st.MemberID, &st.Code, &st.FirstName, &st.LastName, &st.Referees, &st.Points); err != nil {
			return nil, mapErr(err, "referral", "")
		}
		out = append(out, st)
	}
	return out, mapErr(rows.Err(), "referral", "")
}

func (s referralStore) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return s.appendAudit(ctx, e)
}
