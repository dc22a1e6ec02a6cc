package pg

import (
	"context"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/ids"
	"adhesion.org/internal/member"
)

const memberColumns = `id, code, first_name, last_name, phone, coalesce(sponsor_code, ''), enrolled_at`

func scanMember(row scanner) (member.Member, error) {
	var m member.Member
	err := row.Scan(&m.ID, &m.Code, &m.FirstName, &m.LastName, &m.Phone, &m.SponsorCode, &m.EnrolledAt)
	m.EnrolledAt = m.EnrolledAt.UTC()
	return m, err
}

func (c conn) member(ctx context.Context, id string) (member.Member, error) {
	m, err := scanMember(c.q.QueryRowContext(ctx, `select `+memberColumns+` from members where id = $1`, id))
	return m, mapErr(err, "member", id)
}

func (c conn) lockMember(ctx context.Context, id string) (member.Member, error) {
	m, err := scanMember(c.q.QueryRowContext(ctx, `select `+memberColumns+` from members where id = $1`+c.lock(), id))
	return m, mapErr(err, "member", id)
}

func (c conn) memberByCode(ctx context.Context, code string) (member.Member, error) {
	m, err := scanMember(c.q.QueryRowContext(ctx, `select `+memberColumns+` from members where code = $1`, code))
	return m, mapErr(err, "member", code)
}

func (c conn) appendAudit(ctx context.Context, e *audit.Entry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	_, err := c.q.ExecContext(ctx, `
		insert into audit_entries
			(id, actor_id, action, entity_type, entity_id, description, before, after,
			 request_id, ip, user_agent, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, nullString(e.ActorID), e.Action, e.EntityType, e.EntityID, e.Description,
		rawJSON(e.Before), rawJSON(e.After),
		nullString(e.Meta.RequestID), nullString(e.Meta.IP), nullString(e.Meta.UserAgent), e.CreatedAt)
	if err != nil {
		return mapErr(err, "audit", e.ID)
	}
	if c.pending != nil {
		*c.pending = append(*c.pending, e)
	} else {
		audit.Record(ctx, e)
	}
	return nil
}

func rawJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type memberStore struct{ conn }

func (s memberStore) Create(ctx context.Context, m *member.Member) error {
	_, err := s.q.ExecContext(ctx, `
		insert into members (id, code, first_name, last_name, phone, sponsor_code, enrolled_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.Code, m.FirstName, m.LastName, m.Phone, nullString(m.SponsorCode), m.EnrolledAt.UTC())
	return mapErr(err, "member", m.ID)
}

func (s memberStore) Find(ctx context.Context, id string) (member.Member, error) {
	return s.member(ctx, id)
}

func (s memberStore) FindByCode(ctx context.Context, code string) (member.Member, error) {
	return s.memberByCode(ctx, code)
}

type auditStore struct{ conn }

func (s auditStore) Append(ctx context.Context, e *audit.Entry) error {
	return s.appendAudit(ctx, e)
}

func (s auditStore) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		select id, coalesce(actor_id, ''), action, entity_type, entity_id, description,
		       before, after, coalesce(request_id, ''), coalesce(ip, ''), coalesce(user_agent, ''), created_at
		from audit_entries
		where ($1 = '' or entity_type = $1)
		  and ($2 = '' or entity_id = $2)
		  and ($3 = '' or actor_id = $3)
		order by created_at desc, id desc
		limit $4
	`, f.EntityType, f.EntityID, f.ActorID, limit)
	if err != nil {
		return nil, mapErr(err, "audit", "")
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e             audit.Entry
			before, after []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &e.Description,
			&before, &after, &e.Meta.RequestID, &e.Meta.IP, &e.Meta.UserAgent, &e.CreatedAt); err != nil {
			return nil, mapErr(err, "audit", "")
		}
		e.Before, e.After = before, after
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, mapErr(rows.Err(), "audit", "")
}
