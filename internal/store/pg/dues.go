package pg

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/dues"
	"adhesion.org/internal/member"
)

const paymentColumns = `id, member_id, amount, method, receipt_ref, status, paid_at, verified_at, verified_by, comment`

func scanPayment(row scanner) (dues.Payment, error) {
	var (
		p        dues.Payment
		verified sql.NullTime
	)
	err := row.Scan(&p.ID, &p.MemberID, &p.Amount, &p.Method, &p.ReceiptRef, &p.Status,
		&p.PaidAt, &verified, &p.VerifiedBy, &p.Comment)
	p.PaidAt = p.PaidAt.UTC()
	p.VerifiedAt = timePtr(verified)
	return p, err
}

type duesStore struct{ conn }

func (s duesStore) Atomic(ctx context.Context, fn func(dues.Store) error) error {
	return s.atomic(ctx, func(c conn) error { return fn(duesStore{c}) })
}

func (s duesStore) Member(ctx context.Context, id string) (member.Member, error) {
	return s.member(ctx, id)
}

func (s duesStore) LockMember(ctx context.Context, id string) (member.Member, error) {
	return s.lockMember(ctx, id)
}

func (s duesStore) Payment(ctx context.Context, id string) (dues.Payment, error) {
	p, err := scanPayment(s.q.QueryRowContext(ctx, `select `+paymentColumns+` from payments where id = $1`+s.lock(), id))
	return p, mapErr(err, "payment", id)
}

func (s duesStore) InsertPayment(ctx context.Context, p *dues.Payment) error {
	_, err := s.q.ExecContext(ctx, `
		insert into payments (id, member_id, amount, method, receipt_ref, status, paid_at, verified_at, verified_by, comment)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.MemberID, p.Amount, string(p.Method), p.ReceiptRef, string(p.Status),
		p.PaidAt.UTC(), nullTime(p.VerifiedAt), p.VerifiedBy, p.Comment)
	return mapErr(err, "payment", p.ID)
}

func (s duesStore) UpdatePayment(ctx context.Context, p *dues.Payment) error {
	res, err := s.q.ExecContext(ctx, `
		update payments
		set amount = $2, status = $3, verified_at = $4, verified_by = $5, comment = $6
		where id = $1
	`, p.ID, p.Amount, string(p.Status), nullTime(p.VerifiedAt), p.VerifiedBy, p.Comment)
	if err != nil {
		return mapErr(err, "payment", p.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return mapErr(sql.ErrNoRows, "payment", p.ID)
	}
	return nil
}

func (s duesStore) ValidatedTotal(ctx context.Context, memberID string, p dues.Period) (dues.Total, error) {
	var t dues.Total
	err := s.q.QueryRowContext(ctx, `
		select coalesce(sum(amount), 0), count(*)
		from payments
		where member_id = $1
		  and status = 'validated'
		  and verified_at between $2 and $3
	`, memberID, p.Start.UTC(), p.End.UTC()).Scan(&t.Sum, &t.Count)
	return t, mapErr(err, "payment", memberID)
}

func (s duesStore) List(ctx context.Context, f dues.Filter) ([]dues.Payment, error) {
	var (
		where []string
		args  []any
	)
	if f.MemberID != "" {
		args = append(args, f.MemberID)
		where = append(where, "member_id = $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	query := `select ` + paymentColumns + ` from payments`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` order by paid_at desc, id desc limit $` + strconv.Itoa(len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "payment", "")
	}
	defer rows.Close()
	var out []dues.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, mapErr(err, "payment", "")
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err(), "payment", "")
}

func (s duesStore) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return s.appendAudit(ctx, e)
}
