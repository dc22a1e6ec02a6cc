// Package pg implements the domain stores on PostgreSQL through database/sql and pgx.
package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/dues"
	"adhesion.org/internal/fault"
	"adhesion.org/internal/member"
	"adhesion.org/internal/referral"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Dues() dues.Store          { return duesStore{s.conn()} }
func (s *Store) Referrals() referral.Store { return referralStore{s.conn()} }
func (s *Store) Members() member.Store     { return memberStore{s.conn()} }
func (s *Store) Audit() audit.Store        { return auditStore{s.conn()} }

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// conn runs statements on the pool, or on a transaction inside atomic. Audit
// entries appended in a transaction are logged after it commits.
type conn struct {
	db      *sql.DB
	q       queryer
	inTx    bool
	pending *[]*audit.Entry
}

func (s *Store) conn() conn { return conn{db: s.db, q: s.db} }

// atomic runs fn in a READ COMMITTED transaction. Rows read with "for update"
// stay locked until commit, and every later statement sees the rows committed
// by the transactions it waited on.
func (c conn) atomic(ctx context.Context, fn func(conn) error) error {
	if c.inTx {
		return fn(c)
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var pending []*audit.Entry
	if err := fn(conn{db: c.db, q: tx, inTx: true, pending: &pending}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	for _, e := range pending {
		audit.Record(ctx, e)
	}
	return nil
}

// lock returns the row-locking suffix for selects inside a transaction.
func (c conn) lock() string {
	if c.inTx {
		return " for update"
	}
	return ""
}

// mapErr turns driver errors into the fault taxonomy; everything else is wrapped.
func mapErr(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fault.NotFound(entity, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fault.Conflict(entity, id, "already exists ("+pgErr.ConstraintName+")")
		case pgErrForeignKeyViolation:
			return fault.Validation(entity, id, "references a missing record ("+pgErr.ConstraintName+")")
		}
	}
	return errors.Wrapf(err, "%s %s", entity, id)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
