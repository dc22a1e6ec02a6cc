// Package migrate applies the schema and seed files compiled into the binary.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"adhesion.org/internal/obs"
)

//go:embed sql/*.sql seeds/*.sql
var embedded embed.FS

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

// ErrNothingApplied is returned by Down when no migration has run.
var ErrNothingApplied = errors.New("no migrations applied")

// Manager runs migrations (*.up.sql / *.down.sql) and seeds (*.sql) from an fs.FS.
// Each file runs in its own transaction together with its bookkeeping row.
type Manager struct {
	db              *sql.DB
	files           fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

type Option func(*Manager)

func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

func NewManager(db *sql.DB, files fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		files:           files,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Default returns a Manager over the embedded schema and seeds.
func Default(db *sql.DB, opts ...Option) *Manager {
	return NewManager(db, embedded, "sql", "seeds", opts...)
}

// Up applies all pending migrations in name order and returns their names.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	return m.run(ctx, m.migrationsTable, m.migrationsDir, ".up.sql")
}

// Seed applies seed files not applied before.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	return m.run(ctx, m.seedsTable, m.seedsDir, ".sql")
}

// Down rolls back the most recent migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return "", err
	}
	applied, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", ErrNothingApplied
	}
	last := applied[len(applied)-1]
	down := strings.TrimSuffix(path.Join(m.migrationsDir, last), ".up.sql") + ".down.sql"
	if _, err := fs.Stat(m.files, down); err != nil {
		return "", errors.Errorf("missing down migration for %s", last)
	}
	record := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
	if err := m.apply(ctx, down, record, last); err != nil {
		return "", errors.Wrapf(err, "rollback migration %s", last)
	}
	obs.Logger().Info().Str("migration", last).Msg("migration rolled back")
	return last, nil
}

// Status lists applied migrations in order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx, m.migrationsTable)
}

// Pending lists migrations not applied yet.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	done, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(done))
	for _, name := range done {
		applied[name] = true
	}
	files, err := collectSQL(m.files, m.migrationsDir, ".up.sql")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if !applied[f.Base] {
			out = append(out, f.Base)
		}
	}
	return out, nil
}

func (m *Manager) run(ctx context.Context, table, dir, suffix string) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	done, err := m.history(ctx, table)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(done))
	for _, name := range done {
		applied[name] = true
	}
	files, err := collectSQL(m.files, dir, suffix)
	if err != nil {
		return nil, err
	}
	record := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, table)
	var ran []string
	for _, f := range files {
		if applied[f.Base] {
			continue
		}
		if err := m.apply(ctx, f.Path, record, f.Base, m.now().UTC()); err != nil {
			return ran, errors.Wrapf(err, "apply %s", f.Base)
		}
		obs.Logger().Info().Str("file", f.Base).Str("table", table).Msg("sql file applied")
		ran = append(ran, f.Base)
	}
	return ran, nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				applied_at timestamptz not null default now()
			)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrapf(err, "create %s", table)
		}
	}
	return nil
}

// apply runs the statements of file and the bookkeeping statement in one transaction.
func (m *Manager) apply(ctx context.Context, file, record string, args ...any) error {
	body, err := fs.ReadFile(m.files, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) history(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", table)
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, dir, suffix string) ([]sqlFile, error) {
	if fsys == nil || dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []sqlFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, sqlFile{Base: e.Name(), Path: path.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

// splitStatements splits on semicolons outside single-quoted strings and
// "--" line comments.
func splitStatements(src string) []string {
	var (
		stmts     []string
		current   strings.Builder
		inString  bool
		inComment bool
	)
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				current.WriteRune(r)
			}
			continue
		case !inString && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			i++
			continue
		case r == '\'':
			inString = !inString
		case r == ';' && !inString:
			current.WriteRune(r)
			stmts = append(stmts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
