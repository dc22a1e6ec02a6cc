package migrate

import (
	"context"
	"errors"
	"io/fs"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/0001_init.up.sql":      {Data: []byte("create table a (id int);\ncreate table b (id int);")},
		"sql/0001_init.down.sql":    {Data: []byte("drop table b; drop table a;")},
		"sql/0002_more.up.sql":      {Data: []byte("alter table a add column name text;")},
		"seeds/0001_defaults.sql":   {Data: []byte("insert into a values (1);")},
		"seeds/README":              {Data: []byte("not sql")},
		"sql/0002_more.down.sql":    {Data: []byte("alter table a drop column name;")},
		"sql/nested/ignored.up.sql": {Data: []byte("select 1;")},
	}
}

func expectTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`create table if not exists schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`create table if not exists schema_seeds`).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery(`select name from schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`alter table a add column name text;`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`insert into schema_migrations`).
		WithArgs("0002_more.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := NewManager(db, testFS(), "sql", "seeds")
	ran, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if len(ran) != 1 || ran[0] != "0002_more.up.sql" {
		t.Fatalf("ran = %v", ran)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpRollsBackFailedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery(`select name from schema_migrations`).WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec(`create table a`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`create table b`).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	ran, err := NewManager(db, testFS(), "sql", "seeds").Up(context.Background())
	if err == nil || len(ran) != 0 {
		t.Fatalf("expected failure with nothing applied, got %v %v", ran, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownRevertsLastMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery(`select name from schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql").AddRow("0002_more.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`alter table a drop column name;`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from schema_migrations where name = \$1`).
		WithArgs("0002_more.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	last, err := NewManager(db, testFS(), "sql", "seeds").Down(context.Background())
	if err != nil || last != "0002_more.up.sql" {
		t.Fatalf("down = %q, %v", last, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery(`select name from schema_migrations`).WillReturnRows(sqlmock.NewRows([]string{"name"}))
	if _, err := NewManager(db, testFS(), "sql", "seeds").Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestSeedSkipsNonSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery(`select name from schema_seeds`).WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`insert into a values (1);`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into schema_seeds`).
		WithArgs("0001_defaults.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ran, err := NewManager(db, testFS(), "sql", "seeds").Seed(context.Background())
	if err != nil || len(ran) != 1 {
		t.Fatalf("seed = %v, %v", ran, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	src := "-- header; ignored\ninsert into t values ('a;b');\ninsert into t values ('it''s');\n"
	got := splitStatements(src)
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
}

func TestEmbeddedFilesPresent(t *testing.T) {
	for _, name := range []string{"sql/0001_init.up.sql", "sql/0001_init.down.sql", "seeds/0001_points_config.sql"} {
		if _, err := fs.Stat(embedded, name); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	stmts := splitStatements(string(mustRead(t, "seeds/0001_points_config.sql")))
	if len(stmts) != 1 {
		t.Fatalf("seed should hold one statement, got %d", len(stmts))
	}
}

func mustRead(t *testing.T, name string) []byte {
	t.Helper()
	b, err := fs.ReadFile(embedded, name)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return b
}
