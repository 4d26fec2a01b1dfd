package namespace

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestCreateEmptyBuildsExpectedDDL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA "run_abc123"`)).WillReturnResult(sqlmock.NewResult(0, 0))

	h := New(db)
	if err := h.CreateEmpty(context.Background(), "run_abc123"); err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDropUsesCascade(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`DROP SCHEMA IF EXISTS "run_abc123" CASCADE`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	h := New(db)
	if err := h.Drop(context.Background(), "run_abc123"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExistsScansCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"count"}).AddRow(1)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM information_schema.schemata WHERE schema_name = $1`)).
		WithArgs("tmpl_checkout").
		WillReturnRows(rows)

	h := New(db)
	ok, err := h.Exists(context.Background(), "tmpl_checkout")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("expected schema to be reported as existing")
	}
}

var _ = sql.ErrNoRows
