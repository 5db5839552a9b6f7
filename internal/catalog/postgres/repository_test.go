package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/essql/essql/internal/catalog"
	"github.com/essql/essql/internal/schema"
)

const listFieldsQuery = `
SELECT index_name, field_path, field_type, updated_at
FROM essql_field_catalog
WHERE index_name = $1
ORDER BY field_path ASC`

func TestFieldTypes(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(listFieldsQuery)).
		WithArgs("logs").
		WillReturnRows(sqlmock.NewRows([]string{"index_name", "field_path", "field_type", "updated_at"}).
			AddRow("logs", "host.name", "varchar", now).
			AddRow("logs", "status", "integer", now))

	fields, err := repo.FieldTypes(context.Background(), "logs")
	if err != nil {
		t.Fatalf("FieldTypes() error = %v", err)
	}
	if fields["host.name"] != schema.TypeVarchar || fields["status"] != schema.TypeInteger {
		t.Fatalf("fields = %#v", fields)
	}
	assertSQLMock(t, mock)
}

func TestFieldTypesReturnsNotFoundWhenEmpty(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(listFieldsQuery)).
		WithArgs("logs").
		WillReturnRows(sqlmock.NewRows([]string{"index_name", "field_path", "field_type", "updated_at"}))

	_, err := repo.FieldTypes(context.Background(), "logs")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("FieldTypes() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestReplaceFieldsRunsInTransaction(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM essql_field_catalog WHERE index_name = $1`)).
		WithArgs("logs").
		WillReturnResult(sqlmock.NewResult(0, 4))
	insert := regexp.QuoteMeta(`
INSERT INTO essql_field_catalog (index_name, field_path, field_type, updated_at)
VALUES ($1, $2, $3, $4)`)
	mock.ExpectExec(insert).WithArgs("logs", "a", "bigint", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WithArgs("logs", "b", "varchar", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := repo.ReplaceFields(context.Background(), "logs", []catalog.Field{
		{Path: "b"},
		{Path: "a", Type: schema.TypeBigint},
	})
	if err != nil {
		t.Fatalf("ReplaceFields() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("ReplaceFields() = %d, want 2", n)
	}
	assertSQLMock(t, mock)
}

func TestReplaceFieldsRollsBackOnInsertFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM essql_field_catalog WHERE index_name = $1`)).
		WithArgs("logs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO essql_field_catalog`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	if _, err := repo.ReplaceFields(context.Background(), "logs", []catalog.Field{{Path: "a"}}); !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("ReplaceFields() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestListIndices(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT DISTINCT index_name
FROM essql_field_catalog
ORDER BY index_name ASC`)).
		WillReturnRows(sqlmock.NewRows([]string{"index_name"}).AddRow("logs").AddRow("orders"))

	indices, err := repo.ListIndices(context.Background())
	if err != nil {
		t.Fatalf("ListIndices() error = %v", err)
	}
	if len(indices) != 2 || indices[0] != "logs" || indices[1] != "orders" {
		t.Fatalf("indices = %#v", indices)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
