package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/essql/essql/internal/catalog"
	"github.com/essql/essql/internal/schema"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ catalog.Repository = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

// FieldTypes returns catalog.ErrNotFound when no field is registered for index.
func (r *Repository) FieldTypes(ctx context.Context, index string) (map[string]schema.Type, error) {
	fields, err := r.ListFields(ctx, index)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, catalog.ErrNotFound
	}
	out := make(map[string]schema.Type, len(fields))
	for _, f := range fields {
		out[f.Path] = f.Type
	}
	return out, nil
}

func (r *Repository) ListFields(ctx context.Context, index string) ([]catalog.Field, error) {
	return listFields(ctx, r.db, index)
}

func listFields(ctx context.Context, q dbTX, index string) ([]catalog.Field, error) {
	rows, err := q.QueryContext(ctx, `
SELECT index_name, field_path, field_type, updated_at
FROM essql_field_catalog
WHERE index_name = $1
ORDER BY field_path ASC`, index)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	defer func() { _ = rows.Close() }()

	fields := make([]catalog.Field, 0)
	for rows.Next() {
		var (
			f   catalog.Field
			raw string
		)
		if err := rows.Scan(&f.Index, &f.Path, &raw, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		f.Type = schema.Type(raw)
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	return fields, nil
}

// ReplaceFields swaps the registered fields of index for fields in one transaction.
func (r *Repository) ReplaceFields(ctx context.Context, index string, fields []catalog.Field) (int, error) {
	normalized := catalog.NormalizeFields(index, fields)
	updatedAt := r.now().UTC()

	err := r.WithTx(ctx, func(tx *TxRepository) error {
		if err := tx.DeleteFields(ctx, index); err != nil {
			return err
		}
		for _, f := range normalized {
			if err := tx.InsertField(ctx, f, updatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(normalized), nil
}

func (r *Repository) ListIndices(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT DISTINCT index_name
FROM essql_field_catalog
ORDER BY index_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list indices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	indices := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		indices = append(indices, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indices: %w", err)
	}
	return indices, nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx *TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&TxRepository{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type TxRepository struct {
	q dbTX
}

func (r *TxRepository) DeleteFields(ctx context.Context, index string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM essql_field_catalog WHERE index_name = $1`, index); err != nil {
		return fmt.Errorf("delete fields in tx: %w", err)
	}
	return nil
}

func (r *TxRepository) InsertField(ctx context.Context, f catalog.Field, updatedAt time.Time) error {
	query := `
INSERT INTO essql_field_catalog (index_name, field_path, field_type, updated_at)
VALUES ($1, $2, $3, $4)`
	if _, err := r.q.ExecContext(ctx, query, f.Index, f.Path, string(f.Type), updatedAt); err != nil {
		return fmt.Errorf("insert field %s in tx: %w", f.Path, err)
	}
	return nil
}
