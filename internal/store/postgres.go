package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func collectRows[T any](rows pgx.Rows, scan func(rowScanner) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalFields(f Fields) (string, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(data), nil
}

// marshalNullable encodes f, mapping nil to SQL NULL.
func marshalNullable(f Fields) (any, error) {
	if f == nil {
		return nil, nil
	}
	return marshalFields(f)
}

func unmarshalFields(data []byte) (Fields, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var f Fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return f, nil
}

// recordRepo implements RecordRepository.
type recordRepo struct {
	pool dbPool
}

const recordColumns = `kind, id, COALESCE(parent_id, ''), fields, original_values, change_last_write, write_date, created_at`

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var fields, original []byte
	if err := row.Scan(&rec.Ref.Kind, &rec.Ref.ID, &rec.ParentID, &fields, &original, &rec.ChangeLastWrite, &rec.WriteDate, &rec.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if rec.Fields, err = unmarshalFields(fields); err != nil {
		return nil, err
	}
	if rec.Fields == nil {
		rec.Fields = Fields{}
	}
	if rec.OriginalValues, err = unmarshalFields(original); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepo) Get(ctx context.Context, ref RecordRef) (*Record, error) {
	defer observeDB(ctx, "records.get")()
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE kind=$1 AND id=$2`, ref.Kind, ref.ID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (r *recordRepo) Create(ctx context.Context, rec Record) (*Record, error) {
	defer observeDB(ctx, "records.create")()
	if rec.Ref.ID == "" {
		rec.Ref.ID = uuid.NewString()
	}
	fields, err := marshalFields(rec.Fields)
	if err != nil {
		return nil, err
	}
	original, err := marshalNullable(rec.OriginalValues)
	if err != nil {
		return nil, err
	}
	if rec.WriteDate.IsZero() {
		rec.WriteDate = time.Now().UTC()
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO records (kind, id, parent_id, fields, original_values, write_date)
VALUES ($1, $2, NULLIF($3, ''), $4::jsonb, $5::jsonb, $6)
RETURNING `+recordColumns, rec.Ref.Kind, rec.Ref.ID, rec.ParentID, fields, original, rec.WriteDate)
	created, err := scanRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create record %s: %w", rec.Ref, err)
	}
	return created, nil
}

func (r *recordRepo) UpdateFields(ctx context.Context, ref RecordRef, values Fields, writeDate time.Time) error {
	defer observeDB(ctx, "records.update_fields")()
	data, err := marshalFields(values)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE records SET fields = fields || $3::jsonb, write_date=$4 WHERE kind=$1 AND id=$2`, ref.Kind, ref.ID, data, writeDate)
	if err != nil {
		return fmt.Errorf("update record %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepo) SetOriginalValues(ctx context.Context, ref RecordRef, values Fields) error {
	defer observeDB(ctx, "records.set_original_values")()
	data, err := marshalNullable(values)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, `UPDATE records SET original_values=$3::jsonb WHERE kind=$1 AND id=$2`, ref.Kind, ref.ID, data); err != nil {
		return fmt.Errorf("set original values %s: %w", ref, err)
	}
	return nil
}

func (r *recordRepo) SetChangeLastWrite(ctx context.Context, ref RecordRef, at time.Time) error {
	defer observeDB(ctx, "records.set_change_last_write")()
	if _, err := r.pool.Exec(ctx, `UPDATE records SET change_last_write=$3 WHERE kind=$1 AND id=$2`, ref.Kind, ref.ID, at); err != nil {
		return fmt.Errorf("set change last write %s: %w", ref, err)
	}
	return nil
}

func (r *recordRepo) Delete(ctx context.Context, ref RecordRef) error {
	defer observeDB(ctx, "records.delete")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM records WHERE kind=$1 AND id=$2`, ref.Kind, ref.ID)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepo) FindByFields(ctx context.Context, kind string, match Fields) ([]Record, error) {
	defer observeDB(ctx, "records.find_by_fields")()
	data, err := marshalFields(match)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM records WHERE kind=$1 AND fields @> $2::jsonb ORDER BY created_at, id`, kind, data)
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	return collectRows(rows, scanRecord)
}

func (r *recordRepo) FindByFieldFold(ctx context.Context, kind, field, value string) ([]Record, error) {
	defer observeDB(ctx, "records.find_by_field_fold")()
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM records WHERE kind=$1 AND lower(fields->>$2) = lower($3) ORDER BY created_at, id`, kind, field, value)
	if err != nil {
		return nil, fmt.Errorf("find records by %s: %w", field, err)
	}
	return collectRows(rows, scanRecord)
}

func (r *recordRepo) ListContaining(ctx context.Context, kind, field, value string) ([]Record, error) {
	defer observeDB(ctx, "records.list_containing")()
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM records WHERE kind=$1 AND fields->$2 @> to_jsonb($3::text) ORDER BY created_at, id`, kind, field, value)
	if err != nil {
		return nil, fmt.Errorf("list records containing %s: %w", field, err)
	}
	return collectRows(rows, scanRecord)
}

func (r *recordRepo) ListChildren(ctx context.Context, parent RecordRef) ([]Record, error) {
	defer observeDB(ctx, "records.list_children")()
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM records WHERE kind=$1 AND parent_id=$2 ORDER BY id`, parent.Kind, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parent, err)
	}
	return collectRows(rows, scanRecord)
}

func (r *recordRepo) ListInRange(ctx context.Context, kind, field, from, to string) ([]Record, error) {
	defer observeDB(ctx, "records.list_in_range")()
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM records
WHERE kind=$1 AND fields->>$2 >= $3 AND fields->>$2 <= $4 ORDER BY fields->>$2, id`, kind, field, from, to)
	if err != nil {
		return nil, fmt.Errorf("list records in range: %w", err)
	}
	return collectRows(rows, scanRecord)
}

// customValueRepo implements CustomValueRepository.
type customValueRepo struct {
	pool dbPool
}

func (r *customValueRepo) ListActive(ctx context.Context, kind string) ([]CustomSyncValue, error) {
	defer observeDB(ctx, "custom_values.list_active")()
	rows, err := r.pool.Query(ctx, `SELECT id, kind, name, value, sequence, active FROM custom_sync_values
WHERE kind=$1 AND active ORDER BY sequence, id`, kind)
	if err != nil {
		return nil, fmt.Errorf("list custom values: %w", err)
	}
	return collectRows(rows, func(row rowScanner) (*CustomSyncValue, error) {
		var v CustomSyncValue
		var value []byte
		if err := row.Scan(&v.ID, &v.Kind, &v.Name, &value, &v.Sequence, &v.Active); err != nil {
			return nil, err
		}
		v.Value = json.RawMessage(value)
		return &v, nil
	})
}
