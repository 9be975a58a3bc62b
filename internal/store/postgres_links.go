package store

import (
	"context"
	"fmt"
)

// recordLinkRepo implements RecordLinkRepository.
type recordLinkRepo struct {
	pool dbPool
}

const linkColumns = `id, user_id, record_kind, record_id, remote_id, data_domain, create_domain, direction, created_at`

func scanLink(row rowScanner) (*RecordLink, error) {
	var l RecordLink
	var direction string
	if err := row.Scan(&l.ID, &l.UserID, &l.Record.Kind, &l.Record.ID, &l.RemoteID, &l.DataDomain, &l.CreateDomain, &direction, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Direction = SyncDirection(direction)
	return &l, nil
}

func (r *recordLinkRepo) queryOne(ctx context.Context, sql string, args ...any) (*RecordLink, error) {
	l, err := scanLink(r.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, notFound(err)
	}
	return l, nil
}

func (r *recordLinkRepo) queryMany(ctx context.Context, sql string, args ...any) ([]RecordLink, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return collectRows(rows, scanLink)
}

func (r *recordLinkRepo) GetByID(ctx context.Context, id int64) (*RecordLink, error) {
	defer observeDB(ctx, "record_links.get_by_id")()
	return r.queryOne(ctx, `SELECT `+linkColumns+` FROM record_links WHERE id=$1`, id)
}

func (r *recordLinkRepo) GetByRecordAndUser(ctx context.Context, ref RecordRef, userID int64) (*RecordLink, error) {
	defer observeDB(ctx, "record_links.get_by_record_and_user")()
	return r.queryOne(ctx, `SELECT `+linkColumns+` FROM record_links WHERE record_kind=$1 AND record_id=$2 AND user_id=$3`, ref.Kind, ref.ID, userID)
}

func (r *recordLinkRepo) GetByRemoteID(ctx context.Context, userID int64, remoteID string) (*RecordLink, error) {
	defer observeDB(ctx, "record_links.get_by_remote_id")()
	return r.queryOne(ctx, `SELECT `+linkColumns+` FROM record_links WHERE user_id=$1 AND remote_id=$2 ORDER BY id LIMIT 1`, userID, remoteID)
}

func (r *recordLinkRepo) ListByScope(ctx context.Context, scope LinkScope) ([]RecordLink, error) {
	defer observeDB(ctx, "record_links.list_by_scope")()
	return r.queryMany(ctx, `SELECT `+linkColumns+` FROM record_links
WHERE record_kind=$1 AND (record_id=$2 OR ($3 AND starts_with(record_id, $2 || '-')))
ORDER BY id`, scope.Ref.Kind, scope.Ref.ID, scope.IncludeSynthetic)
}

func (r *recordLinkRepo) ListByUser(ctx context.Context, userID int64) ([]RecordLink, error) {
	defer observeDB(ctx, "record_links.list_by_user")()
	return r.queryMany(ctx, `SELECT `+linkColumns+` FROM record_links WHERE user_id=$1 ORDER BY id`, userID)
}

func (r *recordLinkRepo) ListByCreateDomain(ctx context.Context, userID int64, fragment string) ([]RecordLink, error) {
	defer observeDB(ctx, "record_links.list_by_create_domain")()
	return r.queryMany(ctx, `SELECT `+linkColumns+` FROM record_links WHERE user_id=$1 AND strpos(create_domain, $2) > 0 ORDER BY id`, userID, fragment)
}

func (r *recordLinkRepo) Create(ctx context.Context, link RecordLink) (*RecordLink, error) {
	defer observeDB(ctx, "record_links.create")()
	if link.Direction == "" {
		link.Direction = DirectionBoth
	}
	l, err := scanLink(r.pool.QueryRow(ctx, `INSERT INTO record_links
(user_id, record_kind, record_id, remote_id, data_domain, create_domain, direction)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+linkColumns, link.UserID, link.Record.Kind, link.Record.ID, link.RemoteID, link.DataDomain, link.CreateDomain, string(link.Direction)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create link: %w", err)
	}
	return l, nil
}

func (r *recordLinkRepo) SetRemoteID(ctx context.Context, id int64, remoteID, dataDomain string) error {
	defer observeDB(ctx, "record_links.set_remote_id")()
	tag, err := r.pool.Exec(ctx, `UPDATE record_links SET remote_id=$2, data_domain=$3 WHERE id=$1`, id, remoteID, dataDomain)
	if err != nil {
		return fmt.Errorf("set link remote id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordLinkRepo) SetDirection(ctx context.Context, id int64, direction SyncDirection) error {
	defer observeDB(ctx, "record_links.set_direction")()
	tag, err := r.pool.Exec(ctx, `UPDATE record_links SET direction=$2 WHERE id=$1`, id, string(direction))
	if err != nil {
		return fmt.Errorf("set link direction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordLinkRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "record_links.delete")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM record_links WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return nil
}
