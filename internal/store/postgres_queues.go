package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// pushQueueRepo implements PushQueueRepository.
type pushQueueRepo struct {
	pool dbPool
}

const pushColumns = `id, user_id, link_id, method, domain, target_id, payload, headers, status, last_error, created_at, updated_at`

func scanPushItem(row rowScanner) (*PushQueueItem, error) {
	var item PushQueueItem
	var payload, headers []byte
	var status string
	if err := row.Scan(&item.ID, &item.UserID, &item.LinkID, &item.Method, &item.Domain, &item.TargetID,
		&payload, &headers, &status, &item.LastError, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.Status = PushStatus(status)
	if len(payload) > 0 && string(payload) != "null" {
		item.Payload = json.RawMessage(payload)
	}
	if len(headers) > 0 && string(headers) != "null" {
		if err := json.Unmarshal(headers, &item.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return &item, nil
}

func (r *pushQueueRepo) Enqueue(ctx context.Context, item PushQueueItem) (*PushQueueItem, error) {
	defer observeDB(ctx, "push_queue.enqueue")()
	var payload, headers any
	if len(item.Payload) > 0 {
		payload = string(item.Payload)
	}
	if len(item.Headers) > 0 {
		data, err := json.Marshal(item.Headers)
		if err != nil {
			return nil, fmt.Errorf("encode headers: %w", err)
		}
		headers = string(data)
	}
	created, err := scanPushItem(r.pool.QueryRow(ctx, `INSERT INTO push_queue_items
(user_id, link_id, method, domain, target_id, payload, headers)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb)
RETURNING `+pushColumns, item.UserID, item.LinkID, item.Method, item.Domain, item.TargetID, payload, headers))
	if err != nil {
		return nil, fmt.Errorf("enqueue push item: %w", err)
	}
	return created, nil
}

func (r *pushQueueRepo) ClaimForUser(ctx context.Context, userID int64) ([]PushQueueItem, error) {
	defer observeDB(ctx, "push_queue.claim_for_user")()
	// Row locks make a concurrent claim re-check the status and skip rows
	// already taken.
	rows, err := r.pool.Query(ctx, `UPDATE push_queue_items SET status='processing', updated_at=NOW()
WHERE user_id=$1 AND status IN ('waiting', 'retrying')
RETURNING `+pushColumns, userID)
	if err != nil {
		return nil, fmt.Errorf("claim push items: %w", err)
	}
	items, err := collectRows(rows, scanPushItem)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (r *pushQueueRepo) ListPendingForLink(ctx context.Context, linkID int64) ([]PushQueueItem, error) {
	defer observeDB(ctx, "push_queue.list_pending_for_link")()
	rows, err := r.pool.Query(ctx, `SELECT `+pushColumns+` FROM push_queue_items
WHERE link_id=$1 AND status IN ('waiting', 'retrying') ORDER BY id`, linkID)
	if err != nil {
		return nil, fmt.Errorf("list pending push items: %w", err)
	}
	return collectRows(rows, scanPushItem)
}

func (r *pushQueueRepo) ListByUser(ctx context.Context, userID int64) ([]PushQueueItem, error) {
	defer observeDB(ctx, "push_queue.list_by_user")()
	rows, err := r.pool.Query(ctx, `SELECT `+pushColumns+` FROM push_queue_items WHERE user_id=$1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list push items: %w", err)
	}
	return collectRows(rows, scanPushItem)
}

func (r *pushQueueRepo) UpdatePayload(ctx context.Context, id int64, payload json.RawMessage) error {
	defer observeDB(ctx, "push_queue.update_payload")()
	tag, err := r.pool.Exec(ctx, `UPDATE push_queue_items SET payload=$2::jsonb, updated_at=NOW()
WHERE id=$1 AND status IN ('waiting', 'retrying')`, id, string(payload))
	if err != nil {
		return fmt.Errorf("update push payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pushQueueRepo) MarkRetrying(ctx context.Context, ids []int64, lastError string) error {
	defer observeDB(ctx, "push_queue.mark_retrying")()
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `UPDATE push_queue_items SET status='retrying', last_error=$2, updated_at=NOW() WHERE id = ANY($1)`, ids, lastError); err != nil {
		return fmt.Errorf("mark push items retrying: %w", err)
	}
	return nil
}

func (r *pushQueueRepo) MarkFailed(ctx context.Context, id int64, lastError string) error {
	defer observeDB(ctx, "push_queue.mark_failed")()
	if _, err := r.pool.Exec(ctx, `UPDATE push_queue_items SET status='failed', last_error=$2, updated_at=NOW() WHERE id=$1`, id, lastError); err != nil {
		return fmt.Errorf("mark push item failed: %w", err)
	}
	return nil
}

func (r *pushQueueRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "push_queue.delete")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM push_queue_items WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete push item: %w", err)
	}
	return nil
}

func (r *pushQueueRepo) cancel(ctx context.Context, op, where string, args ...any) (int64, error) {
	defer observeDB(ctx, "push_queue."+op)()
	tag, err := r.pool.Exec(ctx, `UPDATE push_queue_items SET status='cancelled', last_error=$1, updated_at=NOW()
WHERE status IN ('waiting', 'retrying') AND `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("cancel push items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pushQueueRepo) CancelForLink(ctx context.Context, linkID int64, reason string) (int64, error) {
	return r.cancel(ctx, "cancel_for_link", `link_id=$2`, reason, linkID)
}

func (r *pushQueueRepo) CancelForTarget(ctx context.Context, userID int64, targetID, reason string) (int64, error) {
	return r.cancel(ctx, "cancel_for_target", `user_id=$2 AND target_id=$3`, reason, userID, targetID)
}

func (r *pushQueueRepo) CancelForDomain(ctx context.Context, userID int64, fragment, reason string) (int64, error) {
	return r.cancel(ctx, "cancel_for_domain", `user_id=$2 AND strpos(domain, $3) > 0`, reason, userID, fragment)
}

func (r *pushQueueRepo) CancelForUser(ctx context.Context, userID int64, reason string) (int64, error) {
	return r.cancel(ctx, "cancel_for_user", `user_id=$2`, reason, userID)
}

// changeQueueRepo implements ChangeQueueRepository.
type changeQueueRepo struct {
	pool dbPool
}

const changeColumns = `id, record_kind, record_id, changes, event_time, status, created_at`

func scanChangeItem(row rowScanner) (*ChangeQueueItem, error) {
	var item ChangeQueueItem
	var changes []byte
	var status string
	if err := row.Scan(&item.ID, &item.Record.Kind, &item.Record.ID, &changes, &item.EventTime, &status, &item.CreatedAt); err != nil {
		return nil, err
	}
	item.Status = ChangeStatus(status)
	var err error
	if item.Changes, err = unmarshalFields(changes); err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *changeQueueRepo) Create(ctx context.Context, item ChangeQueueItem) (*ChangeQueueItem, error) {
	defer observeDB(ctx, "change_queue.create")()
	data, err := marshalFields(item.Changes)
	if err != nil {
		return nil, err
	}
	created, err := scanChangeItem(r.pool.QueryRow(ctx, `INSERT INTO change_queue_items (record_kind, record_id, changes, event_time)
VALUES ($1, $2, $3::jsonb, $4) RETURNING `+changeColumns, item.Record.Kind, item.Record.ID, data, item.EventTime))
	if err != nil {
		return nil, fmt.Errorf("create change item: %w", err)
	}
	return created, nil
}

func (r *changeQueueRepo) ClaimForRecord(ctx context.Context, ref RecordRef) ([]ChangeQueueItem, error) {
	defer observeDB(ctx, "change_queue.claim_for_record")()
	rows, err := r.pool.Query(ctx, `UPDATE change_queue_items SET status='processing'
WHERE record_kind=$1 AND record_id=$2 AND status='waiting'
RETURNING `+changeColumns, ref.Kind, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("claim change items: %w", err)
	}
	items, err := collectRows(rows, scanChangeItem)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (r *changeQueueRepo) ListRecords(ctx context.Context) ([]RecordRef, error) {
	defer observeDB(ctx, "change_queue.list_records")()
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT record_kind, record_id FROM change_queue_items WHERE status='waiting' ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("list change records: %w", err)
	}
	return collectRows(rows, func(row rowScanner) (*RecordRef, error) {
		var ref RecordRef
		if err := row.Scan(&ref.Kind, &ref.ID); err != nil {
			return nil, err
		}
		return &ref, nil
	})
}

func (r *changeQueueRepo) Release(ctx context.Context, ids []int64) error {
	defer observeDB(ctx, "change_queue.release")()
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `UPDATE change_queue_items SET status='waiting' WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("release change items: %w", err)
	}
	return nil
}

func (r *changeQueueRepo) Delete(ctx context.Context, ids []int64) error {
	defer observeDB(ctx, "change_queue.delete")()
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM change_queue_items WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete change items: %w", err)
	}
	return nil
}

func (r *changeQueueRepo) DeleteForRecord(ctx context.Context, ref RecordRef) error {
	defer observeDB(ctx, "change_queue.delete_for_record")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM change_queue_items WHERE record_kind=$1 AND record_id=$2`, ref.Kind, ref.ID); err != nil {
		return fmt.Errorf("delete change items: %w", err)
	}
	return nil
}

// pullQueueRepo implements PullQueueRepository.
type pullQueueRepo struct {
	pool dbPool
}

const pullColumns = `id, user_id, domain, status, last_error, updated_at`

func scanPullItem(row rowScanner) (*PullQueueItem, error) {
	var item PullQueueItem
	var status string
	if err := row.Scan(&item.ID, &item.UserID, &item.Domain, &status, &item.LastError, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.Status = PullStatus(status)
	return &item, nil
}

func (r *pullQueueRepo) GetOrCreate(ctx context.Context, userID int64, domain string) (*PullQueueItem, error) {
	defer observeDB(ctx, "pull_queue.get_or_create")()
	item, err := scanPullItem(r.pool.QueryRow(ctx, `INSERT INTO pull_queue_items (user_id, domain) VALUES ($1, $2)
ON CONFLICT (user_id, domain) DO UPDATE SET domain=EXCLUDED.domain
RETURNING `+pullColumns, userID, domain))
	if err != nil {
		return nil, fmt.Errorf("get or create pull item: %w", err)
	}
	return item, nil
}

func (r *pullQueueRepo) Claim(ctx context.Context, id int64, staleBefore time.Time) (bool, error) {
	defer observeDB(ctx, "pull_queue.claim")()
	tag, err := r.pool.Exec(ctx, `UPDATE pull_queue_items SET status='pulling', last_error='', updated_at=NOW()
WHERE id=$1 AND (status <> 'pulling' OR updated_at < $2)`, id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim pull item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pullQueueRepo) MarkFailed(ctx context.Context, id int64, lastError string) error {
	defer observeDB(ctx, "pull_queue.mark_failed")()
	if _, err := r.pool.Exec(ctx, `UPDATE pull_queue_items SET status='failed', last_error=$2, updated_at=NOW() WHERE id=$1`, id, lastError); err != nil {
		return fmt.Errorf("mark pull item failed: %w", err)
	}
	return nil
}

func (r *pullQueueRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "pull_queue.delete")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM pull_queue_items WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete pull item: %w", err)
	}
	return nil
}

func (r *pullQueueRepo) ListAll(ctx context.Context) ([]PullQueueItem, error) {
	defer observeDB(ctx, "pull_queue.list_all")()
	rows, err := r.pool.Query(ctx, `SELECT `+pullColumns+` FROM pull_queue_items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pull items: %w", err)
	}
	return collectRows(rows, scanPullItem)
}
