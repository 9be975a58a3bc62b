package store

import (
	"context"
	"fmt"
)

// remoteUserRepo implements RemoteUserRepository. Tokens are sealed before
// they reach the database.
type remoteUserRepo struct {
	pool   dbPool
	sealer TokenSealer
}

const userColumns = `id, partner_id, email, access_token, refresh_token, id_token, authentication_failure,
sync_started, last_error, last_sync, category, ignore_without_category, calendar_id, calendar_sync_failed, created_at`

func (r *remoteUserRepo) scan(row rowScanner) (*RemoteUser, error) {
	var u RemoteUser
	var access, refresh, idToken string
	if err := row.Scan(&u.ID, &u.PartnerID, &u.Email, &access, &refresh, &idToken, &u.AuthenticationFailure,
		&u.SyncStarted, &u.LastError, &u.LastSync, &u.Category, &u.IgnoreWithoutCategory, &u.CalendarID, &u.CalendarSyncFailed, &u.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if u.Tokens.AccessToken, err = r.open(access); err != nil {
		return nil, err
	}
	if u.Tokens.RefreshToken, err = r.open(refresh); err != nil {
		return nil, err
	}
	if u.Tokens.IDToken, err = r.open(idToken); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *remoteUserRepo) open(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	plain, err := r.sealer.Open(value)
	if err != nil {
		return "", fmt.Errorf("open token: %w", err)
	}
	return plain, nil
}

func (r *remoteUserRepo) seal(tokens TokenSet) ([3]string, error) {
	var out [3]string
	for i, v := range []string{tokens.AccessToken, tokens.RefreshToken, tokens.IDToken} {
		if v == "" {
			continue
		}
		sealed, err := r.sealer.Seal(v)
		if err != nil {
			return out, fmt.Errorf("seal token: %w", err)
		}
		out[i] = sealed
	}
	return out, nil
}

func (r *remoteUserRepo) queryOne(ctx context.Context, sql string, args ...any) (*RemoteUser, error) {
	u, err := r.scan(r.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (r *remoteUserRepo) queryMany(ctx context.Context, sql string, args ...any) ([]RemoteUser, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list remote users: %w", err)
	}
	return collectRows(rows, r.scan)
}

func (r *remoteUserRepo) Create(ctx context.Context, user RemoteUser) (*RemoteUser, error) {
	defer observeDB(ctx, "remote_users.create")()
	sealed, err := r.seal(user.Tokens)
	if err != nil {
		return nil, err
	}
	u, err := r.scan(r.pool.QueryRow(ctx, `INSERT INTO remote_users
(partner_id, email, access_token, refresh_token, id_token, category, ignore_without_category)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+userColumns, user.PartnerID, user.Email, sealed[0], sealed[1], sealed[2], user.Category, user.IgnoreWithoutCategory))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create remote user: %w", err)
	}
	return u, nil
}

func (r *remoteUserRepo) GetByID(ctx context.Context, id int64) (*RemoteUser, error) {
	defer observeDB(ctx, "remote_users.get_by_id")()
	return r.queryOne(ctx, `SELECT `+userColumns+` FROM remote_users WHERE id=$1`, id)
}

func (r *remoteUserRepo) GetByPartner(ctx context.Context, partnerID string) (*RemoteUser, error) {
	defer observeDB(ctx, "remote_users.get_by_partner")()
	return r.queryOne(ctx, `SELECT `+userColumns+` FROM remote_users WHERE partner_id=$1`, partnerID)
}

func (r *remoteUserRepo) GetByEmail(ctx context.Context, email string) (*RemoteUser, error) {
	defer observeDB(ctx, "remote_users.get_by_email")()
	return r.queryOne(ctx, `SELECT `+userColumns+` FROM remote_users WHERE lower(email)=lower($1) ORDER BY id LIMIT 1`, email)
}

func (r *remoteUserRepo) ListAll(ctx context.Context) ([]RemoteUser, error) {
	defer observeDB(ctx, "remote_users.list_all")()
	return r.queryMany(ctx, `SELECT `+userColumns+` FROM remote_users ORDER BY id`)
}

func (r *remoteUserRepo) ListSyncStarted(ctx context.Context) ([]RemoteUser, error) {
	defer observeDB(ctx, "remote_users.list_sync_started")()
	return r.queryMany(ctx, `SELECT `+userColumns+` FROM remote_users WHERE sync_started ORDER BY id`)
}

func (r *remoteUserRepo) ListWithPendingPushes(ctx context.Context) ([]RemoteUser, error) {
	defer observeDB(ctx, "remote_users.list_with_pending_pushes")()
	return r.queryMany(ctx, `SELECT `+userColumns+` FROM remote_users u
WHERE EXISTS (SELECT 1 FROM push_queue_items p WHERE p.user_id=u.id AND p.status IN ('waiting', 'retrying'))
ORDER BY id`)
}

func (r *remoteUserRepo) exec(ctx context.Context, op, sql string, args ...any) error {
	defer observeDB(ctx, "remote_users."+op)()
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("remote user %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *remoteUserRepo) UpdateTokens(ctx context.Context, id int64, tokens TokenSet, email string) error {
	sealed, err := r.seal(tokens)
	if err != nil {
		return err
	}
	return r.exec(ctx, "update_tokens", `UPDATE remote_users SET access_token=$2, refresh_token=$3, id_token=$4,
email=CASE WHEN $5 = '' THEN email ELSE $5 END, authentication_failure=FALSE, last_error='' WHERE id=$1`,
		id, sealed[0], sealed[1], sealed[2], email)
}

func (r *remoteUserRepo) SetAuthFailure(ctx context.Context, id int64, lastError string) error {
	return r.exec(ctx, "set_auth_failure", `UPDATE remote_users SET authentication_failure=TRUE, last_error=$2 WHERE id=$1`, id, lastError)
}

func (r *remoteUserRepo) SetLastError(ctx context.Context, id int64, lastError string) error {
	return r.exec(ctx, "set_last_error", `UPDATE remote_users SET last_error=$2 WHERE id=$1`, id, lastError)
}

func (r *remoteUserRepo) SetLastSync(ctx context.Context, id int64, summary string) error {
	return r.exec(ctx, "set_last_sync", `UPDATE remote_users SET last_sync=$2 WHERE id=$1`, id, summary)
}

func (r *remoteUserRepo) SetSyncStarted(ctx context.Context, id int64, started bool) error {
	return r.exec(ctx, "set_sync_started", `UPDATE remote_users SET sync_started=$2 WHERE id=$1`, id, started)
}

func (r *remoteUserRepo) SetCalendar(ctx context.Context, id int64, calendarID *int64) error {
	return r.exec(ctx, "set_calendar", `UPDATE remote_users SET calendar_id=$2, calendar_sync_failed=FALSE WHERE id=$1`, id, calendarID)
}

func (r *remoteUserRepo) SetCalendarSyncFailed(ctx context.Context, id int64, failed bool) error {
	return r.exec(ctx, "set_calendar_sync_failed", `UPDATE remote_users SET calendar_sync_failed=$2 WHERE id=$1`, id, failed)
}

func (r *remoteUserRepo) UpdateSettings(ctx context.Context, id int64, category string, ignoreWithoutCategory bool) error {
	return r.exec(ctx, "update_settings", `UPDATE remote_users SET category=$2, ignore_without_category=$3 WHERE id=$1`, id, category, ignoreWithoutCategory)
}

func (r *remoteUserRepo) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, "delete", `DELETE FROM remote_users WHERE id=$1`, id)
}

// remoteCalendarRepo implements RemoteCalendarRepository.
type remoteCalendarRepo struct {
	pool dbPool
}

const calendarColumns = `id, user_id, uid, name, delta_token, created_at`

func scanCalendar(row rowScanner) (*RemoteCalendar, error) {
	var c RemoteCalendar
	if err := row.Scan(&c.ID, &c.UserID, &c.UID, &c.Name, &c.DeltaToken, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *remoteCalendarRepo) GetByID(ctx context.Context, id int64) (*RemoteCalendar, error) {
	defer observeDB(ctx, "remote_calendars.get_by_id")()
	c, err := scanCalendar(r.pool.QueryRow(ctx, `SELECT `+calendarColumns+` FROM remote_calendars WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *remoteCalendarRepo) ListByUser(ctx context.Context, userID int64) ([]RemoteCalendar, error) {
	defer observeDB(ctx, "remote_calendars.list_by_user")()
	rows, err := r.pool.Query(ctx, `SELECT `+calendarColumns+` FROM remote_calendars WHERE user_id=$1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	return collectRows(rows, scanCalendar)
}

func (r *remoteCalendarRepo) Create(ctx context.Context, cal RemoteCalendar) (*RemoteCalendar, error) {
	defer observeDB(ctx, "remote_calendars.create")()
	c, err := scanCalendar(r.pool.QueryRow(ctx, `INSERT INTO remote_calendars (user_id, uid, name, delta_token)
VALUES ($1, $2, $3, $4) RETURNING `+calendarColumns, cal.UserID, cal.UID, cal.Name, cal.DeltaToken))
	if err != nil {
		return nil, fmt.Errorf("create calendar: %w", err)
	}
	return c, nil
}

func (r *remoteCalendarRepo) UpdateDeltaToken(ctx context.Context, id int64, token string) error {
	defer observeDB(ctx, "remote_calendars.update_delta_token")()
	tag, err := r.pool.Exec(ctx, `UPDATE remote_calendars SET delta_token=$2 WHERE id=$1`, id, token)
	if err != nil {
		return fmt.Errorf("update delta token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *remoteCalendarRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "remote_calendars.delete")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM remote_calendars WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete calendar: %w", err)
	}
	return nil
}
