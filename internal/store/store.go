package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// dbPool is the subset of pgxpool.Pool the repositories rely on.
type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// TokenSealer encrypts OAuth tokens at rest.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

type plainSealer struct{}

func (plainSealer) Seal(s string) (string, error) { return s, nil }
func (plainSealer) Open(s string) (string, error) { return s, nil }

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool dbPool

	Records      RecordRepository
	Users        RemoteUserRepository
	Calendars    RemoteCalendarRepository
	Links        RecordLinkRepository
	PushQueue    PushQueueRepository
	ChangeQueue  ChangeQueueRepository
	PullQueue    PullQueueRepository
	CustomValues CustomValueRepository
}

// New wires concrete repository implementations with the shared connection
// pool. A nil sealer stores tokens as given.
func New(pool dbPool, sealer TokenSealer) *Store {
	if sealer == nil {
		sealer = plainSealer{}
	}
	return &Store{
		pool:         pool,
		Records:      &recordRepo{pool: pool},
		Users:        &remoteUserRepo{pool: pool, sealer: sealer},
		Calendars:    &remoteCalendarRepo{pool: pool},
		Links:        &recordLinkRepo{pool: pool},
		PushQueue:    &pushQueueRepo{pool: pool},
		ChangeQueue:  &changeQueueRepo{pool: pool},
		PullQueue:    &pullQueueRepo{pool: pool},
		CustomValues: &customValueRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}
