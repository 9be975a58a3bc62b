package store

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"gitea.jw6.us/james/calsync/internal/migrations"
)

// migrationLockKey is the advisory lock taken while a migration runs, so
// instances starting together apply each file once.
const migrationLockKey int64 = 0x63616c73796e63 // "calsync"

// PgxPool is the subset of pgxpool.Pool the migration runner needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// ApplyMigrations applies every embedded SQL file not yet recorded in
// schema_migrations, in name order, each in its own transaction. A database
// that already holds the sync tables but no tracking table is baselined: the
// first migration is recorded without running it.
func ApplyMigrations(ctx context.Context, pool PgxPool) error {
	names, err := migrationFiles()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	tracked, err := tableExists(ctx, pool, "schema_migrations")
	if err != nil {
		return err
	}
	if !tracked {
		existing, err := tableExists(ctx, pool, "remote_users")
		if err != nil {
			return err
		}
		if err := execMigrationSQL(ctx, pool, createMigrationTable, "create schema_migrations"); err != nil {
			return err
		}
		if existing {
			log.Printf("[INFO] store: baselining existing schema at %s", names[0])
			if err := execMigrationSQL(ctx, pool, recordMigrationSQL, "record migration "+names[0], names[0]); err != nil {
				return err
			}
		}
	}

	for _, name := range names {
		applied, err := migrationApplied(ctx, pool, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := applyMigration(ctx, pool, name); err != nil {
			return err
		}
	}
	return nil
}

const (
	createMigrationTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	recordMigrationSQL = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`
	appliedSQL         = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`
)

func migrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

func tableExists(ctx context.Context, pool PgxPool, table string) (bool, error) {
	const q = `SELECT EXISTS (
        SELECT 1 FROM information_schema.tables
        WHERE table_schema = current_schema() AND table_name = $1
)`
	var exists bool
	if err := pool.QueryRow(ctx, q, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return exists, nil
}

func execMigrationSQL(ctx context.Context, pool PgxPool, sql, what string, args ...any) error {
	if _, err := pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func migrationApplied(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, name string) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, appliedSQL, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return exists, nil
}

// applyMigration runs one file under the advisory lock. The applied check is
// repeated inside the lock since another instance may have won the race.
func applyMigration(ctx context.Context, pool PgxPool, name string) (err error) {
	contents, err := migrations.Files.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	applied, err := migrationApplied(ctx, tx, name)
	if err != nil {
		return err
	}
	if applied {
		return tx.Commit(ctx)
	}
	if _, err = tx.Exec(ctx, string(contents)); err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err = tx.Exec(ctx, recordMigrationSQL, name); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	log.Printf("[INFO] store: applied migration %s", name)
	return nil
}
