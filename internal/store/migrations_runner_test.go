package store

import (
	"context"
	"fmt"
	"regexp"
	"testing"
)

var (
	tableCheck   = regexp.MustCompile(`information_schema.tables`)
	appliedCheck = regexp.MustCompile(`schema_migrations WHERE version=\$1`)
	lockExec     = regexp.MustCompile(`pg_advisory_xact_lock`)
	initExec     = regexp.MustCompile(`-- Initial schema for CalSync`)
	recordExec   = regexp.MustCompile(`INSERT INTO schema_migrations`)
)

func TestApplyMigrationsEmptyDatabase(t *testing.T) {
	tx := &mockTx{
		execs: []execExpectation{
			{expect: lockExec, args: []any{migrationLockKey}},
			{expect: initExec},
			{expect: recordExec, args: []any{"001_init.sql"}},
		},
		queries: []queryExpectation{
			{expect: appliedCheck, args: []any{"001_init.sql"}, value: false},
		},
	}
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: tableCheck, args: []any{"schema_migrations"}, value: false},
			{expect: tableCheck, args: []any{"remote_users"}, value: false},
			{expect: appliedCheck, args: []any{"001_init.sql"}, value: false},
		},
		execs: []execExpectation{
			{expect: regexp.MustCompile("CREATE TABLE IF NOT EXISTS schema_migrations")},
		},
		txs: []*mockTx{tx},
	}

	if err := ApplyMigrations(context.Background(), pool); err != nil {
		t.Fatalf("expected migrations to apply, got error: %v", err)
	}

	pool.assertDone()
	tx.assertDone()
	if !tx.committed || tx.rolled {
		t.Fatalf("committed=%v rolled=%v", tx.committed, tx.rolled)
	}
}

func TestApplyMigrationsBaselinesExistingSchema(t *testing.T) {
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: tableCheck, args: []any{"schema_migrations"}, value: false},
			{expect: tableCheck, args: []any{"remote_users"}, value: true},
			{expect: appliedCheck, args: []any{"001_init.sql"}, value: true},
		},
		execs: []execExpectation{
			{expect: regexp.MustCompile("CREATE TABLE IF NOT EXISTS schema_migrations")},
			{expect: recordExec, args: []any{"001_init.sql"}},
		},
	}

	if err := ApplyMigrations(context.Background(), pool); err != nil {
		t.Fatalf("expected baseline without replaying init, got error: %v", err)
	}
	pool.assertDone()
}

func TestApplyMigrationsAllAlreadyApplied(t *testing.T) {
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: tableCheck, args: []any{"schema_migrations"}, value: true},
			{expect: appliedCheck, args: []any{"001_init.sql"}, value: true},
		},
	}

	if err := ApplyMigrations(context.Background(), pool); err != nil {
		t.Fatalf("expected no-op migrations, got error: %v", err)
	}
	pool.assertDone()
}

func TestApplyMigrationsSkipsFileAppliedByPeer(t *testing.T) {
	tx := &mockTx{
		execs: []execExpectation{
			{expect: lockExec, args: []any{migrationLockKey}},
		},
		queries: []queryExpectation{
			{expect: appliedCheck, args: []any{"001_init.sql"}, value: true},
		},
	}
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: tableCheck, args: []any{"schema_migrations"}, value: true},
			{expect: appliedCheck, args: []any{"001_init.sql"}, value: false},
		},
		txs: []*mockTx{tx},
	}

	if err := ApplyMigrations(context.Background(), pool); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool.assertDone()
	tx.assertDone()
	if !tx.committed {
		t.Fatal("expected the lock transaction to commit")
	}
}

func TestApplyMigrationsRollsBackOnFailure(t *testing.T) {
	tx := &mockTx{
		execs: []execExpectation{
			{expect: lockExec, args: []any{migrationLockKey}},
			{expect: initExec, err: fmt.Errorf("syntax error")},
		},
		queries: []queryExpectation{
			{expect: appliedCheck, args: []any{"001_init.sql"}, value: false},
		},
	}
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: tableCheck, args: []any{"schema_migrations"}, value: true},
			{expect: appliedCheck, args: []any{"001_init.sql"}, value: false},
		},
		txs: []*mockTx{tx},
	}

	err := ApplyMigrations(context.Background(), pool)
	if err == nil {
		t.Fatal("expected migration error")
	}
	if !tx.rolled || tx.committed {
		t.Fatalf("committed=%v rolled=%v", tx.committed, tx.rolled)
	}
	pool.assertDone()
}
