// ABOUTME: Test helper that starts a Postgres testcontainer with all migrations applied.
// ABOUTME: Use NewTestDB(t) in integration tests that need a real database.
package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/passline/passline/internal/store"
	"github.com/passline/passline/migrations"
)

// TestDB embeds *store.Store so all store methods are directly callable, and
// adds raw-SQL helpers for arranging rows into states the store API cannot
// reach on demand (expired leases, past expiries).
type TestDB struct {
	*store.Store
	ConnStr string
}

type options struct {
	maxConns int32
}

// Option configures NewTestDB.
type Option func(*options)

// WithMaxConns sizes the store's pool. Scheduler tests use it to control the
// batch limit and to provoke pool exhaustion.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// NewTestDB starts a Postgres testcontainer, runs all migrations, and returns
// a TestDB backed by the test DB. The container and pool are cleaned up via t.Cleanup.
func NewTestDB(t *testing.T, opts ...Option) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test: skipped with -short")
	}
	o := options{maxConns: 8}
	for _, opt := range opts {
		opt(&o)
	}
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("passline_test"),
		tcpostgres.WithUsername("passline_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	// Same pattern as cmd/passline runMigrate.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		t.Fatalf("migration source: %v", err)
	}
	connCfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse db url: %v", err)
	}
	// Simple query protocol lets postgres execute multi-statement migration files natively.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		t.Fatalf("migration driver: %v", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		t.Fatalf("migrate init: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse pool config: %v", err)
	}
	poolCfg.MaxConns = o.maxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &TestDB{Store: store.New(pool), ConnStr: connStr}
}

// Exec runs sql on the pool and fails the test on error.
func (db *TestDB) Exec(t *testing.T, sql string, args ...any) {
	t.Helper()
	if _, err := db.Pool().Exec(context.Background(), sql, args...); err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}

// ExpireLease moves an action's lease into the past so it can be claimed again.
func (db *TestDB) ExpireLease(t *testing.T, id uuid.UUID) {
	t.Helper()
	db.Exec(t, `UPDATE actions SET blocked_until = now() - interval '1 second' WHERE id = $1`, id)
}

// MustGetAction fetches an action and fails the test if it does not exist.
func (db *TestDB) MustGetAction(t *testing.T, id uuid.UUID) *store.Action {
	t.Helper()
	a, err := db.GetAction(context.Background(), db.Pool(), id)
	if err != nil {
		t.Fatalf("get action %s: %v", id, err)
	}
	if a == nil {
		t.Fatalf("action %s not found", id)
	}
	return a
}

// SeedEvent inserts an event with the given sales end and returns its id.
func (db *TestDB) SeedEvent(t *testing.T, name string, salesEndAt time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	db.Exec(t, `
INSERT INTO events (id, name, starts_at, sales_end_at, published, cancelled)
VALUES ($1, $2, $3, $4, true, false)`, id, name, salesEndAt.Add(time.Hour), salesEndAt)
	return id
}

// SeedContact inserts a ticket holder for eventID.
func (db *TestDB) SeedContact(t *testing.T, eventID uuid.UUID, email string, tickets int32, optIn bool) {
	t.Helper()
	db.Exec(t, `
INSERT INTO event_contacts (event_id, email, first_name, last_name, tickets, marketing_opt_in)
VALUES ($1, $2, 'Test', 'Contact', $3, $4)`, eventID, email, tickets, optIn)
}
