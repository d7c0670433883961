// Package store provides the data access layer for the actions table and the
// read-only event catalog queries executors depend on.
//
// Every method takes a DBTX so the caller decides which connection the
// statement runs on: the shared pool, a connection acquired for one action,
// or a transaction opened on that connection. The scheduler relies on this to
// keep an action's claim, its executor's writes and its completion on the
// connection it reserved for that action.
package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx shared by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ DBTX = (*pgxpool.Pool)(nil)
	_ DBTX = (*pgxpool.Conn)(nil)
	_ DBTX = (pgx.Tx)(nil)
)

// Beginner opens transactions; *pgxpool.Pool and *pgxpool.Conn implement it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Pool returns the underlying pgxpool. The scheduler acquires per-action
// connections from it; short store calls may pass it directly as a DBTX.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// InTx runs fn inside a pgx native transaction opened on db. The transaction
// is committed if fn returns nil, rolled back otherwise.
func (s *Store) InTx(ctx context.Context, db Beginner, fn func(pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
