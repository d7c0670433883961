// Package worker is the action processing engine: a Router that maps action
// types to Executors, a Scheduler that finds, claims and dispatches eligible
// actions from the actions table, and a Controller that runs the Scheduler in
// the background with cooperative shutdown.
//
// Workers coordinate only through the lease column (blocked_until) of each
// row, so any number of processes may run a Scheduler against the same
// database.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/passline/passline/internal/store"
)

// Executor performs the work for one action type. tx is a transaction on the
// connection the scheduler reserved for the action; anything written through
// it, including new actions enqueued as continuations, commits together with
// the action's completion. A returned error is retried unless wrapped with
// Permanent.
type Executor interface {
	Execute(ctx context.Context, a *store.Action, tx pgx.Tx) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a *store.Action, tx pgx.Tx) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, a *store.Action, tx pgx.Tx) error {
	return f(ctx, a, tx)
}

// Validator is implemented by payload types that can reject a decoded payload.
type Validator interface {
	Validate() error
}

// Typed wraps fn in an Executor that decodes the action payload into T before
// calling it. Decode and validation failures are permanent: retrying a payload
// with the wrong shape cannot succeed.
func Typed[T any](fn func(ctx context.Context, a *store.Action, tx pgx.Tx, payload T) error) Executor {
	return ExecutorFunc(func(ctx context.Context, a *store.Action, tx pgx.Tx) error {
		var p T
		if len(a.Payload) > 0 {
			if err := json.Unmarshal(a.Payload, &p); err != nil {
				return Permanent(fmt.Errorf("decode %s payload: %w", a.ActionType, err))
			}
		}
		if v, ok := any(&p).(Validator); ok {
			if err := v.Validate(); err != nil {
				return Permanent(fmt.Errorf("invalid %s payload: %w", a.ActionType, err))
			}
		}
		return fn(ctx, a, tx, p)
	})
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the scheduler moves the action to
// errored instead of counting an attempt. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
