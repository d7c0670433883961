package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passline/passline/internal/store"
)

var noop = ExecutorFunc(func(context.Context, *store.Action, pgx.Tx) error { return nil })

func TestNewRouter_ResolvesRegisteredTypes(t *testing.T) {
	r, err := NewRouter(
		Registration{ActionType: "send_communication", Executor: noop},
		Registration{ActionType: "generate_report", Executor: noop},
	)
	require.NoError(t, err)

	_, ok := r.Resolve("send_communication")
	assert.True(t, ok)
	_, ok = r.Resolve("unknown")
	assert.False(t, ok)
	assert.Equal(t, []string{"generate_report", "send_communication"}, r.Types())
}

func TestNewRouter_RejectsDuplicates(t *testing.T) {
	_, err := NewRouter(
		Registration{ActionType: "a", Executor: noop},
		Registration{ActionType: "a", Executor: noop},
	)
	assert.True(t, errors.Is(err, ErrDuplicateExecutor))
}

func TestRegister_InvalidInput(t *testing.T) {
	var r Router
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("a", nil))
	assert.NoError(t, r.Register("a", noop), "zero Router is usable")
}

func TestRegister_AfterSeal(t *testing.T) {
	r, err := NewRouter(Registration{ActionType: "a", Executor: noop})
	require.NoError(t, err)
	r.Seal()

	err = r.Register("b", noop)
	assert.True(t, errors.Is(err, ErrRouterSealed))
	_, ok := r.Resolve("a")
	assert.True(t, ok, "sealed router still resolves")
}
