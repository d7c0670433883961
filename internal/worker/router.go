package worker

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrRouterSealed is returned by Register once a Scheduler owns the router.
	ErrRouterSealed = errors.New("router is sealed")

	// ErrDuplicateExecutor is returned when an action type is registered twice.
	ErrDuplicateExecutor = errors.New("executor already registered")
)

// Registration pairs an action type with its Executor.
type Registration struct {
	ActionType string
	Executor   Executor
}

// Router maps action types to Executors. It is filled once at startup and
// becomes read-only when sealed; NewScheduler seals the router it is given.
type Router struct {
	mu        sync.RWMutex
	executors map[string]Executor
	sealed    bool
}

// NewRouter builds a router from a static registration list. Any invalid or
// duplicate registration is returned as an error so startup fails fast.
func NewRouter(regs ...Registration) (*Router, error) {
	r := &Router{executors: make(map[string]Executor, len(regs))}
	for _, reg := range regs {
		if err := r.Register(reg.ActionType, reg.Executor); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register associates ex with actionType. Must be called before the router is
// sealed.
func (r *Router) Register(actionType string, ex Executor) error {
	if strings.TrimSpace(actionType) == "" {
		return errors.New("register executor: empty action type")
	}
	if ex == nil {
		return fmt.Errorf("register executor %q: nil executor", actionType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register executor %q: %w", actionType, ErrRouterSealed)
	}
	if r.executors == nil {
		r.executors = make(map[string]Executor)
	}
	if _, ok := r.executors[actionType]; ok {
		return fmt.Errorf("register executor %q: %w", actionType, ErrDuplicateExecutor)
	}
	r.executors[actionType] = ex
	return nil
}

// Seal makes the router read-only.
func (r *Router) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Resolve returns the Executor registered for actionType.
func (r *Router) Resolve(actionType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[actionType]
	return ex, ok
}

// Types returns the registered action types in sorted order.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
