package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/passline/passline/internal/store"
)

const (
	// candidateFactor scales the eligibility query beyond the batch limit so
	// that lease contention on some rows does not leave the batch short.
	candidateFactor = 4

	// recordTimeout bounds the store write that settles a timed-out action.
	recordTimeout = 10 * time.Second
)

var errPoolExhausted = errors.New("connection pool exhausted")

// Config holds scheduler tuning parameters (sourced from config.Config).
type Config struct {
	// PollInterval is the sleep after an iteration that found or claimed nothing.
	PollInterval time.Duration
	// Lease is how long a claim blocks other workers. It is also the retry
	// cooldown after a transient failure.
	Lease time.Duration
	// ExecTimeout bounds one executor run. Must be shorter than Lease.
	ExecTimeout time.Duration
	// PoolFraction is the share of the pool's MaxConns one iteration may hold.
	// One connection stays free for settling timed-out actions whenever the
	// pool has more than one.
	PoolFraction float64
	// AcquireTimeout is how long to wait for a per-action connection before
	// treating the pool as exhausted.
	AcquireTimeout time.Duration
	// ErrorBackoff is the pause after an iteration failed at the store level.
	ErrorBackoff time.Duration
	// SweepInterval is how often expired pending actions are cancelled; zero
	// disables the sweeper.
	SweepInterval time.Duration
	// SweepBatch caps the rows cancelled per sweep.
	SweepBatch int
	// ActionTypes restricts the scheduler to these types; empty means all.
	ActionTypes []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   2 * time.Second,
		Lease:          60 * time.Second,
		ExecTimeout:    55 * time.Second,
		PoolFraction:   0.25,
		AcquireTimeout: 250 * time.Millisecond,
		ErrorBackoff:   5 * time.Second,
		SweepInterval:  time.Minute,
		SweepBatch:     500,
	}
}

// Validate reports configuration that would break the lease protocol.
func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return errors.New("poll interval must be positive")
	case c.Lease <= 0:
		return errors.New("lease must be positive")
	case c.ExecTimeout <= 0:
		return errors.New("exec timeout must be positive")
	case c.ExecTimeout >= c.Lease:
		return fmt.Errorf("exec timeout %s must be shorter than lease %s", c.ExecTimeout, c.Lease)
	case c.PoolFraction <= 0 || c.PoolFraction > 1:
		return fmt.Errorf("pool fraction %v must be in (0, 1]", c.PoolFraction)
	case c.AcquireTimeout <= 0:
		return errors.New("acquire timeout must be positive")
	case c.ErrorBackoff <= 0:
		return errors.New("error backoff must be positive")
	case c.SweepInterval < 0:
		return errors.New("sweep interval must not be negative")
	case c.SweepInterval > 0 && c.SweepBatch <= 0:
		return errors.New("sweep batch must be positive")
	}
	return nil
}

// Outcome is how one claimed action ended.
type Outcome string

// Outcomes reported in Stats and the processed metric.
const (
	OutcomeSuccess         Outcome = "success"
	OutcomeFailed          Outcome = "failed"
	OutcomeRetriesExceeded Outcome = "retries_exceeded"
	OutcomeErrored         Outcome = "errored"
	OutcomeUnroutable      Outcome = "unroutable"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeSuperseded      Outcome = "superseded"
)

// Stats summarises scheduler iterations.
type Stats struct {
	Iterations   int
	Found        int
	Claimed      int
	Contended    int
	BackPressure int
	Outcomes     map[Outcome]int
}

func (s *Stats) add(o Stats) {
	s.Iterations += o.Iterations
	s.Found += o.Found
	s.Claimed += o.Claimed
	s.Contended += o.Contended
	s.BackPressure += o.BackPressure
	for k, v := range o.Outcomes {
		s.count(k, v)
	}
}

func (s *Stats) count(o Outcome, n int) {
	if s.Outcomes == nil {
		s.Outcomes = make(map[Outcome]int)
	}
	s.Outcomes[o] += n
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics sets the scheduler's collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler finds eligible actions, claims them under a lease and runs their
// executors with a timeout.
type Scheduler struct {
	store    *store.Store
	router   *Router
	cfg      Config
	log      *slog.Logger
	metrics  *Metrics
	workerID string

	// detached tracks connections still owned by executors that outlived
	// their timeout.
	detached  sync.WaitGroup
	detachedN atomic.Int64
}

// NewScheduler validates cfg and seals router. A router with no executors is
// a configuration error.
func NewScheduler(st *store.Store, router *Router, cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	if router == nil || len(router.Types()) == 0 {
		return nil, errors.New("scheduler config: no executors registered")
	}
	router.Seal()

	s := &Scheduler{
		store:    st,
		router:   router,
		cfg:      cfg,
		log:      slog.Default(),
		workerID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.log = s.log.With("worker_id", s.workerID)
	return s, nil
}

// WorkerID identifies this scheduler in logs.
func (s *Scheduler) WorkerID() string { return s.workerID }

// BatchLimit is the most actions one iteration will hold connections for.
func (s *Scheduler) BatchLimit() int {
	maxConns := s.store.Pool().Config().MaxConns
	n := int(math.Floor(float64(maxConns) * s.cfg.PoolFraction))
	n = min(n, int(maxConns-settleReserve(maxConns)))
	if n < 1 {
		n = 1
	}
	return n
}

// settleReserve is the number of pool connections the scheduler never takes
// for execution, so a timeout can still be recorded through the pool.
func settleReserve(maxConns int32) int32 {
	if maxConns > 1 {
		return 1
	}
	return 0
}

// Detached reports how many timed-out executors still hold a connection.
func (s *Scheduler) Detached() int { return int(s.detachedN.Load()) }

// WaitReleased blocks until every executor that outlived its timeout has
// returned its connection to the pool, or until ctx is done.
func (s *Scheduler) WaitReleased(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d executors still hold connections: %w", s.Detached(), ctx.Err())
	}
}

// Run polls until stop is closed or ctx is cancelled. stop is checked between
// iterations only; actions already executing are allowed to finish.
func (s *Scheduler) Run(ctx context.Context, stop <-chan struct{}) {
	s.log.Info("scheduler started",
		"batch_limit", s.BatchLimit(),
		"poll_interval", s.cfg.PollInterval,
		"lease", s.cfg.Lease,
		"exec_timeout", s.cfg.ExecTimeout,
		"action_types", s.cfg.ActionTypes,
	)
	for {
		select {
		case <-stop:
			s.log.Info("scheduler stopping")
			return
		case <-ctx.Done():
			s.log.Info("scheduler stopping", "reason", ctx.Err())
			return
		default:
		}

		st, err := s.RunOnce(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			s.log.Error("scheduler iteration failed", "err", err, "retry_in", s.cfg.ErrorBackoff)
			wait = s.cfg.ErrorBackoff
		case st.Claimed == 0:
			wait = s.cfg.PollInterval
		}
		if wait == 0 {
			continue
		}

		// time.NewTimer (not time.After) so the timer is released on early exit.
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			s.log.Info("scheduler stopping")
			return
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopping", "reason", ctx.Err())
			return
		case <-timer.C:
		}
	}
}

// Drain runs iterations until one claims nothing, then returns the totals.
// Used for bounded batch processing and tests.
func (s *Scheduler) Drain(ctx context.Context) (Stats, error) {
	var total Stats
	for {
		st, err := s.RunOnce(ctx)
		total.add(st)
		if err != nil {
			return total, err
		}
		if st.Claimed == 0 {
			return total, nil
		}
	}
}

// RunOnce runs a single iteration: find eligible actions, claim up to
// BatchLimit of them on dedicated connections, execute them concurrently and
// wait for all of them to settle. Only store-level failures are returned;
// action-level failures are recorded on the rows.
func (s *Scheduler) RunOnce(ctx context.Context) (Stats, error) {
	st := Stats{Iterations: 1}
	limit := s.BatchLimit()

	candidates, err := s.store.FindPendingActions(ctx, s.store.Pool(), store.ActionFilter{
		Types: s.cfg.ActionTypes,
		Limit: limit * candidateFactor,
	})
	if err != nil {
		return st, err
	}
	st.Found = len(candidates)
	if len(candidates) == 0 {
		return st, nil
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := range candidates {
		if st.Claimed >= limit || ctx.Err() != nil {
			break
		}
		a := candidates[i]

		conn, err := s.acquire(ctx)
		if err != nil {
			// Back-pressure: leave the rest for the next iteration.
			mu.Lock()
			st.BackPressure++
			mu.Unlock()
			s.metrics.backpressure.Inc()
			s.log.Debug("pool exhausted, deferring remaining actions",
				"claimed", st.Claimed, "err", err)
			break
		}

		ok, err := s.store.ClaimAction(ctx, conn, a.ID, s.cfg.Lease)
		if err != nil {
			conn.Release()
			s.log.Error("claim action", "action_id", a.ID, "err", err)
			continue
		}
		if !ok {
			conn.Release()
			mu.Lock()
			st.Contended++
			mu.Unlock()
			s.metrics.conflicts.Inc()
			continue
		}

		mu.Lock()
		st.Claimed++
		mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := s.process(ctx, conn, &a)
			mu.Lock()
			st.count(o, 1)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return st, nil
}

// acquire reserves a connection for one action, treating a saturated pool or a
// slow acquire as exhaustion rather than queueing behind the rest of the
// application.
func (s *Scheduler) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	pool := s.store.Pool()
	if stat := pool.Stat(); stat.AcquiredConns() >= stat.MaxConns()-settleReserve(stat.MaxConns()) {
		return nil, errPoolExhausted
	}
	actx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	conn, err := pool.Acquire(actx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errPoolExhausted, err)
	}
	return conn, nil
}

// process runs one claimed action and records its outcome. It takes ownership
// of conn.
func (s *Scheduler) process(ctx context.Context, conn *pgxpool.Conn, a *store.Action) Outcome {
	log := s.log.With("action_id", a.ID, "action_type", a.ActionType)

	ex, ok := s.router.Resolve(a.ActionType)
	if !ok {
		defer conn.Release()
		reason := fmt.Sprintf("no executor registered for type %q", a.ActionType)
		if _, err := s.store.ErrorAction(ctx, conn, a.ID, reason); err != nil {
			log.Error("error unroutable action", "err", err)
		}
		log.Error("unroutable action", "reason", reason)
		s.metrics.processed.WithLabelValues(a.ActionType, string(OutcomeUnroutable)).Inc()
		return OutcomeUnroutable
	}

	s.metrics.inFlight.Inc()
	defer s.metrics.inFlight.Dec()
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.execute(execCtx, conn, a, ex) }()

	var o Outcome
	select {
	case err := <-done:
		if err != nil && execCtx.Err() != nil {
			// The deadline won the race with the executor's own return.
			o = s.settleTimeout(ctx, a, execCtx.Err(), log)
		} else {
			o = s.settle(ctx, s.recordDB(conn), a, err, log)
		}
		conn.Release()
	case <-execCtx.Done():
		// The executor goroutine still owns conn; it is released once the
		// executor returns. The failure is recorded through the pool.
		s.detached.Add(1)
		s.detachedN.Add(1)
		go func() {
			defer s.detached.Done()
			<-done
			conn.Release()
			s.detachedN.Add(-1)
		}()
		o = s.settleTimeout(ctx, a, execCtx.Err(), log)
	}

	s.metrics.duration.WithLabelValues(a.ActionType).Observe(time.Since(start).Seconds())
	s.metrics.processed.WithLabelValues(a.ActionType, string(o)).Inc()
	return o
}

// execute runs ex inside a transaction on conn. The action is completed in
// the same transaction, so continuations an executor enqueues commit if and
// only if the action is marked successful.
func (s *Scheduler) execute(ctx context.Context, conn *pgxpool.Conn, a *store.Action, ex Executor) error {
	return s.store.InTx(ctx, conn, func(tx pgx.Tx) error {
		if err := safeExecute(ctx, ex, a, tx); err != nil {
			return err
		}
		if _, err := s.store.CompleteAction(ctx, tx, a.ID); err != nil {
			return fmt.Errorf("complete: %w", err)
		}
		return nil
	})
}

func safeExecute(ctx context.Context, ex Executor, a *store.Action, tx pgx.Tx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return ex.Execute(ctx, a, tx)
}

// recordDB returns conn unless the executor left it closed, in which case the
// outcome is written through the pool.
func (s *Scheduler) recordDB(conn *pgxpool.Conn) store.DBTX {
	if conn.Conn().IsClosed() {
		return s.store.Pool()
	}
	return conn
}

// settle translates an executor result into a row transition on db.
func (s *Scheduler) settle(ctx context.Context, db store.DBTX, a *store.Action, execErr error, log *slog.Logger) Outcome {
	if execErr == nil {
		log.Info("action completed", "attempt", a.AttemptCount+1)
		return OutcomeSuccess
	}

	if IsPermanent(execErr) {
		_, err := s.store.ErrorAction(ctx, db, a.ID, execErr.Error())
		if err != nil {
			return s.transitionFailed(log, "error action", err)
		}
		log.Error("action errored", "err", execErr)
		return OutcomeErrored
	}

	return s.fail(ctx, db, a, execErr.Error(), log)
}

// settleTimeout records a timed-out execution as a transient failure.
func (s *Scheduler) settleTimeout(ctx context.Context, a *store.Action, cause error, log *slog.Logger) Outcome {
	reason := fmt.Sprintf("execution timed out after %s", s.cfg.ExecTimeout)
	if !errors.Is(cause, context.DeadlineExceeded) {
		reason = fmt.Sprintf("execution interrupted: %v", cause)
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if o := s.fail(rctx, s.store.Pool(), a, reason, log); o != OutcomeFailed {
		return o
	}
	return OutcomeTimeout
}

func (s *Scheduler) fail(ctx context.Context, db store.DBTX, a *store.Action, reason string, log *slog.Logger) Outcome {
	updated, err := s.store.FailAction(ctx, db, a.ID, reason)
	if err != nil {
		return s.transitionFailed(log, "fail action", err)
	}
	if updated.Status == store.StatusRetriesExceeded {
		log.Error("action retries exceeded",
			"attempts", updated.AttemptCount, "reason", reason)
		return OutcomeRetriesExceeded
	}
	log.Warn("action failed, will retry after lease expiry",
		"attempt", updated.AttemptCount,
		"max_attempts", updated.MaxAttemptCount,
		"retry_after", updated.BlockedUntil,
		"reason", reason,
	)
	return OutcomeFailed
}

func (s *Scheduler) transitionFailed(log *slog.Logger, op string, err error) Outcome {
	if errors.Is(err, store.ErrActionNotPending) {
		log.Warn("action left pending state during execution", "op", op, "err", err)
		return OutcomeSuperseded
	}
	log.Error(op, "err", err)
	return OutcomeFailed
}

// SweepExpired cancels pending actions whose expiry passed before they ran.
func (s *Scheduler) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.store.CancelExpiredActions(ctx, s.store.Pool(), s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	s.metrics.expired.Add(float64(n))
	return n, nil
}
