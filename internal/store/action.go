// ABOUTME: Store methods for the actions table: create, eligibility query, lease claim, transitions.
// ABOUTME: All timestamps compare against the database clock so every worker process shares one now().
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ActionStatus is the lifecycle state of an action row.
type ActionStatus string

// Action statuses. Pending is the only non-terminal status.
const (
	StatusPending         ActionStatus = "pending"
	StatusSuccess         ActionStatus = "success"
	StatusErrored         ActionStatus = "errored"
	StatusRetriesExceeded ActionStatus = "retries_exceeded"
	StatusCancelled       ActionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from st.
func (st ActionStatus) Terminal() bool {
	return st != StatusPending
}

const (
	// DefaultMaxAttempts applies when CreateActionParams.MaxAttemptCount is zero.
	DefaultMaxAttempts = 5

	// DefaultTTL is the gap between scheduled_at and expires_at when no expiry is given.
	DefaultTTL = 72 * time.Hour

	// ExpiredReason is recorded on actions cancelled by CancelExpiredActions.
	ExpiredReason = "expired before execution"

	// checkViolation is SQLSTATE check_violation. CreateAction reports it as
	// ErrInvalidAction since the table's CHECK constraints mirror Validate.
	checkViolation = "23514"
)

var (
	// ErrActionNotFound is returned by transitions on an unknown id.
	ErrActionNotFound = errors.New("action not found")

	// ErrActionNotPending is returned when a transition targets a row that has
	// already reached a terminal status. The row is left untouched.
	ErrActionNotPending = errors.New("action is not pending")

	// ErrInvalidAction wraps CreateAction validation failures.
	ErrInvalidAction = errors.New("invalid action")
)

// Action is one persisted unit of deferred work.
type Action struct {
	ID                uuid.UUID
	OriginEventID     uuid.NullUUID
	ActionType        string
	ChannelType       *string
	Payload           json.RawMessage
	SubjectTable      *string
	SubjectID         uuid.NullUUID
	ScheduledAt       time.Time
	ExpiresAt         time.Time
	LastAttemptedAt   *time.Time
	AttemptCount      int32
	MaxAttemptCount   int32
	Status            ActionStatus
	LastFailureReason *string
	BlockedUntil      time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Channel returns the channel type or "" when unset.
func (a *Action) Channel() string {
	if a.ChannelType == nil {
		return ""
	}
	return *a.ChannelType
}

// CreateActionParams holds the caller-supplied fields of a new action.
// Zero values select the defaults: ScheduledAt = now + Delay, ExpiresAt =
// ScheduledAt + DefaultTTL, MaxAttemptCount = DefaultMaxAttempts, Payload = {}.
// Delay is measured on the database clock and is ignored when ScheduledAt is set.
type CreateActionParams struct {
	OriginEventID   uuid.NullUUID
	ActionType      string
	ChannelType     string
	Payload         json.RawMessage
	SubjectTable    string
	SubjectID       uuid.NullUUID
	ScheduledAt     time.Time
	Delay           time.Duration
	ExpiresAt       time.Time
	MaxAttemptCount int32
}

// Validate checks the params and fills in the payload and attempt defaults.
func (p *CreateActionParams) Validate() error {
	if strings.TrimSpace(p.ActionType) == "" {
		return fmt.Errorf("%w: action_type is required", ErrInvalidAction)
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(p.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidAction)
	}
	if p.MaxAttemptCount == 0 {
		p.MaxAttemptCount = DefaultMaxAttempts
	}
	if p.MaxAttemptCount < 1 {
		return fmt.Errorf("%w: max_attempt_count must be at least 1", ErrInvalidAction)
	}
	if p.Delay < 0 {
		return fmt.Errorf("%w: delay must not be negative", ErrInvalidAction)
	}
	if (p.SubjectTable == "") != !p.SubjectID.Valid {
		return fmt.Errorf("%w: subject_table and subject_id must be set together", ErrInvalidAction)
	}
	if !p.ExpiresAt.IsZero() {
		// Without an explicit schedule the row is due at now + Delay; the
		// database clock makes the final call through actions_expiry_check.
		scheduled := p.ScheduledAt
		if scheduled.IsZero() {
			scheduled = time.Now().Add(p.Delay)
		}
		if !p.ExpiresAt.After(scheduled) {
			return fmt.Errorf("%w: expires_at must be after scheduled_at", ErrInvalidAction)
		}
	}
	return nil
}

// ActionFilter narrows FindPendingActions. A nil Types slice matches every type;
// Limit 0 returns every eligible row.
type ActionFilter struct {
	Types []string
	Limit int
}

const actionColumns = `id, origin_event_id, action_type, channel_type, payload,
	subject_table, subject_id, scheduled_at, expires_at, last_attempted_at,
	attempt_count, max_attempt_count, status, last_failure_reason,
	blocked_until, created_at, updated_at`

const createActionSQL = `
INSERT INTO actions (id, origin_event_id, action_type, channel_type, payload,
    subject_table, subject_id, scheduled_at, expires_at, max_attempt_count)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7,
    COALESCE($8::timestamptz, now() + ($12::float8 * interval '1 second')),
    COALESCE($9::timestamptz,
             COALESCE($8::timestamptz, now() + ($12::float8 * interval '1 second'))
             + ($10::float8 * interval '1 second')),
    $11)
RETURNING ` + actionColumns

// CreateAction validates p and inserts a pending action. Any process may call
// it; callers never need to know about leasing.
func (s *Store) CreateAction(ctx context.Context, db DBTX, p CreateActionParams) (*Action, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	row := db.QueryRow(ctx, createActionSQL,
		uuid.New(),
		p.OriginEventID,
		p.ActionType,
		nullString(p.ChannelType),
		[]byte(p.Payload),
		nullString(p.SubjectTable),
		p.SubjectID,
		nullTime(p.ScheduledAt),
		nullTime(p.ExpiresAt),
		DefaultTTL.Seconds(),
		p.MaxAttemptCount,
		p.Delay.Seconds(),
	)
	a, err := scanAction(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == checkViolation {
		return nil, fmt.Errorf("%w: %s violated", ErrInvalidAction, pgErr.ConstraintName)
	}
	if err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}
	return a, nil
}

// GetAction returns the action with the given id, or (nil, nil) if not found.
func (s *Store) GetAction(ctx context.Context, db DBTX, id uuid.UUID) (*Action, error) {
	a, err := scanAction(db.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action %s: %w", id, err)
	}
	return a, nil
}

// FindPendingActions returns the actions currently eligible for claiming:
// pending, due, unexpired, unleased and below their attempt cap. Rows are
// ordered by (scheduled_at, id) so discovery order is stable within a query.
func (s *Store) FindPendingActions(ctx context.Context, db DBTX, f ActionFilter) ([]Action, error) {
	sb := s.psql.
		Select(actionColumns).
		From("actions").
		Where(sq.Eq{"status": string(StatusPending)}).
		Where("scheduled_at <= now()").
		Where("expires_at > now()").
		Where("blocked_until <= now()").
		Where("attempt_count < max_attempt_count").
		OrderBy("scheduled_at", "id")
	if len(f.Types) > 0 {
		sb = sb.Where(sq.Eq{"action_type": f.Types})
	}
	if f.Limit > 0 {
		sb = sb.Limit(uint64(f.Limit)) //nolint:gosec // G115: limit validated by caller
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("find pending actions: build query: %w", err)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find pending actions: %w", err)
	}
	defer rows.Close()

	var result []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("find pending actions: scan: %w", err)
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find pending actions: %w", err)
	}
	return result, nil
}

// claimActionSQL is a single conditional UPDATE. When two workers race, the
// loser blocks on the row lock and Postgres re-evaluates the WHERE clause
// against the winner's committed row, where blocked_until is now in the future.
const claimActionSQL = `
UPDATE actions
SET blocked_until     = now() + ($2::float8 * interval '1 second'),
    last_attempted_at = now(),
    updated_at        = now()
WHERE id = $1
  AND status = 'pending'
  AND blocked_until <= now()
  AND scheduled_at <= now()
  AND expires_at > now()
  AND attempt_count < max_attempt_count`

// ClaimAction takes the lease on action id for lease. It returns (false, nil)
// when another worker holds the lease or the action is no longer eligible;
// the row is not modified in that case.
func (s *Store) ClaimAction(ctx context.Context, db DBTX, id uuid.UUID, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, fmt.Errorf("claim action %s: lease must be positive", id)
	}
	tag, err := db.Exec(ctx, claimActionSQL, id, lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("claim action %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteAction marks a pending action as succeeded and releases its lease.
func (s *Store) CompleteAction(ctx context.Context, db DBTX, id uuid.UUID) (*Action, error) {
	return s.finish(ctx, db, id, StatusSuccess, nil, "complete action")
}

// ErrorAction marks a pending action as permanently failed. Used for routing
// and payload failures and for any error an executor flags as not retryable.
func (s *Store) ErrorAction(ctx context.Context, db DBTX, id uuid.UUID, reason string) (*Action, error) {
	return s.finish(ctx, db, id, StatusErrored, &reason, "error action")
}

// CancelAction marks a pending action as cancelled. An empty reason keeps the
// previous last_failure_reason.
func (s *Store) CancelAction(ctx context.Context, db DBTX, id uuid.UUID, reason string) (*Action, error) {
	return s.finish(ctx, db, id, StatusCancelled, nullString(reason), "cancel action")
}

const finishActionSQL = `
UPDATE actions
SET status              = $2,
    last_failure_reason = COALESCE($3, last_failure_reason),
    blocked_until       = LEAST(blocked_until, now()),
    updated_at          = now()
WHERE id = $1 AND status = 'pending'
RETURNING ` + actionColumns

func (s *Store) finish(ctx context.Context, db DBTX, id uuid.UUID, status ActionStatus, reason *string, op string) (*Action, error) {
	a, err := scanAction(db.QueryRow(ctx, finishActionSQL, id, string(status), reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionMiss(ctx, db, id, op)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, id, err)
	}
	return a, nil
}

// failActionSQL increments attempt_count. The failure that reaches the cap
// moves the row to retries_exceeded and releases the lease; otherwise the lease
// is left to expire on its own, which is the retry cooldown.
const failActionSQL = `
UPDATE actions
SET attempt_count       = attempt_count + 1,
    last_failure_reason = $2,
    status        = CASE WHEN attempt_count + 1 >= max_attempt_count
                         THEN 'retries_exceeded' ELSE status END,
    blocked_until = CASE WHEN attempt_count + 1 >= max_attempt_count
                         THEN LEAST(blocked_until, now()) ELSE blocked_until END,
    updated_at    = now()
WHERE id = $1 AND status = 'pending'
RETURNING ` + actionColumns

// FailAction records a transient failure. The returned action is either still
// pending (another attempt will follow once the lease expires) or
// retries_exceeded.
func (s *Store) FailAction(ctx context.Context, db DBTX, id uuid.UUID, reason string) (*Action, error) {
	a, err := scanAction(db.QueryRow(ctx, failActionSQL, id, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionMiss(ctx, db, id, "fail action")
	}
	if err != nil {
		return nil, fmt.Errorf("fail action %s: %w", id, err)
	}
	return a, nil
}

// transitionMiss explains why a guarded UPDATE matched no row.
func (s *Store) transitionMiss(ctx context.Context, db DBTX, id uuid.UUID, op string) error {
	cur, err := s.GetAction(ctx, db, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if cur == nil {
		return fmt.Errorf("%s %s: %w", op, id, ErrActionNotFound)
	}
	return fmt.Errorf("%s %s (status %s): %w", op, id, cur.Status, ErrActionNotPending)
}

// HasPendingAction reports whether a live pending action of actionType exists
// for the given subject. Executors use it to avoid enqueuing duplicate
// follow-up work.
func (s *Store) HasPendingAction(ctx context.Context, db DBTX, actionType, subjectTable string, subjectID uuid.UUID) (bool, error) {
	return s.HasPendingActionExcept(ctx, db, actionType, subjectTable, subjectID, uuid.Nil)
}

// HasPendingActionExcept is HasPendingAction ignoring the row self. A
// recurring executor passes its own id, since its row is still pending while
// it runs.
func (s *Store) HasPendingActionExcept(ctx context.Context, db DBTX, actionType, subjectTable string, subjectID, self uuid.UUID) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM actions
    WHERE action_type = $1
      AND subject_table = $2
      AND subject_id = $3
      AND id <> $4
      AND status = 'pending'
      AND expires_at > now()
      AND attempt_count < max_attempt_count
)`, actionType, subjectTable, subjectID, self).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has pending action: %w", err)
	}
	return exists, nil
}

// CancelExpiredActions cancels up to limit pending actions whose expires_at has
// passed and whose lease is free, recording ExpiredReason. Returns the number
// of rows cancelled.
func (s *Store) CancelExpiredActions(ctx context.Context, db DBTX, limit int) (int, error) {
	tag, err := db.Exec(ctx, `
UPDATE actions
SET status = 'cancelled',
    last_failure_reason = $2,
    updated_at = now()
WHERE id IN (
    SELECT id FROM actions
    WHERE status = 'pending'
      AND expires_at <= now()
      AND blocked_until <= now()
    ORDER BY expires_at
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
  AND status = 'pending'
  AND blocked_until <= now()`, limit, ExpiredReason)
	if err != nil {
		return 0, fmt.Errorf("cancel expired actions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanAction(row pgx.Row) (*Action, error) {
	var (
		a       Action
		payload []byte
		status  string
	)
	if err := row.Scan(
		&a.ID, &a.OriginEventID, &a.ActionType, &a.ChannelType, &payload,
		&a.SubjectTable, &a.SubjectID, &a.ScheduledAt, &a.ExpiresAt, &a.LastAttemptedAt,
		&a.AttemptCount, &a.MaxAttemptCount, &status, &a.LastFailureReason,
		&a.BlockedUntil, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Payload = json.RawMessage(payload)
	a.Status = ActionStatus(status)
	return &a, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
