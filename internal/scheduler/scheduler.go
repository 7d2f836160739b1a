package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/libragraph-com/vault/internal/index"
	"github.com/libragraph-com/vault/internal/obslog"
	"github.com/libragraph-com/vault/internal/vaulterr"
)

// Scheduler is the database-backed work queue. All
// state lives in the `task`, `task_task_dep`, `task_resource`,
// `task_resource_dep` and `node` tables; Scheduler itself holds no
// authoritative state besides an in-process notifier and a type registry.
type Scheduler struct {
	db     *index.DB
	notify *notifier
	logger zerolog.Logger

	mu    sync.RWMutex
	types map[string]TaskTypeSpec
}

// New constructs a Scheduler over db.
func New(db *index.DB) *Scheduler {
	return &Scheduler{
		db:     db,
		notify: newNotifier(),
		logger: obslog.WithComponent("scheduler"),
		types:  make(map[string]TaskTypeSpec),
	}
}

// RegisterType declares a task type's resource requirements.
func (s *Scheduler) RegisterType(spec TaskTypeSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[spec.Type] = spec
}

// Subscribe exposes the cross-node notification stream.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	return s.notify.Subscribe()
}

// Submit creates an OPEN task and its declared resource-dependency rows,
// returning the new task id.
func (s *Scheduler) Submit(ctx context.Context, tenantID int64, taskType string, input any, priority int) (int64, error) {
	return s.submit(ctx, tenantID, nil, taskType, input, priority)
}

// SubmitSubtask creates an OPEN task with parent_id set, records a
// task-dep edge (parent depends on subtask), and moves the parent to
// BLOCKED.
func (s *Scheduler) SubmitSubtask(ctx context.Context, parentID, tenantID int64, taskType string, input any, priority int) (int64, error) {
	childID, err := s.submit(ctx, tenantID, &parentID, taskType, input, priority)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO task_task_dep (task_id, depends_on) VALUES (?, ?)`, parentID, childID); err != nil {
		return 0, fmt.Errorf("scheduler: insert task dep: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE task SET status = ? WHERE id = ? AND status NOT IN ('COMPLETE','ERROR','CANCELLED','DEAD')`, index.StatusBlocked, parentID); err != nil {
		return 0, fmt.Errorf("scheduler: block parent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return childID, nil
}

func (s *Scheduler) submit(ctx context.Context, tenantID int64, parentID *int64, taskType string, input any, priority int) (int64, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return 0, fmt.Errorf("scheduler: %w: marshal input: %v", vaulterr.ErrTaskInputInvalid, err)
	}
	if priority == 0 {
		priority = 128
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO task (tenant_id, parent_id, type, status, priority, input, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tenantID, parentID, taskType, index.StatusOpen, priority, string(payload), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("scheduler: insert task: %w", err)
	}
	taskID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	spec, known := s.types[taskType]
	s.mu.RUnlock()
	if known {
		for _, resName := range spec.RequiredResources {
			resID, err := findOrInsertResource(ctx, tx, resName)
			if err != nil {
				return 0, err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_resource_dep (task_id, resource_id) VALUES (?, ?)`, taskID, resID); err != nil {
				return 0, fmt.Errorf("scheduler: insert resource dep: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.notify.Publish(Event{Kind: EventTaskAvailable, TaskID: taskID})
	return taskID, nil
}

func findOrInsertResource(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_resource (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return 0, fmt.Errorf("scheduler: insert resource %s: %w", name, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM task_resource WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("scheduler: select resource %s: %w", name, err)
	}
	return id, nil
}

// Claim implements the claim protocol: among OPEN,
// unclaimed tasks ordered by (priority DESC, created_at ASC, id ASC),
// skip any whose resource deps are saturated, and atomically mark the
// first admissible one IN_PROGRESS for nodeID.
//
// SQLite has no SELECT ... FOR UPDATE SKIP LOCKED, so admissibility is
// computed in Go over a single-writer transaction and the claim itself is
// a conditional UPDATE ... WHERE status = 'OPEN' — the same "exactly one
// claimer wins" guarantee, serialized by SQLite's single-writer lock
// instead of Postgres row locks.
func (s *Scheduler) Claim(ctx context.Context, nodeID string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM task
		WHERE status = ? AND executor_node IS NULL
		ORDER BY priority DESC, created_at ASC, id ASC`, index.StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list claimable: %w", err)
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range candidates {
		ok, err := resourcesAdmit(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		now := time.Now().Unix()
		res, err := tx.ExecContext(ctx, `
			UPDATE task SET status = ?, executor_node = ?, claimed_at = ?
			WHERE id = ? AND status = ? AND executor_node IS NULL`,
			index.StatusInProgress, nodeID, now, id, index.StatusOpen)
		if err != nil {
			return nil, fmt.Errorf("scheduler: claim %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue // lost the race; try the next candidate
		}

		task, err := loadTaskTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return task, nil
	}

	return nil, nil // nothing claimable right now
}

// resourcesAdmit reports whether every resource taskID depends on has
// spare capacity (current IN_PROGRESS holders < max_concurrency).
func resourcesAdmit(ctx context.Context, tx *sql.Tx, taskID int64) (bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT r.id, r.max_concurrency
		FROM task_resource_dep d JOIN task_resource r ON r.id = d.resource_id
		WHERE d.task_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("scheduler: resource deps for %d: %w", taskID, err)
	}
	defer rows.Close()

	type res struct {
		id  int64
		max sql.NullInt64
	}
	var deps []res
	for rows.Next() {
		var r res
		if err := rows.Scan(&r.id, &r.max); err != nil {
			return false, err
		}
		deps = append(deps, r)
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	for _, r := range deps {
		if !r.max.Valid {
			continue
		}
		var inFlight int64
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM task t
			JOIN task_resource_dep d ON d.task_id = t.id
			WHERE d.resource_id = ? AND t.status = ?`, r.id, index.StatusInProgress).Scan(&inFlight)
		if err != nil {
			return false, fmt.Errorf("scheduler: count in-flight for resource %d: %w", r.id, err)
		}
		if inFlight >= r.max.Int64 {
			return false, nil
		}
	}
	return true, nil
}

func loadTaskTx(ctx context.Context, tx *sql.Tx, id int64) (*Task, error) {
	row := tx.QueryRowContext(ctx, taskSelectColumns+` WHERE id = ?`, id)
	return scanTask(row)
}

const taskSelectColumns = `
	SELECT id, tenant_id, parent_id, type, status, priority, input, output,
	       retryable, retry_count, executor_node, created_at, claimed_at, completed_at, expires_at
	FROM task`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var parentID, retryable, claimedAt, completedAt, expiresAt sql.NullInt64
	var output sql.NullString
	var executor sql.NullString
	var input string
	var createdAt int64

	err := row.Scan(&t.ID, &t.TenantID, &parentID, &t.Type, &t.Status, &t.Priority, &input, &output,
		&retryable, &t.RetryCount, &executor, &createdAt, &claimedAt, &completedAt, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scheduler: scan task: %w", err)
	}

	t.Input = json.RawMessage(input)
	if output.Valid {
		t.Output = json.RawMessage(output.String)
	}
	if parentID.Valid {
		v := parentID.Int64
		t.ParentID = &v
	}
	if retryable.Valid {
		b := retryable.Int64 != 0
		t.Retryable = &b
	}
	t.ExecutorNode = executor.String
	t.CreatedAt = time.Unix(createdAt, 0)
	if claimedAt.Valid {
		v := time.Unix(claimedAt.Int64, 0)
		t.ClaimedAt = &v
	}
	if completedAt.Valid {
		v := time.Unix(completedAt.Int64, 0)
		t.CompletedAt = &v
	}
	if expiresAt.Valid {
		v := time.Unix(expiresAt.Int64, 0)
		t.ExpiresAt = &v
	}
	return &t, nil
}

// GetTask reloads a task row by id.
func (s *Scheduler) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRow(ctx, taskSelectColumns+` WHERE id = ?`, id)
	return scanTask(row)
}

// Release applies the post-execution state machine transition for a
// claimed task: outcome is one of Complete, Blocked, Background, or Failed.
func (s *Scheduler) Release(ctx context.Context, taskID int64, outcome Outcome) error {
	switch outcome.kind {
	case outcomeComplete:
		return s.complete(ctx, taskID, outcome.output)
	case outcomeBlocked:
		return s.setStatus(ctx, taskID, index.StatusBlocked, nil)
	case outcomeBackground:
		exp := time.Now().Add(outcome.timeout)
		return s.setStatus(ctx, taskID, index.StatusBackground, &exp)
	case outcomeFailed:
		return s.fail(ctx, taskID, outcome.err)
	default:
		return fmt.Errorf("scheduler: unknown outcome kind %d", outcome.kind)
	}
}

func (s *Scheduler) setStatus(ctx context.Context, taskID int64, status index.TaskStatus, expiresAt *time.Time) error {
	var exp any
	if expiresAt != nil {
		exp = expiresAt.Unix()
	}
	_, err := s.db.Exec(ctx, `UPDATE task SET status = ?, expires_at = ?, executor_node = NULL WHERE id = ? AND status = ?`, status, exp, taskID, index.StatusInProgress)
	if err != nil {
		return fmt.Errorf("scheduler: set status %d: %w", taskID, err)
	}
	if status == index.StatusOpen {
		s.notify.Publish(Event{Kind: EventTaskAvailable, TaskID: taskID})
	}
	return nil
}

// complete marks a task COMPLETE and, in the same transaction, unblocks
// any task depending on it. Guarded by status = IN_PROGRESS, so a task
// cancelled out from under an in-flight worker stays CANCELLED: this
// completion becomes a no-op rather than overwriting the cancel.
func (s *Scheduler) complete(ctx context.Context, taskID int64, output json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE task SET status = ?, output = ?, completed_at = ?, executor_node = NULL
		WHERE id = ? AND status = ?`,
		index.StatusComplete, string(output), now, taskID, index.StatusInProgress)
	if err != nil {
		return fmt.Errorf("scheduler: complete %d: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("scheduler: complete %d: %w", taskID, err)
	}
	if affected == 0 {
		return tx.Commit()
	}

	if err := unblockDependents(ctx, tx, taskID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify.Publish(Event{Kind: EventTaskCompleted, TaskID: taskID})
	return nil
}

// unblockDependents flips any BLOCKED task whose dependencies are now all
// COMPLETE back to OPEN. Run inside the same transaction that marks the
// dependency COMPLETE, so no concurrent completion can race past it.
func unblockDependents(ctx context.Context, tx *sql.Tx, completedTaskID int64) error {
	rows, err := tx.QueryContext(ctx, `SELECT task_id FROM task_task_dep WHERE depends_on = ?`, completedTaskID)
	if err != nil {
		return fmt.Errorf("scheduler: find dependents of %d: %w", completedTaskID, err)
	}
	var dependents []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		dependents = append(dependents, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, depID := range dependents {
		var remaining int64
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM task_task_dep d JOIN task t ON t.id = d.depends_on
			WHERE d.task_id = ? AND t.status != ?`, depID, index.StatusComplete).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("scheduler: count remaining deps for %d: %w", depID, err)
		}
		if remaining == 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE task SET status = ? WHERE id = ? AND status = ?`,
				index.StatusOpen, depID, index.StatusBlocked); err != nil {
				return fmt.Errorf("scheduler: unblock %d: %w", depID, err)
			}
		}
	}
	return nil
}

// fail applies the retry policy: retryable
// failures return to OPEN with retry_count incremented, terminal failures
// go to ERROR with the failure recorded in output.
func (s *Scheduler) fail(ctx context.Context, taskID int64, cause error) error {
	out, err := json.Marshal(vaulterr.ToOutput(cause))
	if err != nil {
		return err
	}

	retryable := false
	var te *vaulterr.TaskError
	if errors.As(cause, &te) {
		retryable = te.Retryable
	}

	if retryable {
		_, err := s.db.Exec(ctx, `
			UPDATE task SET status = ?, retry_count = retry_count + 1, executor_node = NULL, output = ?
			WHERE id = ? AND status = ?`, index.StatusOpen, string(out), taskID, index.StatusInProgress)
		if err != nil {
			return fmt.Errorf("scheduler: retry %d: %w", taskID, err)
		}
		s.notify.Publish(Event{Kind: EventTaskAvailable, TaskID: taskID})
		return nil
	}

	now := time.Now().Unix()
	_, err = s.db.Exec(ctx, `
		UPDATE task SET status = ?, output = ?, completed_at = ?, executor_node = NULL WHERE id = ? AND status = ?`,
		index.StatusError, string(out), now, taskID, index.StatusInProgress)
	if err != nil {
		return fmt.Errorf("scheduler: error %d: %w", taskID, err)
	}
	return nil
}

// Cancel marks a task CANCELLED (admin operation). In-flight
// tasks are not interrupted; their eventual completion becomes a no-op
// because Release only transitions rows whose current status still makes
// sense for the requested outcome.
func (s *Scheduler) Cancel(ctx context.Context, taskID int64) error {
	_, err := s.db.Exec(ctx, `UPDATE task SET status = ? WHERE id = ? AND status NOT IN (?, ?, ?)`,
		index.StatusCancelled, taskID, index.StatusComplete, index.StatusError, index.StatusCancelled)
	if err != nil {
		return fmt.Errorf("scheduler: cancel %d: %w", taskID, err)
	}
	return nil
}
