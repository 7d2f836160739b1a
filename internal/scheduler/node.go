package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/libragraph-com/vault/internal/index"
)

// StaleAfter is how long a node may go without a heartbeat before its
// IN_PROGRESS claims are considered abandoned.
const StaleAfter = 2 * time.Minute

// MaxRetries bounds stale-claim recovery: SweepStale moves a stale
// IN_PROGRESS task whose retry_count has reached this value to DEAD
// instead of OPEN. A retryable failure reported through Release always
// reopens the task.
const MaxRetries = 5

// RegisterNode upserts this process's node row, keyed by hostname (the
// same identity used as Task.ExecutorNode), refreshing its last_seen.
func (s *Scheduler) RegisterNode(ctx context.Context, hostname string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO node (hostname, last_seen) VALUES (?, ?)
		ON CONFLICT(hostname) DO UPDATE SET last_seen = excluded.last_seen`,
		hostname, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("scheduler: register node %s: %w", hostname, err)
	}
	return nil
}

// Heartbeat refreshes a node's last_seen timestamp so its in-flight
// claims are not swept as stale.
func (s *Scheduler) Heartbeat(ctx context.Context, hostname string) error {
	_, err := s.db.Exec(ctx, `UPDATE node SET last_seen = ? WHERE hostname = ?`, time.Now().Unix(), hostname)
	if err != nil {
		return fmt.Errorf("scheduler: heartbeat %s: %w", hostname, err)
	}
	return nil
}

// SweepStale recovers IN_PROGRESS tasks whose executor node has not
// heartbeaten within StaleAfter, and BACKGROUND tasks past their
// expires_at, reopening them (or moving to DEAD past MaxRetries).
func (s *Scheduler) SweepStale(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := time.Now().Add(-StaleAfter).Unix()
	now := time.Now().Unix()

	staleRows, err := tx.QueryContext(ctx, `
		SELECT t.id, t.retry_count FROM task t
		JOIN node n ON n.hostname = t.executor_node
		WHERE t.status = ? AND n.last_seen < ?`, index.StatusInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scheduler: query stale in-progress: %w", err)
	}
	type stale struct {
		id    int64
		tries int
	}
	var inProgress []stale
	for staleRows.Next() {
		var st stale
		if err := staleRows.Scan(&st.id, &st.tries); err != nil {
			staleRows.Close()
			return 0, err
		}
		inProgress = append(inProgress, st)
	}
	staleRows.Close()
	if err := staleRows.Err(); err != nil {
		return 0, err
	}

	bgRows, err := tx.QueryContext(ctx, `
		SELECT id FROM task WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		index.StatusBackground, now)
	if err != nil {
		return 0, fmt.Errorf("scheduler: query expired background: %w", err)
	}
	var expiredBG []int64
	for bgRows.Next() {
		var id int64
		if err := bgRows.Scan(&id); err != nil {
			bgRows.Close()
			return 0, err
		}
		expiredBG = append(expiredBG, id)
	}
	bgRows.Close()
	if err := bgRows.Err(); err != nil {
		return 0, err
	}

	recovered := 0
	for _, st := range inProgress {
		if st.tries >= MaxRetries {
			if _, err := tx.ExecContext(ctx, `UPDATE task SET status = ?, executor_node = NULL WHERE id = ?`,
				index.StatusDead, st.id); err != nil {
				return 0, fmt.Errorf("scheduler: mark dead %d: %w", st.id, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task SET status = ?, executor_node = NULL, retry_count = retry_count + 1 WHERE id = ?`,
			index.StatusOpen, st.id); err != nil {
			return 0, fmt.Errorf("scheduler: reopen stale %d: %w", st.id, err)
		}
		recovered++
	}
	for _, id := range expiredBG {
		if _, err := tx.ExecContext(ctx, `UPDATE task SET status = ?, expires_at = NULL WHERE id = ?`,
			index.StatusOpen, id); err != nil {
			return 0, fmt.Errorf("scheduler: reopen expired background %d: %w", id, err)
		}
		recovered++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for _, st := range inProgress {
		if st.tries < MaxRetries {
			s.notify.Publish(Event{Kind: EventTaskAvailable, TaskID: st.id})
		}
	}
	for _, id := range expiredBG {
		s.notify.Publish(Event{Kind: EventTaskAvailable, TaskID: id})
	}
	return recovered, nil
}
