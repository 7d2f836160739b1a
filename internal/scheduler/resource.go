package scheduler

import (
	"context"
	"fmt"
)

// SetResourceLimit declares (or updates) a named resource's admission
// cap. maxConcurrency <= 0 means unbounded.
func (s *Scheduler) SetResourceLimit(ctx context.Context, name string, maxConcurrency int) error {
	var max any
	if maxConcurrency > 0 {
		max = maxConcurrency
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO task_resource (name, max_concurrency) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET max_concurrency = excluded.max_concurrency`,
		name, max)
	if err != nil {
		return fmt.Errorf("scheduler: set resource limit %s: %w", name, err)
	}
	return nil
}

// InFlight reports how many IN_PROGRESS tasks currently hold the named
// resource.
func (s *Scheduler) InFlight(ctx context.Context, name string) (int64, error) {
	var n int64
	row := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM task t
		JOIN task_resource_dep d ON d.task_id = t.id
		JOIN task_resource r ON r.id = d.resource_id
		WHERE r.name = ? AND t.status = 'IN_PROGRESS'`, name)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("scheduler: in-flight %s: %w", name, err)
	}
	return n, nil
}
