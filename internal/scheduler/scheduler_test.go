package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/libragraph-com/vault/internal/index"
	"github.com/libragraph-com/vault/internal/vaulterr"
)

func newTestScheduler(t *testing.T) (*Scheduler, int64) {
	t.Helper()
	ctx := context.Background()

	db, err := index.Open(filepath.Join(t.TempDir(), "index.db"), index.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, index.Migrate(ctx, db))

	orgID, err := index.FindOrInsertOrganization(ctx, db, "acme")
	require.NoError(t, err)
	tenant, err := index.FindOrInsertTenant(ctx, db, orgID, "default", "")
	require.NoError(t, err)

	return New(db), tenant.ID
}

func TestClaimOrdersByPriorityThenCreation(t *testing.T) {
	ctx := context.Background()
	s, tenantID := newTestScheduler(t)

	_, err := s.Submit(ctx, tenantID, "ingest", map[string]string{"k": "low"}, 100)
	require.NoError(t, err)
	highID, err := s.Submit(ctx, tenantID, "ingest", map[string]string{"k": "high"}, 200)
	require.NoError(t, err)

	task, err := s.Claim(ctx, "node-a")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, highID, task.ID)
	require.Equal(t, index.StatusInProgress, task.Status)
	require.Equal(t, "node-a", task.ExecutorNode)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s, tenantID := newTestScheduler(t)

	_, err := s.Submit(ctx, tenantID, "ingest", map[string]string{}, 128)
	require.NoError(t, err)

	first, err := s.Claim(ctx, "node-a")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.Claim(ctx, "node-b")
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestCompleteUnblocksDependent(t *testing.T) {
	ctx := context.Background()
	s, tenantID := newTestScheduler(t)

	parentID, err := s.Submit(ctx, tenantID, "assemble", map[string]string{}, 128)
	require.NoError(t, err)

	childID, err := s.SubmitSubtask(ctx, parentID, tenantID, "ingest_leaf", map[string]string{}, 128)
	require.NoError(t, err)

	parent, err := s.GetTask(ctx, parentID)
	require.NoError(t, err)
	require.Equal(t, index.StatusBlocked, parent.Status)

	task, err := s.Claim(ctx, "node-a")
	require.NoError(t, err)
	require.Equal(t, childID, task.ID)

	require.NoError(t, s.Release(ctx, childID, Complete(json.RawMessage(`{"ok":true}`))))

	parent, err = s.GetTask(ctx, parentID)
	require.NoError(t, err)
	require.Equal(t, index.StatusOpen, parent.Status)

	again, err := s.Claim(ctx, "node-a")
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, parentID, again.ID)
}

func TestResourceCapBlocksOverAdmission(t *testing.T) {
	ctx := context.Background()
	s, tenantID := newTestScheduler(t)
	require.NoError(t, s.SetResourceLimit(ctx, "cpu_heavy", 1))
	s.RegisterType(TaskTypeSpec{Type: "transcode", RequiredResources: []string{"cpu_heavy"}})

	id1, err := s.Submit(ctx, tenantID, "transcode", map[string]string{}, 128)
	require.NoError(t, err)
	_, err = s.Submit(ctx, tenantID, "transcode", map[string]string{}, 128)
	require.NoError(t, err)

	first, err := s.Claim(ctx, "node-a")
	require.NoError(t, err)
	require.Equal(t, id1, first.ID)

	second, err := s.Claim(ctx, "node-b")
	require.NoError(t, err)
	require.Nil(t, second, "second transcode task should not be admitted while cpu_heavy is saturated")

	require.NoError(t, s.Release(ctx, id1, Complete(nil)))

	third, err := s.Claim(ctx, "node-b")
	require.NoError(t, err)
	require.NotNil(t, third, "resource should free up after the first task completes")
}

func TestFailRetryableReopensTask(t *testing.T) {
	ctx := context.Background()
	s, tenantID := newTestScheduler(t)

	id, err := s.Submit(ctx, tenantID, "ingest", map[string]string{}, 128)
	require.NoError(t, err)

	_, err = s.Claim(ctx, "node-a")
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, id, Failed(vaulterr.Retryable(errors.New("transient io error")))))

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, index.StatusOpen, task.Status)
	require.Equal(t, 1, task.RetryCount)
}

func TestFailTerminalMovesToError(t *testing.T) {
	ctx := context.Background()
	s, tenantID := newTestScheduler(t)

	id, err := s.Submit(ctx, tenantID, "ingest", map[string]string{}, 128)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "node-a")
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, id, Failed(vaulterr.Terminal(vaulterr.ErrUnknownFormat))))

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, index.StatusError, task.Status)
}

func TestSweepStaleReopensAbandonedClaims(t *testing.T) {
	ctx := context.Background()
	s, tenantID := newTestScheduler(t)
	require.NoError(t, s.RegisterNode(ctx, "node-a"))

	id, err := s.Submit(ctx, tenantID, "ingest", map[string]string{}, 128)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "node-a")
	require.NoError(t, err)

	_, err = s.db.Exec(ctx, `UPDATE node SET last_seen = ? WHERE hostname = ?`,
		time.Now().Add(-StaleAfter*2).Unix(), "node-a")
	require.NoError(t, err)

	n, err := s.SweepStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, index.StatusOpen, task.Status)
	require.Equal(t, 1, task.RetryCount)
}

func TestSweepStaleMarksDeadPastMaxRetries(t *testing.T) {
	ctx := context.Background()
	s, tenantID := newTestScheduler(t)
	require.NoError(t, s.RegisterNode(ctx, "node-a"))

	id, err := s.Submit(ctx, tenantID, "ingest", map[string]string{}, 128)
	require.NoError(t, err)
	_, err = s.db.Exec(ctx, `UPDATE task SET retry_count = ? WHERE id = ?`, MaxRetries, id)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "node-a")
	require.NoError(t, err)

	_, err = s.db.Exec(ctx, `UPDATE node SET last_seen = ? WHERE hostname = ?`,
		time.Now().Add(-StaleAfter*2).Unix(), "node-a")
	require.NoError(t, err)

	_, err = s.SweepStale(ctx)
	require.NoError(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, index.StatusDead, task.Status)
}

func TestCancelSkipsTerminalStates(t *testing.T) {
	ctx := context.Background()
	s, tenantID := newTestScheduler(t)

	id, err := s.Submit(ctx, tenantID, "ingest", map[string]string{}, 128)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, id))

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, index.StatusCancelled, task.Status)

	doneID, err := s.Submit(ctx, tenantID, "ingest", map[string]string{}, 128)
	require.NoError(t, err)
	claimed, err := s.Claim(ctx, "node-a")
	require.NoError(t, err)
	require.Equal(t, doneID, claimed.ID)
	require.NoError(t, s.Release(ctx, doneID, Complete(json.RawMessage(`{"ok":true}`))))
	require.NoError(t, s.Cancel(ctx, doneID))

	done, err := s.GetTask(ctx, doneID)
	require.NoError(t, err)
	require.Equal(t, index.StatusComplete, done.Status, "cancel must not overwrite a terminal status")
}

func TestCompleteAfterCancelIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, tenantID := newTestScheduler(t)

	id, err := s.Submit(ctx, tenantID, "ingest", map[string]string{}, 128)
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, "node-a")
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	require.NoError(t, s.Cancel(ctx, id))

	require.NoError(t, s.Release(ctx, id, Complete(json.RawMessage(`{"ok":true}`))))

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, index.StatusCancelled, task.Status, "a late completion must not overwrite a cancel")
}
