// Package scheduler implements the durable, database-backed task queue:
// submit/claim/complete/fail/release, task and resource dependencies,
// priority ordering, stale-claim recovery, and cross-node completion
// notification.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/libragraph-com/vault/internal/index"
)

// Task mirrors the persisted row.
type Task struct {
	ID           int64
	TenantID     int64
	ParentID     *int64
	Type         string
	Status       index.TaskStatus
	Priority     int
	Input        json.RawMessage
	Output       json.RawMessage
	Retryable    *bool
	RetryCount   int
	ExecutorNode string
	CreatedAt    time.Time
	ClaimedAt    *time.Time
	CompletedAt  *time.Time
	ExpiresAt    *time.Time
}

// Outcome is the result a worker reports after executing a claimed task.
type Outcome struct {
	kind    outcomeKind
	output  json.RawMessage
	err     error
	timeout time.Duration
}

type outcomeKind int

const (
	outcomeComplete outcomeKind = iota
	outcomeBlocked
	outcomeBackground
	outcomeFailed
)

// Complete reports successful completion with the given JSON output.
func Complete(output json.RawMessage) Outcome { return Outcome{kind: outcomeComplete, output: output} }

// Blocked reports that the task must wait on its subtasks/deps.
func Blocked() Outcome { return Outcome{kind: outcomeBlocked} }

// Background reports the task continues out-of-band and should be
// revisited after timeout if nothing else completes it first.
func Background(timeout time.Duration) Outcome {
	return Outcome{kind: outcomeBackground, timeout: timeout}
}

// Failed reports a failure, retryable or terminal per err's TaskError kind.
func Failed(err error) Outcome { return Outcome{kind: outcomeFailed, err: err} }

// TaskTypeSpec is the declaration a task type registers with the
// scheduler: its required resources for admission control.
type TaskTypeSpec struct {
	Type              string
	RequiredResources []string
}
