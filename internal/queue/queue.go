// Package queue defines the agent work queue: priority ordered, delayed
// availability, one in-flight task per negotiation and bounded retries.
package queue

import (
	"context"
	"time"

	"github.com/basket/haggle/internal/negotiation"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// MaxAttempts bounds how many times a task is claimed before it fails for good.
const MaxAttempts = 2

// ErrConflict is returned by Enqueue when the negotiation already has a
// pending or processing task.
var ErrConflict = negotiation.Errorf(negotiation.CodeQueueConflict, "negotiation already has a queued task")

// Task asks the seller agent to respond to one buyer offer.
type Task struct {
	ID            string     `json:"id"`
	NegotiationID string     `json:"negotiation_id"`
	OfferID       string     `json:"offer_id"`
	Priority      int        `json:"priority"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	AvailableAt   time.Time  `json:"available_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	DecisionID    string     `json:"decision_id,omitempty"`
}

// Queue is implemented by Memory and by the SQLite store.
type Queue interface {
	// Enqueue stores a pending task. ID, CreatedAt and AvailableAt are
	// filled when empty.
	Enqueue(ctx context.Context, t Task) (Task, error)
	// DequeueNext claims the best eligible pending task, ordered by
	// (priority, created_at, id), and marks it processing. Returns nil when
	// nothing is eligible.
	DequeueNext(ctx context.Context) (*Task, error)
	Complete(ctx context.Context, id, decisionID string) error
	// Fail marks a task failed without retry.
	Fail(ctx context.Context, id, reason string) error
	// Requeue returns a task to pending while attempts remain and reports
	// whether it did. Otherwise the task is failed.
	Requeue(ctx context.Context, id, reason string) (bool, error)
	// RecoverStale returns processing tasks last touched before olderThan
	// to pending.
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)
	// Depth counts pending and processing tasks.
	Depth(ctx context.Context) (int, error)
}

// Less is the dequeue order shared by every implementation.
func Less(a, b Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
