package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/basket/haggle/internal/queue"
	"github.com/basket/haggle/internal/shared"
)

// Task event types written to task_events.
const (
	EventTaskEnqueued  = "task.enqueued"
	EventTaskClaimed   = "task.claimed"
	EventTaskCompleted = "task.completed"
	EventTaskRequeued  = "task.requeued"
	EventTaskFailed    = "task.failed"
	EventTaskRecovered = "task.recovered"
)

const taskColumns = `id, negotiation_id, offer_id, priority, status, attempts, available_at,
	created_at, updated_at, processed_at, error_message, decision_id`

// TaskEvent is one row of a task's audit trail.
type TaskEvent struct {
	EventID       int64        `json:"event_id"`
	TaskID        string       `json:"task_id"`
	NegotiationID string       `json:"negotiation_id"`
	TraceID       string       `json:"trace_id"`
	EventType     string       `json:"event_type"`
	StateFrom     queue.Status `json:"state_from,omitempty"`
	StateTo       queue.Status `json:"state_to"`
	Reason        string       `json:"reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

var _ queue.Queue = (*Store)(nil)

func scanTask(scan func(dest ...any) error, t *queue.Task) error {
	return scan(&t.ID, &t.NegotiationID, &t.OfferID, &t.Priority, &t.Status, &t.Attempts,
		&t.AvailableAt, &t.CreatedAt, &t.UpdatedAt, &t.ProcessedAt, &t.ErrorMessage, &t.DecisionID)
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, negotiationID string, from, to queue.Status, eventType, reason string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, negotiation_id, trace_id, event_type, state_from, state_to, reason, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, negotiationID, shared.TraceID(ctx), eventType, string(from), string(to), reason, now)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx moves a task from one of allowedFrom to to and logs the
// event. It returns false when the task is missing or in another state.
func transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, allowedFrom []queue.Status, to queue.Status,
	eventType, reason, decisionID string, now time.Time) (bool, error) {
	var current queue.Status
	var negotiationID string
	if err := tx.QueryRowContext(ctx, `SELECT status, negotiation_id FROM agent_tasks WHERE id = ?;`, taskID).
		Scan(&current, &negotiationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}

	terminal := to == queue.StatusCompleted || to == queue.StatusFailed
	var processedAt any
	if terminal {
		processedAt = now
	}
	attemptsDelta := 0
	if to == queue.StatusProcessing && current == queue.StatusPending {
		attemptsDelta = 1
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE agent_tasks SET
			status = ?,
			attempts = attempts + ?,
			error_message = CASE WHEN ? != '' THEN ? ELSE error_message END,
			decision_id = CASE WHEN ? != '' THEN ? ELSE decision_id END,
			processed_at = COALESCE(?, processed_at),
			updated_at = ?
		WHERE id = ? AND status = ?;
	`, to, attemptsDelta, reason, reason, decisionID, decisionID, processedAt, now, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil || affected != 1 {
		return false, err
	}
	if err := appendTaskEventTx(ctx, tx, taskID, negotiationID, current, to, eventType, reason, now); err != nil {
		return false, err
	}
	return true, nil
}

// failPendingTasksTx fails queued tasks for negotiations that just closed.
func failPendingTasksTx(ctx context.Context, tx *sql.Tx, negotiationIDs []string, reason string, now time.Time) error {
	if len(negotiationIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(negotiationIDs))
	for _, id := range negotiationIDs {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM agent_tasks
		WHERE status = 'pending' AND negotiation_id IN (`+placeholders(len(args))+`);
	`, args...)
	if err != nil {
		return fmt.Errorf("select pending tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := transitionTaskTx(ctx, tx, id, []queue.Status{queue.StatusPending}, queue.StatusFailed,
			EventTaskFailed, reason, "", now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, t queue.Task) (queue.Task, error) {
	now := s.clock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.AvailableAt.IsZero() {
		t.AvailableAt = now
	}
	t.Status = queue.StatusPending
	t.Attempts = 0
	t.UpdatedAt = now

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var inFlight int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM agent_tasks
			WHERE negotiation_id = ? AND status IN ('pending','processing');
		`, t.NegotiationID).Scan(&inFlight); err != nil {
			return fmt.Errorf("check in-flight task: %w", err)
		}
		if inFlight > 0 {
			return queue.ErrConflict
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, NULL, '', '');
		`, t.ID, t.NegotiationID, t.OfferID, t.Priority, t.Status, t.AvailableAt.UTC(), t.CreatedAt.UTC(), now); err != nil {
			if isUniqueViolation(err) {
				return queue.ErrConflict
			}
			return fmt.Errorf("insert task: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, t.ID, t.NegotiationID, "", queue.StatusPending, EventTaskEnqueued, "", now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return queue.Task{}, err
	}
	return t, nil
}

func (s *Store) DequeueNext(ctx context.Context) (*queue.Task, error) {
	var result *queue.Task
	err := retryOnBusy(ctx, 5, func() error {
		result = nil
		now := s.clock()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var t queue.Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM agent_tasks
			WHERE status = 'pending' AND available_at <= ?
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1;
		`, now)
		if err := scanTask(row.Scan, &t); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select pending task: %w", err)
		}

		ok, err := transitionTaskTx(ctx, tx, t.ID, []queue.Status{queue.StatusPending}, queue.StatusProcessing,
			EventTaskClaimed, "", "", now)
		if err != nil {
			return fmt.Errorf("claim task transition: %w", err)
		}
		if !ok {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		t.Status = queue.StatusProcessing
		t.Attempts++
		t.UpdatedAt = now
		result = &t
		return nil
	})
	return result, err
}

// finishTask runs a single transition in its own transaction.
func (s *Store) finishTask(ctx context.Context, id string, from []queue.Status, to queue.Status, eventType, reason, decisionID string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		ok, err = transitionTaskTx(ctx, tx, id, from, to, eventType, reason, decisionID, s.clock())
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return ok, err
}

func (s *Store) Complete(ctx context.Context, id, decisionID string) error {
	ok, err := s.finishTask(ctx, id, []queue.Status{queue.StatusProcessing}, queue.StatusCompleted, EventTaskCompleted, "", decisionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s is not processing", id)
	}
	return nil
}

func (s *Store) Fail(ctx context.Context, id, reason string) error {
	ok, err := s.finishTask(ctx, id, []queue.Status{queue.StatusPending, queue.StatusProcessing}, queue.StatusFailed, EventTaskFailed, reason, "")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s is not pending or processing", id)
	}
	return nil
}

func (s *Store) Requeue(ctx context.Context, id, reason string) (bool, error) {
	var requeued bool
	err := retryOnBusy(ctx, 5, func() error {
		requeued = false
		now := s.clock()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM agent_tasks WHERE id = ?;`, id).Scan(&attempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s not found", id)
			}
			return fmt.Errorf("read task attempts: %w", err)
		}

		to, eventType := queue.StatusPending, EventTaskRequeued
		if attempts >= queue.MaxAttempts {
			to, eventType = queue.StatusFailed, EventTaskFailed
		}
		ok, err := transitionTaskTx(ctx, tx, id, []queue.Status{queue.StatusProcessing}, to, eventType, reason, "", now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("task %s is not processing", id)
		}
		requeued = to == queue.StatusPending
		return tx.Commit()
	})
	return requeued, err
}

func (s *Store) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	var recovered int
	err := retryOnBusy(ctx, 5, func() error {
		recovered = 0
		now := s.clock()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recovery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM agent_tasks WHERE status = 'processing' AND updated_at < ?;
		`, olderThan.UTC())
		if err != nil {
			return fmt.Errorf("select stale tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			ok, err := transitionTaskTx(ctx, tx, id, []queue.Status{queue.StatusProcessing}, queue.StatusPending,
				EventTaskRecovered, "recovered after interruption", "", now)
			if err != nil {
				return err
			}
			if ok {
				recovered++
			}
		}
		return tx.Commit()
	})
	return recovered, err
}

func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_tasks WHERE status IN ('pending','processing');
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*queue.Task, error) {
	var t queue.Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?;`, id)
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListTasks pages through tasks newest first, optionally filtered by status.
// It also returns the total matching count.
func (s *Store) ListTasks(ctx context.Context, status queue.Status, limit, offset int) ([]queue.Task, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	where, args := "", []any{}
	if status != "" {
		where, args = "WHERE status = ?", append(args, status)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_tasks `+where+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM agent_tasks `+where+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?;
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	out := []queue.Task{}
	for rows.Next() {
		var t queue.Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// ListTaskEvents returns a task's audit trail in order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, negotiation_id, trace_id, event_type, COALESCE(state_from, ''), state_to, reason, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var e TaskEvent
		if err := rows.Scan(&e.EventID, &e.TaskID, &e.NegotiationID, &e.TraceID, &e.EventType,
			&e.StateFrom, &e.StateTo, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[queue.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agent_tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()
	out := map[queue.Status]int{}
	for rows.Next() {
		var st queue.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
