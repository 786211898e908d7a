package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue.
type Memory struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	pending  taskHeap
	inFlight map[string]string // negotiation id -> task id
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]*Task),
		inFlight: make(map[string]string),
		now:      time.Now,
	}
}

func (m *Memory) Enqueue(_ context.Context, t Task) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.inFlight[t.NegotiationID]; busy {
		return Task{}, ErrConflict
	}
	now := m.now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.AvailableAt.IsZero() {
		t.AvailableAt = now
	}
	t.Status = StatusPending
	t.UpdatedAt = now

	stored := t
	m.tasks[t.ID] = &stored
	m.inFlight[t.NegotiationID] = t.ID
	heap.Push(&m.pending, &stored)
	return t, nil
}

func (m *Memory) DequeueNext(_ context.Context) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var deferred []*Task
	defer func() {
		for _, t := range deferred {
			heap.Push(&m.pending, t)
		}
	}()

	for m.pending.Len() > 0 {
		t := heap.Pop(&m.pending).(*Task)
		if t.Status != StatusPending {
			continue
		}
		if t.AvailableAt.After(now) {
			deferred = append(deferred, t)
			continue
		}
		t.Status = StatusProcessing
		t.Attempts++
		t.UpdatedAt = now
		out := *t
		return &out, nil
	}
	return nil, nil
}

func (m *Memory) Complete(_ context.Context, id, decisionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.processing(id)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	t.Status = StatusCompleted
	t.DecisionID = decisionID
	t.ProcessedAt = &now
	t.UpdatedAt = now
	m.release(t)
	return nil
}

func (m *Memory) Fail(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status != StatusPending && t.Status != StatusProcessing {
		return fmt.Errorf("task %s is not pending or processing", id)
	}
	m.fail(t, reason)
	return nil
}

func (m *Memory) fail(t *Task, reason string) {
	now := m.now().UTC()
	t.Status = StatusFailed
	t.ErrorMessage = reason
	t.ProcessedAt = &now
	t.UpdatedAt = now
	m.release(t)
}

// release frees the negotiation's slot if t still holds it.
func (m *Memory) release(t *Task) {
	if m.inFlight[t.NegotiationID] == t.ID {
		delete(m.inFlight, t.NegotiationID)
	}
}

func (m *Memory) Requeue(_ context.Context, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.processing(id)
	if err != nil {
		return false, err
	}
	if t.Attempts >= MaxAttempts {
		m.fail(t, reason)
		return false, nil
	}
	t.Status = StatusPending
	t.ErrorMessage = reason
	t.UpdatedAt = m.now().UTC()
	heap.Push(&m.pending, t)
	return true, nil
}

func (m *Memory) RecoverStale(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == StatusProcessing && t.UpdatedAt.Before(olderThan) {
			t.Status = StatusPending
			t.UpdatedAt = m.now().UTC()
			heap.Push(&m.pending, t)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Depth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight), nil
}

// Get returns a copy of a task by id.
func (m *Memory) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

func (m *Memory) processing(id string) (*Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if t.Status != StatusProcessing {
		return nil, fmt.Errorf("task %s is %s, not processing", id, t.Status)
	}
	return t, nil
}

type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return Less(*h[i], *h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
