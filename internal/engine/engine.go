// Package engine runs the seller agent: a polling worker pool over the agent
// queue and the Agent processor that turns a buyer offer into a protocol
// action.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/haggle/internal/audit"
	"github.com/basket/haggle/internal/bus"
	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/otel"
	"github.com/basket/haggle/internal/queue"
	"github.com/basket/haggle/internal/shared"
)

type Config struct {
	WorkerCount   int
	PollInterval  time.Duration
	TaskTimeout   time.Duration
	MaxQueueDepth int // 0 = unlimited
	Offers        OfferReader
	Bus           *bus.Bus
	Metrics       *otel.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// Processor handles one claimed task and returns the decision id.
type Processor interface {
	Process(ctx context.Context, task queue.Task) (string, error)
}

// ProfileReader looks up seller agent profiles for scheduling.
type ProfileReader interface {
	GetProfile(ctx context.Context, sellerID string) (negotiation.SellerAgentProfile, bool, error)
}

// OfferReader reports the latest priced offer of a negotiation. The engine
// uses it to tell whether a buyer offer that arrived during a task still
// needs an answer.
type OfferReader interface {
	LatestPricedOffer(ctx context.Context, negotiationID string) (*negotiation.Offer, error)
}

// followUp is a buyer offer absorbed by a task that was already queued or
// running for its negotiation.
type followUp struct {
	negotiation negotiation.Negotiation
	offer       negotiation.Offer
	item        negotiation.Item
}

type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveTasks int32  `json:"active_tasks"`
	Completed   int64  `json:"completed"`
	Retried     int64  `json:"retried"`
	Failed      int64  `json:"failed"`
	LastError   string `json:"last_error,omitempty"`
}

type Engine struct {
	queue    queue.Queue
	proc     Processor
	profiles ProfileReader
	config   Config
	bus      *bus.Bus
	logger   *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	followMu  sync.Mutex
	followUps map[string]followUp // negotiation id

	activeTasks atomic.Int32
	completed   atomic.Int64
	retried     atomic.Int64
	failed      atomic.Int64
	lastError   atomic.Pointer[string]
}

func New(q queue.Queue, proc Processor, profiles ProfileReader, cfg Config) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		queue:    q,
		proc:     proc,
		profiles: profiles,
		config:   cfg,
		bus:      cfg.Bus,
		logger:   cfg.Logger,

		followUps: make(map[string]followUp),
	}
}

// Start recovers tasks left processing by a previous run and launches the
// workers. Workers stop when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		n, err := e.queue.RecoverStale(ctx, e.config.Now().UTC())
		if err != nil {
			e.logger.Error("task recovery failed", "error", err)
		} else if n > 0 {
			e.logger.Info("recovered stale tasks on startup", "count", n)
		}
		for i := 0; i < e.config.WorkerCount; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(ctx)
			}()
		}
	})
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain waits up to timeout for workers to exit after their context was
// cancelled. Tasks still processing are recovered on the next start.
func (e *Engine) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout; in-flight tasks will be recovered on next start", "timeout", timeout)
	}
}

func (e *Engine) worker(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := e.queue.DequeueNext(ctx)
		if err != nil {
			e.setLastError(fmt.Errorf("dequeue: %w", err))
		}
		if err != nil || task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		e.handleTask(ctx, *task)
	}
}

func (e *Engine) handleTask(ctx context.Context, task queue.Task) {
	ctx = shared.WithScope(ctx, shared.Scope{
		TraceID:       shared.NewTraceID(),
		ActorID:       negotiation.AgentActor,
		TaskID:        task.ID,
		NegotiationID: task.NegotiationID,
	})
	e.logger.InfoContext(ctx, "task processing", "attempt", task.Attempts)

	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
	defer cancel()
	e.activeTasks.Add(1)
	defer e.activeTasks.Add(-1)

	decisionID, err := e.proc.Process(taskCtx, task)
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) && err != nil && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("task timeout exceeded: %w", taskCtx.Err())
	}
	e.recordDuration(ctx, start, err)

	// Queue bookkeeping must survive shutdown of the worker context.
	bg := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := e.queue.Complete(bg, task.ID, decisionID); cerr != nil {
			e.setLastError(fmt.Errorf("complete task: %w", cerr))
			return
		}
		e.resumeFollowUp(bg, task.NegotiationID)
		e.completed.Add(1)
		e.publishTask(bus.TopicTaskCompleted, task, queue.StatusCompleted, "")
		return
	}

	e.setLastError(err)
	class := ClassifyError(err)
	if class.Retryable() {
		requeued, rerr := e.queue.Requeue(bg, task.ID, err.Error())
		if rerr != nil {
			e.setLastError(fmt.Errorf("requeue task: %w", rerr))
			return
		}
		if requeued {
			e.retried.Add(1)
			e.logger.WarnContext(ctx, "task requeued", "class", class, "error", err)
			e.publishTask(bus.TopicTaskRetrying, task, queue.StatusPending, err.Error())
			return
		}
	} else if ferr := e.queue.Fail(bg, task.ID, err.Error()); ferr != nil {
		e.setLastError(fmt.Errorf("fail task: %w", ferr))
		return
	}

	e.resumeFollowUp(bg, task.NegotiationID)
	e.failed.Add(1)
	e.logger.WarnContext(ctx, "task failed", "class", class, "error", err)
	audit.Record(bg, "agent.task", task.ID, audit.OutcomeFailed, fmt.Sprintf("%s: %v", class, err))
	e.publishTask(bus.TopicTaskFailed, task, queue.StatusFailed, err.Error())
}

// ErrQueueSaturated is returned when the queue is at MaxQueueDepth.
var ErrQueueSaturated = errors.New("queue saturated: backpressure applied")

// EnqueueOffer schedules the seller agent for a buyer offer. Offers closer to
// asking run first and the seller's response delay sets availability.
//
// A pending task for the negotiation absorbs the new offer, since tasks answer
// the latest buyer offer when they run. A task that is already running may
// have read state before the offer landed, so the offer is remembered and
// rescheduled once that task finishes if it is still unanswered.
func (e *Engine) EnqueueOffer(ctx context.Context, n negotiation.Negotiation, offer negotiation.Offer, item negotiation.Item) error {
	profile := negotiation.DefaultProfile(n.SellerID)
	if e.profiles != nil {
		p, ok, err := e.profiles.GetProfile(ctx, n.SellerID)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		if ok {
			profile = p
		}
	}
	if !profile.Enabled {
		return nil
	}

	if e.config.MaxQueueDepth > 0 {
		depth, err := e.queue.Depth(ctx)
		if err != nil {
			return fmt.Errorf("check queue depth: %w", err)
		}
		if depth >= e.config.MaxQueueDepth {
			e.logger.WarnContext(ctx, "queue backpressure applied", "depth", depth, "max", e.config.MaxQueueDepth)
			return ErrQueueSaturated
		}
	}

	t := queue.Task{
		NegotiationID: n.ID,
		OfferID:       offer.ID,
		Priority:      Priority(offer, item),
	}
	if profile.ResponseDelayMinutes > 0 {
		t.AvailableAt = e.config.Now().UTC().Add(time.Duration(profile.ResponseDelayMinutes) * time.Minute)
	}
	stored, err := e.queue.Enqueue(ctx, t)
	if errors.Is(err, queue.ErrConflict) {
		e.rememberFollowUp(followUp{negotiation: n, offer: offer, item: item})
		// The holding task may have finished between the two calls.
		stored, err = e.queue.Enqueue(ctx, t)
		if errors.Is(err, queue.ErrConflict) {
			e.logger.DebugContext(ctx, "agent task already queued", "negotiation_id", n.ID, "offer_id", offer.ID)
			return nil
		}
		if err == nil {
			e.forgetFollowUp(n.ID, offer.ID)
		}
	}
	if err != nil {
		return fmt.Errorf("enqueue agent task: %w", err)
	}
	e.config.Metrics.RecordEnqueue(ctx)
	e.publishTask(bus.TopicTaskEnqueued, stored, queue.StatusPending, "")
	return nil
}

func (e *Engine) rememberFollowUp(f followUp) {
	e.followMu.Lock()
	defer e.followMu.Unlock()
	e.followUps[f.negotiation.ID] = f
}

func (e *Engine) forgetFollowUp(negotiationID, offerID string) {
	e.followMu.Lock()
	defer e.followMu.Unlock()
	if f, ok := e.followUps[negotiationID]; ok && f.offer.ID == offerID {
		delete(e.followUps, negotiationID)
	}
}

// resumeFollowUp schedules a task for an offer that arrived while the
// negotiation's previous task held the queue slot. Nothing is scheduled when
// the latest priced offer is no longer the buyer's.
func (e *Engine) resumeFollowUp(ctx context.Context, negotiationID string) {
	e.followMu.Lock()
	f, ok := e.followUps[negotiationID]
	delete(e.followUps, negotiationID)
	e.followMu.Unlock()
	if !ok {
		return
	}

	if e.config.Offers != nil {
		latest, err := e.config.Offers.LatestPricedOffer(ctx, negotiationID)
		if err != nil {
			e.setLastError(fmt.Errorf("check follow-up offer: %w", err))
			e.logger.WarnContext(ctx, "follow-up offer check failed", "offer_id", f.offer.ID, "error", err)
			return
		}
		if latest == nil || latest.OfferType != negotiation.RoleBuyer {
			e.logger.DebugContext(ctx, "follow-up offer already answered", "offer_id", f.offer.ID)
			return
		}
		f.offer = *latest
	}
	if err := e.EnqueueOffer(ctx, f.negotiation, f.offer, f.item); err != nil {
		e.setLastError(fmt.Errorf("reschedule follow-up: %w", err))
		e.logger.WarnContext(ctx, "follow-up offer not rescheduled", "offer_id", f.offer.ID, "error", err)
	}
}

// Priority maps an offer's ratio to asking onto [0,100]; lower runs first.
func Priority(offer negotiation.Offer, item negotiation.Item) int {
	asking := item.AskingPrice.InexactFloat64()
	if !offer.Price.Valid || asking <= 0 {
		return 100
	}
	ratio := offer.Price.Decimal.InexactFloat64() / asking
	p := int(math.Round((1 - ratio) * 100))
	return max(0, min(100, p))
}

func (e *Engine) recordDuration(ctx context.Context, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(ClassifyError(err))
	}
	e.config.Metrics.RecordTask(ctx, outcome, time.Since(start).Seconds())
}

func (e *Engine) publishTask(topic string, t queue.Task, status queue.Status, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, bus.TaskEvent{
		TaskID:        t.ID,
		NegotiationID: t.NegotiationID,
		Status:        string(status),
		Attempts:      t.Attempts,
		Error:         errMsg,
	})
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

// Bus returns the event bus, or nil if not configured.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

func (e *Engine) Status() Status {
	status := Status{
		WorkerCount: e.config.WorkerCount,
		ActiveTasks: e.activeTasks.Load(),
		Completed:   e.completed.Load(),
		Retried:     e.retried.Load(),
		Failed:      e.failed.Load(),
	}
	if ptr := e.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}
