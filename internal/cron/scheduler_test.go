package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/haggle/internal/cron"
	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/persistence"
	"github.com/basket/haggle/internal/queue"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestScheduler_RejectsBadExpression(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name:     "broken",
		CronExpr: "every five minutes",
		Run:      func(context.Context, time.Time) (int, error) { return 0, nil },
	}}})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestScheduler_FiresOnStartThenOnSchedule(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 1, 0, 0, time.UTC)}
	var runs atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{{
			Name:     "count",
			CronExpr: "*/5 * * * *",
			Run: func(context.Context, time.Time) (int, error) {
				runs.Add(1)
				return 1, nil
			},
		}},
		Now: clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	sched.Tick(ctx)
	if runs.Load() != 1 {
		t.Fatalf("expected immediate run, got %d", runs.Load())
	}
	jobs := sched.Jobs()
	if want := time.Date(2026, 3, 10, 12, 5, 0, 0, time.UTC); !jobs[0].NextRun.Equal(want) {
		t.Fatalf("next run = %v, want %v", jobs[0].NextRun, want)
	}

	clock.Advance(2 * time.Minute)
	sched.Tick(ctx)
	if runs.Load() != 1 {
		t.Fatalf("job fired before it was due")
	}

	clock.Advance(2 * time.Minute)
	sched.Tick(ctx)
	if runs.Load() != 2 {
		t.Fatalf("expected second run at 12:05, got %d runs", runs.Load())
	}
}

func TestScheduler_FailedJobIsRescheduled(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC)}
	sched, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{{
			Name:     "flaky",
			CronExpr: "* * * * *",
			Run:      func(context.Context, time.Time) (int, error) { return 0, errors.New("database is locked") },
		}},
		Now: clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Tick(context.Background())

	jobs := sched.Jobs()
	if jobs[0].Runs != 1 || !jobs[0].NextRun.Equal(time.Date(2026, 3, 10, 12, 1, 0, 0, time.UTC)) {
		t.Fatalf("unexpected job status %+v", jobs[0])
	}
}

func TestExpireNegotiationsJob_CancelsExpired(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "haggle.db"), persistence.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc := negotiation.NewService(store, negotiation.DefaultRules(), negotiation.WithClock(clock.Now))

	ctx := context.Background()
	item, err := svc.CreateItem(ctx, "seller", negotiation.ItemInput{Title: "Pine bookshelf", AskingPrice: decimal.NewFromInt(300)})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	n, _, err := svc.MakeOffer(ctx, item.ID, "buyer", decimal.NewFromInt(250), "")
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}

	sched, err := cron.NewScheduler(cron.Config{
		Jobs:     []cron.Job{cron.ExpireNegotiationsJob("", svc)},
		Logger:   slog.Default(),
		Interval: 20 * time.Millisecond,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	clock.Advance(73 * time.Hour)
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		got, err := store.GetNegotiation(ctx, n.ID)
		return err == nil && got.Status == negotiation.StatusCancelled
	})
	got, _ := store.GetItem(ctx, item.ID)
	if got.Status != negotiation.ItemActive {
		t.Fatalf("item should be relisted, got %s", got.Status)
	}
}

func TestRecoverTasksJob_RequeuesStuckTasks(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	task, err := q.Enqueue(ctx, queue.Task{NegotiationID: "neg-1", OfferID: "offer-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	job := cron.RecoverTasksJob("", q, 5*time.Minute)
	n, err := job.Run(ctx, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("fresh task must not be recovered: n=%d err=%v", n, err)
	}
	n, err = job.Run(ctx, time.Now().Add(10*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected one recovered task: n=%d err=%v", n, err)
	}
	got, _ := q.Get(task.ID)
	if got.Status != queue.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}
