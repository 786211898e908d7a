package cron

import (
	"context"
	"time"
)

// Default job schedules.
const (
	DefaultExpireExpr  = "*/5 * * * *"
	DefaultRecoverExpr = "* * * * *"
)

// Expirer cancels negotiations whose deadline has passed.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// Recoverer puts tasks stuck in processing back on the queue.
type Recoverer interface {
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)
}

// ExpireNegotiationsJob cancels expired negotiations and pending deals.
func ExpireNegotiationsJob(expr string, e Expirer) Job {
	if expr == "" {
		expr = DefaultExpireExpr
	}
	return Job{Name: "expire-negotiations", CronExpr: expr, Run: e.ExpireStale}
}

// RecoverTasksJob requeues tasks that have been processing for longer than
// staleAfter, which only happens when a worker died mid-task.
func RecoverTasksJob(expr string, r Recoverer, staleAfter time.Duration) Job {
	if expr == "" {
		expr = DefaultRecoverExpr
	}
	return Job{
		Name:     "recover-stale-tasks",
		CronExpr: expr,
		Run: func(ctx context.Context, now time.Time) (int, error) {
			return r.RecoverStale(ctx, now.Add(-staleAfter))
		},
	}
}
