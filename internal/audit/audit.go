package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/haggle/internal/shared"
)

// Outcomes recorded for each audited action.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu            sync.Mutex
	file          *os.File
	db            *sql.DB
	rejectedCount atomic.Int64
)

// Init opens <home>/logs/audit.jsonl for appending.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors subsequent records into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectedCount returns the number of rejected or failed actions since startup.
func RejectedCount() int64 {
	return rejectedCount.Load()
}

// Record appends one audit entry. Trace and actor ids are taken from ctx.
// Reason and subject are redacted before they are written anywhere.
func Record(ctx context.Context, action, subject, outcome, reason string) {
	if outcome != OutcomeOK {
		rejectedCount.Add(1)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)
	actorID := shared.ActorID(ctx)
	now := time.Now().UTC()

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: now.Format(time.RFC3339Nano),
			TraceID:   traceID,
			ActorID:   actorID,
			Action:    action,
			Subject:   subject,
			Outcome:   outcome,
			Reason:    reason,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, actor_id, action, subject, outcome, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, traceID, actorID, action, subject, outcome, reason, now)
	}
}
