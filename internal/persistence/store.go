package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/haggle/internal/audit"
)

type migration struct {
	version  int
	checksum string
	stmts    []string
}

// Applied in order. Never edit a shipped migration: add a new version.
var migrations = []migration{
	{
		version:  1,
		checksum: "hg-v1-2026-03-02-negotiation-core",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS items (
				id TEXT PRIMARY KEY,
				seller_id TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				asking_price TEXT NOT NULL,
				furniture_type TEXT NOT NULL DEFAULT 'other',
				condition TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL CHECK(status IN ('active','under_negotiation','sold','withdrawn')),
				agent_enabled INTEGER NOT NULL DEFAULT 0,
				views_count INTEGER NOT NULL DEFAULT 0,
				listed_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_items_seller ON items(seller_id);`,
			`CREATE TABLE IF NOT EXISTS seller_agent_profiles (
				seller_id TEXT PRIMARY KEY,
				enabled INTEGER NOT NULL DEFAULT 1,
				aggressiveness_level REAL NOT NULL,
				auto_accept_threshold REAL NOT NULL,
				min_acceptable_ratio REAL NOT NULL,
				response_delay_minutes INTEGER NOT NULL DEFAULT 0,
				selling_priority TEXT NOT NULL CHECK(selling_priority IN ('best_price','quick_sale')),
				personality TEXT NOT NULL DEFAULT '',
				updated_at DATETIME NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS negotiations (
				id TEXT PRIMARY KEY,
				item_id TEXT NOT NULL REFERENCES items(id),
				seller_id TEXT NOT NULL,
				buyer_id TEXT NOT NULL,
				status TEXT NOT NULL CHECK(status IN ('active','buyer_accepted','deal_pending','completed','cancelled')),
				round_number INTEGER NOT NULL DEFAULT 1,
				expires_at DATETIME,
				final_price TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				completed_at DATETIME
			);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_negotiations_open_pair
				ON negotiations(item_id, buyer_id)
				WHERE status IN ('active','buyer_accepted','deal_pending');`,
			`CREATE INDEX IF NOT EXISTS idx_negotiations_expiry ON negotiations(status, expires_at);`,
			`CREATE INDEX IF NOT EXISTS idx_negotiations_buyer ON negotiations(buyer_id);`,
			`CREATE INDEX IF NOT EXISTS idx_negotiations_seller ON negotiations(seller_id);`,
			`CREATE TABLE IF NOT EXISTS offers (
				id TEXT PRIMARY KEY,
				negotiation_id TEXT NOT NULL REFERENCES negotiations(id),
				offer_type TEXT NOT NULL CHECK(offer_type IN ('buyer','seller')),
				price TEXT,
				message TEXT NOT NULL DEFAULT '',
				round_number INTEGER NOT NULL,
				is_counter_offer INTEGER NOT NULL DEFAULT 0,
				is_message_only INTEGER NOT NULL DEFAULT 0,
				agent_generated INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_offers_negotiation ON offers(negotiation_id, round_number, created_at);`,
			`CREATE TABLE IF NOT EXISTS agent_tasks (
				id TEXT PRIMARY KEY,
				negotiation_id TEXT NOT NULL REFERENCES negotiations(id),
				offer_id TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 50,
				status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed')),
				attempts INTEGER NOT NULL DEFAULT 0,
				available_at DATETIME NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				processed_at DATETIME,
				error_message TEXT NOT NULL DEFAULT '',
				decision_id TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_tasks_single_flight
				ON agent_tasks(negotiation_id)
				WHERE status IN ('pending','processing');`,
			`CREATE INDEX IF NOT EXISTS idx_agent_tasks_claim ON agent_tasks(status, available_at, priority, created_at, id);`,
			`CREATE TABLE IF NOT EXISTS task_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES agent_tasks(id),
				negotiation_id TEXT NOT NULL,
				trace_id TEXT NOT NULL DEFAULT '-',
				event_type TEXT NOT NULL,
				state_from TEXT,
				state_to TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		},
	},
	{
		version:  2,
		checksum: "hg-v2-2026-03-09-decisions-audit",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS agent_decisions (
				id TEXT PRIMARY KEY,
				negotiation_id TEXT NOT NULL REFERENCES negotiations(id),
				task_id TEXT NOT NULL DEFAULT '',
				offer_id TEXT NOT NULL DEFAULT '',
				decision_type TEXT NOT NULL CHECK(decision_type IN ('ACCEPT','COUNTER','DECLINE','WAIT')),
				original_offer_price TEXT NOT NULL,
				recommended_price TEXT,
				confidence_score REAL NOT NULL DEFAULT 0,
				nash_price TEXT,
				market_value TEXT,
				reasoning TEXT NOT NULL DEFAULT '',
				execution_time_ms INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				acknowledged_at DATETIME
			);`,
			`CREATE INDEX IF NOT EXISTS idx_agent_decisions_negotiation ON agent_decisions(negotiation_id, created_at);`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				trace_id TEXT NOT NULL DEFAULT '-',
				actor_id TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				outcome TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
		},
	},
}

// Store is the SQLite implementation of negotiation.Repository and queue.Queue.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for queue eligibility and
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v)
	return v, err
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return errors.New("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// migrate verifies the checksum of every applied version and applies the
// rest in one transaction.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]string{}
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	latest := migrations[len(migrations)-1].version
	for v := range applied {
		if v > latest {
			return fmt.Errorf("db schema version %d is newer than supported %d", v, latest)
		}
	}

	var newlyApplied []int
	for _, m := range migrations {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, sum, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);
		`, m.version, m.checksum, s.clock()); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		newlyApplied = append(newlyApplied, m.version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	for _, v := range newlyApplied {
		audit.Record(ctx, "schema.migrate", fmt.Sprintf("v%d", v), audit.OutcomeOK, "")
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = f(); err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := min(baseDelay<<uint(attempt), maxDelay)
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
