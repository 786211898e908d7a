// Package doctor runs the preflight checks behind `haggle doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/haggle/internal/config"
	"github.com/basket/haggle/internal/cron"
	"github.com/basket/haggle/internal/persistence"
	"github.com/basket/haggle/internal/queue"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed. With strict set warnings count too.
func (d Diagnosis) Failed(strict ...bool) bool {
	warnFails := len(strict) > 0 && strict[0]
	for _, r := range d.Results {
		if r.Status == StatusFail || (warnFails && r.Status == StatusWarn) {
			return true
		}
	}
	return false
}

// probe is the state shared by one doctor run. The database is opened at
// most once and only if a check asks for it.
type probe struct {
	cfg      *config.Config
	store    *persistence.Store
	storeErr error
	opened   bool
}

func (p *probe) db() (*persistence.Store, error) {
	if !p.opened {
		p.opened = true
		p.store, p.storeErr = persistence.Open(p.cfg.DBPath)
	}
	return p.store, p.storeErr
}

func (p *probe) close() {
	if p.store != nil {
		_ = p.store.Close()
	}
}

type check struct {
	name string
	run  func(context.Context, *probe) CheckResult
}

var checks = []check{
	{"Permissions", checkPermissions},
	{"Database", checkDatabase},
	{"Tasks", checkTasks},
	{"Schedules", checkSchedules},
	{"Listener", checkListener},
	{"Telegram", checkTelegram},
}

// Run executes all diagnostic checks. cfg may be nil when config.yaml could
// not be loaded; loadErr then explains why.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	usable := loadErr == nil && cfg != nil
	p := &probe{cfg: cfg}
	defer p.close()
	for _, c := range checks {
		var res CheckResult
		if usable {
			res = c.run(ctx, p)
		} else {
			res = CheckResult{Status: StatusSkip, Message: "Config missing"}
		}
		res.Name = c.name
		d.Results = append(d.Results, res)
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	res := CheckResult{Name: "Config", Status: StatusFail}
	switch {
	case loadErr != nil:
		res.Message, res.Detail = "config.yaml rejected", loadErr.Error()
	case cfg == nil:
		res.Message = "Configuration not loaded"
	default:
		res.Status, res.Detail = StatusPass, cfg.Fingerprint()
		path := config.ConfigPath(cfg.HomeDir)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			res.Message = "Using defaults (no config.yaml)"
		} else {
			res.Message = "Loaded from " + path
		}
	}
	return res
}

func checkPermissions(_ context.Context, p *probe) CheckResult {
	f, err := os.CreateTemp(p.cfg.HomeDir, ".doctor-*")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: "Home dir unwritable", Detail: err.Error()}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	logs := filepath.Join(p.cfg.HomeDir, "logs")
	if info, err := os.Stat(logs); err == nil && !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: logs + " is not a directory"}
	}
	return CheckResult{Status: StatusPass, Message: "Home directory writable", Detail: p.cfg.HomeDir}
}

func checkDatabase(ctx context.Context, p *probe) CheckResult {
	store, err := p.db()
	if err != nil {
		return CheckResult{Status: StatusFail, Message: "Open failed", Detail: fmt.Sprintf("%s: %v", p.cfg.DBPath, err)}
	}
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("Schema v%d", version), Detail: p.cfg.DBPath}
}

// checkTasks looks for agent work a previous run left behind. Processing
// rows are requeued by the recover_tasks job, so they only warn.
func checkTasks(ctx context.Context, p *probe) CheckResult {
	store, err := p.db()
	if err != nil {
		return CheckResult{Status: StatusSkip, Message: "Database unavailable"}
	}
	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	summary := fmt.Sprintf("pending=%d processing=%d completed=%d failed=%d",
		counts[queue.StatusPending], counts[queue.StatusProcessing], counts[queue.StatusCompleted], counts[queue.StatusFailed])

	var notes []string
	if n := counts[queue.StatusProcessing]; n > 0 {
		notes = append(notes, fmt.Sprintf("%d claimed tasks will be recovered on start", n))
	}
	if n := counts[queue.StatusFailed]; n > 0 {
		notes = append(notes, fmt.Sprintf("%d tasks failed permanently", n))
	}
	if len(notes) > 0 {
		return CheckResult{Status: StatusWarn, Message: strings.Join(notes, "; "), Detail: summary}
	}
	return CheckResult{Status: StatusPass, Message: "Agent queue clean", Detail: summary}
}

func checkSchedules(_ context.Context, p *probe) CheckResult {
	jobs := []struct{ name, expr string }{
		{"expire_negotiations", orDefault(p.cfg.Cron.ExpireNegotiations, cron.DefaultExpireExpr)},
		{"recover_tasks", orDefault(p.cfg.Cron.RecoverTasks, cron.DefaultRecoverExpr)},
	}
	now := time.Now()
	detail := make([]string, 0, len(jobs))
	for _, j := range jobs {
		next, err := cron.NextRunTime(j.expr, now)
		if err != nil {
			return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cron.%s: %v", j.name, err)}
		}
		detail = append(detail, fmt.Sprintf("%s next %s", j.name, next.Format(time.RFC3339)))
	}
	return CheckResult{Status: StatusPass, Message: "Maintenance schedules parse", Detail: strings.Join(detail, ", ")}
}

// checkListener reports whether bind_addr is free. A busy port is only a
// warning since it is usually the daemon itself.
func checkListener(ctx context.Context, p *probe) CheckResult {
	addr := p.cfg.BindAddr
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: addr + " is not available",
			Detail:  "If the daemon is already running this is expected; try `haggle status`.",
		}
	}
	_ = ln.Close()
	return CheckResult{Status: StatusPass, Message: addr + " is free"}
}

func checkTelegram(ctx context.Context, p *probe) CheckResult {
	tg := p.cfg.Notify.Telegram
	if !tg.Enabled {
		return CheckResult{Status: StatusSkip, Message: "Notifications disabled"}
	}
	if tg.Token == "" || tg.ChatID == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "Enabled but token or chat_id missing",
			Detail:  "Set TELEGRAM_TOKEN and notify.telegram.chat_id",
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, "api.telegram.org")
	took := time.Since(start).Milliseconds()
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "api.telegram.org does not resolve", Detail: fmt.Sprintf("%v (%dms)", err, took)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("api.telegram.org resolves (%d addresses, %dms)", len(addrs), took)}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
