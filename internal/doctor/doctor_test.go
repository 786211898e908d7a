package doctor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/basket/haggle/internal/config"
	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/persistence"
	"github.com/basket/haggle/internal/queue"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestRun_HealthyHome(t *testing.T) {
	cfg := loadConfig(t)
	// Port 0 is always bindable.
	cfg.BindAddr = "127.0.0.1:0"

	d := Run(context.Background(), cfg, nil, "test")
	if d.Failed() {
		t.Fatalf("expected no failures, got %+v", d.Results)
	}
	byName := map[string]CheckResult{}
	for _, r := range d.Results {
		byName[r.Name] = r
	}
	for _, name := range []string{"Config", "Permissions", "Database", "Tasks", "Schedules", "Listener"} {
		if byName[name].Status != StatusPass {
			t.Fatalf("%s = %+v, want PASS", name, byName[name])
		}
	}
	if byName["Telegram"].Status != StatusSkip {
		t.Fatalf("telegram should be skipped when disabled, got %+v", byName["Telegram"])
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestRun_ConfigErrorSkipsTheRest(t *testing.T) {
	d := Run(context.Background(), nil, errors.New("log_level \"loud\" must be one of debug, info, warn, error"), "test")
	if !d.Failed() {
		t.Fatal("expected a failure")
	}
	if d.Results[0].Name != "Config" || d.Results[0].Status != StatusFail {
		t.Fatalf("first result = %+v", d.Results[0])
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s = %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestCheckDatabase_UnopenablePath(t *testing.T) {
	cfg := loadConfig(t)
	blocker := filepath.Join(cfg.HomeDir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	// The parent "directory" is a regular file.
	cfg.DBPath = filepath.Join(blocker, "haggle.db")
	p := &probe{cfg: cfg}
	if r := checkDatabase(context.Background(), p); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
	if r := checkTasks(context.Background(), p); r.Status != StatusSkip {
		t.Fatalf("tasks should skip without a database, got %+v", r)
	}
}

func TestCheckTasks_LeftoverClaimWarns(t *testing.T) {
	cfg := loadConfig(t)
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seedClaimedTask(t, store)
	_ = store.Close()

	p := &probe{cfg: cfg}
	defer p.close()
	r := checkTasks(context.Background(), p)
	if r.Status != StatusWarn || !strings.Contains(r.Detail, "processing=1") {
		t.Fatalf("expected WARN with processing=1, got %+v", r)
	}

	d := Diagnosis{Results: []CheckResult{r}}
	if d.Failed() || !d.Failed(true) {
		t.Fatal("a warning fails only in strict mode")
	}
}

func TestCheckSchedules_BadExpression(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Cron.RecoverTasks = "every minute"
	if r := checkSchedules(context.Background(), &probe{cfg: cfg}); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckListener_BusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := loadConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if r := checkListener(context.Background(), &probe{cfg: cfg}); r.Status != StatusWarn {
		t.Fatalf("expected WARN, got %+v", r)
	}
}

func TestCheckTelegram_MissingCredentials(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Notify.Telegram.Enabled = true
	cfg.Notify.Telegram.Token = ""
	if r := checkTelegram(context.Background(), &probe{cfg: cfg}); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func seedClaimedTask(t *testing.T, store *persistence.Store) {
	t.Helper()
	ctx := context.Background()
	svc := negotiation.NewService(store, negotiation.DefaultRules())
	item, err := svc.CreateItem(ctx, "seller-1", negotiation.ItemInput{
		Title:         "Oak table",
		AskingPrice:   decimal.NewFromInt(400),
		FurnitureType: "table",
		Condition:     "good",
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	n, o, err := svc.MakeOffer(ctx, item.ID, "buyer-1", decimal.NewFromInt(320), "")
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}
	if _, err := store.Enqueue(ctx, queue.Task{NegotiationID: n.ID, OfferID: o.ID, Priority: 50}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task, err := store.DequeueNext(ctx); err != nil || task == nil {
		t.Fatalf("claim: %v %v", task, err)
	}
}
