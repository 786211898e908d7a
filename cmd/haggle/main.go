package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/basket/haggle/internal/audit"
	"github.com/basket/haggle/internal/bus"
	"github.com/basket/haggle/internal/config"
	"github.com/basket/haggle/internal/cron"
	"github.com/basket/haggle/internal/engine"
	"github.com/basket/haggle/internal/gateway"
	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/notify"
	otelPkg "github.com/basket/haggle/internal/otel"
	"github.com/basket/haggle/internal/persistence"
	"github.com/basket/haggle/internal/pricing"
	"github.com/basket/haggle/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

  %[1]s                          Start the negotiation daemon

SUBCOMMANDS:
  %[1]s status [-metrics]        Show daemon health (/healthz), optionally with /metrics
  %[1]s watch [-actor id]        Live dashboard for a running daemon
  %[1]s doctor [-json] [-strict]  Run preflight checks
  %[1]s backup <path>            Write a consistent copy of the database
  %[1]s keygen                   Print a new gateway API key
  %[1]s version                  Print the version

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HAGGLE_HOME             Data directory (default: ~/.haggle)
  HAGGLE_BIND_ADDR        Listen address (default: 127.0.0.1:18790)
  HAGGLE_LOG_LEVEL        debug, info, warn or error
  HAGGLE_API_KEY          Enables gateway auth with this key
  HAGGLE_OTEL_ENDPOINT    Enables tracing to this OTLP/HTTP collector
  HAGGLE_OTEL_HEADERS     Extra export headers, key=value,key2=value2
  TELEGRAM_TOKEN          Bot token for seller notifications
`)
}

func main() {
	// .env never overrides variables that are already set.
	_ = godotenv.Load(".env")

	quiet := flag.Bool("quiet", false, "log to <home>/logs only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "watch":
			os.Exit(runWatchCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "keygen":
			os.Exit(runKeygenCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, *quiet))
}

func runDaemon(ctx context.Context, quietLogs bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures are audited too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.Auth.Enabled {
			logger.Warn("gateway bound to a non-loopback address without auth; X-Actor-ID is trusted as-is", "bind_addr", cfg.BindAddr)
		}
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	knobs := newRuntimeKnobs(cfg, level)

	svc := negotiation.NewService(store, cfg.Negotiation,
		negotiation.WithPublisher(eventBus),
		negotiation.WithMetrics(metrics),
		negotiation.WithLogger(logger),
	)
	agent := engine.NewAgent(engine.AgentConfig{
		State:     store,
		Decisions: store,
		Protocol:  svc,
		Params:    knobs.Params,
		Bus:       eventBus,
		Metrics:   metrics,
		Tracer:    otelProvider.Tracer,
		Logger:    logger,
	})
	eng := engine.New(store, agent, store, engine.Config{
		WorkerCount:   cfg.Engine.WorkerCount,
		PollInterval:  cfg.PollInterval(),
		TaskTimeout:   cfg.TaskTimeout(),
		MaxQueueDepth: cfg.Engine.MaxQueueDepth,
		Offers:        store,
		Bus:           eventBus,
		Metrics:       metrics,
		Logger:        logger,
	})
	svc.SetEnqueuer(eng)
	knobs.svc = svc

	// Engine start puts tasks orphaned by a crash back on the queue.
	eng.Start(ctx)
	logger.Info("startup phase", "phase", "engine_started", "workers", cfg.Engine.WorkerCount)

	sched, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{
			cron.ExpireNegotiationsJob(cfg.Cron.ExpireNegotiations, svc),
			cron.RecoverTasksJob(cfg.Cron.RecoverTasks, store, cfg.StaleTaskAfter()),
		},
		Logger: logger,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.Notify.Telegram.Enabled {
		tg := notify.NewTelegramNotifier(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID, logger)
		if tg.Configured() {
			notifiers = append(notifiers, tg)
		} else {
			logger.Warn("telegram notifications enabled but token or chat_id is missing")
		}
	}
	dispatcher := notify.NewDispatcher(eventBus, cfg.Notify.MinConfidence, logger, notifiers...)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	knobs.dispatcher = dispatcher

	gw, err := gateway.New(gateway.Config{
		Service:           svc,
		Store:             store,
		Engine:            eng,
		Bus:               eventBus,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: knobs.Fingerprint,
		Auth:              cfg.Auth,
		RateLimit:         cfg.RateLimit,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.RateLimiter().StartEviction(ctx, 5*time.Minute, 15*time.Minute)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "events", "/events")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits to config.yaml need a restart", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				next, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload rejected", "error", err)
					audit.Record(ctx, "config.reload", config.ConfigPath(cfg.HomeDir), audit.OutcomeRejected, err.Error())
					continue
				}
				if restart := knobs.Apply(next); len(restart) > 0 {
					logger.Warn("config changes need a restart to apply", "fields", restart)
				}
				audit.Record(ctx, "config.reload", config.ConfigPath(cfg.HomeDir), audit.OutcomeOK, knobs.Fingerprint())
				logger.Info("config reloaded", "fingerprint", knobs.Fingerprint())
			}
		}()
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exitCode = 1
	}

	// Stop intake first, then let workers finish their current task.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	eng.Drain(cfg.DrainTimeout())
	logger.Info("shutdown complete")
	return exitCode
}

// runtimeKnobs holds the settings a config reload can change in place.
type runtimeKnobs struct {
	mu         sync.Mutex
	current    config.Config
	level      *slog.LevelVar
	params     atomic.Pointer[pricing.Params]
	svc        *negotiation.Service
	dispatcher *notify.Dispatcher
}

func newRuntimeKnobs(cfg config.Config, level *slog.LevelVar) *runtimeKnobs {
	k := &runtimeKnobs{current: cfg, level: level}
	p := cfg.Pricing
	k.params.Store(&p)
	return k
}

func (k *runtimeKnobs) Params() pricing.Params { return *k.params.Load() }

func (k *runtimeKnobs) Fingerprint() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current.Fingerprint()
}

// Apply swaps in the hot-reloadable parts of next and returns the names of
// changed settings that only take effect after a restart.
func (k *runtimeKnobs) Apply(next config.Config) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	prev := k.current

	p := next.Pricing
	k.params.Store(&p)
	if k.level != nil {
		k.level.Set(telemetry.ParseLevel(next.LogLevel))
	}
	if k.svc != nil {
		k.svc.SetRules(next.Negotiation)
	}
	if k.dispatcher != nil {
		k.dispatcher.SetMinConfidence(next.Notify.MinConfidence)
	}

	var restart []string
	if next.BindAddr != prev.BindAddr {
		restart = append(restart, "bind_addr")
	}
	if next.DBPath != prev.DBPath {
		restart = append(restart, "db_path")
	}
	if next.Engine != prev.Engine {
		restart = append(restart, "engine")
	}
	if next.Cron != prev.Cron {
		restart = append(restart, "cron")
	}
	if next.Notify.Telegram != prev.Notify.Telegram {
		restart = append(restart, "notify.telegram")
	}
	if next.Auth.Enabled != prev.Auth.Enabled || len(next.Auth.Keys) != len(prev.Auth.Keys) {
		restart = append(restart, "auth")
	}
	if next.RateLimit != prev.RateLimit {
		restart = append(restart, "rate_limit")
	}
	if next.Telemetry != prev.Telemetry {
		restart = append(restart, "telemetry")
	}
	k.current = next
	return restart
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime.startup", reasonCode, audit.OutcomeFailed, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof names the occupying process on macOS and Linux.
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = exec.Command
