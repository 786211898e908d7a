// Package gateway serves the negotiation API over HTTP/JSON plus a WebSocket
// stream of bus events for live clients.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/haggle/internal/audit"
	"github.com/basket/haggle/internal/bus"
	"github.com/basket/haggle/internal/config"
	"github.com/basket/haggle/internal/engine"
	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/otel"
	"github.com/basket/haggle/internal/persistence"
	"github.com/basket/haggle/internal/queue"
	"github.com/basket/haggle/internal/safety"
	"github.com/basket/haggle/internal/shared"
)

// Request headers understood by every route.
const (
	HeaderActorID = "X-Actor-ID"
	HeaderTraceID = "X-Trace-ID"
)

const defaultMaxBodyBytes = 1 << 20

// EngineStatus is the slice of the agent engine the gateway reports on.
type EngineStatus interface {
	Status() engine.Status
}

type Config struct {
	Service *negotiation.Service
	Store   *persistence.Store
	Engine  EngineStatus
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// and CORS requests. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, shown on /metrics.
	ConfigFingerprint func() string

	Auth         config.AuthConfig
	RateLimit    config.RateLimitConfig
	MaxBodyBytes int64

	Now func() time.Time
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	schemas schemaSet
	auth    *AuthMiddleware
	limiter *RateLimitMiddleware
	screen  *safety.Screen
	started time.Time

	wsClients atomic.Int32
}

func New(cfg Config) (*Server, error) {
	if cfg.Service == nil || cfg.Store == nil {
		return nil, fmt.Errorf("gateway: service and store are required")
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	limiter := NewRateLimitMiddleware(cfg.RateLimit)
	limiter.OnReject(func(ctx context.Context) {
		cfg.Metrics.RecordRateLimitReject(ctx)
	})
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway"),
		schemas: schemas,
		auth:    NewAuthMiddleware(cfg.Auth),
		limiter: limiter,
		screen:  safety.NewScreen(),
		started: cfg.Now(),
	}, nil
}

// RateLimiter exposes the limiter so the daemon can run bucket eviction.
func (s *Server) RateLimiter() *RateLimitMiddleware { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /healthz", s.handleHealthz)
	s.handle(mux, "GET /metrics", s.handleMetrics)
	s.handle(mux, "GET /metrics/prometheus", s.handlePrometheusMetrics)
	s.handle(mux, "GET /events", s.handleEvents)

	s.handle(mux, "GET /items", s.handleListItems)
	s.handle(mux, "POST /items", s.handleCreateItem)
	s.handle(mux, "GET /items/{id}", s.handleGetItem)
	s.handle(mux, "PUT /items/{id}/agent", s.handleSetAgent)
	s.handle(mux, "POST /items/{id}/offers", s.handleMakeOffer)
	s.handle(mux, "GET /items/{id}/negotiations", s.handleItemNegotiations)
	s.handle(mux, "GET /items/{id}/offer-analysis", s.handleOfferAnalysis)

	s.handle(mux, "GET /negotiations", s.handleListMine)
	s.handle(mux, "GET /negotiations/{id}", s.handleGetNegotiation)
	s.handle(mux, "GET /negotiations/{id}/offers", s.handleListOffers)
	s.handle(mux, "POST /negotiations/{id}/offers", s.handleSubmitOffer)
	s.handle(mux, "POST /negotiations/{id}/messages", s.handlePostMessage)
	s.handle(mux, "POST /negotiations/{id}/accept", s.handleAccept)
	s.handle(mux, "POST /negotiations/{id}/decline", s.handleDecline)
	s.handle(mux, "POST /negotiations/{id}/buyer-accept", s.handleBuyerAccept)
	s.handle(mux, "POST /negotiations/{id}/seller-confirm", s.handleSellerConfirm)
	s.handle(mux, "POST /negotiations/{id}/complete", s.handleComplete)
	s.handle(mux, "GET /negotiations/{id}/decisions", s.handleListDecisions)
	s.handle(mux, "POST /decisions/{id}/ack", s.handleAckDecision)

	s.handle(mux, "GET /sellers/me/agent-profile", s.handleGetProfile)
	s.handle(mux, "PUT /sellers/me/agent-profile", s.handlePutProfile)

	s.handle(mux, "GET /api/tasks", s.handleAPITasks)
	s.handle(mux, "GET /api/tasks/{id}", s.handleAPITaskByID)

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = s.auth.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// handle registers fn under pattern wrapped with request context, a server
// span and the request duration histogram.
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get(HeaderTraceID)
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		scope := shared.Scope{TraceID: traceID, ActorID: r.Header.Get(HeaderActorID)}
		if strings.Contains(pattern, "/negotiations/{id}") {
			scope.NegotiationID = r.PathValue("id")
		}
		ctx, span := otel.StartServerSpan(shared.WithScope(r.Context(), scope), s.cfg.Tracer, pattern, otel.AttrRoute.String(pattern))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set(HeaderTraceID, traceID)
		fn(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		s.cfg.Metrics.RecordRequest(ctx, pattern, rec.status, time.Since(start).Seconds())
	}))
}

// actor returns the caller identity carried by X-Actor-ID.
func actor(r *http.Request) string {
	return shared.ActorID(r.Context())
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.DB().PingContext(r.Context()) == nil
	schema, err := s.cfg.Store.SchemaVersion(r.Context())
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"schema_version": schema,
		"uptime_seconds": int64(s.cfg.Now().Sub(s.started).Seconds()),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// snapshot gathers the operator counters shared by both metrics formats.
type snapshot struct {
	Tasks        map[queue.Status]int       `json:"tasks"`
	Negotiations map[negotiation.Status]int `json:"negotiations"`
	Engine       *engine.Status             `json:"engine,omitempty"`
	Subscribers  int                        `json:"bus_subscribers"`
	Dropped      int64                      `json:"bus_dropped"`
	Listeners    []bus.SubscriberStat       `json:"bus_listeners,omitempty"`
	WSClients    int32                      `json:"ws_clients"`
	Rejected     int64                      `json:"audit_rejected"`
	AllocBytes   uint64                     `json:"alloc_bytes"`
	Fingerprint  string                     `json:"config_fingerprint,omitempty"`
}

func (s *Server) snapshot(ctx context.Context) (snapshot, error) {
	tasks, err := s.cfg.Store.TaskCounts(ctx)
	if err != nil {
		return snapshot{}, err
	}
	negs, err := s.cfg.Store.NegotiationCounts(ctx)
	if err != nil {
		return snapshot{}, err
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	snap := snapshot{
		Tasks:        tasks,
		Negotiations: negs,
		Subscribers:  s.cfg.Bus.SubscriberCount(),
		Dropped:      s.cfg.Bus.Dropped(),
		Listeners:    s.cfg.Bus.Subscribers(),
		WSClients:    s.wsClients.Load(),
		Rejected:     audit.RejectedCount(),
		AllocBytes:   mem.Alloc,
	}
	if s.cfg.Engine != nil {
		st := s.cfg.Engine.Status()
		snap.Engine = &st
	}
	if s.cfg.ConfigFingerprint != nil {
		snap.Fingerprint = s.cfg.ConfigFingerprint()
	}
	return snap, nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP haggle_tasks Agent tasks by status.\n")
	fmt.Fprintf(w, "# TYPE haggle_tasks gauge\n")
	for _, st := range []queue.Status{queue.StatusPending, queue.StatusProcessing, queue.StatusCompleted, queue.StatusFailed} {
		fmt.Fprintf(w, "haggle_tasks{status=%q} %d\n", st, snap.Tasks[st])
	}
	fmt.Fprintf(w, "# HELP haggle_negotiations Negotiations by status.\n")
	fmt.Fprintf(w, "# TYPE haggle_negotiations gauge\n")
	for _, st := range []negotiation.Status{negotiation.StatusActive, negotiation.StatusBuyerAccepted,
		negotiation.StatusDealPending, negotiation.StatusCompleted, negotiation.StatusCancelled} {
		fmt.Fprintf(w, "haggle_negotiations{status=%q} %d\n", st, snap.Negotiations[st])
	}
	if snap.Engine != nil {
		fmt.Fprintf(w, "# HELP haggle_engine_active_tasks Tasks currently being processed.\n")
		fmt.Fprintf(w, "# TYPE haggle_engine_active_tasks gauge\n")
		fmt.Fprintf(w, "haggle_engine_active_tasks %d\n", snap.Engine.ActiveTasks)
		fmt.Fprintf(w, "# HELP haggle_engine_retried_total Tasks returned to the queue after a transient failure.\n")
		fmt.Fprintf(w, "# TYPE haggle_engine_retried_total counter\n")
		fmt.Fprintf(w, "haggle_engine_retried_total %d\n", snap.Engine.Retried)
		fmt.Fprintf(w, "# HELP haggle_engine_failed_total Tasks that failed for good.\n")
		fmt.Fprintf(w, "# TYPE haggle_engine_failed_total counter\n")
		fmt.Fprintf(w, "haggle_engine_failed_total %d\n", snap.Engine.Failed)
	}
	fmt.Fprintf(w, "# HELP haggle_bus_dropped_total Events dropped for slow subscribers.\n")
	fmt.Fprintf(w, "# TYPE haggle_bus_dropped_total counter\n")
	fmt.Fprintf(w, "haggle_bus_dropped_total %d\n", snap.Dropped)
	fmt.Fprintf(w, "# HELP haggle_ws_clients Connected event stream clients.\n")
	fmt.Fprintf(w, "# TYPE haggle_ws_clients gauge\n")
	fmt.Fprintf(w, "haggle_ws_clients %d\n", snap.WSClients)
	fmt.Fprintf(w, "# HELP haggle_audit_rejected_total Rejected protocol actions.\n")
	fmt.Fprintf(w, "# TYPE haggle_audit_rejected_total counter\n")
	fmt.Fprintf(w, "haggle_audit_rejected_total %d\n", snap.Rejected)
	fmt.Fprintf(w, "# HELP haggle_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE haggle_alloc_bytes gauge\n")
	fmt.Fprintf(w, "haggle_alloc_bytes %d\n", snap.AllocBytes)
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	switch status {
	case "", queue.StatusPending, queue.StatusProcessing, queue.StatusCompleted, queue.StatusFailed:
	default:
		s.writeError(w, r, negotiation.Errorf(negotiation.CodeValidation, "unknown task status %q", status))
		return
	}
	limit, offset := pageParams(r)
	tasks, total, err := s.cfg.Store.ListTasks(r.Context(), status, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []queue.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

// pageParams reads limit and offset, ignoring malformed values.
func pageParams(r *http.Request) (limit, offset int) {
	limit = 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.cfg.Store.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if task == nil {
		s.writeError(w, r, negotiation.Errorf(negotiation.CodeNotFound, "task %s not found", id))
		return
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "events": events})
}
