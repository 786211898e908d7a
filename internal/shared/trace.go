package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Scope is the request-scoped identity carried on a context: which trace a
// call belongs to, who is acting, and which task or negotiation it touches.
type Scope struct {
	TraceID       string
	ActorID       string
	TaskID        string
	NegotiationID string
}

type scopeKey struct{}

// ScopeOf returns the scope attached to ctx, or the zero Scope.
func ScopeOf(ctx context.Context) Scope {
	if ctx == nil {
		return Scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

// WithScope replaces the scope on ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func update(ctx context.Context, fn func(*Scope)) context.Context {
	s := ScopeOf(ctx)
	fn(&s)
	return WithScope(ctx, s)
}

// LogAttrs renders the non-empty scope fields as slog attributes. trace_id
// is always present so log lines can be joined on it.
func (s Scope) LogAttrs() []slog.Attr {
	trace := s.TraceID
	if trace == "" {
		trace = "-"
	}
	attrs := []slog.Attr{slog.String("trace_id", trace)}
	if s.ActorID != "" {
		attrs = append(attrs, slog.String("actor_id", s.ActorID))
	}
	if s.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", s.TaskID))
	}
	if s.NegotiationID != "" {
		attrs = append(attrs, slog.String("negotiation_id", s.NegotiationID))
	}
	return attrs
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return update(ctx, func(s *Scope) { s.TraceID = traceID })
}

// TraceID returns the trace id on ctx, or "-" when there is none.
func TraceID(ctx context.Context) string {
	if id := ScopeOf(ctx).TraceID; id != "" {
		return id
	}
	return "-"
}

// WithActorID records the acting participant: a buyer, a seller or the agent.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return update(ctx, func(s *Scope) { s.ActorID = actorID })
}

func ActorID(ctx context.Context) string { return ScopeOf(ctx).ActorID }

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return update(ctx, func(s *Scope) { s.TaskID = taskID })
}

func TaskID(ctx context.Context) string { return ScopeOf(ctx).TaskID }

func WithNegotiationID(ctx context.Context, id string) context.Context {
	return update(ctx, func(s *Scope) { s.NegotiationID = id })
}

func NegotiationID(ctx context.Context) string { return ScopeOf(ctx).NegotiationID }
