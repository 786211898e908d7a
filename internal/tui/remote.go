package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/haggle/internal/bus"
	"github.com/basket/haggle/internal/engine"
)

// Remote reads dashboard data from a running daemon's operator endpoints.
type Remote struct {
	BaseURL string
	APIKey  string
	// ActorID narrows the event stream to one participant. Empty follows
	// every negotiation.
	ActorID string
	Client  *http.Client

	mu        sync.Mutex
	lastEvent string
	lastErr   string
}

type healthPayload struct {
	DBOK          bool  `json:"db_ok"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

type metricsPayload struct {
	Tasks        map[string]int `json:"tasks"`
	Negotiations map[string]int `json:"negotiations"`
	Engine       *engine.Status `json:"engine"`
	WSClients    int32          `json:"ws_clients"`
}

type streamFrame struct {
	Topic   string          `json:"topic"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func (r *Remote) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 3 * time.Second}
}

func (r *Remote) header() http.Header {
	h := http.Header{}
	if r.APIKey != "" {
		h.Set("Authorization", "Bearer "+r.APIKey)
	}
	if r.ActorID != "" {
		h.Set("X-Actor-ID", r.ActorID)
	}
	return h
}

func (r *Remote) getJSON(ctx context.Context, path string, dst any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(r.BaseURL, "/")+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header = r.header()
	resp, err := r.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

// Fetch builds a snapshot from /healthz and /metrics.
func (r *Remote) Fetch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var health healthPayload
	// /healthz answers 503 with a body when the database is down.
	if _, err := r.getJSON(ctx, "/healthz", &health); err != nil {
		return snap, fmt.Errorf("fetch health: %w", err)
	}
	snap.DBOK = health.DBOK
	snap.Uptime = time.Duration(health.UptimeSeconds) * time.Second

	var m metricsPayload
	code, err := r.getJSON(ctx, "/metrics", &m)
	if err != nil {
		return snap, fmt.Errorf("fetch metrics: %w", err)
	}
	if code != http.StatusOK {
		return snap, &statusError{path: "/metrics", code: code}
	}
	snap.Pending = m.Tasks["pending"]
	snap.Processing = m.Tasks["processing"]
	snap.Completed = m.Tasks["completed"]
	snap.Failed = m.Tasks["failed"]
	snap.OpenNegotiations = m.Negotiations["active"] + m.Negotiations["buyer_accepted"] + m.Negotiations["deal_pending"]
	snap.Deals = m.Negotiations["completed"]
	snap.Cancelled = m.Negotiations["cancelled"]
	snap.WSClients = m.WSClients
	if m.Engine != nil {
		snap.Workers = m.Engine.WorkerCount
		snap.Active = m.Engine.ActiveTasks
		snap.Retried = m.Engine.Retried
		snap.LastError = m.Engine.LastError
	}
	return snap, nil
}

// Provider adapts Fetch to a StatusProvider. Fetch failures are shown as the
// last error and the last event seen on the stream is carried along.
func (r *Remote) Provider(ctx context.Context) StatusProvider {
	return func() Snapshot {
		snap, err := r.Fetch(ctx)
		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			snap.LastError = humanError(err)
		} else if r.lastErr != "" && snap.LastError == "" {
			snap.LastError = r.lastErr
		}
		snap.LastEvent = r.lastEvent
		return snap
	}
}

// Follow streams /events into feed until ctx is cancelled or the
// connection drops.
func (r *Remote) Follow(ctx context.Context, feed *ActivityFeed) error {
	u := strings.TrimRight(r.BaseURL, "/") + "/events"
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: r.header()})
	if err != nil {
		r.setErr(err)
		return fmt.Errorf("dial events: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		var frame streamFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.setErr(err)
			return fmt.Errorf("read events: %w", err)
		}
		r.mu.Lock()
		r.lastEvent = frame.Topic
		r.mu.Unlock()

		switch {
		case strings.HasPrefix(frame.Topic, "negotiation."):
			var ev bus.NegotiationEvent
			if err := json.Unmarshal(frame.Payload, &ev); err == nil {
				feed.Observe(frame.Topic, ev, frame.At)
			}
		case strings.HasPrefix(frame.Topic, "task."):
			var ev bus.TaskEvent
			if err := json.Unmarshal(frame.Payload, &ev); err == nil {
				feed.ObserveTask(frame.Topic, ev)
			}
		}
	}
}

func (r *Remote) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = humanError(err)
}
