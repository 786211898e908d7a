package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/haggle/internal/bus"
	"github.com/basket/haggle/internal/negotiation"
)

const eventWriteTimeout = 5 * time.Second

// StreamEvent is the frame written to /events clients.
type StreamEvent struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// eventFilter decides which bus events one client may see.
type eventFilter struct {
	negotiationID string
	actorID       string
	// seller is set when the client follows one negotiation as its seller.
	seller bool
}

func (f eventFilter) allow(ev bus.Event) bool {
	if f.negotiationID != "" && bus.NegotiationIDOf(ev.Payload) != f.negotiationID {
		return false
	}
	if f.actorID == "" {
		// Operator stream.
		return true
	}
	switch p := ev.Payload.(type) {
	case bus.NegotiationEvent:
		return p.BuyerID == f.actorID || p.SellerID == f.actorID
	case bus.DecisionEvent:
		// Agent reasoning is for the seller only.
		return p.SellerID == f.actorID
	case bus.TaskEvent:
		return f.seller
	default:
		return false
	}
}

func (f eventFilter) label() string {
	switch {
	case f.actorID != "" && f.negotiationID != "":
		return f.actorID + "/" + f.negotiationID
	case f.actorID != "":
		return f.actorID
	case f.negotiationID != "":
		return "ops/" + f.negotiationID
	}
	return "ops"
}

// handleEvents upgrades to a WebSocket and forwards bus events until the
// client goes away. With X-Actor-ID set only the actor's negotiations are
// streamed; without it the client receives everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := eventFilter{
		negotiationID: r.URL.Query().Get("negotiation_id"),
		actorID:       actor(r),
	}
	if filter.negotiationID != "" && filter.actorID != "" {
		n, err := s.cfg.Service.Get(r.Context(), filter.negotiationID, filter.actorID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		role, _ := n.RoleOf(filter.actorID)
		filter.seller = role == negotiation.RoleSeller
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("events: upgrade failed", "error", err)
		return
	}
	s.wsClients.Add(1)
	defer s.wsClients.Add(-1)
	s.logger.Info("events: client connected", "negotiation_id", filter.negotiationID, "actor_id", filter.actorID)

	sub := s.cfg.Bus.SubscribeFunc("ws:"+filter.label(), filter.allow)
	defer s.cfg.Bus.Unsubscribe(sub)

	// CloseRead discards client frames and cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("events: client disconnected", "negotiation_id", filter.negotiationID)
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logger.Warn("events: write failed, closing", "error", err)
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, StreamEvent{Topic: ev.Topic, At: ev.At, Payload: ev.Payload})
}
