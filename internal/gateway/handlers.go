package gateway

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/basket/haggle/internal/audit"
	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/safety"
)

type itemRequest struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	AskingPrice   decimal.Decimal `json:"asking_price"`
	FurnitureType string          `json:"furniture_type"`
	Condition     string          `json:"condition"`
	AgentEnabled  bool            `json:"agent_enabled"`
}

type agentToggleRequest struct {
	Enabled bool `json:"enabled"`
}

type offerRequest struct {
	Price   decimal.Decimal `json:"price"`
	Message string          `json:"message"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type declineRequest struct {
	Reason string `json:"reason"`
}

// profileRequest overlays the stored profile; absent fields keep their value.
type profileRequest struct {
	Enabled              *bool    `json:"enabled"`
	AggressivenessLevel  *float64 `json:"aggressiveness_level"`
	AutoAcceptThreshold  *float64 `json:"auto_accept_threshold"`
	MinAcceptableRatio   *float64 `json:"min_acceptable_ratio"`
	ResponseDelayMinutes *int     `json:"response_delay_minutes"`
	SellingPriority      *string  `json:"selling_priority"`
	Personality          string   `json:"personality"`
}

type offerResponse struct {
	Negotiation negotiation.Negotiation `json:"negotiation"`
	Offer       negotiation.Offer       `json:"offer"`
}

// --- items ---

// handleListItems is the buyer's browse view: listings still open to offers.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	items, total, err := s.cfg.Store.ListAvailableItems(r.Context(), r.URL.Query().Get("type"), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := s.schemas.decode(r.Body, "item.create", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := s.cfg.Service.CreateItem(r.Context(), actor(r), negotiation.ItemInput{
		Title:         req.Title,
		Description:   req.Description,
		AskingPrice:   req.AskingPrice,
		FurnitureType: req.FurnitureType,
		Condition:     req.Condition,
		AgentEnabled:  req.AgentEnabled,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.cfg.Service.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if a := actor(r); a != "" && a != item.SellerID {
		if err := s.cfg.Store.IncrementItemViews(r.Context(), item.ID); err != nil {
			s.logger.Warn("count item view failed", "item_id", item.ID, "error", err)
		} else {
			item.ViewsCount++
		}
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleSetAgent(w http.ResponseWriter, r *http.Request) {
	var req agentToggleRequest
	if err := s.schemas.decode(r.Body, "item.agent", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := s.cfg.Service.SetAgentEnabled(r.Context(), r.PathValue("id"), actor(r), req.Enabled)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleMakeOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := s.schemas.decode(r.Body, "offer", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, ok := s.screenMessage(w, r, req.Message)
	if !ok {
		return
	}
	n, o, err := s.cfg.Service.MakeOffer(r.Context(), r.PathValue("id"), actor(r), req.Price, msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offerResponse{Negotiation: n, Offer: o})
}

func (s *Server) handleItemNegotiations(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Service.ListForItem(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"negotiations": nonNil(list)})
}

func (s *Server) handleOfferAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.cfg.Service.AnalyzeItemOffers(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// --- negotiations ---

func (s *Server) handleListMine(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Service.ListMine(r.Context(), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"negotiations": nonNil(list)})
}

func (s *Server) handleGetNegotiation(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Service.Get(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.cfg.Service.Offers(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": nonNil(offers)})
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := s.schemas.decode(r.Body, "offer", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, ok := s.screenMessage(w, r, req.Message)
	if !ok {
		return
	}
	n, o, err := s.cfg.Service.SubmitOffer(r.Context(), r.PathValue("id"), actor(r), req.Price, msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offerResponse{Negotiation: n, Offer: o})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := s.schemas.decode(r.Body, "message", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, ok := s.screenMessage(w, r, req.Message)
	if !ok {
		return
	}
	o, err := s.cfg.Service.PostMessage(r.Context(), r.PathValue("id"), actor(r), msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.cfg.Service.Accept)
}

func (s *Server) handleBuyerAccept(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.cfg.Service.BuyerAcceptCounter)
}

func (s *Server) handleSellerConfirm(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.cfg.Service.SellerConfirmDeal)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.cfg.Service.CompleteDeal)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req declineRequest
	if err := s.schemas.decode(r.Body, "decline", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.cfg.Service.Decline(r.Context(), r.PathValue("id"), actor(r), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// transition runs a body-less status change on the negotiation in the path.
func (s *Server) transition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, negotiationID, actorID string) (negotiation.Negotiation, error)) {
	n, err := op(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// --- agent decisions ---

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	n, err := s.cfg.Service.Get(r.Context(), r.PathValue("id"), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if role, _ := n.RoleOf(a); role != negotiation.RoleSeller {
		s.writeError(w, r, negotiation.Errorf(negotiation.CodeUnauthorized, "only the seller can view agent decisions"))
		return
	}
	decisions, err := s.cfg.Store.ListDecisions(r.Context(), n.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": nonNil(decisions)})
}

func (s *Server) handleAckDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := s.cfg.Store.AcknowledgeDecision(r.Context(), id, actor(r), s.cfg.Now())
	if err != nil {
		audit.Record(r.Context(), "decision.ack", id, audit.OutcomeRejected, err.Error())
		s.writeError(w, r, err)
		return
	}
	audit.Record(r.Context(), "decision.ack", id, audit.OutcomeOK, "")
	writeJSON(w, http.StatusOK, d)
}

// --- seller agent profile ---

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if a == "" {
		s.writeError(w, r, negotiation.Errorf(negotiation.CodeUnauthorized, "actor required"))
		return
	}
	p, err := s.cfg.Service.Profile(r.Context(), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if a == "" {
		s.writeError(w, r, negotiation.Errorf(negotiation.CodeUnauthorized, "actor required"))
		return
	}
	var req profileRequest
	if err := s.schemas.decode(r.Body, "profile", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.cfg.Service.Profile(r.Context(), a)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if req.AggressivenessLevel != nil {
		p.AggressivenessLevel = *req.AggressivenessLevel
	}
	if req.AutoAcceptThreshold != nil {
		p.AutoAcceptThreshold = *req.AutoAcceptThreshold
	}
	if req.MinAcceptableRatio != nil {
		p.MinAcceptableRatio = *req.MinAcceptableRatio
	}
	if req.ResponseDelayMinutes != nil {
		p.ResponseDelayMinutes = *req.ResponseDelayMinutes
	}
	if req.SellingPriority != nil {
		p.SellingPriority = negotiation.SellingPriority(*req.SellingPriority)
	}
	saved, err := s.cfg.Service.SaveProfile(r.Context(), p, req.Personality)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

// screenMessage rejects messages that steer payment off the platform and
// strips secrets from the rest. It writes the error response itself and
// reports false when the request should stop.
func (s *Server) screenMessage(w http.ResponseWriter, r *http.Request, msg string) (string, bool) {
	if msg == "" {
		return msg, true
	}
	subject := r.PathValue("id")
	verdict := s.screen.Check(msg)
	switch verdict.Action {
	case safety.ActionBlock:
		audit.Record(r.Context(), "message.screen", subject, audit.OutcomeRejected, verdict.Reason)
		s.writeError(w, r, negotiation.Errorf(negotiation.CodeValidation, "%v", verdict.MustAllow()))
		return "", false
	case safety.ActionWarn:
		s.logger.Warn("message flagged", "subject", subject, "actor_id", actor(r), "reason", verdict.Reason)
	}
	clean, findings := safety.Redact(msg)
	for _, f := range findings {
		s.logger.Warn("secret redacted from message", "subject", subject, "kind", f.Kind, "sample", f.Sample)
	}
	return clean, true
}
