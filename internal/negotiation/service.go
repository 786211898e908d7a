package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/haggle/internal/audit"
	"github.com/basket/haggle/internal/bus"
	"github.com/basket/haggle/internal/otel"
	"github.com/basket/haggle/internal/shared"
)

// AgentActor is the actor id stamped on actions taken by the seller agent.
const AgentActor = "agent"

// Service enforces the protocol on top of a Repository.
type Service struct {
	repo    Repository
	rules   atomic.Pointer[Rules]
	pub     Publisher
	enq     Enqueuer
	metrics *otel.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithPublisher(p Publisher) Option { return func(s *Service) { s.pub = p } }

func WithEnqueuer(e Enqueuer) Option { return func(s *Service) { s.enq = e } }

func WithMetrics(m *otel.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo Repository, rules Rules, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		logger: slog.Default(),
		now:    time.Now,
	}
	s.rules.Store(&rules)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetEnqueuer attaches the agent scheduler after construction. The engine
// needs the service and the service needs the engine, so one side is late.
func (s *Service) SetEnqueuer(e Enqueuer) { s.enq = e }

// Rules returns the limits currently in force.
func (s *Service) Rules() Rules { return *s.rules.Load() }

// SetRules swaps the limits, used on config reload.
func (s *Service) SetRules(r Rules) { s.rules.Store(&r) }

func (s *Service) clock() time.Time { return s.now().UTC() }

// ItemInput is the seller-supplied part of a new listing.
type ItemInput struct {
	Title         string
	Description   string
	AskingPrice   decimal.Decimal
	FurnitureType string
	Condition     string
	AgentEnabled  bool
}

// CreateItem lists a new item for sellerID.
func (s *Service) CreateItem(ctx context.Context, sellerID string, in ItemInput) (Item, error) {
	if sellerID == "" {
		return Item{}, s.reject(ctx, "item.create", "", Errorf(CodeUnauthorized, "actor required"))
	}
	if strings.TrimSpace(in.Title) == "" {
		return Item{}, s.reject(ctx, "item.create", "", Errorf(CodeValidation, "title required"))
	}
	if !in.AskingPrice.IsPositive() {
		return Item{}, s.reject(ctx, "item.create", "", Errorf(CodeValidation, "asking price must be positive"))
	}
	if in.FurnitureType == "" {
		in.FurnitureType = "other"
	}
	now := s.clock()
	item := Item{
		ID:            shared.NewID(),
		SellerID:      sellerID,
		Title:         strings.TrimSpace(in.Title),
		Description:   in.Description,
		AskingPrice:   in.AskingPrice,
		FurnitureType: in.FurnitureType,
		Condition:     in.Condition,
		Status:        ItemActive,
		AgentEnabled:  in.AgentEnabled,
		ListedAt:      now,
		UpdatedAt:     now,
	}
	if err := s.repo.CreateItem(ctx, item); err != nil {
		return Item{}, fmt.Errorf("create item: %w", err)
	}
	audit.Record(ctx, "item.create", item.ID, audit.OutcomeOK, "")
	return item, nil
}

func (s *Service) GetItem(ctx context.Context, id string) (Item, error) {
	return s.repo.GetItem(ctx, id)
}

// SetAgentEnabled toggles the seller agent for one listing.
func (s *Service) SetAgentEnabled(ctx context.Context, itemID, actorID string, enabled bool) (Item, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return Item{}, err
	}
	if item.SellerID != actorID {
		return Item{}, s.reject(ctx, "item.agent", itemID, Errorf(CodeUnauthorized, "only the seller may configure the agent"))
	}
	now := s.clock()
	if err := s.repo.SetItemAgentEnabled(ctx, itemID, enabled, now); err != nil {
		return Item{}, fmt.Errorf("set agent enabled: %w", err)
	}
	item.AgentEnabled = enabled
	item.UpdatedAt = now
	audit.Record(ctx, "item.agent", itemID, audit.OutcomeOK, fmt.Sprintf("enabled=%t", enabled))
	return item, nil
}

// Profile returns the seller's agent profile, or the default when none is saved.
func (s *Service) Profile(ctx context.Context, sellerID string) (SellerAgentProfile, error) {
	p, ok, err := s.repo.GetProfile(ctx, sellerID)
	if err != nil {
		return SellerAgentProfile{}, err
	}
	if !ok {
		return DefaultProfile(sellerID), nil
	}
	return p, nil
}

// SaveProfile validates and upserts p. A non-empty personality overrides the
// numeric fields with the preset.
func (s *Service) SaveProfile(ctx context.Context, p SellerAgentProfile, personality string) (SellerAgentProfile, error) {
	if personality != "" {
		if err := p.ApplyPersonality(personality); err != nil {
			return SellerAgentProfile{}, s.reject(ctx, "profile.save", p.SellerID, err)
		}
	}
	if err := p.Validate(); err != nil {
		return SellerAgentProfile{}, s.reject(ctx, "profile.save", p.SellerID, err)
	}
	p.UpdatedAt = s.clock()
	if err := s.repo.UpsertProfile(ctx, p); err != nil {
		return SellerAgentProfile{}, fmt.Errorf("upsert profile: %w", err)
	}
	audit.Record(ctx, "profile.save", p.SellerID, audit.OutcomeOK, "")
	return p, nil
}

// MakeOffer is the buyer's entry point on an item. It continues the buyer's
// open negotiation or opens a new one with a round-1 offer.
func (s *Service) MakeOffer(ctx context.Context, itemID, buyerID string, price decimal.Decimal, message string) (Negotiation, Offer, error) {
	const action = "offer.make"
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return Negotiation{}, Offer{}, s.reject(ctx, action, itemID, err)
	}
	if buyerID == "" {
		return Negotiation{}, Offer{}, s.reject(ctx, action, itemID, Errorf(CodeUnauthorized, "actor required"))
	}
	if buyerID == item.SellerID {
		return Negotiation{}, Offer{}, s.reject(ctx, action, itemID, Errorf(CodeUnauthorized, "sellers cannot make offers on their own items"))
	}
	if item.Status == ItemSold || item.Status == ItemWithdrawn {
		return Negotiation{}, Offer{}, s.reject(ctx, action, itemID, Errorf(CodeNotActive, "item is %s", item.Status))
	}

	for attempt := 0; attempt < 2; attempt++ {
		open, err := s.repo.FindOpenNegotiation(ctx, itemID, buyerID)
		if err != nil {
			return Negotiation{}, Offer{}, fmt.Errorf("find open negotiation: %w", err)
		}
		if open != nil {
			return s.submit(ctx, open.ID, buyerID, price, message, false)
		}

		if err := s.Rules().CheckPrice(RoleBuyer, price, item.AskingPrice); err != nil {
			return Negotiation{}, Offer{}, s.reject(ctx, action, itemID, err)
		}
		now := s.clock()
		expires := now.Add(s.Rules().OfferTTL)
		n := Negotiation{
			ID:          shared.NewID(),
			ItemID:      item.ID,
			SellerID:    item.SellerID,
			BuyerID:     buyerID,
			Status:      StatusActive,
			RoundNumber: 1,
			ExpiresAt:   &expires,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		offer := Offer{
			ID:            shared.NewID(),
			NegotiationID: n.ID,
			OfferType:     RoleBuyer,
			Price:         decimal.NewNullDecimal(price),
			Message:       message,
			RoundNumber:   1,
			CreatedAt:     now,
		}
		err = s.repo.CreateNegotiation(ctx, n, offer)
		if errors.Is(err, ErrAlreadyOpen) {
			continue
		}
		if err != nil {
			return Negotiation{}, Offer{}, fmt.Errorf("create negotiation: %w", err)
		}

		audit.Record(ctx, action, n.ID, audit.OutcomeOK, "opened")
		s.publish(bus.TopicNegotiationOpened, n, buyerID, offer)
		s.afterBuyerOffer(ctx, n, offer, item)
		return n, offer, nil
	}
	return Negotiation{}, Offer{}, s.reject(ctx, action, itemID, Errorf(CodeNotYourTurn, "concurrent offer on the same negotiation"))
}

// SubmitOffer records a counter offer from either party.
func (s *Service) SubmitOffer(ctx context.Context, negotiationID, actorID string, price decimal.Decimal, message string) (Negotiation, Offer, error) {
	return s.submit(ctx, negotiationID, actorID, price, message, false)
}

// SubmitAgentOffer is SubmitOffer on behalf of the seller agent.
func (s *Service) SubmitAgentOffer(ctx context.Context, negotiationID string, price decimal.Decimal, message string) (Negotiation, Offer, error) {
	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return Negotiation{}, Offer{}, err
	}
	return s.submit(ctx, negotiationID, n.SellerID, price, message, true)
}

func (s *Service) submit(ctx context.Context, negotiationID, actorID string, price decimal.Decimal, message string, agent bool) (Negotiation, Offer, error) {
	const action = "offer.submit"
	rules := s.Rules()
	now := s.clock()

	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return Negotiation{}, Offer{}, s.reject(ctx, action, negotiationID, err)
	}
	if n.Status != StatusActive {
		return Negotiation{}, Offer{}, s.reject(ctx, action, n.ID, Errorf(CodeNotActive, "negotiation is %s", n.Status))
	}
	if n.Expired(now) {
		return Negotiation{}, Offer{}, s.reject(ctx, action, n.ID, Errorf(CodeExpired, "negotiation expired at %s", n.ExpiresAt.Format(time.RFC3339)))
	}
	role, ok := n.RoleOf(actorID)
	if !ok {
		return Negotiation{}, Offer{}, s.reject(ctx, action, n.ID, Errorf(CodeUnauthorized, "actor is not a party to this negotiation"))
	}
	if n.RoundNumber >= rules.MaxRounds {
		return Negotiation{}, Offer{}, s.reject(ctx, action, n.ID, Errorf(CodeRoundLimitExceeded, "round limit of %d reached", rules.MaxRounds))
	}
	latest, err := s.repo.LatestPricedOffer(ctx, n.ID)
	if err != nil {
		return Negotiation{}, Offer{}, fmt.Errorf("latest offer: %w", err)
	}
	if latest != nil && latest.OfferType == role {
		return Negotiation{}, Offer{}, s.reject(ctx, action, n.ID, Errorf(CodeNotYourTurn, "waiting for the %s to respond", other(role)))
	}
	item, err := s.repo.GetItem(ctx, n.ItemID)
	if err != nil {
		return Negotiation{}, Offer{}, fmt.Errorf("load item: %w", err)
	}
	if err := rules.CheckPrice(role, price, item.AskingPrice); err != nil {
		return Negotiation{}, Offer{}, s.reject(ctx, action, n.ID, err)
	}

	expires := now.Add(rules.OfferTTL)
	offer := Offer{
		ID:             shared.NewID(),
		NegotiationID:  n.ID,
		OfferType:      role,
		Price:          decimal.NewNullDecimal(price),
		Message:        message,
		RoundNumber:    n.RoundNumber + 1,
		IsCounterOffer: true,
		AgentGenerated: agent,
		CreatedAt:      now,
	}
	err = s.repo.AppendOffer(ctx, AppendOfferParams{Offer: offer, ExpectRound: n.RoundNumber, ExpiresAt: expires})
	if errors.Is(err, ErrStaleWrite) {
		return Negotiation{}, Offer{}, s.reject(ctx, action, n.ID, s.staleError(ctx, n.ID))
	}
	if err != nil {
		return Negotiation{}, Offer{}, fmt.Errorf("append offer: %w", err)
	}

	n.RoundNumber = offer.RoundNumber
	n.ExpiresAt = &expires
	n.UpdatedAt = now
	audit.Record(ctx, action, n.ID, audit.OutcomeOK, fmt.Sprintf("round=%d role=%s", n.RoundNumber, role))
	s.publish(bus.TopicOfferSubmitted, n, actorID, offer)
	if role == RoleBuyer {
		s.afterBuyerOffer(ctx, n, offer, item)
	}
	return n, offer, nil
}

// staleError explains a lost optimistic write from the negotiation's
// current state.
func (s *Service) staleError(ctx context.Context, id string) error {
	n, err := s.repo.GetNegotiation(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != StatusActive {
		return Errorf(CodeNotActive, "negotiation is %s", n.Status)
	}
	return Errorf(CodeNotYourTurn, "another offer landed first")
}

// Accept closes the deal at the current offer. Only the party who did not
// author that offer may accept.
func (s *Service) Accept(ctx context.Context, negotiationID, actorID string) (Negotiation, error) {
	return s.accept(ctx, negotiationID, actorID, false)
}

// AgentAccept accepts on behalf of the seller agent.
func (s *Service) AgentAccept(ctx context.Context, negotiationID string) (Negotiation, error) {
	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return Negotiation{}, err
	}
	return s.accept(ctx, negotiationID, n.SellerID, true)
}

func (s *Service) accept(ctx context.Context, negotiationID, actorID string, agent bool) (Negotiation, error) {
	const action = "negotiation.accept"
	now := s.clock()
	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return Negotiation{}, s.reject(ctx, action, negotiationID, err)
	}
	if n.Status != StatusActive {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeNotActive, "negotiation is %s", n.Status))
	}
	if n.Expired(now) {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeExpired, "negotiation expired"))
	}
	role, ok := n.RoleOf(actorID)
	if !ok {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeUnauthorized, "actor is not a party to this negotiation"))
	}
	latest, err := s.repo.LatestPricedOffer(ctx, n.ID)
	if err != nil {
		return Negotiation{}, fmt.Errorf("latest offer: %w", err)
	}
	if latest == nil {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeValidation, "no offer to accept"))
	}
	if latest.OfferType == role {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeUnauthorized, "cannot accept your own offer"))
	}

	round := n.RoundNumber
	competing, err := s.repo.Transition(ctx, TransitionParams{
		NegotiationID: n.ID,
		From:          []Status{StatusActive},
		To:            StatusCompleted,
		ExpectRound:   &round,
		FinalPrice:    latest.Price,
		SellItem:      true,
		Now:           now,
	})
	if errors.Is(err, ErrStaleWrite) {
		return Negotiation{}, s.reject(ctx, action, n.ID, s.staleError(ctx, n.ID))
	}
	if err != nil {
		return Negotiation{}, fmt.Errorf("accept: %w", err)
	}

	n.Status = StatusCompleted
	n.FinalPrice = latest.Price
	n.UpdatedAt = now
	n.CompletedAt = &now
	audit.Record(ctx, action, n.ID, audit.OutcomeOK, "final_price="+latest.Price.Decimal.String())
	s.publishStatus(bus.TopicNegotiationCompleted, n, actorID, agent)
	s.publishCompeting(ctx, competing)
	return n, nil
}

// Decline cancels an active negotiation and records the reason as a
// message-only entry.
func (s *Service) Decline(ctx context.Context, negotiationID, actorID, reason string) (Negotiation, error) {
	return s.decline(ctx, negotiationID, actorID, reason, false)
}

// AgentDecline declines on behalf of the seller agent.
func (s *Service) AgentDecline(ctx context.Context, negotiationID, reason string) (Negotiation, error) {
	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return Negotiation{}, err
	}
	return s.decline(ctx, negotiationID, n.SellerID, reason, true)
}

func (s *Service) decline(ctx context.Context, negotiationID, actorID, reason string, agent bool) (Negotiation, error) {
	const action = "negotiation.decline"
	now := s.clock()
	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return Negotiation{}, s.reject(ctx, action, negotiationID, err)
	}
	if n.Status != StatusActive {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeNotActive, "negotiation is %s", n.Status))
	}
	role, ok := n.RoleOf(actorID)
	if !ok {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeUnauthorized, "actor is not a party to this negotiation"))
	}
	if strings.TrimSpace(reason) == "" {
		reason = "declined"
	}
	record := Offer{
		ID:             shared.NewID(),
		NegotiationID:  n.ID,
		OfferType:      role,
		Message:        reason,
		RoundNumber:    n.RoundNumber,
		IsMessageOnly:  true,
		AgentGenerated: agent,
		CreatedAt:      now,
	}
	_, err = s.repo.Transition(ctx, TransitionParams{
		NegotiationID: n.ID,
		From:          []Status{StatusActive},
		To:            StatusCancelled,
		Record:        &record,
		Now:           now,
	})
	if errors.Is(err, ErrStaleWrite) {
		return Negotiation{}, s.reject(ctx, action, n.ID, s.staleError(ctx, n.ID))
	}
	if err != nil {
		return Negotiation{}, fmt.Errorf("decline: %w", err)
	}

	n.Status = StatusCancelled
	n.UpdatedAt = now
	audit.Record(ctx, action, n.ID, audit.OutcomeOK, reason)
	s.publishStatus(bus.TopicNegotiationCancelled, n, actorID, agent)
	return n, nil
}

// BuyerAcceptCounter is the first step of the confirmed-deal path: the buyer
// takes the seller's counter and the seller has DealTTL to confirm.
func (s *Service) BuyerAcceptCounter(ctx context.Context, negotiationID, buyerID string) (Negotiation, error) {
	const action = "deal.buyer_accept"
	rules := s.Rules()
	now := s.clock()
	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return Negotiation{}, s.reject(ctx, action, negotiationID, err)
	}
	if n.Status != StatusActive {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeNotActive, "negotiation is %s", n.Status))
	}
	if n.Expired(now) {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeExpired, "negotiation expired"))
	}
	if buyerID == "" || buyerID != n.BuyerID {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeUnauthorized, "only the buyer may accept a counter offer"))
	}
	latest, err := s.repo.LatestPricedOffer(ctx, n.ID)
	if err != nil {
		return Negotiation{}, fmt.Errorf("latest offer: %w", err)
	}
	if latest == nil {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeValidation, "no offer to accept"))
	}
	if latest.OfferType != RoleSeller {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeUnauthorized, "current offer is not a seller counter"))
	}

	round := n.RoundNumber
	expires := now.Add(rules.DealTTL)
	_, err = s.repo.Transition(ctx, TransitionParams{
		NegotiationID: n.ID,
		From:          []Status{StatusActive},
		To:            StatusBuyerAccepted,
		ExpectRound:   &round,
		FinalPrice:    latest.Price,
		ExpiresAt:     &expires,
		Now:           now,
	})
	if errors.Is(err, ErrStaleWrite) {
		return Negotiation{}, s.reject(ctx, action, n.ID, s.staleError(ctx, n.ID))
	}
	if err != nil {
		return Negotiation{}, fmt.Errorf("buyer accept: %w", err)
	}

	n.Status = StatusBuyerAccepted
	n.FinalPrice = latest.Price
	n.ExpiresAt = &expires
	n.UpdatedAt = now
	audit.Record(ctx, action, n.ID, audit.OutcomeOK, "")
	s.publishStatus(bus.TopicBuyerAccepted, n, buyerID, false)
	return n, nil
}

// SellerConfirmDeal confirms terms after the buyer accepted a counter.
func (s *Service) SellerConfirmDeal(ctx context.Context, negotiationID, sellerID string) (Negotiation, error) {
	const action = "deal.seller_confirm"
	now := s.clock()
	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return Negotiation{}, s.reject(ctx, action, negotiationID, err)
	}
	if n.Status != StatusBuyerAccepted {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeNotActive, "negotiation is %s, expected %s", n.Status, StatusBuyerAccepted))
	}
	if n.Expired(now) {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeExpired, "deal expired"))
	}
	if sellerID == "" || sellerID != n.SellerID {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeUnauthorized, "only the seller may confirm the deal"))
	}

	expires := now.Add(s.Rules().DealTTL)
	_, err = s.repo.Transition(ctx, TransitionParams{
		NegotiationID: n.ID,
		From:          []Status{StatusBuyerAccepted},
		To:            StatusDealPending,
		FinalPrice:    n.FinalPrice,
		ExpiresAt:     &expires,
		Now:           now,
	})
	if errors.Is(err, ErrStaleWrite) {
		return Negotiation{}, s.reject(ctx, action, n.ID, s.staleError(ctx, n.ID))
	}
	if err != nil {
		return Negotiation{}, fmt.Errorf("seller confirm: %w", err)
	}

	n.Status = StatusDealPending
	n.ExpiresAt = &expires
	n.UpdatedAt = now
	audit.Record(ctx, action, n.ID, audit.OutcomeOK, "")
	s.publishStatus(bus.TopicDealPending, n, sellerID, false)
	return n, nil
}

// CompleteDeal finishes a confirmed deal and marks the item sold.
func (s *Service) CompleteDeal(ctx context.Context, negotiationID, actorID string) (Negotiation, error) {
	const action = "deal.complete"
	now := s.clock()
	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return Negotiation{}, s.reject(ctx, action, negotiationID, err)
	}
	if n.Status != StatusDealPending {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeNotActive, "negotiation is %s, expected %s", n.Status, StatusDealPending))
	}
	if n.Expired(now) {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeExpired, "deal expired"))
	}
	if _, ok := n.RoleOf(actorID); !ok {
		return Negotiation{}, s.reject(ctx, action, n.ID, Errorf(CodeUnauthorized, "actor is not a party to this negotiation"))
	}

	competing, err := s.repo.Transition(ctx, TransitionParams{
		NegotiationID: n.ID,
		From:          []Status{StatusDealPending},
		To:            StatusCompleted,
		FinalPrice:    n.FinalPrice,
		SellItem:      true,
		Now:           now,
	})
	if errors.Is(err, ErrStaleWrite) {
		return Negotiation{}, s.reject(ctx, action, n.ID, s.staleError(ctx, n.ID))
	}
	if err != nil {
		return Negotiation{}, fmt.Errorf("complete deal: %w", err)
	}

	n.Status = StatusCompleted
	n.UpdatedAt = now
	n.CompletedAt = &now
	audit.Record(ctx, action, n.ID, audit.OutcomeOK, "final_price="+n.FinalPrice.Decimal.String())
	s.publishStatus(bus.TopicNegotiationCompleted, n, actorID, false)
	s.publishCompeting(ctx, competing)
	return n, nil
}

// PostMessage appends a message-only entry. It ignores turn order and does
// not advance the round.
func (s *Service) PostMessage(ctx context.Context, negotiationID, actorID, message string) (Offer, error) {
	const action = "negotiation.message"
	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return Offer{}, s.reject(ctx, action, negotiationID, err)
	}
	if n.Status != StatusActive {
		return Offer{}, s.reject(ctx, action, n.ID, Errorf(CodeNotActive, "negotiation is %s", n.Status))
	}
	role, ok := n.RoleOf(actorID)
	if !ok {
		return Offer{}, s.reject(ctx, action, n.ID, Errorf(CodeUnauthorized, "actor is not a party to this negotiation"))
	}
	if strings.TrimSpace(message) == "" {
		return Offer{}, s.reject(ctx, action, n.ID, Errorf(CodeValidation, "message required"))
	}
	o := Offer{
		ID:            shared.NewID(),
		NegotiationID: n.ID,
		OfferType:     role,
		Message:       message,
		RoundNumber:   n.RoundNumber,
		IsMessageOnly: true,
		CreatedAt:     s.clock(),
	}
	if err := s.repo.AppendMessage(ctx, o); err != nil {
		return Offer{}, fmt.Errorf("append message: %w", err)
	}
	s.publish(bus.TopicMessagePosted, n, actorID, o)
	return o, nil
}

// ExpireStale cancels open negotiations past their deadline. It returns how
// many were cancelled.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.repo.ExpireNegotiations(ctx, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire negotiations: %w", err)
	}
	for _, n := range expired {
		audit.Record(ctx, "negotiation.expire", n.ID, audit.OutcomeOK, "deadline passed")
		s.publishStatus(bus.TopicNegotiationCancelled, n, "", false)
	}
	if len(expired) > 0 {
		s.logger.Info("expired negotiations", "count", len(expired))
	}
	return len(expired), nil
}

// Get returns a negotiation visible to actorID.
func (s *Service) Get(ctx context.Context, negotiationID, actorID string) (Negotiation, error) {
	n, err := s.repo.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return Negotiation{}, err
	}
	if _, ok := n.RoleOf(actorID); !ok {
		return Negotiation{}, Errorf(CodeUnauthorized, "actor is not a party to this negotiation")
	}
	return n, nil
}

// Offers returns the full history of a negotiation, oldest first.
func (s *Service) Offers(ctx context.Context, negotiationID, actorID string) ([]Offer, error) {
	if _, err := s.Get(ctx, negotiationID, actorID); err != nil {
		return nil, err
	}
	return s.repo.ListOffers(ctx, negotiationID)
}

// ListForItem returns every negotiation on the seller's item.
func (s *Service) ListForItem(ctx context.Context, itemID, actorID string) ([]Negotiation, error) {
	if err := s.requireSeller(ctx, itemID, actorID); err != nil {
		return nil, err
	}
	return s.repo.ListItemNegotiations(ctx, itemID)
}

// ListMine returns negotiations where actorID is buyer or seller.
func (s *Service) ListMine(ctx context.Context, actorID string) ([]Negotiation, error) {
	if actorID == "" {
		return nil, Errorf(CodeUnauthorized, "actor required")
	}
	return s.repo.ListNegotiationsForUser(ctx, actorID)
}

// AnalyzeItemOffers classifies all buyer offers on the seller's item.
func (s *Service) AnalyzeItemOffers(ctx context.Context, itemID, actorID string) (OfferAnalysis, error) {
	if err := s.requireSeller(ctx, itemID, actorID); err != nil {
		return OfferAnalysis{}, err
	}
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return OfferAnalysis{}, err
	}
	offers, err := s.repo.ListItemOffers(ctx, itemID)
	if err != nil {
		return OfferAnalysis{}, fmt.Errorf("list item offers: %w", err)
	}
	return AnalyzeOffers(item.AskingPrice, offers), nil
}

func (s *Service) requireSeller(ctx context.Context, itemID, actorID string) error {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if actorID == "" || item.SellerID != actorID {
		return Errorf(CodeUnauthorized, "only the seller may view this")
	}
	return nil
}

func (s *Service) afterBuyerOffer(ctx context.Context, n Negotiation, offer Offer, item Item) {
	if s.enq == nil || !item.AgentEnabled {
		return
	}
	if err := s.enq.EnqueueOffer(ctx, n, offer, item); err != nil {
		s.logger.WarnContext(ctx, "agent enqueue failed",
			"negotiation_id", n.ID, "offer_id", offer.ID, "error", err)
	}
}

func (s *Service) reject(ctx context.Context, action, subject string, err error) error {
	if code := CodeOf(err); code != "" {
		s.metrics.RecordProtocolError(ctx, string(code))
		audit.Record(ctx, action, subject, audit.OutcomeRejected, err.Error())
	}
	return err
}

func (s *Service) publish(topic string, n Negotiation, actorID string, o Offer) {
	if s.pub == nil {
		return
	}
	ev := eventFor(n, actorID)
	if o.Price.Valid {
		ev.Price = o.Price.Decimal.String()
	}
	ev.Message = o.Message
	ev.Agent = o.AgentGenerated
	s.pub.Publish(topic, ev)
}

func (s *Service) publishStatus(topic string, n Negotiation, actorID string, agent bool) {
	if s.pub == nil {
		return
	}
	ev := eventFor(n, actorID)
	if n.FinalPrice.Valid {
		ev.Price = n.FinalPrice.Decimal.String()
	}
	ev.Agent = agent
	s.pub.Publish(topic, ev)
}

func (s *Service) publishCompeting(ctx context.Context, cancelled []Negotiation) {
	for _, c := range cancelled {
		audit.Record(ctx, "negotiation.cancel_competing", c.ID, audit.OutcomeOK, "item sold")
		s.publishStatus(bus.TopicNegotiationCancelled, c, "", false)
	}
}

func eventFor(n Negotiation, actorID string) bus.NegotiationEvent {
	return bus.NegotiationEvent{
		NegotiationID: n.ID,
		ItemID:        n.ItemID,
		BuyerID:       n.BuyerID,
		SellerID:      n.SellerID,
		ActorID:       actorID,
		Status:        string(n.Status),
		Round:         n.RoundNumber,
	}
}

func other(r Role) Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}
