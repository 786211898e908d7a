package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/haggle/internal/audit"
	"github.com/basket/haggle/internal/bus"
	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/otel"
	"github.com/basket/haggle/internal/pricing"
	"github.com/basket/haggle/internal/queue"
)

// StateReader is the read side the agent needs from storage.
type StateReader interface {
	GetNegotiation(ctx context.Context, id string) (negotiation.Negotiation, error)
	GetItem(ctx context.Context, id string) (negotiation.Item, error)
	GetProfile(ctx context.Context, sellerID string) (negotiation.SellerAgentProfile, bool, error)
	ListOffers(ctx context.Context, negotiationID string) ([]negotiation.Offer, error)
	ActiveBuyerOffers(ctx context.Context, itemID string) ([]negotiation.BuyerBid, error)
}

// DecisionRecorder persists agent decisions.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d negotiation.AgentDecision) (negotiation.AgentDecision, error)
}

// Protocol is the set of protocol actions the agent may take. It is
// implemented by *negotiation.Service.
type Protocol interface {
	AgentAccept(ctx context.Context, negotiationID string) (negotiation.Negotiation, error)
	AgentDecline(ctx context.Context, negotiationID, reason string) (negotiation.Negotiation, error)
	SubmitAgentOffer(ctx context.Context, negotiationID string, price decimal.Decimal, message string) (negotiation.Negotiation, negotiation.Offer, error)
	Rules() negotiation.Rules
}

// AgentConfig wires an Agent.
type AgentConfig struct {
	State     StateReader
	Decisions DecisionRecorder
	Protocol  Protocol
	// Params returns the pricing parameters in force. Called per task so a
	// config reload applies to the next decision.
	Params  func() pricing.Params
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
}

// Agent is the seller agent Processor: it reads the negotiation, decides and
// drives the protocol.
type Agent struct {
	cfg AgentConfig
}

func NewAgent(cfg AgentConfig) *Agent {
	if cfg.Params == nil {
		cfg.Params = pricing.DefaultParams
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Agent{cfg: cfg}
}

var errAgentDisabled = negotiation.Errorf(negotiation.CodeNotActive, "seller agent disabled")

// ErrDecisionNotRecorded means the protocol action went through but its
// decision row could not be written. The task is not retried since the
// negotiation has already moved on.
var ErrDecisionNotRecorded = errors.New("agent decision not recorded")

// recordTimeout bounds the decision write once the protocol action is taken.
// It is detached from the task deadline.
const recordTimeout = 5 * time.Second

// Process handles one task and returns the recorded decision id.
func (a *Agent) Process(ctx context.Context, task queue.Task) (string, error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, a.cfg.Tracer, "agent.process",
		otel.AttrTaskID.String(task.ID),
		otel.AttrNegotiationID.String(task.NegotiationID),
	)
	defer span.End()

	decisionID, err := a.process(ctx, task, start)
	if err != nil {
		otel.FailSpan(span, err, string(ClassifyError(err)))
	}
	return decisionID, err
}

func (a *Agent) process(ctx context.Context, task queue.Task, start time.Time) (string, error) {
	n, offer, err := a.currentOffer(ctx, task.NegotiationID)
	if err != nil {
		return "", err
	}
	item, err := a.cfg.State.GetItem(ctx, n.ItemID)
	if err != nil {
		return "", fmt.Errorf("load item: %w", err)
	}
	profile, ok, err := a.cfg.State.GetProfile(ctx, n.SellerID)
	if err != nil {
		return "", fmt.Errorf("load profile: %w", err)
	}
	if !ok {
		profile = negotiation.DefaultProfile(n.SellerID)
	}
	if !profile.Enabled || !item.AgentEnabled {
		return "", errAgentDisabled
	}

	history, err := a.buyerHistory(ctx, n.ID)
	if err != nil {
		return "", err
	}
	open, err := a.cfg.State.ActiveBuyerOffers(ctx, item.ID)
	if err != nil {
		return "", fmt.Errorf("load competing offers: %w", err)
	}
	bids := make([]pricing.Bid, 0, len(open))
	for _, b := range open {
		bids = append(bids, pricing.Bid{BuyerID: b.BuyerID, Amount: b.Price.InexactFloat64(), At: b.At})
	}

	dec, an := Decide(DecisionInput{
		Offer:   offer.Price.Decimal,
		BuyerID: n.BuyerID,
		Item:    item,
		Profile: profile,
		Rules:   a.cfg.Protocol.Rules(),
		Round:   n.RoundNumber,
		History: history,
		Bids:    bids,
		Now:     a.cfg.Now().UTC(),
	}, a.cfg.Params())
	trace.SpanFromContext(ctx).SetAttributes(
		otel.AttrDecision.String(string(dec.Type())),
		otel.AttrRound.Int(n.RoundNumber),
	)

	// The protocol may have moved while we computed.
	again, _, err := a.currentOffer(ctx, n.ID)
	if err != nil {
		return "", err
	}
	if again.RoundNumber != n.RoundNumber {
		return "", negotiation.Errorf(negotiation.CodeNotYourTurn, "negotiation advanced to round %d", again.RoundNumber)
	}

	taken, err := a.act(ctx, n.ID, dec)
	if err != nil {
		return "", err
	}

	rec := negotiation.AgentDecision{
		NegotiationID:      n.ID,
		TaskID:             task.ID,
		OfferID:            offer.ID,
		DecisionType:       taken.Type(),
		OriginalOfferPrice: offer.Price.Decimal,
		ConfidenceScore:    an.Confidence,
		Reasoning:          an.Reasoning,
		ExecutionTimeMs:    time.Since(start).Milliseconds(),
	}
	switch d := taken.(type) {
	case Accept:
		rec.RecommendedPrice = decimal.NewNullDecimal(d.Price)
	case Counter:
		rec.RecommendedPrice = decimal.NewNullDecimal(d.Price)
	case Decline:
		if d.Reason != "" && rec.Reasoning != d.Reason {
			rec.Reasoning = joinReason(rec.Reasoning, d.Reason)
		}
	case Wait:
	}
	if an.Nash != nil {
		rec.NashPrice = decimal.NewNullDecimal(decimal.NewFromFloat(an.Nash.Price).Round(2))
	}
	if an.Market.Value > 0 {
		rec.MarketValue = decimal.NewNullDecimal(decimal.NewFromFloat(an.Market.Value).Round(2))
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	stored, err := a.cfg.Decisions.RecordDecision(recordCtx, rec)
	if err != nil {
		taken := string(rec.DecisionType)
		if rec.RecommendedPrice.Valid {
			taken += " at " + rec.RecommendedPrice.Decimal.StringFixed(2)
		}
		audit.Record(ctx, "agent.decision", n.ID, audit.OutcomeFailed,
			fmt.Sprintf("%s taken for offer %s but not recorded: %v", taken, offer.ID, err))
		return "", fmt.Errorf("%w: %s: %v", ErrDecisionNotRecorded, taken, err)
	}
	a.cfg.Metrics.RecordDecision(ctx, string(stored.DecisionType), time.Since(start).Seconds())
	a.publish(stored, n.SellerID)
	a.cfg.Logger.InfoContext(ctx, "agent decision",
		"negotiation_id", n.ID,
		"task_id", task.ID,
		"decision", stored.DecisionType,
		"offer", offer.Price.Decimal.String(),
		"confidence", stored.ConfidenceScore,
	)

	if an.Err != nil {
		return stored.ID, negotiation.Errorf(negotiation.CodePricingModel, "%v", an.Err)
	}
	return stored.ID, nil
}

// currentOffer loads the negotiation and the buyer offer awaiting a seller
// response. A task always answers the latest buyer offer, even when it was
// queued for an earlier one.
func (a *Agent) currentOffer(ctx context.Context, negotiationID string) (negotiation.Negotiation, negotiation.Offer, error) {
	n, err := a.cfg.State.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return n, negotiation.Offer{}, err
	}
	if n.Status != negotiation.StatusActive {
		return n, negotiation.Offer{}, negotiation.Errorf(negotiation.CodeNotActive, "negotiation is %s", n.Status)
	}
	if n.Expired(a.cfg.Now()) {
		return n, negotiation.Offer{}, negotiation.Errorf(negotiation.CodeExpired, "negotiation expired")
	}
	offers, err := a.cfg.State.ListOffers(ctx, n.ID)
	if err != nil {
		return n, negotiation.Offer{}, fmt.Errorf("load offers: %w", err)
	}
	for i := len(offers) - 1; i >= 0; i-- {
		o := offers[i]
		if !o.Price.Valid {
			continue
		}
		if o.OfferType != negotiation.RoleBuyer {
			return n, negotiation.Offer{}, negotiation.Errorf(negotiation.CodeNotYourTurn, "latest offer is the seller's")
		}
		return n, o, nil
	}
	return n, negotiation.Offer{}, negotiation.Errorf(negotiation.CodeValidation, "no buyer offer to answer")
}

func (a *Agent) buyerHistory(ctx context.Context, negotiationID string) ([]float64, error) {
	offers, err := a.cfg.State.ListOffers(ctx, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("load offers: %w", err)
	}
	var out []float64
	for _, o := range offers {
		if o.OfferType == negotiation.RoleBuyer && o.Price.Valid {
			out = append(out, o.Price.Decimal.InexactFloat64())
		}
	}
	return out, nil
}

// act drives the protocol and returns the decision actually taken. A counter
// the protocol refuses on round or price grounds becomes a decline.
func (a *Agent) act(ctx context.Context, negotiationID string, dec Decision) (Decision, error) {
	switch d := dec.(type) {
	case Accept:
		if _, err := a.cfg.Protocol.AgentAccept(ctx, negotiationID); err != nil {
			return nil, err
		}
		return d, nil
	case Counter:
		_, _, err := a.cfg.Protocol.SubmitAgentOffer(ctx, negotiationID, d.Price, d.Message)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, negotiation.ErrRoundLimitExceeded) && !errors.Is(err, negotiation.ErrPriceOutOfBounds) {
			return nil, err
		}
		reason := err.Error()
		var perr *negotiation.Error
		if errors.As(err, &perr) && perr.Reason != "" {
			reason = perr.Reason
		}
		return a.act(ctx, negotiationID, Decline{Reason: reason})
	case Decline:
		if _, err := a.cfg.Protocol.AgentDecline(ctx, negotiationID, d.Reason); err != nil {
			return nil, err
		}
		return d, nil
	case Wait:
		return d, nil
	default:
		return nil, fmt.Errorf("unknown decision %T", dec)
	}
}

func (a *Agent) publish(d negotiation.AgentDecision, sellerID string) {
	if a.cfg.Bus == nil {
		return
	}
	ev := bus.DecisionEvent{
		DecisionID:    d.ID,
		NegotiationID: d.NegotiationID,
		SellerID:      sellerID,
		Type:          string(d.DecisionType),
		OfferPrice:    d.OriginalOfferPrice.String(),
		Confidence:    d.ConfidenceScore,
		Reasoning:     d.Reasoning,
	}
	if d.RecommendedPrice.Valid {
		ev.Price = d.RecommendedPrice.Decimal.String()
	}
	a.cfg.Bus.Publish(bus.TopicDecisionRecorded, ev)
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + ". " + b
}
