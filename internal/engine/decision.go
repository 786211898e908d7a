package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/pricing"
)

// Decision is what the seller agent does with one buyer offer. It is one of
// Accept, Counter, Decline or Wait.
type Decision interface {
	Type() negotiation.DecisionType
}

type Accept struct {
	Price decimal.Decimal
}

type Counter struct {
	Price   decimal.Decimal
	Message string
}

type Decline struct {
	Reason string
}

// Wait means the agent takes no protocol action this time.
type Wait struct {
	Reason string
}

func (Accept) Type() negotiation.DecisionType  { return negotiation.DecisionAccept }
func (Counter) Type() negotiation.DecisionType { return negotiation.DecisionCounter }
func (Decline) Type() negotiation.DecisionType { return negotiation.DecisionDecline }
func (Wait) Type() negotiation.DecisionType    { return negotiation.DecisionWait }

// DecisionInput is everything Decide needs about the current offer.
type DecisionInput struct {
	Offer   decimal.Decimal
	BuyerID string
	Item    negotiation.Item
	Profile negotiation.SellerAgentProfile
	Rules   negotiation.Rules
	Round   int
	// History is the buyer's priced offers oldest first, ending with Offer.
	History []float64
	// Bids are the latest buyer prices on every active negotiation for the
	// item, this one included.
	Bids []pricing.Bid
	Now  time.Time
}

// Analysis carries the model outputs behind a decision.
type Analysis struct {
	Ratio        float64
	SellerTarget float64
	Market       pricing.MarketEstimate
	Nash         *pricing.NashResult
	Auction      pricing.AuctionResult
	Confidence   float64
	Reasoning    string
	// Err is set when the pricing model rejected its inputs. The decision
	// is then Wait.
	Err error
}

const (
	autoAcceptConfidence = 0.95
	urgencyHorizonDays   = 30.0
	quickSaleUrgency     = 0.3
)

// SellerTarget is the price the agent steers toward: the profile floor plus
// an aggressiveness share of the remaining gap to asking.
func SellerTarget(asking float64, p negotiation.SellerAgentProfile) float64 {
	return asking * (p.MinAcceptableRatio + (1-p.MinAcceptableRatio)*p.AggressivenessLevel)
}

// TimeUrgency grows with days on the market and is raised for quick-sale
// sellers.
func TimeUrgency(daysListed int, priority negotiation.SellingPriority) float64 {
	u := float64(daysListed) / urgencyHorizonDays
	if priority == negotiation.PriorityQuickSale {
		u += quickSaleUrgency
	}
	return math.Max(0, math.Min(1, u))
}

// Decide classifies one buyer offer. It performs no I/O.
func Decide(in DecisionInput, p pricing.Params) (Decision, Analysis) {
	var an Analysis
	asking := in.Item.AskingPrice.InexactFloat64()
	offer := in.Offer.InexactFloat64()
	if asking <= 0 || offer <= 0 {
		an.Err = fmt.Errorf("%w: offer %v against asking %v", pricing.ErrInvalidInput, offer, asking)
		an.Reasoning = "pricing inputs invalid: " + an.Err.Error()
		return Wait{Reason: an.Reasoning}, an
	}
	an.Ratio = offer / asking

	if an.Ratio >= in.Profile.AutoAcceptThreshold {
		an.Confidence = autoAcceptConfidence
		an.Reasoning = fmt.Sprintf("offer is %.0f%% of asking, at or above the %.0f%% auto-accept threshold",
			an.Ratio*100, in.Profile.AutoAcceptThreshold*100)
		return Accept{Price: in.Offer}, an
	}

	days := in.Item.DaysListed(in.Now)
	an.Market = pricing.MarketValue(in.Item.FurnitureType, in.Item.Condition, asking, days)
	an.SellerTarget = SellerTarget(asking, in.Profile)

	competitors := 0
	if len(in.Bids) >= 2 {
		competitors = len(in.Bids)
		an.Auction = pricing.AuctionStrategy(in.Bids, an.Market.Value, an.SellerTarget, in.Now)
	}

	nash, err := pricing.NashPrice(pricing.NashState{
		SellerTarget:      an.SellerTarget,
		BuyerOffer:        offer,
		EstimatedBuyerMax: math.Max(offer, asking),
		MarketValue:       an.Market.Value,
		Round:             in.Round,
		TimeUrgency:       TimeUrgency(days, in.Profile.SellingPriority),
		CompetitorCount:   competitors,
		History:           in.History,
	}, p)
	if err != nil {
		an.Err = err
		an.Reasoning = "pricing model rejected inputs: " + err.Error()
		return Wait{Reason: an.Reasoning}, an
	}
	an.Nash = &nash
	an.Confidence = nash.Confidence

	if an.Ratio < in.Profile.MinAcceptableRatio && nash.Direction != pricing.DirectionIncreasing {
		an.Reasoning = fmt.Sprintf("offer is %.0f%% of asking, below the %.0f%% minimum and not improving",
			an.Ratio*100, in.Profile.MinAcceptableRatio*100)
		return Decline{Reason: "Thanks, but that is below what I can accept."}, an
	}

	if an.Auction.Active {
		if an.Auction.HighestBidder == in.BuyerID && offer >= an.Auction.OptimalReserve {
			an.Reasoning = fmt.Sprintf("highest of %d competing offers and at or above the %.2f reserve",
				len(in.Bids), an.Auction.OptimalReserve)
			return Accept{Price: in.Offer}, an
		}
		an.Reasoning = fmt.Sprintf("%d competing offers, countering at the %.2f reserve", len(in.Bids), an.Auction.OptimalReserve)
		return counterAt(in, round5(an.Auction.OptimalReserve), "There is other interest in this item. I can do %s.", &an)
	}

	if nash.Recommendation == pricing.RecommendAccept || an.Ratio >= p.StrongOfferRatio {
		an.Reasoning = fmt.Sprintf("model price %.2f is within reach of the %.2f offer (%s)", nash.Price, offer, nash.Recommendation)
		return Accept{Price: in.Offer}, an
	}

	an.Reasoning = fmt.Sprintf("model price %.2f (%s, buyer trend %s)", nash.Price, nash.Recommendation, nash.Direction)
	return counterAt(in, round5(nash.Price), "Thanks for the offer. I can do %s.", &an)
}

// counterAt clamps price into the seller bounds and turns a counter that
// does not improve on the offer into an accept.
func counterAt(in DecisionInput, price float64, format string, an *Analysis) (Decision, Analysis) {
	lo, hi := in.Rules.SellerBounds(in.Item.AskingPrice)
	counter := decimal.NewFromFloat(price)
	if counter.LessThan(lo) {
		counter = lo
	}
	if counter.GreaterThan(hi) {
		counter = hi
	}
	counter = counter.Round(2)
	if counter.LessThanOrEqual(in.Offer) {
		an.Reasoning += "; counter would not exceed the offer, accepting"
		return Accept{Price: in.Offer}, *an
	}
	return Counter{Price: counter, Message: fmt.Sprintf(format, "$"+counter.StringFixed(2))}, *an
}

func round5(v float64) float64 {
	return math.Round(v/5) * 5
}
