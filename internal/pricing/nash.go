package pricing

import (
	"fmt"
	"math"
)

// Direction is the trend of the buyer's last two offers.
type Direction string

const (
	DirectionIncreasing Direction = "increasing"
	DirectionStable     Direction = "stable"
	DirectionDecreasing Direction = "decreasing"
)

// Recommendation grades how far the model price sits above the current offer.
type Recommendation string

const (
	RecommendAccept              Recommendation = "ACCEPT"
	RecommendCounter             Recommendation = "COUNTER"
	RecommendConsiderCounter     Recommendation = "CONSIDER_COUNTER"
	RecommendCounterConservative Recommendation = "COUNTER_CONSERVATIVE"
)

const (
	minDiscount     = 0.05
	directionBand   = 0.01
	minConfidence   = 0.05
	maxConfidence   = 0.95
	historyBonusCap = 4
)

// NashState describes one bargaining position from the seller's side.
type NashState struct {
	SellerTarget      float64
	BuyerOffer        float64
	EstimatedBuyerMax float64
	MarketValue       float64
	Round             int
	TimeUrgency       float64
	CompetitorCount   int
	// History holds the buyer's priced offers, oldest first. The current
	// offer may be the last element.
	History []float64
}

// NashResult is the model's recommended counter price and its diagnostics.
type NashResult struct {
	Price          float64
	Confidence     float64
	ExpectedProfit float64
	Recommendation Recommendation
	Direction      Direction
	SellerDiscount float64
	BuyerDiscount  float64
	SellerPower    float64
}

// PriceDirection classifies the move between the last two entries of history.
// Moves within 1% are stable.
func PriceDirection(history []float64) Direction {
	if len(history) < 2 {
		return DirectionStable
	}
	prev, last := history[len(history)-2], history[len(history)-1]
	if prev <= 0 {
		return DirectionStable
	}
	switch change := (last - prev) / prev; {
	case change > directionBand:
		return DirectionIncreasing
	case change < -directionBand:
		return DirectionDecreasing
	default:
		return DirectionStable
	}
}

// NashPrice splits the surplus between the buyer's offer and the seller's
// target using alternating-offers discount factors, then adjusts for the
// buyer's trend and for competing bidders. The result always lies within
// [BuyerOffer, EstimatedBuyerMax].
func NashPrice(s NashState, p Params) (NashResult, error) {
	if err := s.validate(); err != nil {
		return NashResult{}, err
	}

	dir := PriceDirection(s.History)
	round := float64(s.Round)

	sellerDiscount := math.Max(minDiscount, 0.95-0.1*s.TimeUrgency-0.02*round)
	buyerDiscount := math.Max(minDiscount, 0.92-0.015*round)

	power := 0.5 + 0.1*float64(s.CompetitorCount) + 0.2*s.TimeUrgency
	switch dir {
	case DirectionIncreasing:
		power += p.DirectionPower
	case DirectionDecreasing:
		power -= p.DirectionPower
	}
	power = clamp(power, 0, 1)

	denom := 1 - sellerDiscount*buyerDiscount
	var share float64
	if s.Round%2 == 0 {
		share = (1 - buyerDiscount) / denom
	} else {
		share = sellerDiscount * (1 - buyerDiscount) / denom
	}
	share = (share + power) / 2

	top := math.Min(s.EstimatedBuyerMax, math.Max(s.SellerTarget, s.BuyerOffer))
	increment := share * (top - s.BuyerOffer)

	switch dir {
	case DirectionIncreasing:
		increment *= p.IncreasingDampening
		increment = math.Min(increment, s.BuyerOffer*p.IncreasingCap)
	case DirectionDecreasing:
		increment *= 1 + p.DecreasingFirmness
	}
	price := s.BuyerOffer + increment

	if s.CompetitorCount >= 2 {
		pressure := math.Min(p.AuctionPressurePerCompetitor*float64(s.CompetitorCount), p.AuctionPressureCap)
		price += (s.EstimatedBuyerMax - price) * pressure
	}

	hi := math.Max(s.EstimatedBuyerMax*p.CeilingRatio, s.BuyerOffer)
	lo := math.Min(s.BuyerOffer*p.floor(dir), hi)
	price = clamp(price, lo, hi)

	confidence := 0.5 - 0.02*round
	if s.MarketValue > 0 {
		confidence += 0.15
	}
	confidence += 0.05 * float64(min(len(s.History), historyBonusCap))
	confidence = clamp(confidence, minConfidence, maxConfidence)

	return NashResult{
		Price:          price,
		Confidence:     confidence,
		ExpectedProfit: (price - s.BuyerOffer) * confidence,
		Recommendation: p.recommend(price, s.BuyerOffer),
		Direction:      dir,
		SellerDiscount: sellerDiscount,
		BuyerDiscount:  buyerDiscount,
		SellerPower:    power,
	}, nil
}

func (p Params) recommend(price, offer float64) Recommendation {
	gap := (price - offer) / offer
	switch {
	case gap < p.AcceptGap:
		return RecommendAccept
	case gap <= p.CounterGap:
		return RecommendCounter
	case gap <= p.ConsiderGap:
		return RecommendConsiderCounter
	default:
		return RecommendCounterConservative
	}
}

func (s NashState) validate() error {
	switch {
	case !finite(s.BuyerOffer) || s.BuyerOffer <= 0:
		return fmt.Errorf("%w: buyer offer must be positive, got %v", ErrInvalidInput, s.BuyerOffer)
	case !finite(s.EstimatedBuyerMax) || s.EstimatedBuyerMax < s.BuyerOffer:
		return fmt.Errorf("%w: estimated buyer max %v below offer %v", ErrInvalidInput, s.EstimatedBuyerMax, s.BuyerOffer)
	case !finite(s.SellerTarget) || s.SellerTarget <= 0:
		return fmt.Errorf("%w: seller target must be positive, got %v", ErrInvalidInput, s.SellerTarget)
	case !finite(s.TimeUrgency) || s.TimeUrgency < 0 || s.TimeUrgency > 1:
		return fmt.Errorf("%w: time urgency %v outside [0,1]", ErrInvalidInput, s.TimeUrgency)
	case s.Round < 0:
		return fmt.Errorf("%w: negative round %d", ErrInvalidInput, s.Round)
	case s.CompetitorCount < 0:
		return fmt.Errorf("%w: negative competitor count %d", ErrInvalidInput, s.CompetitorCount)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
