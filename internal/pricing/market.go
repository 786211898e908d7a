package pricing

import "math"

// Price adjustment tiers suggested to the seller.
const (
	AdjustHold           = "hold"
	AdjustMinorReduction = "minor_reduction"
	AdjustMajorReduction = "major_reduction"
)

var categoryRetention = map[string]float64{
	"dining_table": 0.90,
	"dresser":      0.85,
	"bookshelf":    0.80,
	"desk":         0.80,
	"chair":        0.78,
	"couch":        0.75,
	"bed":          0.72,
	"coffee_table": 0.70,
	"other":        0.75,
}

var conditionMultiplier = map[string]float64{
	"excellent": 1.0,
	"like_new":  0.97,
	"good":      0.93,
	"fair":      0.89,
	"poor":      0.85,
}

const (
	unknownCondition = 0.85
	minTimeDecay     = 0.7
	decayPerDay      = 0.01
	demandHorizon    = 60.0
)

// MarketEstimate is a resale value estimate for a listing.
type MarketEstimate struct {
	Value       float64
	DemandScore float64
	Adjustment  string
}

// MarketValue estimates what a listing would fetch today from its category,
// condition and time on market.
func MarketValue(furnitureType, condition string, listingPrice float64, daysListed int) MarketEstimate {
	retention, ok := categoryRetention[furnitureType]
	if !ok {
		retention = categoryRetention["other"]
	}
	cond, ok := conditionMultiplier[condition]
	if !ok {
		cond = unknownCondition
	}
	days := math.Max(0, float64(daysListed))
	decay := math.Max(minTimeDecay, 1-decayPerDay*days)

	demand := clamp(retention*cond*(1-days/demandHorizon)/0.9, 0, 1)

	adj := AdjustHold
	switch {
	case days > 30 || demand < 0.3:
		adj = AdjustMajorReduction
	case days > 14 || demand < 0.6:
		adj = AdjustMinorReduction
	}

	return MarketEstimate{
		Value:       listingPrice * retention * cond * decay,
		DemandScore: demand,
		Adjustment:  adj,
	}
}
