package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarketValue_FreshPremiumListing(t *testing.T) {
	est := MarketValue("dining_table", "excellent", 1000, 0)
	assert.InDelta(t, 900.0, est.Value, 1e-9)
	assert.InDelta(t, 1.0, est.DemandScore, 1e-9)
	assert.Equal(t, AdjustHold, est.Adjustment)
}

func TestMarketValue_TimeDecayFloors(t *testing.T) {
	at30 := MarketValue("couch", "good", 1000, 30)
	at90 := MarketValue("couch", "good", 1000, 90)
	assert.InDelta(t, 1000*0.75*0.93*0.7, at30.Value, 1e-9)
	assert.InDelta(t, at30.Value, at90.Value, 1e-9)
	assert.Equal(t, AdjustMinorReduction, at30.Adjustment)
	assert.Equal(t, AdjustMajorReduction, at90.Adjustment)
	assert.Equal(t, 0.0, at90.DemandScore)
}

func TestMarketValue_UnknownCategoryAndCondition(t *testing.T) {
	est := MarketValue("hammock", "mystery", 100, 0)
	assert.InDelta(t, 100*0.75*0.85, est.Value, 1e-9)
}
