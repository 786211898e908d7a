package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuctionStrategy_SingleBidInactive(t *testing.T) {
	now := time.Now()
	res := AuctionStrategy([]Bid{{BuyerID: "b1", Amount: 900, At: now}}, 1200, 1020, now)
	assert.False(t, res.Active)
}

func TestAuctionStrategy_ReserveAboveHighestBid(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bids := []Bid{
		{BuyerID: "b1", Amount: 900, At: now.Add(-2 * time.Hour)},
		{BuyerID: "b2", Amount: 1000, At: now.Add(-time.Hour)},
	}
	res := AuctionStrategy(bids, 1200, 1020, now)

	assert.True(t, res.Active)
	assert.Equal(t, 1000.0, res.HighestBid)
	assert.Equal(t, "b2", res.HighestBidder)
	assert.InDelta(t, 1100.0, res.OptimalReserve, 1e-9)
	assert.Equal(t, AuctionSetDeadline, res.Action)
	assert.Equal(t, 2, res.Velocity)
	assert.Equal(t, 12*time.Hour, res.Deadline)
}

func TestAuctionStrategy_DeadlineTiers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)

	slow := AuctionStrategy([]Bid{{Amount: 100, At: old}, {Amount: 110, At: old}}, 200, 150, now)
	assert.Equal(t, 0, slow.Velocity)
	assert.Equal(t, 24*time.Hour, slow.Deadline)

	var fast []Bid
	for i := 0; i < 4; i++ {
		fast = append(fast, Bid{Amount: float64(100 + i), At: now.Add(-time.Duration(i) * time.Hour)})
	}
	res := AuctionStrategy(fast, 200, 150, now)
	assert.Equal(t, 4, res.Velocity)
	assert.Equal(t, 4*time.Hour, res.Deadline)
}

func TestAuctionStrategy_TargetDominatesReserve(t *testing.T) {
	now := time.Now()
	bids := []Bid{{Amount: 100, At: now}, {Amount: 120, At: now}}
	res := AuctionStrategy(bids, 150, 400, now)
	assert.Equal(t, 400.0, res.OptimalReserve)
	assert.Equal(t, AuctionSetDeadline, res.Action)
}
