package pricing

import (
	"math"
	"time"
)

// Auction actions.
const (
	AuctionAccept      = "ACCEPT"
	AuctionSetDeadline = "SET_DEADLINE"
)

const (
	velocityWindow    = 24 * time.Hour
	reserveValueRatio = 0.8
	reserveBidLift    = 1.1
)

// Bid is one competing buyer offer on an item.
type Bid struct {
	BuyerID string
	Amount  float64
	At      time.Time
}

// AuctionResult is the reserve and deadline policy for a contested item.
type AuctionResult struct {
	Active         bool
	HighestBid     float64
	HighestBidder  string
	OptimalReserve float64
	Velocity       int
	Deadline       time.Duration
	Action         string
}

// AuctionStrategy treats two or more open bids as an auction. The reserve sits
// above the best bid so the seller always has room to counter upward. Fast
// bidding shortens the suggested deadline.
func AuctionStrategy(bids []Bid, itemValue, sellerTarget float64, now time.Time) AuctionResult {
	if len(bids) < 2 {
		return AuctionResult{}
	}

	res := AuctionResult{Active: true}
	for _, b := range bids {
		if b.Amount > res.HighestBid {
			res.HighestBid = b.Amount
			res.HighestBidder = b.BuyerID
		}
		if now.Sub(b.At) <= velocityWindow {
			res.Velocity++
		}
	}

	res.OptimalReserve = math.Max(sellerTarget, math.Max(reserveValueRatio*itemValue, res.HighestBid*reserveBidLift))

	switch {
	case res.Velocity >= 4:
		res.Deadline = 4 * time.Hour
	case res.Velocity >= 2:
		res.Deadline = 12 * time.Hour
	default:
		res.Deadline = 24 * time.Hour
	}

	if res.HighestBid >= res.OptimalReserve {
		res.Action = AuctionAccept
	} else {
		res.Action = AuctionSetDeadline
	}
	return res
}
