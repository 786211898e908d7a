package negotiation

import (
	"github.com/shopspring/decimal"
)

// Offer classes relative to the asking price.
const (
	ClassPriority = "priority"
	ClassFair     = "fair"
	ClassLowball  = "lowball"
)

// Engagement levels by offer volume.
const (
	EngagementHigh   = "high"
	EngagementMedium = "medium"
	EngagementLow    = "low"
)

// ClassifiedOffer is one buyer offer with its ratio to asking.
type ClassifiedOffer struct {
	OfferID       string          `json:"offer_id"`
	NegotiationID string          `json:"negotiation_id"`
	Price         decimal.Decimal `json:"price"`
	Ratio         float64         `json:"ratio"`
	Class         string          `json:"class"`
}

// OfferAnalysis summarises buyer interest in one item.
type OfferAnalysis struct {
	TotalOffers  int               `json:"total_offers"`
	Priority     []ClassifiedOffer `json:"priority"`
	Fair         []ClassifiedOffer `json:"fair"`
	Lowball      []ClassifiedOffer `json:"lowball"`
	AverageRatio float64           `json:"average_ratio"`
	HighestOffer decimal.Decimal   `json:"highest_offer"`
	Engagement   string            `json:"engagement"`
}

// AnalyzeOffers buckets priced buyer offers: priority at 85% of asking or
// above, fair from 70%, lowball below that. Seller and message-only entries
// are ignored.
func AnalyzeOffers(asking decimal.Decimal, offers []Offer) OfferAnalysis {
	out := OfferAnalysis{
		Priority: []ClassifiedOffer{},
		Fair:     []ClassifiedOffer{},
		Lowball:  []ClassifiedOffer{},
	}
	if !asking.IsPositive() {
		out.Engagement = EngagementLow
		return out
	}

	var ratioSum float64
	for _, o := range offers {
		if o.OfferType != RoleBuyer || !o.Price.Valid {
			continue
		}
		ratio, _ := o.Price.Decimal.Div(asking).Float64()
		c := ClassifiedOffer{
			OfferID:       o.ID,
			NegotiationID: o.NegotiationID,
			Price:         o.Price.Decimal,
			Ratio:         ratio,
		}
		switch {
		case ratio >= 0.85:
			c.Class = ClassPriority
			out.Priority = append(out.Priority, c)
		case ratio >= 0.70:
			c.Class = ClassFair
			out.Fair = append(out.Fair, c)
		default:
			c.Class = ClassLowball
			out.Lowball = append(out.Lowball, c)
		}
		if o.Price.Decimal.GreaterThan(out.HighestOffer) {
			out.HighestOffer = o.Price.Decimal
		}
		ratioSum += ratio
		out.TotalOffers++
	}
	if out.TotalOffers > 0 {
		out.AverageRatio = ratioSum / float64(out.TotalOffers)
	}

	switch {
	case out.TotalOffers > 20:
		out.Engagement = EngagementHigh
	case out.TotalOffers > 10:
		out.Engagement = EngagementMedium
	default:
		out.Engagement = EngagementLow
	}
	return out
}
