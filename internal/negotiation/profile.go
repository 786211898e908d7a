package negotiation

import (
	"sort"
	"time"
)

// SellingPriority steers how eagerly the agent closes.
type SellingPriority string

const (
	PriorityBestPrice SellingPriority = "best_price"
	PriorityQuickSale SellingPriority = "quick_sale"
)

// SellerAgentProfile configures the autonomous agent for one seller.
type SellerAgentProfile struct {
	SellerID             string          `json:"seller_id"`
	Enabled              bool            `json:"enabled"`
	AggressivenessLevel  float64         `json:"aggressiveness_level"`
	AutoAcceptThreshold  float64         `json:"auto_accept_threshold"`
	MinAcceptableRatio   float64         `json:"min_acceptable_ratio"`
	ResponseDelayMinutes int             `json:"response_delay_minutes"`
	SellingPriority      SellingPriority `json:"selling_priority"`
	Personality          string          `json:"personality,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// DefaultProfile is used for sellers that never saved a profile.
func DefaultProfile(sellerID string) SellerAgentProfile {
	return SellerAgentProfile{
		SellerID:            sellerID,
		Enabled:             true,
		AggressivenessLevel: 0.5,
		AutoAcceptThreshold: 0.95,
		MinAcceptableRatio:  0.70,
		SellingPriority:     PriorityBestPrice,
	}
}

type personality struct {
	min, autoAccept, aggressiveness float64
	priority                        SellingPriority
}

var personalities = map[string]personality{
	"aggressive": {min: 0.75, autoAccept: 0.95, aggressiveness: 0.8, priority: PriorityBestPrice},
	"flexible":   {min: 0.65, autoAccept: 0.80, aggressiveness: 0.5, priority: PriorityBestPrice},
	"quick_sale": {min: 0.55, autoAccept: 0.60, aggressiveness: 0.2, priority: PriorityQuickSale},
	"premium":    {min: 0.80, autoAccept: 0.90, aggressiveness: 0.9, priority: PriorityBestPrice},
}

// Personalities lists the preset names in sorted order.
func Personalities() []string {
	out := make([]string, 0, len(personalities))
	for name := range personalities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ApplyPersonality overwrites the numeric fields of p with the named preset.
func (p *SellerAgentProfile) ApplyPersonality(name string) error {
	preset, ok := personalities[name]
	if !ok {
		return Errorf(CodeValidation, "unknown personality %q", name)
	}
	p.MinAcceptableRatio = preset.min
	p.AutoAcceptThreshold = preset.autoAccept
	p.AggressivenessLevel = preset.aggressiveness
	p.SellingPriority = preset.priority
	p.Personality = name
	return nil
}

func (p SellerAgentProfile) Validate() error {
	for name, v := range map[string]float64{
		"aggressiveness_level":  p.AggressivenessLevel,
		"auto_accept_threshold": p.AutoAcceptThreshold,
		"min_acceptable_ratio":  p.MinAcceptableRatio,
	} {
		if v < 0 || v > 1 {
			return Errorf(CodeValidation, "%s must be in [0,1], got %v", name, v)
		}
	}
	if p.ResponseDelayMinutes < 0 {
		return Errorf(CodeValidation, "response_delay_minutes must be >= 0")
	}
	switch p.SellingPriority {
	case PriorityBestPrice, PriorityQuickSale:
	default:
		return Errorf(CodeValidation, "selling_priority must be best_price or quick_sale, got %q", p.SellingPriority)
	}
	if p.SellerID == "" {
		return Errorf(CodeValidation, "seller id required")
	}
	return nil
}
