// Package pricing holds the seller agent's price model: an alternating-offers
// bargaining estimate, auction reserve pricing for contested items and a
// resale value heuristic. Everything here is pure and safe for concurrent use.
package pricing

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is wrapped by every input validation failure.
var ErrInvalidInput = errors.New("pricing: invalid input")

// Params are the tunable constants of the model. Loaded from the pricing
// section of config.yaml.
type Params struct {
	IncreasingDampening float64 `yaml:"increasing_dampening"`
	IncreasingCap       float64 `yaml:"increasing_cap"`
	DecreasingFirmness  float64 `yaml:"decreasing_firmness"`

	FloorIncreasing float64 `yaml:"floor_increasing"`
	FloorStable     float64 `yaml:"floor_stable"`
	FloorDecreasing float64 `yaml:"floor_decreasing"`
	CeilingRatio    float64 `yaml:"ceiling_ratio"`

	AuctionPressurePerCompetitor float64 `yaml:"auction_pressure_per_competitor"`
	AuctionPressureCap           float64 `yaml:"auction_pressure_cap"`
	DirectionPower               float64 `yaml:"direction_power"`

	AcceptGap   float64 `yaml:"accept_gap"`
	CounterGap  float64 `yaml:"counter_gap"`
	ConsiderGap float64 `yaml:"consider_gap"`

	// StrongOfferRatio is the offer-to-asking ratio the agent accepts
	// without countering.
	StrongOfferRatio float64 `yaml:"strong_offer_ratio"`
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		IncreasingDampening:          0.85,
		IncreasingCap:                0.12,
		DecreasingFirmness:           0.15,
		FloorIncreasing:              1.03,
		FloorStable:                  1.05,
		FloorDecreasing:              1.08,
		CeilingRatio:                 0.95,
		AuctionPressurePerCompetitor: 0.1,
		AuctionPressureCap:           0.5,
		DirectionPower:               0.1,
		AcceptGap:                    0.02,
		CounterGap:                   0.10,
		ConsiderGap:                  0.20,
		StrongOfferRatio:             0.95,
	}
}

// Validate reports the first out-of-range parameter.
func (p Params) Validate() error {
	switch {
	case p.IncreasingDampening <= 0 || p.IncreasingDampening > 1:
		return fmt.Errorf("%w: increasing_dampening must be in (0,1]", ErrInvalidInput)
	case p.IncreasingCap <= 0:
		return fmt.Errorf("%w: increasing_cap must be positive", ErrInvalidInput)
	case p.DecreasingFirmness < 0:
		return fmt.Errorf("%w: decreasing_firmness must be >= 0", ErrInvalidInput)
	case p.FloorIncreasing < 1 || p.FloorStable < 1 || p.FloorDecreasing < 1:
		return fmt.Errorf("%w: floor multipliers must be >= 1", ErrInvalidInput)
	case p.CeilingRatio <= 0 || p.CeilingRatio > 1:
		return fmt.Errorf("%w: ceiling_ratio must be in (0,1]", ErrInvalidInput)
	case p.AuctionPressurePerCompetitor < 0 || p.AuctionPressureCap < 0 || p.AuctionPressureCap > 1:
		return fmt.Errorf("%w: auction pressure must be in [0,1]", ErrInvalidInput)
	case p.DirectionPower < 0 || p.DirectionPower > 0.5:
		return fmt.Errorf("%w: direction_power must be in [0,0.5]", ErrInvalidInput)
	case p.AcceptGap < 0 || p.AcceptGap > p.CounterGap || p.CounterGap > p.ConsiderGap:
		return fmt.Errorf("%w: gaps must satisfy 0 <= accept <= counter <= consider", ErrInvalidInput)
	case p.StrongOfferRatio <= 0 || p.StrongOfferRatio > 1:
		return fmt.Errorf("%w: strong_offer_ratio must be in (0,1]", ErrInvalidInput)
	}
	return nil
}

func (p Params) floor(d Direction) float64 {
	switch d {
	case DirectionIncreasing:
		return p.FloorIncreasing
	case DirectionDecreasing:
		return p.FloorDecreasing
	default:
		return p.FloorStable
	}
}
