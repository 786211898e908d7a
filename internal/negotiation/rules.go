package negotiation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Rules are the configurable protocol limits.
type Rules struct {
	MaxRounds      int           `yaml:"max_rounds"`
	OfferTTL       time.Duration `yaml:"offer_ttl"`
	DealTTL        time.Duration `yaml:"deal_ttl"`
	SellerMinRatio float64       `yaml:"seller_min_ratio"`
	SellerMaxRatio float64       `yaml:"seller_max_ratio"`
	BuyerMaxRatio  float64       `yaml:"buyer_max_ratio"`
}

// DefaultRules returns the production protocol limits.
func DefaultRules() Rules {
	return Rules{
		MaxRounds:      10,
		OfferTTL:       72 * time.Hour,
		DealTTL:        24 * time.Hour,
		SellerMinRatio: 0.30,
		SellerMaxRatio: 1.25,
		BuyerMaxRatio:  1.10,
	}
}

func (r Rules) Validate() error {
	switch {
	case r.MaxRounds < 1:
		return errors.New("max_rounds must be >= 1")
	case r.OfferTTL <= 0 || r.DealTTL <= 0:
		return errors.New("offer_ttl and deal_ttl must be positive")
	case r.SellerMinRatio < 0 || r.SellerMinRatio >= r.SellerMaxRatio:
		return errors.New("seller_min_ratio must be in [0, seller_max_ratio)")
	case r.BuyerMaxRatio <= 0:
		return errors.New("buyer_max_ratio must be positive")
	}
	return nil
}

// SellerBounds returns the inclusive price range a seller may offer.
func (r Rules) SellerBounds(asking decimal.Decimal) (lo, hi decimal.Decimal) {
	return asking.Mul(decimal.NewFromFloat(r.SellerMinRatio)), asking.Mul(decimal.NewFromFloat(r.SellerMaxRatio))
}

// CheckPrice validates price for role against the item's asking price.
func (r Rules) CheckPrice(role Role, price, asking decimal.Decimal) error {
	if !price.IsPositive() {
		return Errorf(CodeValidation, "price must be positive")
	}
	switch role {
	case RoleSeller:
		lo, hi := r.SellerBounds(asking)
		if price.LessThan(lo) {
			return Errorf(CodePriceOutOfBounds, "seller price %s below minimum %s (%s of asking)",
				price.StringFixed(2), lo.StringFixed(2), percent(r.SellerMinRatio))
		}
		if price.GreaterThan(hi) {
			return Errorf(CodePriceOutOfBounds, "seller price %s above maximum %s (%s of asking)",
				price.StringFixed(2), hi.StringFixed(2), percent(r.SellerMaxRatio))
		}
	case RoleBuyer:
		hi := asking.Mul(decimal.NewFromFloat(r.BuyerMaxRatio))
		if price.GreaterThan(hi) {
			return Errorf(CodePriceOutOfBounds, "buyer price %s above maximum %s (%s of asking)",
				price.StringFixed(2), hi.StringFixed(2), percent(r.BuyerMaxRatio))
		}
	}
	return nil
}

func percent(ratio float64) string {
	return decimal.NewFromFloat(ratio).Shift(2).String() + "%"
}
