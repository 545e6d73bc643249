package domain

import "github.com/shopspring/decimal"

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
)

// Split is a gross amount divided between platform and creator.
type Split struct {
	Gross      int64
	Commission int64
	Net        int64
	Rate       decimal.Decimal
}

// ComputeSplit rounds the commission half away from zero to the minor unit
// and gives the creator the remainder, so Net + Commission == Gross exactly.
func ComputeSplit(gross int64, rate decimal.Decimal) Split {
	commission := decimal.NewFromInt(gross).Mul(rate).Round(0).IntPart()
	return Split{
		Gross:      gross,
		Commission: commission,
		Net:        gross - commission,
		Rate:       rate,
	}
}

// ParseRate accepts decimal strings within [0,1].
func ParseRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, ErrInvalidRate
	}
	if !ValidRate(rate) {
		return decimal.Decimal{}, ErrInvalidRate
	}
	return rate, nil
}

func ValidRate(rate decimal.Decimal) bool {
	return !rate.LessThan(zero) && !rate.GreaterThan(one)
}
