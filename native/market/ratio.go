package market

import (
	"fmt"
	"math/big"
)

// Ratio is a deterministic rational fraction used for the protocol fee and
// the offer floor. All products round down, and the remainder always stays
// with the party being charged against, so no unit is ever minted or lost.
type Ratio struct {
	num uint64
	den uint64
}

// RatioFromPercentage builds a ratio representing pct/100. Percentages above
// 100 are rejected by the callers that mutate engine configuration; the
// constructor itself accepts any value so historic state can round-trip.
func RatioFromPercentage(pct uint64) Ratio {
	return Ratio{num: pct, den: 100}
}

// NewRatio builds an arbitrary num/den ratio. A zero denominator is invalid.
func NewRatio(num, den uint64) (Ratio, error) {
	if den == 0 {
		return Ratio{}, fmt.Errorf("market: ratio denominator must be non-zero")
	}
	return Ratio{num: num, den: den}, nil
}

// Num returns the ratio numerator.
func (r Ratio) Num() uint64 { return r.num }

// Den returns the ratio denominator.
func (r Ratio) Den() uint64 { return r.den }

// IsZero reports whether the ratio is the zero value (no denominator), which
// marks an unset configuration slot in state.
func (r Ratio) IsZero() bool { return r.den == 0 }

// Percentage reports the ratio as a whole percentage, rounded down.
func (r Ratio) Percentage() uint64 {
	if r.den == 0 {
		return 0
	}
	pct := new(big.Int).Mul(new(big.Int).SetUint64(r.num), big.NewInt(100))
	pct.Div(pct, new(big.Int).SetUint64(r.den))
	return pct.Uint64()
}

// Apply returns amount*num/den with floor division. A nil amount is treated
// as zero. The input is never mutated.
func (r Ratio) Apply(amount *big.Int) *big.Int {
	if amount == nil || r.den == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(r.num))
	out.Div(out, new(big.Int).SetUint64(r.den))
	return out
}
