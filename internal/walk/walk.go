// Package walk implements the bounded random-walk price model used by the
// price simulator. Each step draws a fluctuation magnitude uniformly from a
// per-instrument [min, max] band, applies a uniformly random sign, and
// floors the result at 1 so a price can never reach zero or go negative.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The model is stateless; randomness comes from an injected *rand.Rand so
// tests can run deterministically.
package walk

import (
	"errors"
	"math/rand"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidBand is returned when the fluctuation band is negative
	// or inverted (min > max).
	ErrInvalidBand = errors.New("walk: fluctuation band must satisfy 0 <= min <= max")
)

// Floor is the minimum price any step can produce.
var Floor = decimal.NewFromInt(1)

// Model draws signed price deltas. It is stateless apart from its random
// source, so one Model can serve every instrument.
type Model struct {
	rng *rand.Rand
}

// NewModel creates a model backed by the given random source.
func NewModel(rng *rand.Rand) *Model {
	return &Model{rng: rng}
}

// Step returns the next price for an instrument currently at price with
// fluctuation band [min, max]. The delta magnitude is drawn uniformly from
// the band, rounded to an integer, and the sign is an independent fair
// coin. The result never drops below Floor.
func (m *Model) Step(price, min, max decimal.Decimal) (decimal.Decimal, error) {
	delta, err := m.Delta(min, max)
	if err != nil {
		return decimal.Zero, err
	}
	next := price.Add(delta)
	if next.LessThan(Floor) {
		return Floor, nil
	}
	return next, nil
}

// Delta draws one signed integer-valued delta from the band.
func (m *Model) Delta(min, max decimal.Decimal) (decimal.Decimal, error) {
	if min.IsNegative() || max.LessThan(min) {
		return decimal.Zero, ErrInvalidBand
	}

	span := max.Sub(min)
	// Uniform draw inside the band. Magnitudes are positions along the
	// band, not money, so a float draw is fine; the result is rounded to
	// an integer delta immediately.
	magnitude := min.Add(span.Mul(decimal.NewFromFloat(m.rng.Float64()))).Round(0)

	if m.rng.Intn(2) == 0 {
		return magnitude.Neg(), nil
	}
	return magnitude, nil
}
