package walk

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestStep_NeverBelowFloor(t *testing.T) {
	m := NewModel(rand.New(rand.NewSource(1)))

	price := d(3)
	for i := 0; i < 10000; i++ {
		next, err := m.Step(price, d(1), d(10))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if next.LessThan(Floor) {
			t.Fatalf("step %d produced price %s below floor", i, next)
		}
		price = next
	}
}

func TestStep_FloorsAtOne(t *testing.T) {
	// With min == max == 5 the magnitude is always 5; from price 2 a
	// negative draw would land at -3 and must be clamped to the floor.
	m := NewModel(rand.New(rand.NewSource(1)))

	sawFloor := false
	for i := 0; i < 100; i++ {
		next, err := m.Step(d(2), d(5), d(5))
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		switch {
		case next.Equal(d(7)):
			// positive draw
		case next.Equal(Floor):
			sawFloor = true
		default:
			t.Fatalf("unexpected price %s", next)
		}
	}
	if !sawFloor {
		t.Error("never hit the price floor in 100 draws")
	}
}

func TestDelta_IntegerWithinBand(t *testing.T) {
	m := NewModel(rand.New(rand.NewSource(42)))
	min, max := d(2), d(8)

	sawNeg, sawPos := false, false
	for i := 0; i < 1000; i++ {
		delta, err := m.Delta(min, max)
		if err != nil {
			t.Fatalf("delta: %v", err)
		}
		if !delta.Equal(delta.Round(0)) {
			t.Fatalf("non-integer delta %s", delta)
		}
		mag := delta.Abs()
		// Rounding can push the magnitude at most half a unit outside the band.
		if mag.LessThan(min.Sub(d(0.5))) || mag.GreaterThan(max.Add(d(0.5))) {
			t.Fatalf("magnitude %s outside band [%s, %s]", mag, min, max)
		}
		if delta.IsNegative() {
			sawNeg = true
		} else {
			sawPos = true
		}
	}
	if !sawNeg || !sawPos {
		t.Errorf("sign not balanced: neg=%v pos=%v", sawNeg, sawPos)
	}
}

func TestDelta_InvalidBand(t *testing.T) {
	m := NewModel(rand.New(rand.NewSource(1)))

	cases := []struct {
		name     string
		min, max decimal.Decimal
	}{
		{"negative min", d(-1), d(5)},
		{"inverted", d(6), d(5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Delta(tc.min, tc.max); !errors.Is(err, ErrInvalidBand) {
				t.Errorf("expected ErrInvalidBand, got %v", err)
			}
			if _, err := m.Step(d(10), tc.min, tc.max); !errors.Is(err, ErrInvalidBand) {
				t.Errorf("step: expected ErrInvalidBand, got %v", err)
			}
		})
	}
}

func TestDelta_DegenerateBand(t *testing.T) {
	m := NewModel(rand.New(rand.NewSource(1)))

	// min == max == 0 always yields zero.
	for i := 0; i < 50; i++ {
		delta, err := m.Delta(d(0), d(0))
		if err != nil {
			t.Fatalf("delta: %v", err)
		}
		if !delta.IsZero() {
			t.Fatalf("expected zero delta, got %s", delta)
		}
	}
}

func TestStep_Deterministic(t *testing.T) {
	a := NewModel(rand.New(rand.NewSource(7)))
	b := NewModel(rand.New(rand.NewSource(7)))

	price := d(100)
	pa, pb := price, price
	for i := 0; i < 100; i++ {
		var err error
		pa, err = a.Step(pa, d(1), d(5))
		if err != nil {
			t.Fatalf("a: %v", err)
		}
		pb, err = b.Step(pb, d(1), d(5))
		if err != nil {
			t.Fatalf("b: %v", err)
		}
		if !pa.Equal(pb) {
			t.Fatalf("diverged at step %d: %s vs %s", i, pa, pb)
		}
	}
}
