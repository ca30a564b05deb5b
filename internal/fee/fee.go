// Package fee implements per-venue trading fee curves.
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Model is a venue fee curve. Implementations are pure and never fail;
// callers validate that price lies in (0,1) first.
type Model interface {
	Fee(price, quantity decimal.Decimal) decimal.Decimal
}

var one = decimal.NewFromInt(1)

func ceilCents(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d.RoundCeil(2)
}

// Variance charges on the contract's expected variance:
// ceil(rate * qty * p * (1-p), cent). With PerContract the cent ceiling is
// applied to the single-contract fee before multiplying by quantity.
type Variance struct {
	Rate        decimal.Decimal
	PerContract bool
}

func (v Variance) Fee(price, quantity decimal.Decimal) decimal.Decimal {
	if !quantity.IsPositive() {
		return decimal.Zero
	}
	pv := price.Mul(one.Sub(price))
	if pv.IsNegative() {
		return decimal.Zero
	}
	if v.PerContract {
		return ceilCents(v.Rate.Mul(pv)).Mul(quantity)
	}
	return ceilCents(v.Rate.Mul(quantity).Mul(pv))
}

// Zero is a fee-free venue.
type Zero struct{}

func (Zero) Fee(_, _ decimal.Decimal) decimal.Decimal { return decimal.Zero }

// Flat charges a fixed amount per contract.
type Flat struct {
	PerContract decimal.Decimal
}

func (f Flat) Fee(_, quantity decimal.Decimal) decimal.Decimal {
	if !quantity.IsPositive() {
		return decimal.Zero
	}
	return ceilCents(f.PerContract.Mul(quantity))
}

// Tiered prices the first Threshold contracts with Below and the remainder
// with Above.
type Tiered struct {
	Threshold decimal.Decimal
	Below     Model
	Above     Model
}

func (t Tiered) Fee(price, quantity decimal.Decimal) decimal.Decimal {
	if !quantity.IsPositive() {
		return decimal.Zero
	}
	if quantity.LessThanOrEqual(t.Threshold) {
		return t.Below.Fee(price, quantity)
	}
	return t.Below.Fee(price, t.Threshold).Add(t.Above.Fee(price, quantity.Sub(t.Threshold)))
}

// Role is the liquidity role of a fill.
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// Roles charges makers and takers on different curves. Fee assumes the
// taker curve because engine orders cross the book.
type Roles struct {
	Maker Model
	Taker Model
}

func (r Roles) Fee(price, quantity decimal.Decimal) decimal.Decimal {
	return r.Taker.Fee(price, quantity)
}

// ForRole returns the curve for role.
func (r Roles) ForRole(role Role) Model {
	if role == RoleMaker {
		return r.Maker
	}
	return r.Taker
}

// TakerOnly charges takers with m and makers nothing.
func TakerOnly(m Model) Roles {
	return Roles{Maker: Zero{}, Taker: m}
}

// Spec is a declarative fee curve, as read from configuration.
type Spec struct {
	Kind        string
	Rate        float64
	PerContract bool
	Flat        float64
	Threshold   float64
	AboveRate   float64
	TakerOnly   bool
}

// Build turns a Spec into a Model.
func Build(s Spec) (Model, error) {
	var m Model
	switch s.Kind {
	case "", "zero":
		m = Zero{}
	case "variance":
		m = Variance{Rate: decimal.NewFromFloat(s.Rate), PerContract: s.PerContract}
	case "flat":
		m = Flat{PerContract: decimal.NewFromFloat(s.Flat)}
	case "tiered":
		m = Tiered{
			Threshold: decimal.NewFromFloat(s.Threshold),
			Below:     Variance{Rate: decimal.NewFromFloat(s.Rate), PerContract: s.PerContract},
			Above:     Variance{Rate: decimal.NewFromFloat(s.AboveRate), PerContract: s.PerContract},
		}
	default:
		return nil, fmt.Errorf("fee: unknown model kind %q", s.Kind)
	}
	if s.TakerOnly {
		return TakerOnly(m), nil
	}
	return m, nil
}
