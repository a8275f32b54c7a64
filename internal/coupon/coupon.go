package coupon

import (
	"github.com/shopspring/decimal"
	"github.com/sisedes/cartsync/internal/cart"
	pkgerrors "github.com/sisedes/cartsync/pkg/errors"
)

type kind int

const (
	kindPercentage kind = iota
	kindFixed
)

// rule is one deterministic fallback discount. Percentage rules take a share
// of the subtotal; fixed rules grant a flat amount capped at the subtotal.
type rule struct {
	kind  kind
	value decimal.Decimal
}

// fallbackRules is the small fixed set of codes the engine recognizes while
// the remote coupon service is unreachable.
var fallbackRules = map[string]rule{
	"INDIRIM10":   {kind: kindPercentage, value: decimal.NewFromInt(10)},
	"INDIRIM25":   {kind: kindPercentage, value: decimal.NewFromInt(25)},
	"HOSGELDIN50": {kind: kindFixed, value: decimal.NewFromInt(50)},
}

var oneHundred = decimal.NewFromInt(100)

// Resolve maps a coupon code to a discount amount against the given
// subtotal. An unrecognized code is a terminal validation failure, distinct
// from the dependency failure that routed the caller here.
func Resolve(code string, subtotal decimal.Decimal) (decimal.Decimal, error) {
	normalized := cart.NormalizeCoupon(code)
	if normalized == "" {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "coupon code is required")
	}

	r, ok := fallbackRules[normalized]
	if !ok {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "invalid coupon code")
	}

	if subtotal.IsNegative() {
		subtotal = decimal.Zero
	}

	switch r.kind {
	case kindFixed:
		if r.value.GreaterThan(subtotal) {
			return subtotal, nil
		}
		return r.value, nil
	default:
		return subtotal.Mul(r.value).Div(oneHundred), nil
	}
}

// Known reports whether the code exists in the fallback table.
func Known(code string) bool {
	_, ok := fallbackRules[cart.NormalizeCoupon(code)]
	return ok
}
