package pricing

import (
	"github.com/shopspring/decimal"
	"github.com/sisedes/cartsync/internal/cart"
)

// Rules carries the pricing constants applied to every cart.
type Rules struct {
	TaxRate         decimal.Decimal
	FreeShippingMin decimal.Decimal
	ShippingFee     decimal.Decimal
}

// DefaultRules mirrors the storefront defaults: 18% tax, free shipping at
// 1000 (inclusive), flat 200 fee below the threshold.
func DefaultRules() Rules {
	return Rules{
		TaxRate:         decimal.NewFromFloat(0.18),
		FreeShippingMin: decimal.NewFromInt(1000),
		ShippingFee:     decimal.NewFromInt(200),
	}
}

// LineTotal recomputes the charged amount for one cart line.
func LineTotal(item cart.CartItem) decimal.Decimal {
	if item.Quantity <= 0 {
		return decimal.Zero
	}
	return item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
}

// Compute derives Totals from the items and the coupon discount. It is pure,
// deterministic and order-independent; the discount is subtracted only at the
// final step so subtotal, tax and shipping stay independently auditable.
// The discount is clamped so the grand total can never go negative.
func Compute(items []cart.CartItem, discount decimal.Decimal, rules Rules) cart.Totals {
	subtotal := decimal.Zero
	for i := range items {
		subtotal = subtotal.Add(LineTotal(items[i]))
	}

	tax := subtotal.Mul(rules.TaxRate)

	shipping := decimal.Zero
	if len(items) > 0 && subtotal.LessThan(rules.FreeShippingMin) {
		shipping = rules.ShippingFee
	}

	if discount.IsNegative() {
		discount = decimal.Zero
	}
	gross := subtotal.Add(tax).Add(shipping)
	if discount.GreaterThan(gross) {
		discount = gross
	}

	return cart.Totals{
		Subtotal: subtotal,
		Discount: discount,
		Tax:      tax,
		Shipping: shipping,
		Total:    gross.Sub(discount),
	}
}
