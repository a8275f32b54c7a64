package cart

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Cart is the single logical shopping cart the engine keeps coherent between
// the remote backend and the local snapshot. For a server-resident cart
// exactly one of UserID/SessionID is meaningful; a local-only cart always
// carries the anonymous SessionID.
type Cart struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	Items          []CartItem `json:"items"`
	Totals         Totals     `json:"totals"`
	AppliedCoupons []string   `json:"appliedCoupons,omitempty"`
	ExpiresAt      time.Time  `json:"expiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// CartItem is one ordered line of the cart. Quantity is >= 1 while the item
// exists; a quantity <= 0 means the item is removed, never persisted at zero.
type CartItem struct {
	ID        string           `json:"id"`
	Product   ProductSnapshot  `json:"product"`
	Variant   *VariantSnapshot `json:"variant,omitempty"`
	Quantity  int              `json:"quantity"`
	UnitPrice decimal.Decimal  `json:"unitPrice"`
	LineTotal decimal.Decimal  `json:"lineTotal"`
}

// ProductSnapshot freezes the product attributes the cart needs so line
// pricing stays stable even if the catalog changes underneath.
type ProductSnapshot struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku,omitempty"`
	Images    []string        `json:"images,omitempty"`
	Price     decimal.Decimal `json:"price"`
	SalePrice decimal.Decimal `json:"salePrice"`
	Stock     int             `json:"stock"`
}

// VariantSnapshot captures the selected variant, when the product has one.
type VariantSnapshot struct {
	ID      string            `json:"id"`
	Name    string            `json:"name,omitempty"`
	SKU     string            `json:"sku,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// Totals is always a pure function of the items plus the coupon discount.
// It is recomputed on every mutation and never stored independently.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
	Shipping decimal.Decimal `json:"shipping"`
	Total    decimal.Decimal `json:"total"`
}

// EffectiveUnitPrice returns the price actually charged for the product:
// the sale price when one is set, else the base price.
func (p ProductSnapshot) EffectiveUnitPrice() decimal.Decimal {
	if p.SalePrice.IsPositive() {
		return p.SalePrice
	}
	return p.Price
}

// NewEmpty builds a fresh local-only cart bound to the anonymous session.
func NewEmpty(sessionID string) *Cart {
	now := time.Now().UTC()
	return &Cart{
		ID:        NewLocalID(),
		SessionID: sessionID,
		Items:     []CartItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewLocalID issues a synthetic id for carts and items created offline.
func NewLocalID() string {
	return fmt.Sprintf("local_%s", uuid.NewString())
}

// NormalizeCoupon uppercases and trims a coupon code.
func NormalizeCoupon(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsEmpty reports whether the cart has no items.
func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Items) == 0
}

// FindItem returns the index of the item with the given id, or -1.
func (c *Cart) FindItem(itemID string) int {
	if c == nil {
		return -1
	}
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// FindLine returns the index of the item matching the product+variant
// identity, or -1. Adding the same line again increments quantity instead of
// appending a duplicate.
func (c *Cart) FindLine(productID, variantID string) int {
	if c == nil {
		return -1
	}
	for i := range c.Items {
		item := &c.Items[i]
		if item.Product.ID != productID {
			continue
		}
		if variantKey(item.Variant) == variantID {
			return i
		}
	}
	return -1
}

func variantKey(v *VariantSnapshot) string {
	if v == nil {
		return ""
	}
	return v.ID
}

// HasCoupon reports whether the normalized code is already applied.
func (c *Cart) HasCoupon(code string) bool {
	normalized := NormalizeCoupon(code)
	for _, applied := range c.AppliedCoupons {
		if applied == normalized {
			return true
		}
	}
	return false
}

// AddCoupon inserts the normalized code, preserving insertion order and
// skipping duplicates.
func (c *Cart) AddCoupon(code string) {
	normalized := NormalizeCoupon(code)
	if normalized == "" || c.HasCoupon(normalized) {
		return
	}
	c.AppliedCoupons = append(c.AppliedCoupons, normalized)
}

// Clone returns a deep copy so local mutations never alias a caller-held cart.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	out := *c
	out.Items = make([]CartItem, len(c.Items))
	copy(out.Items, c.Items)
	for i := range out.Items {
		if v := out.Items[i].Variant; v != nil {
			cv := *v
			if v.Options != nil {
				cv.Options = make(map[string]string, len(v.Options))
				for k, val := range v.Options {
					cv.Options[k] = val
				}
			}
			out.Items[i].Variant = &cv
		}
		if imgs := out.Items[i].Product.Images; imgs != nil {
			out.Items[i].Product.Images = append([]string(nil), imgs...)
		}
	}
	if c.AppliedCoupons != nil {
		out.AppliedCoupons = append([]string(nil), c.AppliedCoupons...)
	}
	return &out
}
