package remote

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sisedes/cartsync/internal/cart"
	pkgerrors "github.com/sisedes/cartsync/pkg/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		d, ok := field.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		f, _ := d.Float64()
		return f
	}, decimal.Decimal{})
	return v
}

// cartPayload is the wire shape of a cart. It is decoded and validated here
// so loosely-typed backend responses never leak ad hoc shapes into the core.
type cartPayload struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId"`
	SessionID      string        `json:"sessionId"`
	Items          []itemPayload `json:"items"`
	Totals         totalsPayload `json:"totals"`
	AppliedCoupons []string      `json:"appliedCoupons"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

type itemPayload struct {
	ID        string          `json:"id"`
	Product   productPayload  `json:"product"`
	Variant   *variantPayload `json:"variant"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice" validate:"gte=0"`
}

type productPayload struct {
	ID        string          `json:"id" validate:"required"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	Images    []string        `json:"images"`
	Price     decimal.Decimal `json:"price" validate:"gte=0"`
	SalePrice decimal.Decimal `json:"salePrice" validate:"gte=0"`
	Stock     int             `json:"stock"`
}

type variantPayload struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	SKU     string            `json:"sku"`
	Options map[string]string `json:"options"`
}

type totalsPayload struct {
	Subtotal decimal.Decimal `json:"subtotal" validate:"gte=0"`
	Discount decimal.Decimal `json:"discount" validate:"gte=0"`
	Tax      decimal.Decimal `json:"tax" validate:"gte=0"`
	Shipping decimal.Decimal `json:"shipping" validate:"gte=0"`
	Total    decimal.Decimal `json:"total"`
}

func formatValidationErrors(err error) *pkgerrors.Error {
	if errs, ok := err.(validator.ValidationErrors); ok {
		details := map[string]string{}
		for _, fieldErr := range errs {
			details[fieldErr.Field()] = validationMessage(fieldErr)
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid cart payload").WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cart payload")
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "cannot be negative"
	default:
		return "is invalid"
	}
}

// toDomain validates the payload and converts it into the strict core type.
// Lines with quantity <= 0 are dropped (an item never persists at zero),
// missing item ids get synthetic local ids, coupons are normalized and
// deduplicated, and line totals are recomputed rather than trusted.
func (p *cartPayload) toDomain() (*cart.Cart, error) {
	if p == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart payload missing")
	}

	out := &cart.Cart{
		ID:        p.ID,
		UserID:    p.UserID,
		SessionID: p.SessionID,
		Items:     make([]cart.CartItem, 0, len(p.Items)),
		ExpiresAt: p.ExpiresAt,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if out.ID == "" {
		out.ID = cart.NewLocalID()
	}

	for _, line := range p.Items {
		if line.Quantity <= 0 {
			continue
		}
		if err := validate.Struct(line); err != nil {
			return nil, formatValidationErrors(err)
		}

		item := cart.CartItem{
			ID:       line.ID,
			Quantity: line.Quantity,
			Product: cart.ProductSnapshot{
				ID:        line.Product.ID,
				Name:      line.Product.Name,
				SKU:       line.Product.SKU,
				Images:    line.Product.Images,
				Price:     line.Product.Price,
				SalePrice: line.Product.SalePrice,
				Stock:     line.Product.Stock,
			},
			UnitPrice: line.UnitPrice,
		}
		if item.ID == "" {
			item.ID = cart.NewLocalID()
		}
		if item.UnitPrice.IsZero() {
			item.UnitPrice = item.Product.EffectiveUnitPrice()
		}
		item.LineTotal = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		if line.Variant != nil {
			item.Variant = &cart.VariantSnapshot{
				ID:      line.Variant.ID,
				Name:    line.Variant.Name,
				SKU:     line.Variant.SKU,
				Options: line.Variant.Options,
			}
		}
		out.Items = append(out.Items, item)
	}

	for _, code := range p.AppliedCoupons {
		out.AddCoupon(code)
	}

	if err := validate.Struct(p.Totals); err != nil {
		return nil, formatValidationErrors(err)
	}
	out.Totals = cart.Totals{
		Subtotal: p.Totals.Subtotal,
		Discount: p.Totals.Discount,
		Tax:      p.Totals.Tax,
		Shipping: p.Totals.Shipping,
		Total:    p.Totals.Total,
	}

	return out, nil
}
