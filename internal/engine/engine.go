package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sisedes/cartsync/internal/cart"
	"github.com/sisedes/cartsync/internal/coupon"
	"github.com/sisedes/cartsync/internal/pricing"
	pkgerrors "github.com/sisedes/cartsync/pkg/errors"
	"github.com/sisedes/cartsync/pkg/logger"
	"github.com/sisedes/cartsync/pkg/metrics"
	"go.uber.org/multierr"
)

// RemoteClient is the backend protocol surface the engine reconciles against.
type RemoteClient interface {
	GetCart(ctx context.Context) (*cart.Cart, error)
	AddItem(ctx context.Context, productID string, quantity int, variantID string) (*cart.Cart, error)
	UpdateItem(ctx context.Context, itemID string, quantity int) (*cart.Cart, error)
	RemoveItem(ctx context.Context, itemID string) (*cart.Cart, error)
	Clear(ctx context.Context) (*cart.Cart, error)
	ApplyCoupon(ctx context.Context, code string) (*cart.Cart, error)
	RemoveCoupon(ctx context.Context) (*cart.Cart, error)
	Merge(ctx context.Context, sessionID string) (*cart.Cart, error)
}

// ProductResolver supplies a product snapshot when the fallback add path
// does not already know product details.
type ProductResolver interface {
	GetProduct(ctx context.Context, productID string) (*cart.ProductSnapshot, error)
}

// LocalStore is the durable snapshot mirror.
type LocalStore interface {
	Load(ctx context.Context) (*cart.Cart, bool)
	Save(ctx context.Context, c *cart.Cart, notify bool)
	Clear(ctx context.Context)
	Subscribe(ctx context.Context, fn func()) (func(), error)
}

// SessionManager owns the anonymous session identifier.
type SessionManager interface {
	GetOrCreate(ctx context.Context) string
	Current(ctx context.Context) string
	Clear(ctx context.Context)
}

// Engine is the sole owner of consistency between the remote cart service
// and the local snapshot. Every operation is remote-first: on success the
// returned cart is mirrored locally, on a recoverable failure the result is
// derived from the local snapshot instead. Callers cannot tell which path
// satisfied the request.
type Engine struct {
	remote   RemoteClient
	local    LocalStore
	sessions SessionManager
	products ProductResolver
	rules    pricing.Rules
	cooldown time.Duration
	log      *logger.Logger
	metrics  *metrics.CartSyncMetrics

	// mu serializes operations so sequential calls persist in issuance
	// order; concurrent callers are last-write-wins.
	mu sync.Mutex

	// rev stamps every applied mutation. A refresh that started before the
	// latest mutation is discarded on completion instead of overwriting
	// newer state.
	rev atomic.Uint64

	refreshing     atomic.Bool
	lastRefreshEnd atomic.Int64
}

// Params wires the engine. Remote, Local and Sessions are required;
// Products is optional (fallback adds then require explicit product
// details).
type Params struct {
	Remote   RemoteClient
	Local    LocalStore
	Sessions SessionManager
	Products ProductResolver
	Rules    pricing.Rules
	Cooldown time.Duration
	Logger   *logger.Logger
	Metrics  *metrics.CartSyncMetrics
}

// DefaultCooldown throttles external-change refreshes after one completes.
const DefaultCooldown = 2 * time.Second

// New validates the dependency set and builds the engine.
func New(params Params) (*Engine, error) {
	if params.Remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if params.Local == nil {
		return nil, fmt.Errorf("local store is required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if params.Rules.TaxRate.IsZero() && params.Rules.ShippingFee.IsZero() && params.Rules.FreeShippingMin.IsZero() {
		params.Rules = pricing.DefaultRules()
	}
	if params.Cooldown <= 0 {
		params.Cooldown = DefaultCooldown
	}
	return &Engine{
		remote:   params.Remote,
		local:    params.Local,
		sessions: params.Sessions,
		products: params.Products,
		rules:    params.Rules,
		cooldown: params.Cooldown,
		log:      params.Logger,
		metrics:  params.Metrics,
	}, nil
}

// AddInput describes an add-to-cart request. Product may carry a snapshot
// the caller already has; when nil the fallback path resolves it.
type AddInput struct {
	ProductID string
	VariantID string
	Quantity  int
	Product   *cart.ProductSnapshot
}

// GetCart returns the current cart, creating an empty one when neither the
// remote service nor the local snapshot has state.
func (e *Engine) GetCart(ctx context.Context) (*cart.Cart, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getCartLocked(ctx)
}

func (e *Engine) getCartLocked(ctx context.Context) (*cart.Cart, error) {
	remoteCart, err := e.remote.GetCart(ctx)
	if err == nil {
		if remoteCart == nil {
			remoteCart = cart.NewEmpty(e.sessions.GetOrCreate(ctx))
		}
		e.local.Save(ctx, remoteCart, false)
		return remoteCart, nil
	}
	if !pkgerrors.IsRecoverable(err) {
		return nil, err
	}

	e.fallback(ctx, "get_cart", err)
	// No save here: an offline read must not reset the staleness clock.
	return e.localOrEmpty(ctx), nil
}

// AddToCart adds quantity of a product to the cart, merging into an existing
// line with the same product+variant identity.
func (e *Engine) AddToCart(ctx context.Context, input AddInput) (*cart.Cart, error) {
	if input.ProductID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if input.Quantity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	remoteCart, err := e.remote.AddItem(ctx, input.ProductID, input.Quantity, input.VariantID)
	if err == nil {
		return e.adoptRemote(ctx, remoteCart), nil
	}
	if !pkgerrors.IsRecoverable(err) {
		return nil, err
	}

	e.fallback(ctx, "add_item", err)
	local := e.localOrEmpty(ctx)

	if idx := local.FindLine(input.ProductID, input.VariantID); idx >= 0 {
		local.Items[idx].Quantity += input.Quantity
		local.Items[idx].LineTotal = pricing.LineTotal(local.Items[idx])
	} else {
		product := input.Product
		if product == nil {
			if e.products == nil {
				return nil, pkgerrors.New(pkgerrors.CodeValidation, "product details are required")
			}
			resolved, lookupErr := e.products.GetProduct(ctx, input.ProductID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			product = resolved
		}

		item := cart.CartItem{
			ID:        cart.NewLocalID(),
			Product:   *product,
			Quantity:  input.Quantity,
			UnitPrice: product.EffectiveUnitPrice(),
		}
		if input.VariantID != "" {
			item.Variant = &cart.VariantSnapshot{ID: input.VariantID}
		}
		item.LineTotal = pricing.LineTotal(item)
		local.Items = append(local.Items, item)
	}

	e.recomputeAndPersist(ctx, local)
	return local, nil
}

// UpdateCartItem sets an item's quantity; a quantity <= 0 removes the item.
func (e *Engine) UpdateCartItem(ctx context.Context, itemID string, quantity int) (*cart.Cart, error) {
	if itemID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "item id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	remoteCart, err := e.remote.UpdateItem(ctx, itemID, quantity)
	if err == nil {
		return e.adoptRemote(ctx, remoteCart), nil
	}
	if !pkgerrors.IsRecoverable(err) {
		return nil, err
	}

	e.fallback(ctx, "update_item", err)
	local := e.localOrEmpty(ctx)

	idx := local.FindItem(itemID)
	if idx < 0 {
		// Nothing to mutate; return the current view unchanged.
		return local, nil
	}

	if quantity <= 0 {
		local.Items = append(local.Items[:idx], local.Items[idx+1:]...)
	} else {
		local.Items[idx].Quantity = quantity
		local.Items[idx].LineTotal = pricing.LineTotal(local.Items[idx])
	}

	e.recomputeAndPersist(ctx, local)
	return local, nil
}

// RemoveFromCart deletes an item by id.
func (e *Engine) RemoveFromCart(ctx context.Context, itemID string) (*cart.Cart, error) {
	if itemID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "item id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	remoteCart, err := e.remote.RemoveItem(ctx, itemID)
	if err == nil {
		return e.adoptRemote(ctx, remoteCart), nil
	}
	if !pkgerrors.IsRecoverable(err) {
		return nil, err
	}

	e.fallback(ctx, "remove_item", err)
	local := e.localOrEmpty(ctx)

	if idx := local.FindItem(itemID); idx >= 0 {
		local.Items = append(local.Items[:idx], local.Items[idx+1:]...)
		e.recomputeAndPersist(ctx, local)
	}
	return local, nil
}

// ClearCart empties the cart and deletes the persisted record entirely.
func (e *Engine) ClearCart(ctx context.Context) (*cart.Cart, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.remote.Clear(ctx)
	if err != nil && !pkgerrors.IsRecoverable(err) {
		return nil, err
	}
	if err != nil {
		e.fallback(ctx, "clear_cart", err)
	}

	e.rev.Add(1)
	e.local.Clear(ctx)
	return cart.NewEmpty(e.sessions.GetOrCreate(ctx)), nil
}

// ApplyCoupon applies a coupon code, remote-first. In fallback mode only the
// deterministic local table is consulted; unknown codes are terminal.
func (e *Engine) ApplyCoupon(ctx context.Context, code string) (*cart.Cart, error) {
	normalized := cart.NormalizeCoupon(code)
	if normalized == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon code is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	remoteCart, err := e.remote.ApplyCoupon(ctx, normalized)
	if err == nil {
		return e.adoptRemote(ctx, remoteCart), nil
	}
	if !pkgerrors.IsRecoverable(err) {
		return nil, err
	}

	e.fallback(ctx, "apply_coupon", err)
	local := e.localOrEmpty(ctx)

	subtotal := subtotalOf(local.Items)
	if _, resolveErr := coupon.Resolve(normalized, subtotal); resolveErr != nil {
		return nil, resolveErr
	}

	local.AddCoupon(normalized)
	e.recomputeAndPersist(ctx, local)
	return local, nil
}

// RemoveCoupon drops every applied coupon and zeroes the discount.
func (e *Engine) RemoveCoupon(ctx context.Context) (*cart.Cart, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	remoteCart, err := e.remote.RemoveCoupon(ctx)
	if err == nil {
		return e.adoptRemote(ctx, remoteCart), nil
	}
	if !pkgerrors.IsRecoverable(err) {
		return nil, err
	}

	e.fallback(ctx, "remove_coupon", err)
	local := e.localOrEmpty(ctx)
	local.AppliedCoupons = nil
	e.recomputeAndPersist(ctx, local)
	return local, nil
}

// MergeCarts reconciles the anonymous cart with the authenticated user's
// cart after login. An existing non-empty authenticated cart wins outright;
// otherwise the backend absorbs the anonymous items. Errors degrade to the
// local anonymous cart when one exists.
func (e *Engine) MergeCarts(ctx context.Context, sessionID string) (*cart.Cart, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sessionID == "" {
		sessionID = e.sessions.Current(ctx)
	}

	remoteCart, err := e.remote.GetCart(ctx)
	if err == nil {
		if !remoteCart.IsEmpty() {
			// Intentional prior activity on the account must not be
			// silently overwritten by anonymous browsing.
			adopted := e.adoptRemote(ctx, remoteCart)
			e.sessions.Clear(ctx)
			e.logMerge(ctx, sessionID, adopted.ID, "existing authenticated cart kept")
			return adopted, nil
		}

		local, ok := e.local.Load(ctx)
		if !ok || local.IsEmpty() {
			return e.adoptRemote(ctx, remoteCart), nil
		}

		merged, mergeErr := e.remote.Merge(ctx, sessionID)
		if mergeErr == nil {
			adopted := e.adoptRemote(ctx, merged)
			e.sessions.Clear(ctx)
			e.logMerge(ctx, sessionID, adopted.ID, "anonymous cart absorbed")
			return adopted, nil
		}
		err = mergeErr
	}

	e.fallback(ctx, "merge_carts", err)
	if local, ok := e.local.Load(ctx); ok {
		return local, nil
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeStateConflict,
		multierr.Append(err, fmt.Errorf("no local cart to fall back to")),
		"carts could not be merged")
}

// Refresh reloads the cart from the remote source, typically in response to
// an external change broadcast. Overlapping refreshes are suppressed by a
// re-entrancy flag and a short cooldown; a refresh that completes after a
// newer mutation is discarded.
func (e *Engine) Refresh(ctx context.Context) (*cart.Cart, error) {
	last := time.Unix(0, e.lastRefreshEnd.Load())
	if time.Since(last) < e.cooldown {
		return e.currentView(ctx), nil
	}
	if !e.refreshing.CompareAndSwap(false, true) {
		return e.currentView(ctx), nil
	}
	defer func() {
		e.lastRefreshEnd.Store(time.Now().UnixNano())
		e.refreshing.Store(false)
	}()

	startRev := e.rev.Load()
	remoteCart, err := e.remote.GetCart(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rev.Load() != startRev {
		// A mutation landed while the refresh was in flight; its state is
		// newer than this response.
		return e.localOrEmpty(ctx), nil
	}

	if err != nil {
		if !pkgerrors.IsRecoverable(err) {
			return nil, err
		}
		e.fallback(ctx, "refresh", err)
		return e.localOrEmpty(ctx), nil
	}

	if remoteCart == nil {
		remoteCart = cart.NewEmpty(e.sessions.GetOrCreate(ctx))
	}
	e.local.Save(ctx, remoteCart, false)
	return remoteCart, nil
}

// OnExternalChange registers fn for cart-change broadcasts from other
// contexts. The host adapter wires its native notification mechanism to the
// underlying store; the engine stays platform-agnostic.
func (e *Engine) OnExternalChange(ctx context.Context, fn func()) (func(), error) {
	if fn == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback is required")
	}
	return e.local.Subscribe(ctx, fn)
}

func (e *Engine) currentView(ctx context.Context) *cart.Cart {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localOrEmpty(ctx)
}

// adoptRemote mirrors a successful remote response into local storage. A
// bodyless success becomes an empty cart rather than an undefined state.
func (e *Engine) adoptRemote(ctx context.Context, remoteCart *cart.Cart) *cart.Cart {
	if remoteCart == nil {
		remoteCart = cart.NewEmpty(e.sessions.GetOrCreate(ctx))
	}
	e.rev.Add(1)
	e.local.Save(ctx, remoteCart, true)
	return remoteCart
}

func (e *Engine) localOrEmpty(ctx context.Context) *cart.Cart {
	if local, ok := e.local.Load(ctx); ok {
		return local
	}
	return cart.NewEmpty(e.sessions.GetOrCreate(ctx))
}

// recomputeAndPersist rebuilds totals from the items plus the deterministic
// coupon discount, then persists with a change broadcast.
func (e *Engine) recomputeAndPersist(ctx context.Context, c *cart.Cart) {
	discount := e.fallbackDiscount(c)
	c.Totals = pricing.Compute(c.Items, discount, e.rules)
	e.rev.Add(1)
	e.local.Save(ctx, c, true)
}

// fallbackDiscount sums the deterministic table discounts for the applied
// codes. Codes only the backend knows contribute nothing while offline:
// carrying a stale absolute amount could exceed the mutated cart, and the
// server re-prices them on the next successful sync.
func (e *Engine) fallbackDiscount(c *cart.Cart) decimal.Decimal {
	subtotal := subtotalOf(c.Items)
	total := decimal.Zero
	for _, code := range c.AppliedCoupons {
		if !coupon.Known(code) {
			continue
		}
		amount, err := coupon.Resolve(code, subtotal)
		if err != nil {
			continue
		}
		total = total.Add(amount)
	}
	return total
}

func subtotalOf(items []cart.CartItem) decimal.Decimal {
	subtotal := decimal.Zero
	for i := range items {
		subtotal = subtotal.Add(pricing.LineTotal(items[i]))
	}
	return subtotal
}

func (e *Engine) logMerge(ctx context.Context, sessionID, cartID, msg string) {
	if e.log == nil {
		return
	}
	logCtx := e.log.WithOperation(ctx, "merge_carts")
	logCtx = e.log.WithSessionID(logCtx, sessionID)
	logCtx = e.log.WithCartID(logCtx, cartID)
	e.log.Info(logCtx, msg)
}

func (e *Engine) fallback(ctx context.Context, op string, err error) {
	e.metrics.IncFallback(op)
	if e.log != nil {
		logCtx := e.log.WithOperation(ctx, op)
		e.log.Warn(e.log.WithField(logCtx, "cause", err.Error()), "remote cart unavailable, deriving state locally")
	}
}
