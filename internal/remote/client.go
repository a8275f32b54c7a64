package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sisedes/cartsync/internal/cart"
	"github.com/sisedes/cartsync/pkg/config"
	pkgerrors "github.com/sisedes/cartsync/pkg/errors"
	"github.com/sisedes/cartsync/pkg/logger"
	"github.com/sisedes/cartsync/pkg/metrics"
)

const (
	headerAuthorization = "Authorization"
	headerSessionID     = "X-Session-ID"
)

// envelope is the uniform response shape of every cart endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// TokenProvider returns the current bearer credential, or "" when the
// visitor is anonymous.
type TokenProvider func() string

// SessionProvider returns the anonymous session identifier used as a
// correlation header when no credential is available.
type SessionProvider func(ctx context.Context) string

// Client is the thin request layer over the backend cart endpoints. It owns
// nothing but the protocol: auth headers, the response envelope, and strict
// payload normalization.
type Client struct {
	baseURL     string
	lookupPath  string
	httpClient  *http.Client
	token       TokenProvider
	sessionID   SessionProvider
	log         *logger.Logger
	syncMetrics *metrics.CartSyncMetrics
}

// Params wires the client.
type Params struct {
	Config  config.RemoteConfig
	Lookup  string
	Token   TokenProvider
	Session SessionProvider
	Logger  *logger.Logger
	Metrics *metrics.CartSyncMetrics
}

// NewClient validates params and builds the remote cart client.
func NewClient(params Params) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(params.Config.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote base url is required")
	}
	if params.Session == nil {
		return nil, fmt.Errorf("session provider is required")
	}

	timeout := params.Config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	lookup := params.Lookup
	if lookup == "" {
		lookup = "/products"
	}

	token := params.Token
	if token == nil {
		fixed := strings.TrimSpace(params.Config.BearerToken)
		token = func() string { return fixed }
	}

	return &Client{
		baseURL:     base,
		lookupPath:  strings.TrimRight(lookup, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		token:       token,
		sessionID:   params.Session,
		log:         params.Logger,
		syncMetrics: params.Metrics,
	}, nil
}

// GetCart fetches the server cart for the current identity.
func (c *Client) GetCart(ctx context.Context) (*cart.Cart, error) {
	return c.doCart(ctx, "get_cart", http.MethodGet, "/cart", nil)
}

// AddItem adds quantity of a product (optionally a variant) to the cart.
func (c *Client) AddItem(ctx context.Context, productID string, quantity int, variantID string) (*cart.Cart, error) {
	body := map[string]any{"productId": productID, "quantity": quantity}
	if variantID != "" {
		body["variantId"] = variantID
	}
	return c.doCart(ctx, "add_item", http.MethodPost, "/cart/add", body)
}

// UpdateItem sets the quantity of an existing cart item.
func (c *Client) UpdateItem(ctx context.Context, itemID string, quantity int) (*cart.Cart, error) {
	path := "/cart/update/" + url.PathEscape(itemID)
	return c.doCart(ctx, "update_item", http.MethodPut, path, map[string]any{"quantity": quantity})
}

// RemoveItem deletes a cart item.
func (c *Client) RemoveItem(ctx context.Context, itemID string) (*cart.Cart, error) {
	path := "/cart/remove/" + url.PathEscape(itemID)
	return c.doCart(ctx, "remove_item", http.MethodDelete, path, nil)
}

// Clear empties the server cart.
func (c *Client) Clear(ctx context.Context) (*cart.Cart, error) {
	return c.doCart(ctx, "clear_cart", http.MethodDelete, "/cart/clear", nil)
}

// ApplyCoupon applies a coupon code server-side.
func (c *Client) ApplyCoupon(ctx context.Context, code string) (*cart.Cart, error) {
	return c.doCart(ctx, "apply_coupon", http.MethodPost, "/cart/apply-coupon", map[string]any{"couponCode": code})
}

// RemoveCoupon removes every applied coupon server-side.
func (c *Client) RemoveCoupon(ctx context.Context) (*cart.Cart, error) {
	return c.doCart(ctx, "remove_coupon", http.MethodDelete, "/cart/remove-coupon", nil)
}

// Merge asks the backend to absorb the anonymous session cart into the
// authenticated user's cart.
func (c *Client) Merge(ctx context.Context, sessionID string) (*cart.Cart, error) {
	return c.doCart(ctx, "merge_carts", http.MethodPost, "/cart/merge", map[string]any{"sessionId": sessionID})
}

// GetProduct resolves a product snapshot for the fallback add path when the
// caller did not supply product details.
func (c *Client) GetProduct(ctx context.Context, productID string) (*cart.ProductSnapshot, error) {
	path := c.lookupPath + "/" + url.PathEscape(productID)
	raw, err := c.doEnvelope(ctx, "get_product", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}

	var payload productPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decoding product payload")
	}
	if payload.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	if err := validate.Struct(payload); err != nil {
		return nil, formatValidationErrors(err)
	}
	return &cart.ProductSnapshot{
		ID:        payload.ID,
		Name:      payload.Name,
		SKU:       payload.SKU,
		Images:    payload.Images,
		Price:     payload.Price,
		SalePrice: payload.SalePrice,
		Stock:     payload.Stock,
	}, nil
}

// doCart issues the request and normalizes the enveloped cart body. A 2xx
// response with no cart body returns (nil, nil); callers synthesize an empty
// cart rather than propagating an undefined state.
func (c *Client) doCart(ctx context.Context, op, method, path string, body any) (*cart.Cart, error) {
	raw, err := c.doEnvelope(ctx, op, method, path, body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var payload cartPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decoding cart payload")
	}
	return payload.toDomain()
}

func (c *Client) doEnvelope(ctx context.Context, op, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encoding request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "building request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.attachIdentity(ctx, req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.syncMetrics.ObserveRemote(op, "transport_error", time.Since(start))
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cart service unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.syncMetrics.ObserveRemote(op, "transport_error", time.Since(start))
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reading cart service response")
	}

	var env envelope
	if len(raw) > 0 {
		// A malformed body from a 2xx response is still a dependency
		// failure: the caller can fall back to the local snapshot.
		if err := json.Unmarshal(raw, &env); err != nil {
			c.syncMetrics.ObserveRemote(op, "bad_envelope", time.Since(start))
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decoding cart service envelope")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		c.syncMetrics.ObserveRemote(op, "failure", time.Since(start))
		message := strings.TrimSpace(env.Message)
		if message == "" {
			message = fmt.Sprintf("cart service returned status %d", resp.StatusCode)
		}
		// Any non-2xx counts as the backend being unavailable for this
		// operation: the engine derives the new state from the local
		// snapshot. Items added offline carry local ids the server has
		// never seen, so even a 404 here must not surface to the caller.
		return nil, pkgerrors.New(pkgerrors.CodeDependency, message)
	}

	c.syncMetrics.ObserveRemote(op, "success", time.Since(start))
	return env.Data, nil
}

// attachIdentity adds the bearer credential when one is present and not
// expired, else the anonymous session header. An opaque (non-JWT) token is
// attached as-is; only a parseable JWT with a past exp is withheld.
func (c *Client) attachIdentity(ctx context.Context, req *http.Request) {
	if token := strings.TrimSpace(c.token()); token != "" {
		if !tokenExpired(token) {
			req.Header.Set(headerAuthorization, "Bearer "+token)
			return
		}
		if c.log != nil {
			c.log.Debug(ctx, "bearer token expired, falling back to session header")
		}
	}
	if sessionID := c.sessionID(ctx); sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}
}

func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
