package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sisedes/cartsync/internal/cart"
	"github.com/sisedes/cartsync/internal/coupon"
	"github.com/sisedes/cartsync/internal/pricing"
	"github.com/sisedes/cartsync/pkg/logger"
)

// demoServer is a small in-memory cart backend speaking the same protocol
// the engine expects. It exists for local development and demos; it is not
// the production service.
type demoServer struct {
	mu      sync.Mutex
	carts   map[string]*cart.Cart
	catalog map[string]cart.ProductSnapshot
	rules   pricing.Rules
	log     *logger.Logger
}

func runDemoServer(logg *logger.Logger, args []string) {
	fs := flag.NewFlagSet("demo-server", flag.ExitOnError)
	addr := fs.String("addr", ":8799", "listen address")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	srv := &demoServer{
		carts: make(map[string]*cart.Cart),
		catalog: map[string]cart.ProductSnapshot{
			"prod_tea": {ID: "prod_tea", Name: "Loose Leaf Tea", SKU: "TEA-001", Price: dec("120"), Stock: 40},
			"prod_pot": {ID: "prod_pot", Name: "Ceramic Teapot", SKU: "POT-001", Price: dec("650"), SalePrice: dec("480"), Stock: 12},
			"prod_cup": {ID: "prod_cup", Name: "Tea Cup Set", SKU: "CUP-001", Price: dec("240"), Stock: 25},
		},
		rules: pricing.DefaultRules(),
		log:   logg,
	}

	server := &http.Server{Addr: *addr, Handler: srv.routes()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logg.Info(logg.WithField(ctx, "addr", *addr), "starting demo cart server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "demo server stopped unexpectedly", err)
		os.Exit(1)
	}
}

func dec(value string) decimal.Decimal {
	d, _ := decimal.NewFromString(value)
	return d
}

func (s *demoServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/cart", s.handleGet)
	r.Post("/cart/add", s.handleAdd)
	r.Put("/cart/update/{itemID}", s.handleUpdate)
	r.Delete("/cart/remove/{itemID}", s.handleRemove)
	r.Delete("/cart/clear", s.handleClear)
	r.Post("/cart/apply-coupon", s.handleApplyCoupon)
	r.Delete("/cart/remove-coupon", s.handleRemoveCoupon)
	r.Post("/cart/merge", s.handleMerge)
	r.Get("/products/{productID}", s.handleProduct)

	return r
}

// identity keys carts by bearer token when present, else by session header.
// The demo does not verify tokens.
func identity(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return "user:" + auth
	}
	if sid := r.Header.Get("X-Session-ID"); sid != "" {
		return "session:" + sid
	}
	return "anonymous"
}

func (s *demoServer) cartFor(key string) *cart.Cart {
	if existing, ok := s.carts[key]; ok {
		return existing
	}
	created := cart.NewEmpty("")
	s.carts[key] = created
	return created
}

func (s *demoServer) reprice(c *cart.Cart) {
	discount := decimal.Zero
	subtotal := decimal.Zero
	for i := range c.Items {
		c.Items[i].LineTotal = pricing.LineTotal(c.Items[i])
		subtotal = subtotal.Add(c.Items[i].LineTotal)
	}
	for _, code := range c.AppliedCoupons {
		if amount, err := coupon.Resolve(code, subtotal); err == nil {
			discount = discount.Add(amount)
		}
	}
	c.Totals = pricing.Compute(c.Items, discount, s.rules)
	c.UpdatedAt = time.Now().UTC()
}

func writeEnvelope(w http.ResponseWriter, status int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": status < 400,
		"data":    data,
		"message": message,
	})
}

func (s *demoServer) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeEnvelope(w, http.StatusOK, s.cartFor(identity(r)), "")
}

func (s *demoServer) handleAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
		VariantID string `json:"variantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}
	if body.Quantity < 1 {
		writeEnvelope(w, http.StatusBadRequest, nil, "quantity must be at least 1")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.catalog[body.ProductID]
	if !ok {
		writeEnvelope(w, http.StatusNotFound, nil, "product not found")
		return
	}

	c := s.cartFor(identity(r))
	if idx := c.FindLine(body.ProductID, body.VariantID); idx >= 0 {
		c.Items[idx].Quantity += body.Quantity
	} else {
		item := cart.CartItem{
			ID:        "item_" + uuid.NewString(),
			Product:   product,
			Quantity:  body.Quantity,
			UnitPrice: product.EffectiveUnitPrice(),
		}
		if body.VariantID != "" {
			item.Variant = &cart.VariantSnapshot{ID: body.VariantID}
		}
		c.Items = append(c.Items, item)
	}
	s.reprice(c)
	writeEnvelope(w, http.StatusOK, c, "")
}

func (s *demoServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	var body struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cartFor(identity(r))
	idx := c.FindItem(itemID)
	if idx < 0 {
		writeEnvelope(w, http.StatusNotFound, nil, "item not found")
		return
	}
	if body.Quantity <= 0 {
		c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
	} else {
		c.Items[idx].Quantity = body.Quantity
	}
	s.reprice(c)
	writeEnvelope(w, http.StatusOK, c, "")
}

func (s *demoServer) handleRemove(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cartFor(identity(r))
	idx := c.FindItem(itemID)
	if idx < 0 {
		writeEnvelope(w, http.StatusNotFound, nil, "item not found")
		return
	}
	c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
	s.reprice(c)
	writeEnvelope(w, http.StatusOK, c, "")
}

func (s *demoServer) handleClear(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, identity(r))
	writeEnvelope(w, http.StatusOK, nil, "cart cleared")
}

func (s *demoServer) handleApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CouponCode string `json:"couponCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code := cart.NormalizeCoupon(body.CouponCode)
	if !coupon.Known(code) {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid coupon code")
		return
	}
	c := s.cartFor(identity(r))
	c.AddCoupon(code)
	s.reprice(c)
	writeEnvelope(w, http.StatusOK, c, "")
}

func (s *demoServer) handleRemoveCoupon(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.cartFor(identity(r))
	c.AppliedCoupons = nil
	s.reprice(c)
	writeEnvelope(w, http.StatusOK, c, "")
}

func (s *demoServer) handleMerge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.cartFor(identity(r))
	sourceKey := "session:" + body.SessionID
	source, ok := s.carts[sourceKey]
	if ok {
		for _, item := range source.Items {
			if idx := target.FindLine(item.Product.ID, variantID(item)); idx >= 0 {
				target.Items[idx].Quantity += item.Quantity
			} else {
				target.Items = append(target.Items, item)
			}
		}
		for _, code := range source.AppliedCoupons {
			target.AddCoupon(code)
		}
		delete(s.carts, sourceKey)
	}
	s.reprice(target)
	writeEnvelope(w, http.StatusOK, target, "")
}

func variantID(item cart.CartItem) string {
	if item.Variant == nil {
		return ""
	}
	return item.Variant.ID
}

func (s *demoServer) handleProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.catalog[productID]
	if !ok {
		writeEnvelope(w, http.StatusNotFound, nil, "product not found")
		return
	}
	writeEnvelope(w, http.StatusOK, product, "")
}
