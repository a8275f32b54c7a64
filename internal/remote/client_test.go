package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sisedes/cartsync/pkg/config"
	pkgerrors "github.com/sisedes/cartsync/pkg/errors"
)

func newTestClient(t *testing.T, baseURL string, token string) *Client {
	t.Helper()

	client, err := NewClient(Params{
		Config:  config.RemoteConfig{BaseURL: baseURL, Timeout: 2 * time.Second, BearerToken: token},
		Session: func(context.Context) string { return "sess-test" },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return client
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"data":    data,
		"message": message,
	})
}

func sampleCartJSON() map[string]any {
	return map[string]any{
		"id":        "cart-1",
		"sessionId": "sess-test",
		"items": []map[string]any{{
			"id":       "item-1",
			"quantity": 2,
			"product": map[string]any{
				"id":    "p1",
				"name":  "Widget",
				"price": 100,
			},
			"unitPrice": "100",
		}},
		"totals": map[string]any{
			"subtotal": 200,
			"discount": 0,
			"tax":      36,
			"shipping": 200,
			"total":    436,
		},
		"appliedCoupons": []string{"indirim10", "INDIRIM10"},
	}
}

func TestGetCartNormalizesPayload(t *testing.T) {
	t.Parallel()

	router := chi.NewRouter()
	router.Get("/cart", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerSessionID) != "sess-test" {
			t.Errorf("expected session header, got %q", r.Header.Get(headerSessionID))
		}
		if r.Header.Get(headerAuthorization) != "" {
			t.Errorf("anonymous request must not carry a bearer token")
		}
		writeEnvelope(w, http.StatusOK, true, sampleCartJSON(), "")
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, "")
	got, err := client.GetCart(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "cart-1" || len(got.Items) != 1 {
		t.Fatalf("unexpected cart %+v", got)
	}

	item := got.Items[0]
	if item.UnitPrice.String() != "100" {
		t.Fatalf("string-typed price must decode, got %s", item.UnitPrice)
	}
	if item.LineTotal.String() != "200" {
		t.Fatalf("line total must be recomputed, got %s", item.LineTotal)
	}
	if len(got.AppliedCoupons) != 1 || got.AppliedCoupons[0] != "INDIRIM10" {
		t.Fatalf("coupons must be normalized and deduplicated: %v", got.AppliedCoupons)
	}
}

func TestAddItemSendsProtocolBody(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	router := chi.NewRouter()
	router.Post("/cart/add", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeEnvelope(w, http.StatusOK, true, sampleCartJSON(), "")
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, "")
	if _, err := client.AddItem(context.Background(), "p1", 2, "v1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotBody["productId"] != "p1" || gotBody["quantity"] != float64(2) || gotBody["variantId"] != "v1" {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestNon2xxCarriesServerMessage(t *testing.T) {
	t.Parallel()

	router := chi.NewRouter()
	router.Put("/cart/update/{itemID}", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusBadRequest, false, nil, "quantity out of range")
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, "")
	_, err := client.UpdateItem(context.Background(), "item-1", 999)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if typed.Message() != "quantity out of range" {
		t.Fatalf("expected server message preserved, got %q", typed.Message())
	}
	if !pkgerrors.IsRecoverable(err) {
		t.Fatal("a server rejection must still allow local fallback")
	}
}

func TestNotFoundStatusIsRecoverable(t *testing.T) {
	t.Parallel()

	router := chi.NewRouter()
	router.Delete("/cart/remove/{itemID}", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, false, nil, "item not found")
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, "")
	_, err := client.RemoveItem(context.Background(), "local_9c2")
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error for 404, got %v", err)
	}
	// Offline-added items carry ids the server never saw; a 404 must route
	// the caller to the local snapshot, not surface.
	if !pkgerrors.IsRecoverable(err) {
		t.Fatal("404 must be recoverable by local fallback")
	}
}

func TestSuccessWithoutBodyReturnsNilCart(t *testing.T) {
	t.Parallel()

	router := chi.NewRouter()
	router.Delete("/cart/clear", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, nil, "cart cleared")
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, "")
	got, err := client.Clear(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil cart for bodyless success, got %+v", got)
	}
}

func TestTransportErrorIsDependency(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "http://127.0.0.1:1", "")
	_, err := client.GetCart(context.Background())
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error for transport failure, got %v", err)
	}
	if !pkgerrors.IsRecoverable(err) {
		t.Fatalf("transport failures must be recoverable")
	}
}

func TestBearerTokenAttachedWhenValid(t *testing.T) {
	t.Parallel()

	token := signedToken(t, time.Now().Add(time.Hour))

	router := chi.NewRouter()
	router.Get("/cart", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerAuthorization) != "Bearer "+token {
			t.Errorf("expected bearer header, got %q", r.Header.Get(headerAuthorization))
		}
		if r.Header.Get(headerSessionID) != "" {
			t.Errorf("authenticated request must not carry session header")
		}
		writeEnvelope(w, http.StatusOK, true, sampleCartJSON(), "")
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, token)
	if _, err := client.GetCart(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExpiredBearerTokenDowngradesToSession(t *testing.T) {
	t.Parallel()

	token := signedToken(t, time.Now().Add(-time.Hour))

	router := chi.NewRouter()
	router.Get("/cart", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerAuthorization) != "" {
			t.Errorf("expired token must not be attached")
		}
		if r.Header.Get(headerSessionID) != "sess-test" {
			t.Errorf("expected session header fallback")
		}
		writeEnvelope(w, http.StatusOK, true, sampleCartJSON(), "")
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, token)
	if _, err := client.GetCart(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetProductResolvesSnapshot(t *testing.T) {
	t.Parallel()

	router := chi.NewRouter()
	router.Get("/products/{productID}", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, map[string]any{
			"id":        chi.URLParam(r, "productID"),
			"name":      "Widget",
			"price":     100,
			"salePrice": 80,
			"stock":     5,
		}, "")
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, "")
	product, err := client.GetProduct(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if product.ID != "p1" || product.Name != "Widget" {
		t.Fatalf("unexpected product %+v", product)
	}
	if product.EffectiveUnitPrice().String() != "80" {
		t.Fatalf("expected sale price preferred, got %s", product.EffectiveUnitPrice())
	}
}

func TestNegativePricesRejectedAtBoundary(t *testing.T) {
	t.Parallel()

	payload := sampleCartJSON()
	payload["items"] = []map[string]any{{
		"id":       "item-1",
		"quantity": 1,
		"product":  map[string]any{"id": "p1", "price": -5},
	}}

	router := chi.NewRouter()
	router.Get("/cart", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, payload, "")
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, "")
	_, err := client.GetCart(context.Background())
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for negative price, got %v", err)
	}
}

func TestItemWithoutProductIDRejectedAtBoundary(t *testing.T) {
	t.Parallel()

	payload := sampleCartJSON()
	payload["items"] = []map[string]any{{
		"id":       "item-1",
		"quantity": 1,
		"product":  map[string]any{"name": "Mystery", "price": 10},
	}}

	router := chi.NewRouter()
	router.Get("/cart", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, payload, "")
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, "")
	_, err := client.GetCart(context.Background())
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for missing product id, got %v", err)
	}
	details, ok := typed.Details().(map[string]string)
	if !ok || details["id"] == "" {
		t.Fatalf("expected field details keyed by json name, got %v", typed.Details())
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()

	claims := jwt.MapClaims{"exp": exp.Unix(), "sub": "user-1"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}
