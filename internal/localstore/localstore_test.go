package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sisedes/cartsync/internal/cart"
	"github.com/sisedes/cartsync/internal/storage"
)

type stubBackend struct {
	values map[string][]byte

	getErr    error
	setErr    error
	published [][]byte
	subs      []func([]byte)
}

func newStubBackend() *stubBackend {
	return &stubBackend{values: map[string][]byte{}}
}

func (s *stubBackend) Get(_ context.Context, key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	val, ok := s.values[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return val, nil
}

func (s *stubBackend) Set(_ context.Context, key string, value []byte) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value
	return nil
}

func (s *stubBackend) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(s.values, key)
	}
	return nil
}

func (s *stubBackend) Publish(_ context.Context, _ string, payload []byte) error {
	s.published = append(s.published, payload)
	for _, fn := range s.subs {
		fn(payload)
	}
	return nil
}

func (s *stubBackend) Subscribe(_ context.Context, _ string, fn func([]byte)) (func(), error) {
	s.subs = append(s.subs, fn)
	return func() {}, nil
}

func (s *stubBackend) Close() error { return nil }

func newTestStore(t *testing.T, backend storage.Store) *Store {
	t.Helper()
	store, err := New(Params{Backend: backend})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return store
}

func sampleCart() *cart.Cart {
	c := cart.NewEmpty("sess-1")
	c.Items = []cart.CartItem{{
		ID:        "item-1",
		Product:   cart.ProductSnapshot{ID: "p1", Name: "Widget", Price: decimal.NewFromInt(100)},
		Quantity:  2,
		UnitPrice: decimal.NewFromInt(100),
		LineTotal: decimal.NewFromInt(200),
	}}
	return c
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	store := newTestStore(t, backend)
	ctx := context.Background()

	store.Save(ctx, sampleCart(), false)

	got, ok := store.Load(ctx)
	if !ok {
		t.Fatalf("expected cart to load")
	}
	if len(got.Items) != 1 || got.Items[0].Product.ID != "p1" {
		t.Fatalf("unexpected cart %+v", got)
	}
	if got.Items[0].UnitPrice.String() != "100" {
		t.Fatalf("unit price lost in round trip: %s", got.Items[0].UnitPrice)
	}
	if len(backend.published) != 0 {
		t.Fatalf("save with notify=false must not broadcast")
	}
}

func TestSaveNotifyBroadcasts(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	store := newTestStore(t, backend)

	store.Save(context.Background(), sampleCart(), true)
	if len(backend.published) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(backend.published))
	}
}

func TestLoadMissingReturnsFalse(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newStubBackend())
	if _, ok := store.Load(context.Background()); ok {
		t.Fatalf("expected no cart")
	}
}

func TestLoadDiscardsStaleSnapshot(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	store := newTestStore(t, backend)
	ctx := context.Background()

	store.Save(ctx, sampleCart(), false)

	// Shift the clock 8 days forward; the 7 day TTL must treat the record
	// as absent and delete it.
	store.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	if _, ok := store.Load(ctx); ok {
		t.Fatalf("stale snapshot must be treated as absent")
	}
	if _, exists := backend.values[storage.KeyCart]; exists {
		t.Fatalf("stale snapshot must be deleted")
	}
}

func TestLoadJustUnderTTLSurvives(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	store := newTestStore(t, backend)
	ctx := context.Background()

	store.Save(ctx, sampleCart(), false)
	store.now = func() time.Time { return time.Now().Add(6 * 24 * time.Hour) }

	if _, ok := store.Load(ctx); !ok {
		t.Fatalf("snapshot under the TTL must load")
	}
}

func TestLoadSelfHealsCorruptRecord(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	backend.values[storage.KeyCart] = []byte("{not json")
	store := newTestStore(t, backend)

	if _, ok := store.Load(context.Background()); ok {
		t.Fatalf("corrupt record must be treated as absent")
	}
	if _, exists := backend.values[storage.KeyCart]; exists {
		t.Fatalf("corrupt record must be deleted")
	}
}

func TestLoadTreatsNullCartAsCorrupt(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	raw, _ := json.Marshal(record{Cart: nil, UpdatedAt: time.Now()})
	backend.values[storage.KeyCart] = raw
	store := newTestStore(t, backend)

	if _, ok := store.Load(context.Background()); ok {
		t.Fatalf("record without a cart body must be discarded")
	}
}

func TestStorageFailuresDoNotPropagate(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	backend.setErr = errors.New("disk full")
	store := newTestStore(t, backend)
	ctx := context.Background()

	store.Save(ctx, sampleCart(), true)

	backend.getErr = errors.New("disk gone")
	if _, ok := store.Load(ctx); ok {
		t.Fatalf("failed read must report absent, not panic or error")
	}
}

func TestClearRemovesCartAndSession(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	backend.values[storage.KeyCart] = []byte("x")
	backend.values[storage.KeySession] = []byte("sess")
	store := newTestStore(t, backend)

	store.Clear(context.Background())

	if len(backend.values) != 0 {
		t.Fatalf("expected both records removed, got %v", backend.values)
	}
	if len(backend.published) != 1 {
		t.Fatalf("clear must broadcast so other contexts reload")
	}
}

func TestSubscribeInvokesCallbackOnBroadcast(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	store := newTestStore(t, backend)
	ctx := context.Background()

	fired := 0
	unsubscribe, err := store.Subscribe(ctx, func() { fired++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsubscribe()

	store.Save(ctx, sampleCart(), true)
	if fired != 1 {
		t.Fatalf("expected callback once, got %d", fired)
	}
}
