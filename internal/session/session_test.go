package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sisedes/cartsync/internal/storage"
)

type stubStore struct {
	values map[string][]byte

	getErr error
	setErr error
}

func newStubStore() *stubStore {
	return &stubStore{values: map[string][]byte{}}
}

func (s *stubStore) Get(_ context.Context, key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	val, ok := s.values[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return val, nil
}

func (s *stubStore) Set(_ context.Context, key string, value []byte) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value
	return nil
}

func (s *stubStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(s.values, key)
	}
	return nil
}

func (s *stubStore) Publish(context.Context, string, []byte) error { return nil }

func (s *stubStore) Subscribe(context.Context, string, func([]byte)) (func(), error) {
	return func() {}, nil
}

func (s *stubStore) Close() error { return nil }

func TestGetOrCreatePersistsAndReuses(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	mgr, err := NewManager(store, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	first := mgr.GetOrCreate(ctx)
	if !strings.HasPrefix(first, "sess_") {
		t.Fatalf("unexpected id format %q", first)
	}
	if string(store.values[storage.KeySession]) != first {
		t.Fatalf("id should be persisted")
	}

	second := mgr.GetOrCreate(ctx)
	if second != first {
		t.Fatalf("expected persisted id reused, got %q vs %q", second, first)
	}
}

func TestGetOrCreateSurvivesStorageFailures(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.getErr = errors.New("disk gone")
	store.setErr = errors.New("disk gone")
	mgr, _ := NewManager(store, nil)

	id := mgr.GetOrCreate(context.Background())
	if id == "" {
		t.Fatalf("must always return a usable id")
	}
}

func TestCurrentAndClear(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	mgr, _ := NewManager(store, nil)
	ctx := context.Background()

	if got := mgr.Current(ctx); got != "" {
		t.Fatalf("expected empty current before creation, got %q", got)
	}

	id := mgr.GetOrCreate(ctx)
	if got := mgr.Current(ctx); got != id {
		t.Fatalf("current should return persisted id")
	}

	mgr.Clear(ctx)
	if got := mgr.Current(ctx); got != "" {
		t.Fatalf("expected empty current after clear, got %q", got)
	}
}

func TestNewManagerRequiresStore(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(nil, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}
