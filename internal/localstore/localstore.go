package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sisedes/cartsync/internal/cart"
	"github.com/sisedes/cartsync/internal/storage"
	"github.com/sisedes/cartsync/pkg/logger"
	"github.com/sisedes/cartsync/pkg/metrics"
)

// record wraps the persisted cart with its own timestamps so staleness is
// evaluated against the local write, not whatever the server stamped.
type record struct {
	Cart      *cart.Cart `json:"cart"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Store persists and retrieves the local cart snapshot. No error ever
// propagates out of it: storage failures degrade to "operation had no
// durable effect", corrupt or stale records self-heal by deletion.
type Store struct {
	backend storage.Store
	ttl     time.Duration
	channel string
	log     *logger.Logger
	metrics *metrics.CartSyncMetrics

	now func() time.Time
}

// Params configures the local store.
type Params struct {
	Backend       storage.Store
	StalenessTTL  time.Duration
	ChangeChannel string
	Logger        *logger.Logger
	Metrics       *metrics.CartSyncMetrics
}

// DefaultStalenessTTL keeps a snapshot for 7 days before it is treated as
// absent.
const DefaultStalenessTTL = 7 * 24 * time.Hour

// New builds a local cart store over the durable backend.
func New(params Params) (*Store, error) {
	if params.Backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	ttl := params.StalenessTTL
	if ttl <= 0 {
		ttl = DefaultStalenessTTL
	}
	channel := params.ChangeChannel
	if channel == "" {
		channel = "cartsync:cart_updated"
	}
	return &Store{
		backend: params.Backend,
		ttl:     ttl,
		channel: channel,
		log:     params.Logger,
		metrics: params.Metrics,
		now:     time.Now,
	}, nil
}

// Load returns the persisted cart, or (nil, false) when there is none, the
// record is older than the staleness TTL, or it cannot be decoded. Stale and
// corrupt records are deleted so the next load starts clean.
func (s *Store) Load(ctx context.Context) (*cart.Cart, bool) {
	raw, err := s.backend.Get(ctx, storage.KeyCart)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.warn(ctx, "reading cart snapshot failed", err)
			s.metrics.IncStorageFailure("load")
		}
		return nil, false
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Cart == nil {
		s.warn(ctx, "discarding corrupt cart snapshot", err)
		s.discard(ctx)
		return nil, false
	}

	if s.now().Sub(rec.UpdatedAt) > s.ttl {
		s.warn(ctx, "discarding stale cart snapshot", nil)
		s.discard(ctx)
		return nil, false
	}

	return rec.Cart, true
}

// Save persists the cart and, when notify is set, broadcasts the change so
// other open contexts reload. Failures are logged, never returned.
func (s *Store) Save(ctx context.Context, c *cart.Cart, notify bool) {
	if c == nil {
		return
	}

	now := s.now().UTC()
	c.UpdatedAt = now
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}

	rec := record{Cart: c, CreatedAt: c.CreatedAt, UpdatedAt: now}
	raw, err := json.Marshal(rec)
	if err != nil {
		s.warn(ctx, "encoding cart snapshot failed", err)
		s.metrics.IncStorageFailure("save")
		return
	}

	if err := s.backend.Set(ctx, storage.KeyCart, raw); err != nil {
		s.warn(ctx, "persisting cart snapshot failed", err)
		s.metrics.IncStorageFailure("save")
		return
	}

	if notify {
		if err := s.backend.Publish(ctx, s.channel, []byte(c.ID)); err != nil {
			s.warn(ctx, "broadcasting cart change failed", err)
		}
	}
}

// Clear removes both the cart snapshot and the anonymous session id, then
// broadcasts so other contexts drop their view as well.
func (s *Store) Clear(ctx context.Context) {
	if err := s.backend.Delete(ctx, storage.KeyCart, storage.KeySession); err != nil {
		s.warn(ctx, "clearing cart snapshot failed", err)
		s.metrics.IncStorageFailure("clear")
		return
	}
	if err := s.backend.Publish(ctx, s.channel, nil); err != nil {
		s.warn(ctx, "broadcasting cart clear failed", err)
	}
}

// Subscribe registers fn for external cart-change broadcasts.
func (s *Store) Subscribe(ctx context.Context, fn func()) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("callback is required")
	}
	return s.backend.Subscribe(ctx, s.channel, func([]byte) { fn() })
}

func (s *Store) discard(ctx context.Context) {
	if err := s.backend.Delete(ctx, storage.KeyCart); err != nil {
		s.warn(ctx, "deleting bad cart snapshot failed", err)
		s.metrics.IncStorageFailure("discard")
	}
}

func (s *Store) warn(ctx context.Context, msg string, err error) {
	if s.log == nil {
		return
	}
	if err != nil {
		ctx = s.log.WithField(ctx, "cause", err.Error())
	}
	s.log.Warn(ctx, msg)
}
