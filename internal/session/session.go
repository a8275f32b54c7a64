package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sisedes/cartsync/internal/storage"
	"github.com/sisedes/cartsync/pkg/logger"
)

// Manager owns the anonymous session identifier that associates a cart with
// an unauthenticated visitor before login.
type Manager struct {
	store storage.Store
	log   *logger.Logger
}

// NewManager binds the session identity to the durable store.
func NewManager(store storage.Store, log *logger.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	return &Manager{store: store, log: log}, nil
}

// GetOrCreate returns the persisted anonymous session id, generating and
// persisting a fresh one when none exists. It always returns a usable value:
// storage failures degrade to a non-durable id and are only logged.
func (m *Manager) GetOrCreate(ctx context.Context) string {
	raw, err := m.store.Get(ctx, storage.KeySession)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		m.warn(ctx, "reading session id failed, generating a fresh one", err)
	}

	id := newSessionID()
	if err := m.store.Set(ctx, storage.KeySession, []byte(id)); err != nil {
		m.warn(ctx, "persisting session id failed, id will not survive restarts", err)
	}
	return id
}

// Current returns the persisted session id without creating one.
func (m *Manager) Current(ctx context.Context) string {
	raw, err := m.store.Get(ctx, storage.KeySession)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// Clear drops the persisted session id, typically after a merge-on-login.
func (m *Manager) Clear(ctx context.Context) {
	if err := m.store.Delete(ctx, storage.KeySession); err != nil {
		m.warn(ctx, "clearing session id failed", err)
	}
}

func (m *Manager) warn(ctx context.Context, msg string, err error) {
	if m.log == nil {
		return
	}
	m.log.Warn(m.log.WithField(ctx, "cause", err.Error()), msg)
}

// newSessionID builds a timestamped id with a random suffix. Collisions are
// negligible given the uuid suffix.
func newSessionID() string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("sess_%d_%s", time.Now().UnixMilli(), suffix)
}
