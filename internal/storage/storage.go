package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("storage: key not found")

// Store is the durable client-side key/value surface the cart engine
// persists snapshots into, plus the change broadcast other browsing
// contexts listen on. Implementations live in sqlitestore and redisstore.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error

	// Publish announces a change on the named channel so other open
	// contexts can reload their view.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers fn for messages on the channel and returns an
	// unsubscribe func.
	Subscribe(ctx context.Context, channel string, fn func(payload []byte)) (func(), error)

	Close() error
}

// Keys used by the cart engine. Kept here so both adapters and the
// localstore agree on the namespace.
const (
	KeyCart    = "cartsync:cart"
	KeySession = "cartsync:session_id"
)
