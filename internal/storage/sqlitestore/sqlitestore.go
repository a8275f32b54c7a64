package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/sisedes/cartsync/internal/storage"
	"github.com/sisedes/cartsync/pkg/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// KVRecord is the single-table layout backing the local snapshot store.
type KVRecord struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Value     []byte    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (KVRecord) TableName() string { return "kv_records" }

// Store persists the cart snapshot in a sqlite file via gorm. Change
// broadcasts are in-process only: a file database has no bus, so cross-tab
// consistency within one process is served by a subscriber registry.
type Store struct {
	conn *gorm.DB

	mu   sync.Mutex
	subs map[string]map[int]func(payload []byte)
	next int
}

// Open boots the sqlite-backed store and migrates the kv table.
func Open(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	if cfg.SQLitePath == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	silent := gormlogger.New(
		log.New(io.Discard, "", log.LstdFlags),
		gormlogger.Config{LogLevel: gormlogger.Silent},
	)

	conn, err := gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{
		Logger:                 silent,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}

	if err := conn.WithContext(ctx).AutoMigrate(&KVRecord{}); err != nil {
		return nil, fmt.Errorf("migrating kv table: %w", err)
	}

	return &Store{
		conn: conn,
		subs: map[string]map[int]func(payload []byte){},
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var record KVRecord
	err := s.conn.WithContext(ctx).First(&record, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return record.Value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	record := KVRecord{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return s.conn.WithContext(ctx).
		Exec(`INSERT INTO kv_records (key, value, updated_at) VALUES (?, ?, ?)
		      ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			record.Key, record.Value, record.UpdatedAt).
		Error
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.conn.WithContext(ctx).Where("key IN ?", keys).Delete(&KVRecord{}).Error
}

func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	handlers := make([]func([]byte), 0, len(s.subs[channel]))
	for _, fn := range s.subs[channel] {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context, channel string, fn func(payload []byte)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscriber callback is required")
	}

	s.mu.Lock()
	if s.subs[channel] == nil {
		s.subs[channel] = map[int]func([]byte){}
	}
	id := s.next
	s.next++
	s.subs[channel][id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs[channel], id)
		s.mu.Unlock()
	}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
