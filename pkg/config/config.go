package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App     AppConfig
	Remote  RemoteConfig
	Storage StorageConfig
	Redis   RedisConfig
	Cart    CartConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Storage.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CARTSYNC_APP_ENV" default:"dev"`
	LogLevel     string `envconfig:"CARTSYNC_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CARTSYNC_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// RemoteConfig points the engine at the backend cart service.
type RemoteConfig struct {
	BaseURL     string        `envconfig:"CARTSYNC_REMOTE_BASE_URL" required:"true"`
	Timeout     time.Duration `envconfig:"CARTSYNC_REMOTE_TIMEOUT" default:"10s"`
	BearerToken string        `envconfig:"CARTSYNC_REMOTE_BEARER_TOKEN"`
}

// StorageConfig selects the durable client-side snapshot store.
type StorageConfig struct {
	Driver     string `envconfig:"CARTSYNC_STORAGE_DRIVER" default:"sqlite"`
	SQLitePath string `envconfig:"CARTSYNC_STORAGE_SQLITE_PATH" default:"cartsync.db"`
}

func (s StorageConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case StorageDriverSQLite, StorageDriverRedis:
		return nil
	}
	return fmt.Errorf("unknown storage driver %q", s.Driver)
}

// NormalizedDriver returns the lowercase driver name.
func (s StorageConfig) NormalizedDriver() string {
	return strings.ToLower(strings.TrimSpace(s.Driver))
}

type RedisConfig struct {
	URL          string        `envconfig:"CARTSYNC_REDIS_URL"`
	Address      string        `envconfig:"CARTSYNC_REDIS_ADDR"`
	Password     string        `envconfig:"CARTSYNC_REDIS_PASSWORD"`
	DB           int           `envconfig:"CARTSYNC_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CARTSYNC_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CARTSYNC_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CARTSYNC_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CARTSYNC_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CARTSYNC_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// CartConfig carries the pricing and lifecycle knobs for the cart domain.
type CartConfig struct {
	TaxRate           string        `envconfig:"CARTSYNC_CART_TAX_RATE" default:"0.18"`
	FreeShippingMin   string        `envconfig:"CARTSYNC_CART_FREE_SHIPPING_MIN" default:"1000"`
	ShippingFee       string        `envconfig:"CARTSYNC_CART_SHIPPING_FEE" default:"200"`
	StalenessTTL      time.Duration `envconfig:"CARTSYNC_CART_STALENESS_TTL" default:"168h"`
	RefreshCooldown   time.Duration `envconfig:"CARTSYNC_CART_REFRESH_COOLDOWN" default:"2s"`
	ChangeChannel     string        `envconfig:"CARTSYNC_CART_CHANGE_CHANNEL" default:"cartsync:cart_updated"`
	ProductLookupPath string        `envconfig:"CARTSYNC_CART_PRODUCT_LOOKUP_PATH" default:"/products"`
}
