package config

// EnvPrefix namespaces every cartsync environment variable.
const EnvPrefix = "CARTSYNC"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	StorageDriverSQLite = "sqlite"
	StorageDriverRedis  = "redis"
)

// Environment variable names referenced from tests and bootstrap code.
const (
	EnvAppEnv        = "CARTSYNC_APP_ENV"
	EnvLogLevel      = "CARTSYNC_LOG_LEVEL"
	EnvRemoteBaseURL = "CARTSYNC_REMOTE_BASE_URL"
	EnvRemoteTimeout = "CARTSYNC_REMOTE_TIMEOUT"
	EnvBearerToken   = "CARTSYNC_REMOTE_BEARER_TOKEN"
	EnvStorageDriver = "CARTSYNC_STORAGE_DRIVER"
	EnvSQLitePath    = "CARTSYNC_STORAGE_SQLITE_PATH"
	EnvRedisURL      = "CARTSYNC_REDIS_URL"
	EnvStalenessTTL  = "CARTSYNC_CART_STALENESS_TTL"
)
