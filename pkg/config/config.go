package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Envelope     EnvelopeConfig
	Ledger       LedgerConfig
	Retry        RetryConfig
	Breaker      BreakerConfig
	Queue        QueueConfig
	Cache        CacheConfig
	FeatureFlags FeatureFlagsConfig
	Ops          OpsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MEDIBRIDGE_APP_ENV" required:"true"`
	Port         string `envconfig:"MEDIBRIDGE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"MEDIBRIDGE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"MEDIBRIDGE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"MEDIBRIDGE_SERVICE_KIND" default:"ledger-worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"MEDIBRIDGE_DB_DSN"`
	Driver string `envconfig:"MEDIBRIDGE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MEDIBRIDGE_DB_HOST"`
	LegacyPort     int    `envconfig:"MEDIBRIDGE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MEDIBRIDGE_DB_USER"`
	LegacyPassword string `envconfig:"MEDIBRIDGE_DB_PASSWORD"`
	LegacyName     string `envconfig:"MEDIBRIDGE_DB_NAME"`
	LegacySSLMode  string `envconfig:"MEDIBRIDGE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MEDIBRIDGE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MEDIBRIDGE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MEDIBRIDGE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MEDIBRIDGE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MEDIBRIDGE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"MEDIBRIDGE_REDIS_ADDR"`
	Password     string        `envconfig:"MEDIBRIDGE_REDIS_PASSWORD"`
	DB           int           `envconfig:"MEDIBRIDGE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MEDIBRIDGE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MEDIBRIDGE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MEDIBRIDGE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MEDIBRIDGE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MEDIBRIDGE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// EnvelopeConfig carries the evidence signing parameters. The secret is
// shared between every producer and verifier of ledger envelopes.
type EnvelopeConfig struct {
	Secret      string `envconfig:"MEDIBRIDGE_ENVELOPE_SECRET" required:"true"`
	Version     string `envconfig:"MEDIBRIDGE_ENVELOPE_VERSION" default:"1.0"`
	Environment string `envconfig:"MEDIBRIDGE_ENVELOPE_ENVIRONMENT" default:"dev"`
}

type LedgerConfig struct {
	GatewayURL     string        `envconfig:"MEDIBRIDGE_LEDGER_GATEWAY_URL" required:"true"`
	APIKey         string        `envconfig:"MEDIBRIDGE_LEDGER_API_KEY"`
	SubmitTimeout  time.Duration `envconfig:"MEDIBRIDGE_LEDGER_SUBMIT_TIMEOUT" default:"15s"`
	TopicID        string        `envconfig:"MEDIBRIDGE_LEDGER_TOPIC_ID"`
}

type RetryConfig struct {
	MaxRetries   int           `envconfig:"MEDIBRIDGE_RETRY_MAX_RETRIES" default:"5"`
	InitialDelay time.Duration `envconfig:"MEDIBRIDGE_RETRY_INITIAL_DELAY" default:"1s"`
	Multiplier   float64       `envconfig:"MEDIBRIDGE_RETRY_MULTIPLIER" default:"2"`
	MaxDelay     time.Duration `envconfig:"MEDIBRIDGE_RETRY_MAX_DELAY" default:"60s"`
}

type BreakerConfig struct {
	FailureThreshold int           `envconfig:"MEDIBRIDGE_BREAKER_FAILURE_THRESHOLD" default:"10"`
	ResetTimeout     time.Duration `envconfig:"MEDIBRIDGE_BREAKER_RESET_TIMEOUT" default:"60s"`
}

type QueueConfig struct {
	Name              string        `envconfig:"MEDIBRIDGE_QUEUE_NAME" default:"ledger-submissions"`
	Concurrency       int           `envconfig:"MEDIBRIDGE_QUEUE_CONCURRENCY" default:"5"`
	PollIntervalMS    int           `envconfig:"MEDIBRIDGE_QUEUE_POLL_MS" default:"500"`
	BatchSize         int           `envconfig:"MEDIBRIDGE_QUEUE_BATCH_SIZE" default:"20"`
	MaxAttempts       int           `envconfig:"MEDIBRIDGE_QUEUE_MAX_ATTEMPTS" default:"5"`
	BackoffBase       time.Duration `envconfig:"MEDIBRIDGE_QUEUE_BACKOFF_BASE" default:"2s"`
	BackoffMax        time.Duration `envconfig:"MEDIBRIDGE_QUEUE_BACKOFF_MAX" default:"5m"`
	DequeueRate       float64       `envconfig:"MEDIBRIDGE_QUEUE_DEQUEUE_RATE" default:"50"`
	DequeueBurst      int           `envconfig:"MEDIBRIDGE_QUEUE_DEQUEUE_BURST" default:"50"`
	VisibilityTimeout time.Duration `envconfig:"MEDIBRIDGE_QUEUE_VISIBILITY_TIMEOUT" default:"5m"`
}

type CacheConfig struct {
	SubmissionTTL time.Duration `envconfig:"MEDIBRIDGE_CACHE_SUBMISSION_TTL" default:"24h"`
	BlobTTL       time.Duration `envconfig:"MEDIBRIDGE_CACHE_BLOB_TTL" default:"720h"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"MEDIBRIDGE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"MEDIBRIDGE_AUTO_MIGRATE" default:"false"`
}

type OpsConfig struct {
	Port            string        `envconfig:"MEDIBRIDGE_OPS_PORT" default:"9090"`
	StatsRateLimit  int64         `envconfig:"MEDIBRIDGE_OPS_STATS_RATE_LIMIT" default:"60"`
	StatsRateWindow time.Duration `envconfig:"MEDIBRIDGE_OPS_STATS_RATE_WINDOW" default:"1m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
