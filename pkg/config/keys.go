package config

// EnvPrefix is intentionally empty: every envconfig tag carries the full
// MEDIBRIDGE_ prefixed name so greps against deployment manifests stay exact.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvTest = "test"
	AppEnvProd = "production"
)

// Environment variable names shared between Load, tests, and ops tooling.
const (
	EnvAppEnv         = "MEDIBRIDGE_APP_ENV"
	EnvPort           = "MEDIBRIDGE_APP_PORT"
	EnvDBDSN          = "MEDIBRIDGE_DB_DSN"
	EnvDBHost         = "MEDIBRIDGE_DB_HOST"
	EnvDBUser         = "MEDIBRIDGE_DB_USER"
	EnvDBName         = "MEDIBRIDGE_DB_NAME"
	EnvRedisURL       = "MEDIBRIDGE_REDIS_URL"
	EnvLedgerURL      = "MEDIBRIDGE_LEDGER_GATEWAY_URL"
	EnvEnvelopeSecret = "MEDIBRIDGE_ENVELOPE_SECRET"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
