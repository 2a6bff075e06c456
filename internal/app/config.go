package app

import (
	"time"

	"github.com/joho/godotenv"

	"tether/internal/eventlog"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Persistence selection: DatabaseURL wins, then SQLitePath, then in-memory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	SQLitePath  string

	// Replay window bounds for the sequenced event log.
	ReplayMaxEvents int
	ReplayMaxAge    time.Duration

	// PHC Argon2id hash of the connect token. Empty means dev-insecure mode
	// (any non-empty credential accepted).
	AuthTokenHash string

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
// In development a .env file is honored when present.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr: EnvString("TETHER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("TETHER_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("TETHER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		// ReadTimeout must stay 0: it would kill long-lived SSE/websocket requests.
		ReadTimeout:  EnvDuration("TETHER_HTTP_READ_TIMEOUT", 0),
		WriteTimeout: EnvDuration("TETHER_HTTP_WRITE_TIMEOUT", 0),
		IdleTimeout:  EnvDuration("TETHER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("TETHER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("TETHER_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("TETHER_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("TETHER_DB_MIN_CONNS", 0),
		SQLitePath:  EnvString("TETHER_SQLITE_PATH", ""),

		ReplayMaxEvents: EnvInt("TETHER_REPLAY_MAX_EVENTS", eventlog.DefaultMaxEvents),
		ReplayMaxAge:    EnvDuration("TETHER_REPLAY_MAX_AGE", eventlog.DefaultMaxAge),

		AuthTokenHash: EnvString("TETHER_AUTH_TOKEN_HASH", ""),

		ReadinessRequireDB: EnvBool("TETHER_READINESS_REQUIRE_DB", false),
	}
}
