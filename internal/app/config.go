package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// RSVPPushTimeout bounds each background RSVP write.
	RSVPPushTimeout time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("FRIENDMAP_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("FRIENDMAP_LOG_LEVEL", "info"),
		LogFormat: EnvString("FRIENDMAP_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("FRIENDMAP_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("FRIENDMAP_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("FRIENDMAP_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("FRIENDMAP_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("FRIENDMAP_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("FRIENDMAP_DATABASE_URL", ""),
		DBSchema:    EnvString("FRIENDMAP_DB_SCHEMA", "friendmap"),
		DBMaxConns:  EnvInt32("FRIENDMAP_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("FRIENDMAP_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("FRIENDMAP_READINESS_REQUIRE_DB", false),

		RSVPPushTimeout: EnvDuration("FRIENDMAP_RSVP_PUSH_TIMEOUT", 10*time.Second),
	}
}
