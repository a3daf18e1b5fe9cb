package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Sessions  SessionsConfig
	Admission AdmissionConfig
	Cleanup   CleanupConfig
	Metrics   MetricsConfig
	Events    EventsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// RedisConfig holds settings for the shared session store.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	PoolSize    int
}

// DatabaseConfig holds the session archive connection. Empty URL disables the archive.
type DatabaseConfig struct {
	URL string
}

// Enabled reports whether an archive database is configured.
func (c DatabaseConfig) Enabled() bool { return c.URL != "" }

// JWTConfig holds bearer-token validation settings for the API.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// SessionsConfig drives the session registry.
type SessionsConfig struct {
	WorkerID                  string
	SessionTimeout            time.Duration // store TTL and inactivity ceiling
	GraceTTL                  time.Duration // retention of terminated sessions
	InactiveAfter             time.Duration
	ConnectionTimeout         time.Duration // participant last_seen ceiling
	DisconnectGrace           time.Duration
	MaxParticipantsPerSession int
	OpTimeout                 time.Duration
	CacheSize                 int
	CacheTTL                  time.Duration
}

// AdmissionConfig bounds per-worker load.
type AdmissionConfig struct {
	MaxSessionsPerWorker int
	RetryAfter           time.Duration
	Timeout              time.Duration
}

// CleanupConfig drives the background sweeper.
type CleanupConfig struct {
	Interval     time.Duration
	SweepTimeout time.Duration // budget for a whole sweep
	StoreTimeout time.Duration // per store call, shorter than foreground calls
}

// MetricsConfig configures connection-rate bucketing.
type MetricsConfig struct {
	RateBucket time.Duration
}

// EventsConfig configures lifecycle event fan-out.
type EventsConfig struct {
	JournalMaxLen    int64
	SubscriberBuffer int
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", "localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          redisDB,
			DialTimeout: getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			PoolSize:    getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Database: DatabaseConfig{
			URL: getEnv("ARCHIVE_DATABASE_URL", ""),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		Sessions: SessionsConfig{
			WorkerID:                  getEnv("WORKER_ID", defaultWorkerID()),
			SessionTimeout:            getEnvDuration("SESSION_TIMEOUT", 4*time.Hour),
			GraceTTL:                  getEnvDuration("SESSION_GRACE_TTL", 60*time.Second),
			InactiveAfter:             getEnvDuration("SESSION_INACTIVE_AFTER", 5*time.Minute),
			ConnectionTimeout:         getEnvDuration("CONNECTION_TIMEOUT", 30*time.Second),
			DisconnectGrace:           getEnvDuration("DISCONNECT_GRACE", 10*time.Second),
			MaxParticipantsPerSession: getEnvInt("MAX_PARTICIPANTS_PER_SESSION", 10),
			OpTimeout:                 getEnvDuration("STORE_OP_TIMEOUT", 2*time.Second),
			CacheSize:                 getEnvInt("SESSION_CACHE_SIZE", 1024),
			CacheTTL:                  getEnvDuration("SESSION_CACHE_TTL", 30*time.Second),
		},
		Admission: AdmissionConfig{
			MaxSessionsPerWorker: getEnvInt("MAX_SESSIONS_PER_WORKER", 100),
			RetryAfter:           getEnvDuration("ADMISSION_RETRY_AFTER", 30*time.Second),
			Timeout:              getEnvDuration("ADMISSION_TIMEOUT", 500*time.Millisecond),
		},
		Cleanup: CleanupConfig{
			Interval:     getEnvDuration("CLEANUP_INTERVAL", 60*time.Second),
			SweepTimeout: getEnvDuration("CLEANUP_SWEEP_TIMEOUT", 10*time.Second),
			StoreTimeout: getEnvDuration("CLEANUP_STORE_TIMEOUT", time.Second),
		},
		Metrics: MetricsConfig{
			RateBucket: getEnvDuration("METRICS_RATE_BUCKET", 60*time.Second),
		},
		Events: EventsConfig{
			JournalMaxLen:    int64(getEnvInt("EVENT_JOURNAL_MAX_LEN", 10000)),
			SubscriberBuffer: getEnvInt("EVENT_SUBSCRIBER_BUFFER", 256),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the registry cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("SESSION_TIMEOUT", c.Sessions.SessionTimeout)
	positive("SESSION_GRACE_TTL", c.Sessions.GraceTTL)
	positive("SESSION_INACTIVE_AFTER", c.Sessions.InactiveAfter)
	positive("CONNECTION_TIMEOUT", c.Sessions.ConnectionTimeout)
	positive("DISCONNECT_GRACE", c.Sessions.DisconnectGrace)
	positive("STORE_OP_TIMEOUT", c.Sessions.OpTimeout)
	positive("SESSION_CACHE_TTL", c.Sessions.CacheTTL)
	positive("ADMISSION_RETRY_AFTER", c.Admission.RetryAfter)
	positive("ADMISSION_TIMEOUT", c.Admission.Timeout)
	positive("CLEANUP_INTERVAL", c.Cleanup.Interval)
	positive("CLEANUP_SWEEP_TIMEOUT", c.Cleanup.SweepTimeout)
	positive("CLEANUP_STORE_TIMEOUT", c.Cleanup.StoreTimeout)
	positive("METRICS_RATE_BUCKET", c.Metrics.RateBucket)

	if c.Sessions.WorkerID == "" {
		errs = append(errs, errors.New("WORKER_ID must not be empty"))
	}
	if c.Sessions.MaxParticipantsPerSession <= 0 {
		errs = append(errs, errors.New("MAX_PARTICIPANTS_PER_SESSION must be positive"))
	}
	if c.Sessions.CacheSize <= 0 {
		errs = append(errs, errors.New("SESSION_CACHE_SIZE must be positive"))
	}
	if c.Admission.MaxSessionsPerWorker <= 0 {
		errs = append(errs, errors.New("MAX_SESSIONS_PER_WORKER must be positive"))
	}
	if c.Sessions.ConnectionTimeout >= c.Sessions.SessionTimeout {
		errs = append(errs, errors.New("CONNECTION_TIMEOUT must be shorter than SESSION_TIMEOUT"))
	}
	if c.Admission.Timeout >= c.Sessions.OpTimeout {
		errs = append(errs, errors.New("ADMISSION_TIMEOUT must be shorter than STORE_OP_TIMEOUT"))
	}
	if c.Cleanup.StoreTimeout >= c.Sessions.OpTimeout {
		errs = append(errs, errors.New("CLEANUP_STORE_TIMEOUT must be shorter than STORE_OP_TIMEOUT"))
	}
	if c.Events.JournalMaxLen <= 0 || c.Events.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("event journal length and subscriber buffer must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare integers are seconds
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// AllowedOrigins returns the parsed CORS origin list.
func (c ServerConfig) AllowedOrigins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
