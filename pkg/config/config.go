package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every recognized environment variable.
const EnvPrefix = "LAKEKEEPER__"

// Config holds the full server configuration. All values come from the
// environment; unset values fall back to the documented defaults.
type Config struct {
	// HTTP
	BindAddr       string
	MetricsPort    int
	MaxRequestTime time.Duration

	// Database
	PGDatabaseURLRead  string
	PGDatabaseURLWrite string
	PGMaxConnections   int32
	PGAcquireTimeout   time.Duration

	// Authentication
	OIDCProviderURI string
	OIDCAudience    string
	SubjectClaim    string
	RoleClaim       string

	// Authorization
	AuthzBackend    string
	OPAPolicyPath   string
	OPAPollInterval time.Duration

	// Secrets
	SecretBackend string
	EncryptionKey string

	// Tasks
	TaskPollInterval     time.Duration
	TaskMaxRetries       int
	TaskHeartbeatMaxAge  time.Duration
	LogCleanupRetention  time.Duration
	StatFlushInterval    time.Duration
	DefaultExpirationSec int64

	// Catalog behaviour
	ReservedNamespaces []string
	ServerID           string
}

// Defaults mirrors the documented option defaults.
func Defaults() *Config {
	return &Config{
		BindAddr:             "0.0.0.0:8181",
		MetricsPort:          9000,
		MaxRequestTime:       30 * time.Second,
		PGMaxConnections:     40,
		PGAcquireTimeout:     5 * time.Second,
		SubjectClaim:         "",
		AuthzBackend:         "allow-all",
		OPAPollInterval:      30 * time.Second,
		SecretBackend:        "postgres",
		TaskPollInterval:     10 * time.Second,
		TaskMaxRetries:       5,
		TaskHeartbeatMaxAge:  5 * time.Minute,
		LogCleanupRetention:  90 * 24 * time.Hour,
		StatFlushInterval:    60 * time.Second,
		DefaultExpirationSec: 7 * 24 * 3600,
		ReservedNamespaces:   []string{"system", "examples", "information_schema"},
	}
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (*Config, error) {
	c := Defaults()

	var err error
	c.BindAddr = getString("BIND_ADDR", c.BindAddr)
	c.MetricsPort, err = getInt("METRICS_PORT", c.MetricsPort)
	if err != nil {
		return nil, err
	}
	if c.MaxRequestTime, err = getDuration("MAX_REQUEST_TIME", c.MaxRequestTime); err != nil {
		return nil, err
	}

	c.PGDatabaseURLWrite = getString("PG_DATABASE_URL_WRITE", c.PGDatabaseURLWrite)
	c.PGDatabaseURLRead = getString("PG_DATABASE_URL_READ", c.PGDatabaseURLWrite)
	maxConns, err := getInt("PG_MAX_CONNECTIONS", int(c.PGMaxConnections))
	if err != nil {
		return nil, err
	}
	c.PGMaxConnections = int32(maxConns)
	if c.PGAcquireTimeout, err = getDuration("PG_ACQUIRE_TIMEOUT", c.PGAcquireTimeout); err != nil {
		return nil, err
	}

	c.OIDCProviderURI = getString("OIDC_PROVIDER_URI", c.OIDCProviderURI)
	c.OIDCAudience = getString("OIDC_AUDIENCE", c.OIDCAudience)
	c.SubjectClaim = getString("SUBJECT_CLAIM", c.SubjectClaim)
	c.RoleClaim = getString("ROLE_CLAIM", c.RoleClaim)

	c.AuthzBackend = getString("AUTHZ_BACKEND", c.AuthzBackend)
	c.OPAPolicyPath = getString("OPA_POLICY_PATH", c.OPAPolicyPath)
	if c.OPAPollInterval, err = getDuration("OPA_POLL_INTERVAL", c.OPAPollInterval); err != nil {
		return nil, err
	}

	c.SecretBackend = getString("SECRET_BACKEND", c.SecretBackend)
	c.EncryptionKey = getString("ENCRYPTION_KEY", c.EncryptionKey)

	if c.TaskPollInterval, err = getDuration("TASK_POLL_INTERVAL", c.TaskPollInterval); err != nil {
		return nil, err
	}
	if c.TaskMaxRetries, err = getInt("TASK_MAX_RETRIES", c.TaskMaxRetries); err != nil {
		return nil, err
	}
	if c.TaskHeartbeatMaxAge, err = getDuration("TASK_HEARTBEAT_MAX_AGE", c.TaskHeartbeatMaxAge); err != nil {
		return nil, err
	}
	if c.LogCleanupRetention, err = getDuration("LOG_CLEANUP_RETENTION", c.LogCleanupRetention); err != nil {
		return nil, err
	}
	if c.StatFlushInterval, err = getDuration("ENDPOINT_STAT_FLUSH_INTERVAL", c.StatFlushInterval); err != nil {
		return nil, err
	}
	expSecs, err := getInt("DEFAULT_TABULAR_EXPIRATION_SECONDS", int(c.DefaultExpirationSec))
	if err != nil {
		return nil, err
	}
	c.DefaultExpirationSec = int64(expSecs)

	if v := getString("RESERVED_NAMESPACES", ""); v != "" {
		parts := strings.Split(v, ",")
		reserved := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
				reserved = append(reserved, p)
			}
		}
		c.ReservedNamespaces = reserved
	}

	return c, c.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.PGDatabaseURLWrite == "" {
		return fmt.Errorf("%sPG_DATABASE_URL_WRITE is required", EnvPrefix)
	}
	switch c.AuthzBackend {
	case "allow-all", "graph", "opa":
	default:
		return fmt.Errorf("unknown authz backend %q", c.AuthzBackend)
	}
	if c.AuthzBackend == "opa" && c.OPAPolicyPath == "" {
		return fmt.Errorf("%sOPA_POLICY_PATH is required for the opa backend", EnvPrefix)
	}
	switch c.SecretBackend {
	case "postgres", "keyring":
	default:
		return fmt.Errorf("unknown secret backend %q", c.SecretBackend)
	}
	if c.SecretBackend == "postgres" && c.EncryptionKey == "" {
		return fmt.Errorf("%sENCRYPTION_KEY is required for the postgres secret backend", EnvPrefix)
	}
	if c.MaxRequestTime <= 0 {
		return fmt.Errorf("max request time must be positive")
	}
	return nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return n, nil
}

// getDuration parses durations with an ms or s suffix; a bare number is
// interpreted as seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return d, nil
}

// ParseDuration accepts "500ms", "30s" or a bare second count.
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	switch {
	case strings.HasSuffix(v, "ms"):
		n, err := strconv.ParseInt(strings.TrimSuffix(v, "ms"), 10, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Millisecond, nil
	case strings.HasSuffix(v, "s"):
		n, err := strconv.ParseInt(strings.TrimSuffix(v, "s"), 10, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Second, nil
	default:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return time.Duration(n) * time.Second, nil
	}
}
