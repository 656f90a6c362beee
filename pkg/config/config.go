package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/storage"
)

// envPrefix prefixes every variable read by this package
const envPrefix = "AUTHGATE_"

// minSecretLength is the minimum length of the JWT secret and OTP salt
const minSecretLength = 32

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Auth          AuthConfig
	Providers     ProvidersConfig
	SAML          SAMLConfig
	WebAuthn      WebAuthnConfig
	Email         EmailConfig
	Audit         AuditConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	Sweeper       SweeperConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// AuthConfig holds session, code and gate settings
type AuthConfig struct {
	// BaseURL is the public origin, used for callbacks and magic links
	BaseURL string
	// Production enables Secure cookies
	Production bool

	JWTSecret string
	OTPSalt   string

	TokenTTL       time.Duration
	SessionTTL     time.Duration
	StateTTL       time.Duration
	OTPTTL         time.Duration
	OTPMaxAttempts int
	// OTPSendLimit is the number of code sends allowed per email per OTPSendWindow
	OTPSendLimit  int
	OTPSendWindow time.Duration

	SysadminEmails []string
	SysadminWindow time.Duration

	// InternalAPIKey authorizes server-to-server session creation
	InternalAPIKey string
}

// OAuthCredentials identifies this service to an OAuth2 provider
type OAuthCredentials struct {
	ClientID     string
	ClientSecret string
}

// Enabled reports whether the provider is configured
func (c OAuthCredentials) Enabled() bool {
	return c.ClientID != ""
}

// AppleConfig holds Sign in with Apple settings
type AppleConfig struct {
	ClientID string
	TeamID   string
	KeyID    string
	// PrivateKey is the PEM encoded .p8 key; PrivateKeyFile is read when empty
	PrivateKey     string
	PrivateKeyFile string
}

// Enabled reports whether Apple is configured
func (c AppleConfig) Enabled() bool {
	return c.ClientID != ""
}

// Key returns the PEM encoded signing key
func (c AppleConfig) Key() ([]byte, error) {
	if c.PrivateKey != "" {
		return []byte(strings.ReplaceAll(c.PrivateKey, `\n`, "\n")), nil
	}
	b, err := os.ReadFile(c.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read apple private key: %w", err)
	}
	return b, nil
}

// ProvidersConfig holds OAuth2 provider credentials
type ProvidersConfig struct {
	Google    OAuthCredentials
	Microsoft OAuthCredentials
	// MicrosoftResource is an extra scope requested from Microsoft
	MicrosoftResource string
	Apple             AppleConfig

	ExchangeTimeout time.Duration
}

// SAMLConfig holds SAML tenant settings
type SAMLConfig struct {
	// TenantsFile is the YAML tenant registry; empty disables SAML
	TenantsFile string
	// Watch reloads TenantsFile when it changes
	Watch bool
}

// WebAuthnConfig describes the relying party
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// EmailConfig selects the email driver
type EmailConfig struct {
	// Driver is "ses" or "log"
	Driver string
	From   string
}

// AuditConfig selects the audit driver and retention
type AuditConfig struct {
	// Driver is "db" or "log"
	Driver        string
	RetentionDays int
	// ArchiveBucket receives expired logs before deletion; empty disables
	ArchiveBucket string
	ArchivePrefix string
}

// AWSConfig holds settings shared by the SES and S3 clients
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// S3Endpoint targets an S3-compatible store (MinIO)
	S3Endpoint string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// SweeperConfig holds cron schedules for the sweeper binary
type SweeperConfig struct {
	SessionSchedule string
	AuditSchedule   string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Auth:          loadAuthConfig(),
		Providers:     loadProvidersConfig(),
		SAML:          loadSAMLConfig(),
		Email:         loadEmailConfig(),
		Audit:         loadAuditConfig(),
		AWS:           loadAWSConfig(),
		Observability: loadObservabilityConfig(),
		Sweeper:       loadSweeperConfig(),
	}
	cfg.WebAuthn = loadWebAuthnConfig(cfg.Auth.BaseURL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnv("PORT", "8080"),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// PostgreSQL config
	cfg.PostgresURL = getEnv("POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnv("POSTGRES_REPLICA_URLS", cfg.PostgresReplicaURLs)
	if maxConns := getEnvInt("POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// Redis config
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// Anti-forgery state backend
	cfg.StateBackend = strings.ToLower(getEnv("STATE_BACKEND", cfg.StateBackend))
	if size := getEnvInt("MEMORY_STATE_SIZE", 0); size > 0 {
		cfg.MemoryStateSize = size
	}

	return cfg
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		BaseURL:        strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		Production:     getEnvBool("PRODUCTION", false),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		OTPSalt:        getEnv("OTP_SALT", ""),
		TokenTTL:       getEnvDuration("TOKEN_TTL", 5*time.Minute),
		SessionTTL:     getEnvDuration("SESSION_TTL", 7*24*time.Hour),
		StateTTL:       getEnvDuration("STATE_TTL", 10*time.Minute),
		OTPTTL:         getEnvDuration("OTP_TTL", 15*time.Minute),
		OTPMaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 3),
		OTPSendLimit:   getEnvInt("OTP_SEND_LIMIT", 5),
		OTPSendWindow:  getEnvDuration("OTP_SEND_WINDOW", 15*time.Minute),
		SysadminEmails: getEnvList("SYSADMIN_EMAILS"),
		SysadminWindow: getEnvDuration("SYSADMIN_VERIFY_WINDOW", 60*time.Minute),
		InternalAPIKey: getEnv("INTERNAL_API_KEY", ""),
	}
}

func loadProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Google: OAuthCredentials{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		},
		Microsoft: OAuthCredentials{
			ClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
			ClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		},
		MicrosoftResource: getEnv("MICROSOFT_RESOURCE", ""),
		Apple: AppleConfig{
			ClientID:       getEnv("APPLE_CLIENT_ID", ""),
			TeamID:         getEnv("APPLE_TEAM_ID", ""),
			KeyID:          getEnv("APPLE_KEY_ID", ""),
			PrivateKey:     getEnv("APPLE_PRIVATE_KEY", ""),
			PrivateKeyFile: getEnv("APPLE_PRIVATE_KEY_FILE", ""),
		},
		ExchangeTimeout: getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
	}
}

func loadSAMLConfig() SAMLConfig {
	return SAMLConfig{
		TenantsFile: getEnv("SAML_TENANTS_FILE", ""),
		Watch:       getEnvBool("SAML_WATCH", true),
	}
}

func loadWebAuthnConfig(baseURL string) WebAuthnConfig {
	origins := getEnvList("WEBAUTHN_ORIGINS")
	if len(origins) == 0 {
		origins = []string{baseURL}
	}
	return WebAuthnConfig{
		RPID:          getEnv("WEBAUTHN_RP_ID", "localhost"),
		RPDisplayName: getEnv("WEBAUTHN_RP_NAME", "00SaaS"),
		RPOrigins:     origins,
	}
}

func loadEmailConfig() EmailConfig {
	return EmailConfig{
		Driver: strings.ToLower(getEnv("EMAIL_DRIVER", "log")),
		From:   getEnv("EMAIL_FROM", "no-reply@localhost"),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Driver:        strings.ToLower(getEnv("AUDIT_DRIVER", "db")),
		RetentionDays: getEnvInt("AUDIT_RETENTION_DAYS", 90),
		ArchiveBucket: getEnv("AUDIT_ARCHIVE_BUCKET", ""),
		ArchivePrefix: getEnv("AUDIT_ARCHIVE_PREFIX", ""),
	}
}

func loadAWSConfig() AWSConfig {
	return AWSConfig{
		Region:          getEnv("AWS_REGION", "us-east-1"),
		AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "authgate"),
		OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1),
	}
}

func loadSweeperConfig() SweeperConfig {
	return SweeperConfig{
		SessionSchedule: getEnv("SWEEP_SESSIONS_SCHEDULE", "@every 1h"),
		AuditSchedule:   getEnv("SWEEP_AUDIT_SCHEDULE", "@daily"),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	switch c.Storage.StateBackend {
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis state backend")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid state backend: %s (must be redis or memory)", c.Storage.StateBackend)
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if c.Providers.Apple.Enabled() {
		a := c.Providers.Apple
		if a.TeamID == "" || a.KeyID == "" {
			return fmt.Errorf("apple team id and key id are required")
		}
		if a.PrivateKey == "" && a.PrivateKeyFile == "" {
			return fmt.Errorf("apple private key is required")
		}
	}
	for name, creds := range map[string]OAuthCredentials{"google": c.Providers.Google, "microsoft": c.Providers.Microsoft} {
		if creds.Enabled() && creds.ClientSecret == "" {
			return fmt.Errorf("%s client secret is required", name)
		}
	}

	if c.WebAuthn.RPID == "" {
		return fmt.Errorf("webauthn relying party id is required")
	}

	switch c.Email.Driver {
	case "ses", "log":
	default:
		return fmt.Errorf("invalid email driver: %s (must be ses or log)", c.Email.Driver)
	}
	if c.Email.Driver == "ses" && c.Email.From == "" {
		return fmt.Errorf("email from address is required for ses")
	}

	switch c.Audit.Driver {
	case "db", "log":
	default:
		return fmt.Errorf("invalid audit driver: %s (must be db or log)", c.Audit.Driver)
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit retention days must be positive")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

func (a AuthConfig) validate() error {
	u, err := url.Parse(a.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base URL must be an absolute URL")
	}
	if a.Production && u.Scheme != "https" {
		return fmt.Errorf("base URL must use https in production")
	}
	if len(a.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT secret must be at least %d bytes", minSecretLength)
	}
	if len(a.OTPSalt) < minSecretLength {
		return fmt.Errorf("OTP salt must be at least %d bytes", minSecretLength)
	}
	if a.TokenTTL <= 0 || a.SessionTTL <= 0 || a.StateTTL <= 0 || a.OTPTTL <= 0 {
		return fmt.Errorf("token, session, state and OTP TTLs must be positive")
	}
	if a.TokenTTL >= a.SessionTTL {
		return fmt.Errorf("token TTL must be shorter than session TTL")
	}
	if a.OTPMaxAttempts < 1 {
		return fmt.Errorf("OTP max attempts must be positive")
	}
	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	return observability.ParseLevel(level)
}

// getEnv returns the value of AUTHGATE_<key> or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma separated environment variable, trimmed and
// without empty items
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(envPrefix+key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
