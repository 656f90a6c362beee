// Package config loads service configuration from AUTHGATE_ prefixed
// environment variables with defaults for everything except secrets.
//
// # Configuration Structure
//
// Server settings:
//
//	AUTHGATE_HOST="0.0.0.0"
//	AUTHGATE_PORT="8080"
//	AUTHGATE_HEALTH_PORT="9090"
//
// Storage settings:
//
//	AUTHGATE_POSTGRES_URL="postgres://localhost/authgate"
//	AUTHGATE_REDIS_URL="redis://localhost:6379/0"
//	AUTHGATE_STATE_BACKEND="redis"  # redis, memory
//
// Auth settings:
//
//	AUTHGATE_BASE_URL="https://auth.example.com"
//	AUTHGATE_JWT_SECRET="..."        # at least 32 bytes
//	AUTHGATE_OTP_SALT="..."          # at least 32 bytes
//	AUTHGATE_SYSADMIN_EMAILS="ops@example.com,root@example.com"
//	AUTHGATE_INTERNAL_API_KEY="..."
//
// Providers (each enabled when its client id is set):
//
//	AUTHGATE_GOOGLE_CLIENT_ID / AUTHGATE_GOOGLE_CLIENT_SECRET
//	AUTHGATE_MICROSOFT_CLIENT_ID / AUTHGATE_MICROSOFT_CLIENT_SECRET / AUTHGATE_MICROSOFT_RESOURCE
//	AUTHGATE_APPLE_CLIENT_ID / AUTHGATE_APPLE_TEAM_ID / AUTHGATE_APPLE_KEY_ID / AUTHGATE_APPLE_PRIVATE_KEY_FILE
//	AUTHGATE_SAML_TENANTS_FILE="/etc/authgate/tenants.yaml"
//
// Email, audit and AWS:
//
//	AUTHGATE_EMAIL_DRIVER="ses"      # ses, log
//	AUTHGATE_AUDIT_DRIVER="db"       # db, log
//	AUTHGATE_AUDIT_ARCHIVE_BUCKET="authgate-audit"
//	AUTHGATE_AWS_REGION="us-east-1"
//
// Observability settings:
//
//	AUTHGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	AUTHGATE_METRICS_ENABLED="true"
//	AUTHGATE_OTEL_ENABLED="true"
//	AUTHGATE_OTEL_ENDPOINT="otel-collector:4317"
//	AUTHGATE_OTEL_SAMPLE_RATIO="0.25"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
