package profile

import (
	"encoding/hex"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the bridge.
type Profile struct {
	// Mode is demo, dev or prod.
	Mode string
	// Addr is the binding address, empty for all interfaces.
	Addr string
	// Port is the binding port for every HTTP surface.
	Port int

	// HomeserverURL is the chat homeserver the bridge talks to.
	HomeserverURL string
	// HomeserverToken authenticates the homeserver's calls to us (hs_token).
	HomeserverToken string
	// AppserviceToken authenticates our calls to the homeserver (as_token).
	AppserviceToken string
	// LocalDomain is the chat-side server name, e.g. "chat.example.org".
	LocalDomain string
	// FedBaseURL is the public HTTPS base of the fed side, e.g. "https://bridge.example.org".
	FedBaseURL string
	// FedDomain is derived from FedBaseURL during Validate.
	FedDomain string
	// SenderLocalpart is the bridge bot's chat localpart.
	SenderLocalpart string

	// Driver is the relational driver name; only postgres is supported.
	Driver string
	// DSN is the database connection string.
	DSN string
	// DBMaxOpenConns caps the connection pool.
	DBMaxOpenConns int
	// DBMaxIdleConns sets the idle pool floor.
	DBMaxIdleConns int
	// QueueURL is the durable queue broker address.
	QueueURL string

	// EncryptionKey is 64 hex chars (32 bytes) protecting stored access tokens.
	EncryptionKey string

	// BlockedInstances seeds the instance blocklist at startup.
	BlockedInstances []string
	// RateLimitPerMin caps inbound requests per remote host per minute.
	RateLimitPerMin int
	// AutoAcceptFollows controls whether inbound follows are accepted without review.
	AutoAcceptFollows bool
	// AdminRoom receives report notices and delivery digests when set.
	AdminRoom string
	// AdminSecret signs admin API tokens; the admin API is disabled when empty.
	AdminSecret string
	// PolicyRules holds optional semicolon-separated drop expressions.
	PolicyRules string
	// ModerationWebhookURL receives report payloads when set.
	ModerationWebhookURL string

	// MediaCacheBytes bounds the in-memory media cache.
	MediaCacheBytes int64
	// MediaMaxBytes bounds a single fetched media object.
	MediaMaxBytes int64
	// MediaAllowedMIME is the ingestion allow-list, supporting type/* wildcards.
	MediaAllowedMIME []string

	// QueueWorkers is the worker pool size per queue.
	QueueWorkers int
	// QueueJobsPerSec rate-limits each queue's workers.
	QueueJobsPerSec int
	// DeliveryMaxAttempts bounds redeliveries before dead-lettering.
	DeliveryMaxAttempts int
	// DeliveryBackoffCapSec caps the exponential retry delay.
	DeliveryBackoffCapSec int
	// CircuitThreshold is the consecutive-failure count that opens a circuit.
	CircuitThreshold int
	// CircuitResetMs is how long an open circuit stays open.
	CircuitResetMs int
	// HTTPTimeoutSec is the outbound request deadline.
	HTTPTimeoutSec int

	LogLevel  string
	LogFormat string
	Version   string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultInt64 returns environment variable value as int64 or default value.
func getEnvOrDefaultInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultBool returns environment variable value as bool or default value.
func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.HomeserverURL = getEnvOrDefault("BRIDGE_HOMESERVER_URL", "")
	p.HomeserverToken = getEnvOrDefault("BRIDGE_HOMESERVER_TOKEN", "")
	p.AppserviceToken = getEnvOrDefault("BRIDGE_APPSERVICE_TOKEN", "")
	p.LocalDomain = getEnvOrDefault("BRIDGE_LOCAL_DOMAIN", "")
	p.FedBaseURL = getEnvOrDefault("BRIDGE_FED_BASE_URL", "")
	p.SenderLocalpart = getEnvOrDefault("BRIDGE_SENDER_LOCALPART", "_ap_bot")

	p.DSN = getEnvOrDefault("BRIDGE_DATABASE_URL", p.DSN)
	p.DBMaxOpenConns = getEnvOrDefaultInt("BRIDGE_DB_MAX_OPEN_CONNS", 25)
	p.DBMaxIdleConns = getEnvOrDefaultInt("BRIDGE_DB_MAX_IDLE_CONNS", 5)
	p.QueueURL = getEnvOrDefault("BRIDGE_QUEUE_URL", "")
	p.EncryptionKey = getEnvOrDefault("BRIDGE_ENCRYPTION_KEY", "")

	p.BlockedInstances = splitList(getEnvOrDefault("BRIDGE_BLOCKED_INSTANCES", ""))
	p.RateLimitPerMin = getEnvOrDefaultInt("BRIDGE_RATE_LIMIT_PER_MIN", 100)
	p.AutoAcceptFollows = getEnvOrDefaultBool("BRIDGE_AUTO_ACCEPT_FOLLOWS", true)
	p.AdminRoom = getEnvOrDefault("BRIDGE_ADMIN_ROOM", "")
	p.AdminSecret = getEnvOrDefault("BRIDGE_ADMIN_SECRET", "")
	p.PolicyRules = getEnvOrDefault("BRIDGE_POLICY_RULES", "")
	p.ModerationWebhookURL = getEnvOrDefault("BRIDGE_MODERATION_WEBHOOK_URL", "")

	p.MediaCacheBytes = getEnvOrDefaultInt64("BRIDGE_MEDIA_CACHE_BYTES", 100*1024*1024)
	p.MediaMaxBytes = getEnvOrDefaultInt64("BRIDGE_MEDIA_MAX_BYTES", 50*1024*1024)
	p.MediaAllowedMIME = splitList(getEnvOrDefault("BRIDGE_MEDIA_ALLOWED_MIME",
		"image/*,video/*,audio/*,application/pdf,text/plain"))

	p.QueueWorkers = getEnvOrDefaultInt("BRIDGE_QUEUE_WORKERS", 10)
	p.QueueJobsPerSec = getEnvOrDefaultInt("BRIDGE_QUEUE_JOBS_PER_SEC", 100)
	p.DeliveryMaxAttempts = getEnvOrDefaultInt("BRIDGE_DELIVERY_MAX_ATTEMPTS", 6)
	p.DeliveryBackoffCapSec = getEnvOrDefaultInt("BRIDGE_DELIVERY_BACKOFF_CAP_SEC", 64)
	p.CircuitThreshold = getEnvOrDefaultInt("BRIDGE_CIRCUIT_THRESHOLD", 5)
	p.CircuitResetMs = getEnvOrDefaultInt("BRIDGE_CIRCUIT_RESET_MS", 60000)
	p.HTTPTimeoutSec = getEnvOrDefaultInt("BRIDGE_HTTP_TIMEOUT_SEC", 30)

	p.LogLevel = getEnvOrDefault("BRIDGE_LOG_LEVEL", "info")
	p.LogFormat = getEnvOrDefault("BRIDGE_LOG_FORMAT", "text")
}

// Validate enforces the required variables and derives computed fields.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Driver == "" {
		p.Driver = "postgres"
	}
	if p.Driver != "postgres" {
		return errors.Errorf("unsupported driver %q, only postgres is supported", p.Driver)
	}

	required := []struct {
		name  string
		value string
	}{
		{"BRIDGE_HOMESERVER_URL", p.HomeserverURL},
		{"BRIDGE_HOMESERVER_TOKEN", p.HomeserverToken},
		{"BRIDGE_APPSERVICE_TOKEN", p.AppserviceToken},
		{"BRIDGE_LOCAL_DOMAIN", p.LocalDomain},
		{"BRIDGE_FED_BASE_URL", p.FedBaseURL},
		{"BRIDGE_DATABASE_URL", p.DSN},
		{"BRIDGE_QUEUE_URL", p.QueueURL},
		{"BRIDGE_ENCRYPTION_KEY", p.EncryptionKey},
	}
	for _, r := range required {
		if r.value == "" {
			return errors.Errorf("%s is required", r.name)
		}
	}

	key, err := hex.DecodeString(p.EncryptionKey)
	if err != nil {
		return errors.Wrap(err, "BRIDGE_ENCRYPTION_KEY must be hex")
	}
	if len(key) != 32 {
		return errors.Errorf("BRIDGE_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}

	base, err := url.Parse(p.FedBaseURL)
	if err != nil {
		return errors.Wrap(err, "BRIDGE_FED_BASE_URL is not a valid URL")
	}
	if base.Scheme != "https" && !p.IsDev() {
		return errors.Errorf("BRIDGE_FED_BASE_URL must be https in prod, got %q", base.Scheme)
	}
	if base.Host == "" {
		return errors.Errorf("BRIDGE_FED_BASE_URL has no host")
	}
	p.FedBaseURL = strings.TrimRight(p.FedBaseURL, "/")
	p.FedDomain = base.Host

	if _, err := url.Parse(p.HomeserverURL); err != nil {
		return errors.Wrap(err, "BRIDGE_HOMESERVER_URL is not a valid URL")
	}
	p.HomeserverURL = strings.TrimRight(p.HomeserverURL, "/")

	if p.RateLimitPerMin <= 0 {
		p.RateLimitPerMin = 100
	}
	if p.QueueWorkers <= 0 {
		p.QueueWorkers = 10
	}
	if p.DeliveryMaxAttempts <= 0 {
		p.DeliveryMaxAttempts = 6
	}
	return nil
}

// EncryptionKeyBytes returns the decoded 32-byte key. Validate must have
// succeeded before calling.
func (p *Profile) EncryptionKeyBytes() []byte {
	key, _ := hex.DecodeString(p.EncryptionKey)
	return key
}
