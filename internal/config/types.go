package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Limits    LimitsConfig    `yaml:"limits"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Paywall   PaywallConfig   `yaml:"paywall"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Stripe    StripeConfig    `yaml:"stripe"`
	Auth      AuthConfig      `yaml:"auth"`
	WAL       WALConfig       `yaml:"wal"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	Secrets   SecretsConfig   `yaml:"-"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"` // Optional prefix for all routes (e.g., "/api", "/v1")
	MaxRuntimeMinutes  int      `yaml:"max_runtime_minutes"`
	AdminAPIKey        string   `yaml:"admin_api_key"` // Protects /admin/* and /metrics (leave empty to disable protection)
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug | info | warn | error
	Format      string `yaml:"format"`      // json | console
	Environment string `yaml:"environment"` // production | development
}

// RedisConfig points the coordination layer at a Redis deployment.
// When the URL is empty everything falls back to the in-process store,
// which is only suitable for a single instance.
type RedisConfig struct {
	URL          string   `yaml:"url"`
	PoolSize     int      `yaml:"pool_size"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// StorageConfig selects the durable storage backend for accounts, keys,
// billing events and audit records.
type StorageConfig struct {
	Backend         string             `yaml:"backend"` // memory | postgres | mongodb
	PostgresURL     string             `yaml:"postgres_url"`
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
	MongoDBURL      string             `yaml:"mongodb_url"`
	MongoDBDatabase string             `yaml:"mongodb_database"`
}

// PostgresPoolConfig tunes the database/sql connection pool.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// LimitsConfig holds admission-control limits. Daily limits are counted
// per UTC calendar day; caps and ceilings are enforced atomically in the
// coordination store.
type LimitsConfig struct {
	PublicDailyLimit        int64            `yaml:"public_daily_limit"`        // per anonymous IP
	AuthenticatedDailyLimit int64            `yaml:"authenticated_daily_limit"` // per API key
	DailyCap                int64            `yaml:"daily_cap"`                 // global requests per UTC day
	CostCeilingCents        int64            `yaml:"cost_ceiling_cents"`        // reserved spend ceiling per UTC day
	ProviderRPM             map[string]int64 `yaml:"provider_rpm"`              // per-provider requests per minute
	ProviderTPM             map[string]int64 `yaml:"provider_tpm"`              // per-provider tokens per minute
}

// BreakerConfig tunes the per-provider budget circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	FailureWindow    Duration `yaml:"failure_window"`
	Cooldown         Duration `yaml:"cooldown"`
}

// PaywallConfig controls challenge issuance and the payment decision flow.
type PaywallConfig struct {
	ChallengeTTL    Duration `yaml:"challenge_ttl"`
	FreeEndpoints   []string `yaml:"free_endpoints"`
	Recipient       string   `yaml:"recipient"` // 0x-prefixed settlement address
	ChainID         int64    `yaml:"chain_id"`
	Token           string   `yaml:"token"` // 0x-prefixed stablecoin contract
	PriceFloorCents int64    `yaml:"price_floor_cents"`
}

// LedgerConfig controls credit accounting.
type LedgerConfig struct {
	ReservationTTL           Duration `yaml:"reservation_ttl"`
	MaxPendingReconciliation int      `yaml:"max_pending_reconciliation"`
	CreditNoteCapAtomic      int64    `yaml:"credit_note_cap_atomic"` // base units (6 decimals)
	CreditNoteTTL            Duration `yaml:"credit_note_ttl"`
}

// PricingConfig selects where model pricing rows come from.
type PricingConfig struct {
	Source       string   `yaml:"source"` // yaml | postgres | mongodb
	Path         string   `yaml:"path"`   // catalog file when source is yaml
	CacheTTL     Duration `yaml:"cache_ttl"`
	DefaultModel string   `yaml:"default_model"`
	MaxTokensCap int      `yaml:"max_tokens_cap"`
}

// OracleConfig configures settlement verification against the chain.
type OracleConfig struct {
	Mode          string   `yaml:"mode"` // evm | static
	RPCURL        string   `yaml:"rpc_url"`
	Confirmations uint64   `yaml:"confirmations"`
	Timeout       Duration `yaml:"timeout"`
}

// StripeConfig holds Stripe top-up integration configuration.
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	SuccessURL    string `yaml:"success_url"`
	CancelURL     string `yaml:"cancel_url"`
	Mode          string `yaml:"mode"` // live | test
}

// AuthConfig controls wallet login sessions.
type AuthConfig struct {
	SessionTTL   Duration `yaml:"session_ttl"`
	NonceTTL     Duration `yaml:"nonce_ttl"`
	Issuer       string   `yaml:"issuer"`
	KeyCacheSize int      `yaml:"key_cache_size"`
}

// WALConfig controls the write-ahead log and its writer lock.
type WALConfig struct {
	Dir          string   `yaml:"dir"`
	LockKey      string   `yaml:"lock_key"`
	LockTTL      Duration `yaml:"lock_ttl"`
	SegmentBytes int64    `yaml:"segment_bytes"`
}

// ReconcileConfig schedules cache-versus-WAL reconciliation.
type ReconcileConfig struct {
	Enabled              bool     `yaml:"enabled"`
	RunAt                string   `yaml:"run_at"` // "HH:MM" UTC
	DriftThresholdMicros int64    `yaml:"drift_threshold_micros"`
	Timeout              Duration `yaml:"timeout"`
}

// RecoveryConfig orders the state restoration cascade.
type RecoveryConfig struct {
	WALDir         string   `yaml:"wal_dir"`
	ObjectStoreURL string   `yaml:"object_store_url"`
	GitRemote      string   `yaml:"git_remote"`
	TemplatePath   string   `yaml:"template_path"`
	ProbeTimeout   Duration `yaml:"probe_timeout"`
	RestoreTimeout Duration `yaml:"restore_timeout"`
	OverallTimeout Duration `yaml:"overall_timeout"`
}

// FirewallConfig bounds what the audited write path may touch.
type FirewallConfig struct {
	ExcludePatterns []string `yaml:"exclude_patterns"`
	MaxFilesPerPR   int      `yaml:"max_files_per_pr"`
	MaxDiffBytes    int64    `yaml:"max_diff_bytes"`
}

// AlertsConfig configures the operator alert webhook.
type AlertsConfig struct {
	URL        string            `yaml:"url"`
	Timeout    Duration          `yaml:"timeout"`
	Headers    map[string]string `yaml:"headers"`
	Retry      RetryConfig       `yaml:"retry"`
	DLQMaxSize int               `yaml:"dlq_max_size"`
}

// RetryConfig describes exponential backoff for outbound deliveries.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// RateLimitConfig tunes the HTTP-edge limiter in front of cheap endpoints.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	FallbackCacheSize int  `yaml:"fallback_cache_size"`
}

// OutboundConfig tunes breakers wrapped around outbound clients.
type OutboundConfig struct {
	Oracle OutboundServiceConfig `yaml:"oracle"`
	Stripe OutboundServiceConfig `yaml:"stripe"`
	Alerts OutboundServiceConfig `yaml:"alerts"`
}

// OutboundServiceConfig mirrors the gobreaker settings for one client.
type OutboundServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// SecretsConfig carries material that must only enter through the
// environment. It is excluded from YAML decoding and from Redacted().
type SecretsConfig struct {
	HMACSecret     string
	HMACSecretPrev string
	KeyPepper      string
	SessionSeed    string // hex Ed25519 seed
	AdminToken     string
}
