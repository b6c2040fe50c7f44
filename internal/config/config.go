package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration{Duration: 15 * time.Second},
			WriteTimeout:    Duration{Duration: 120 * time.Second}, // model responses are slow
			IdleTimeout:     Duration{Duration: 60 * time.Second},
			ShutdownTimeout: Duration{Duration: 10 * time.Second},
		},
		Redis: RedisConfig{
			PoolSize:     10,
			DialTimeout:  Duration{Duration: 5 * time.Second},
			ReadTimeout:  Duration{Duration: 3 * time.Second},
			WriteTimeout: Duration{Duration: 3 * time.Second},
		},
		Storage: StorageConfig{
			Backend: "memory",
			PostgresPool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 30 * time.Minute},
				ConnMaxIdleTime: Duration{Duration: 5 * time.Minute},
			},
		},
		Limits: LimitsConfig{
			PublicDailyLimit:        100,
			AuthenticatedDailyLimit: 10000,
			DailyCap:                100000,
			CostCeilingCents:        50000, // $500/day reserved spend
			ProviderRPM:             map[string]int64{},
			ProviderTPM:             map[string]int64{},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    Duration{Duration: 60 * time.Second},
			Cooldown:         Duration{Duration: 30 * time.Second},
		},
		Paywall: PaywallConfig{
			ChallengeTTL:    Duration{Duration: 5 * time.Minute},
			FreeEndpoints:   []string{"/health", "/metrics", "/.well-known/jwks.json"},
			PriceFloorCents: 1,
		},
		Ledger: LedgerConfig{
			ReservationTTL:           Duration{Duration: 5 * time.Minute},
			MaxPendingReconciliation: 1000,
			CreditNoteCapAtomic:      1_000_000_000_000, // 1M USDC in base units
			CreditNoteTTL:            Duration{Duration: 7 * 24 * time.Hour},
		},
		Pricing: PricingConfig{
			Source:       "yaml",
			Path:         "./config/pricing.yaml",
			CacheTTL:     Duration{Duration: 5 * time.Minute},
			MaxTokensCap: 32768,
		},
		Oracle: OracleConfig{
			Mode:          "evm",
			Confirmations: 1,
			Timeout:       Duration{Duration: 10 * time.Second},
		},
		Stripe: StripeConfig{
			Mode:       "test",
			SuccessURL: "http://localhost:8080/stripe/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  "http://localhost:8080/stripe/cancel",
		},
		Auth: AuthConfig{
			SessionTTL:   Duration{Duration: 24 * time.Hour},
			NonceTTL:     Duration{Duration: 5 * time.Minute},
			Issuer:       "dekapay",
			KeyCacheSize: 1024,
		},
		WAL: WALConfig{
			Dir:          "./data/wal",
			LockKey:      "wal:writer",
			LockTTL:      Duration{Duration: 15 * time.Second},
			SegmentBytes: 64 << 20,
		},
		Reconcile: ReconcileConfig{
			Enabled:              true,
			RunAt:                "02:00",
			DriftThresholdMicros: 1000,
			Timeout:              Duration{Duration: 5 * time.Minute},
		},
		Recovery: RecoveryConfig{
			WALDir:         "./data/wal",
			TemplatePath:   "./config/template-state.json",
			ProbeTimeout:   Duration{Duration: 5 * time.Second},
			RestoreTimeout: Duration{Duration: 30 * time.Second},
			OverallTimeout: Duration{Duration: 120 * time.Second},
		},
		Firewall: FirewallConfig{
			ExcludePatterns: []string{".env*", "*.pem", "*.key", "secrets/*"},
			MaxFilesPerPR:   50,
			MaxDiffBytes:    1 << 20,
		},
		Alerts: AlertsConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 3 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
			DLQMaxSize: 1000,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			FallbackCacheSize: 10000,
		},
		Outbound: OutboundConfig{
			Oracle: OutboundServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Stripe: OutboundServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Alerts: OutboundServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10, // more tolerant, deliveries already retry
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
