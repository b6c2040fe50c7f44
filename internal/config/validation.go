package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	// Apply defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Stripe.Mode == "" {
		c.Stripe.Mode = "test"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	// IMPORTANT: Auto-configure pricing.source from storage.backend.
	// This simplifies configuration - users only need to set storage.backend once.
	// If explicitly set, respect the user's choice.
	if c.Pricing.Source == "" {
		switch c.Storage.Backend {
		case "postgres":
			c.Pricing.Source = "postgres"
		case "mongodb":
			c.Pricing.Source = "mongodb"
		default:
			c.Pricing.Source = "yaml"
		}
	}

	if c.Paywall.ChallengeTTL.Duration <= 0 {
		c.Paywall.ChallengeTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Ledger.ReservationTTL.Duration <= 0 {
		c.Ledger.ReservationTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.FailureWindow.Duration <= 0 {
		c.Breaker.FailureWindow = Duration{Duration: 60 * time.Second}
	}
	if c.Breaker.Cooldown.Duration <= 0 {
		c.Breaker.Cooldown = Duration{Duration: 30 * time.Second}
	}
	if c.WAL.LockTTL.Duration <= 0 {
		c.WAL.LockTTL = Duration{Duration: 15 * time.Second}
	}
	if c.Alerts.Timeout.Duration <= 0 {
		c.Alerts.Timeout = Duration{Duration: 3 * time.Second}
	}
	if c.Alerts.Headers == nil {
		c.Alerts.Headers = make(map[string]string)
	}
	if c.Reconcile.RunAt == "" {
		c.Reconcile.RunAt = "02:00"
	}
	if c.Reconcile.DriftThresholdMicros <= 0 {
		c.Reconcile.DriftThresholdMicros = 1000
	}
	if c.Recovery.ProbeTimeout.Duration <= 0 {
		c.Recovery.ProbeTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Recovery.RestoreTimeout.Duration <= 0 {
		c.Recovery.RestoreTimeout = Duration{Duration: 30 * time.Second}
	}
	if c.Recovery.OverallTimeout.Duration <= 0 {
		c.Recovery.OverallTimeout = Duration{Duration: 120 * time.Second}
	}
	if c.RateLimit.FallbackCacheSize <= 0 {
		c.RateLimit.FallbackCacheSize = 10000
	}

	// Free endpoints are matched as path prefixes and must be rooted.
	for i, ep := range c.Paywall.FreeEndpoints {
		ep = strings.TrimSpace(ep)
		if ep != "" && !strings.HasPrefix(ep, "/") {
			ep = "/" + ep
		}
		c.Paywall.FreeEndpoints[i] = ep
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	// Settlement wire contract
	if c.Paywall.Recipient == "" {
		errs = append(errs, "paywall.recipient is required")
	} else if !common.IsHexAddress(c.Paywall.Recipient) {
		errs = append(errs, fmt.Sprintf("paywall.recipient %q is not a hex address", c.Paywall.Recipient))
	}
	if c.Paywall.Token == "" {
		errs = append(errs, "paywall.token is required")
	} else if !common.IsHexAddress(c.Paywall.Token) {
		errs = append(errs, fmt.Sprintf("paywall.token %q is not a hex address", c.Paywall.Token))
	}
	if c.Paywall.ChainID <= 0 {
		errs = append(errs, "paywall.chain_id must be a positive integer")
	}

	// Challenge signing cannot work without a secret.
	if c.Secrets.HMACSecret == "" {
		errs = append(errs, "DEKAPAY_HMAC_SECRET is required")
	}

	// Oracle
	switch c.Oracle.Mode {
	case "evm":
		if c.Oracle.RPCURL == "" {
			errs = append(errs, "oracle.rpc_url is required when oracle.mode is 'evm'")
		}
	case "static":
	default:
		errs = append(errs, fmt.Sprintf("oracle.mode %q must be 'evm' or 'static'", c.Oracle.Mode))
	}

	// Storage
	switch c.Storage.Backend {
	case "", "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when storage.backend is 'mongodb'")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required when storage.backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q must be 'memory', 'postgres' or 'mongodb'", c.Storage.Backend))
	}

	// Pricing
	switch c.Pricing.Source {
	case "yaml":
		if c.Pricing.Path == "" {
			errs = append(errs, "pricing.path is required when pricing.source is 'yaml'")
		}
	case "postgres", "mongodb":
	default:
		errs = append(errs, fmt.Sprintf("pricing.source %q must be 'yaml', 'postgres' or 'mongodb'", c.Pricing.Source))
	}

	// Admission limits are counters; negatives would fail open silently.
	if c.Limits.PublicDailyLimit < 0 || c.Limits.AuthenticatedDailyLimit < 0 || c.Limits.DailyCap < 0 || c.Limits.CostCeilingCents < 0 {
		errs = append(errs, "limits values must not be negative")
	}

	// Reconciliation schedule
	if _, err := time.Parse("15:04", c.Reconcile.RunAt); err != nil {
		errs = append(errs, fmt.Sprintf("reconcile.run_at %q must be HH:MM (24h UTC)", c.Reconcile.RunAt))
	}

	// Stripe top-ups are optional, but a webhook without its signing secret
	// would accept forged events.
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		errs = append(errs, "stripe.webhook_secret is required when stripe.secret_key is set")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
