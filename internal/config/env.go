package config

import (
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the DEKAPAY_ prefix for namespace isolation, except the
// Stripe pair which keeps the names the Stripe CLI exports.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "DEKAPAY_SERVER_ADDRESS")
	setDurationIfEnv(&c.Server.ReadTimeout, "DEKAPAY_SERVER_READ_TIMEOUT")
	setDurationIfEnv(&c.Server.WriteTimeout, "DEKAPAY_SERVER_WRITE_TIMEOUT")
	setDurationIfEnv(&c.Server.IdleTimeout, "DEKAPAY_SERVER_IDLE_TIMEOUT")
	setDurationIfEnv(&c.Server.ShutdownTimeout, "DEKAPAY_SERVER_SHUTDOWN_TIMEOUT")
	setIntIfEnv(&c.Server.MaxRuntimeMinutes, "DEKAPAY_MAX_RUNTIME_MINUTES")
	if prefix := os.Getenv("DEKAPAY_ROUTE_PREFIX"); prefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(prefix)
	}
	if origins := os.Getenv("DEKAPAY_CORS_ALLOWED_ORIGINS"); origins != "" {
		c.Server.CORSAllowedOrigins = splitAndTrim(origins)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "DEKAPAY_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "DEKAPAY_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "DEKAPAY_ENVIRONMENT")

	// Redis config
	setIfEnv(&c.Redis.URL, "DEKAPAY_REDIS_URL")
	setIntIfEnv(&c.Redis.PoolSize, "DEKAPAY_REDIS_POOL_SIZE")

	// Storage config
	setIfEnv(&c.Storage.Backend, "DEKAPAY_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "DEKAPAY_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "DEKAPAY_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "DEKAPAY_MONGODB_DATABASE")

	// Admission limits
	setInt64IfEnv(&c.Limits.PublicDailyLimit, "DEKAPAY_PUBLIC_DAILY_LIMIT")
	setInt64IfEnv(&c.Limits.AuthenticatedDailyLimit, "DEKAPAY_AUTHENTICATED_DAILY_LIMIT")
	setInt64IfEnv(&c.Limits.DailyCap, "DEKAPAY_DAILY_CAP")
	setInt64IfEnv(&c.Limits.CostCeilingCents, "DEKAPAY_COST_CEILING_CENTS")
	// Per-provider windows (DEKAPAY_PROVIDER_RPM_OPENAI=600 -> rpm["openai"] = 600)
	c.Limits.ProviderRPM = loadProviderLimits(c.Limits.ProviderRPM, "DEKAPAY_PROVIDER_RPM_")
	c.Limits.ProviderTPM = loadProviderLimits(c.Limits.ProviderTPM, "DEKAPAY_PROVIDER_TPM_")

	// Budget breaker
	setIntIfEnv(&c.Breaker.FailureThreshold, "DEKAPAY_BREAKER_FAILURE_THRESHOLD")
	setDurationIfEnv(&c.Breaker.FailureWindow, "DEKAPAY_BREAKER_FAILURE_WINDOW")
	setDurationIfEnv(&c.Breaker.Cooldown, "DEKAPAY_BREAKER_COOLDOWN")

	// Paywall config
	setDurationIfEnv(&c.Paywall.ChallengeTTL, "DEKAPAY_CHALLENGE_TTL")
	setIfEnv(&c.Paywall.Recipient, "DEKAPAY_X402_RECIPIENT")
	setIfEnv(&c.Paywall.Token, "DEKAPAY_X402_TOKEN")
	setInt64IfEnv(&c.Paywall.ChainID, "DEKAPAY_X402_CHAIN_ID")
	if eps := os.Getenv("DEKAPAY_FREE_ENDPOINTS"); eps != "" {
		c.Paywall.FreeEndpoints = splitAndTrim(eps)
	}

	// Ledger config
	setDurationIfEnv(&c.Ledger.ReservationTTL, "DEKAPAY_RESERVATION_TTL")
	setIntIfEnv(&c.Ledger.MaxPendingReconciliation, "DEKAPAY_MAX_PENDING_RECONCILIATION")

	// Pricing config
	setIfEnv(&c.Pricing.Source, "DEKAPAY_PRICING_SOURCE")
	setIfEnv(&c.Pricing.Path, "DEKAPAY_PRICING_PATH")

	// Oracle config
	setIfEnv(&c.Oracle.Mode, "DEKAPAY_ORACLE_MODE")
	setIfEnv(&c.Oracle.RPCURL, "DEKAPAY_ORACLE_RPC_URL")

	// Stripe config
	setIfEnv(&c.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Stripe.SuccessURL, "DEKAPAY_STRIPE_SUCCESS_URL")
	setIfEnv(&c.Stripe.CancelURL, "DEKAPAY_STRIPE_CANCEL_URL")
	setIfEnv(&c.Stripe.Mode, "DEKAPAY_STRIPE_MODE")

	// Auth config
	setDurationIfEnv(&c.Auth.SessionTTL, "DEKAPAY_SESSION_TTL")
	setIfEnv(&c.Auth.Issuer, "DEKAPAY_AUTH_ISSUER")

	// WAL config
	setIfEnv(&c.WAL.Dir, "DEKAPAY_WAL_DIR")
	setDurationIfEnv(&c.WAL.LockTTL, "DEKAPAY_WAL_LOCK_TTL")

	// Reconciliation
	setBoolIfEnv(&c.Reconcile.Enabled, "DEKAPAY_RECONCILE_ENABLED")
	setIfEnv(&c.Reconcile.RunAt, "DEKAPAY_RECONCILE_RUN_AT")
	setInt64IfEnv(&c.Reconcile.DriftThresholdMicros, "DEKAPAY_RECONCILE_DRIFT_THRESHOLD_MICROS")

	// Recovery cascade
	setIfEnv(&c.Recovery.WALDir, "DEKAPAY_RECOVERY_WAL_DIR")
	setIfEnv(&c.Recovery.ObjectStoreURL, "DEKAPAY_RECOVERY_OBJECT_STORE_URL")
	setIfEnv(&c.Recovery.GitRemote, "DEKAPAY_RECOVERY_GIT_REMOTE")
	setIfEnv(&c.Recovery.TemplatePath, "DEKAPAY_RECOVERY_TEMPLATE_PATH")

	// Firewall bounds
	setIntIfEnv(&c.Firewall.MaxFilesPerPR, "DEKAPAY_MAX_FILES_PER_PR")
	setInt64IfEnv(&c.Firewall.MaxDiffBytes, "DEKAPAY_MAX_DIFF_BYTES")
	if pats := os.Getenv("DEKAPAY_EXCLUDE_PATTERNS"); pats != "" {
		c.Firewall.ExcludePatterns = splitAndTrim(pats)
	}

	// Alerts config
	setIfEnv(&c.Alerts.URL, "DEKAPAY_ALERT_URL")
	setDurationIfEnv(&c.Alerts.Timeout, "DEKAPAY_ALERT_TIMEOUT")
	// Alert headers (DEKAPAY_ALERT_HEADER_AUTHORIZATION=... -> "Authorization")
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "DEKAPAY_ALERT_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "DEKAPAY_ALERT_HEADER_")
		if name == "" {
			continue
		}
		if c.Alerts.Headers == nil {
			c.Alerts.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Alerts.Headers[headerName] = parts[1]
	}

	// Edge rate limit
	setBoolIfEnv(&c.RateLimit.Enabled, "DEKAPAY_RATE_LIMIT_ENABLED")
	setIntIfEnv(&c.RateLimit.RequestsPerMinute, "DEKAPAY_RATE_LIMIT_RPM")

	// Secrets only enter through the environment.
	setIfEnv(&c.Secrets.HMACSecret, "DEKAPAY_HMAC_SECRET")
	setIfEnv(&c.Secrets.HMACSecretPrev, "DEKAPAY_HMAC_SECRET_PREVIOUS")
	setIfEnv(&c.Secrets.KeyPepper, "DEKAPAY_KEY_PEPPER")
	setIfEnv(&c.Secrets.SessionSeed, "DEKAPAY_SESSION_SEED")
	setIfEnv(&c.Secrets.AdminToken, "DEKAPAY_ADMIN_TOKEN")
	setIfEnv(&c.Server.AdminAPIKey, "DEKAPAY_ADMIN_API_KEY")
}

// loadProviderLimits reads env vars with the given prefix into a per-provider
// limit map, allocating the map on first hit.
func loadProviderLimits(limits map[string]int64, prefix string) map[string]int64 {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		if name == "" {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || v < 0 {
			continue
		}
		if limits == nil {
			limits = make(map[string]int64)
		}
		limits[name] = v
	}
	return limits
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// splitAndTrim splits a comma-separated list and trims whitespace around items.
func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
