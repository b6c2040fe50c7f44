package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides_ServerConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "DEKAPAY_SERVER_ADDRESS overrides default",
			envVars: map[string]string{
				"DEKAPAY_SERVER_ADDRESS": ":3000",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("Expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name: "DEKAPAY_ROUTE_PREFIX is normalized",
			envVars: map[string]string{
				"DEKAPAY_ROUTE_PREFIX": "api/",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/api" {
					t.Errorf("Expected /api, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
		{
			name: "DEKAPAY_MAX_RUNTIME_MINUTES parses as int",
			envVars: map[string]string{
				"DEKAPAY_MAX_RUNTIME_MINUTES": "90",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.MaxRuntimeMinutes != 90 {
					t.Errorf("Expected 90, got %d", cfg.Server.MaxRuntimeMinutes)
				}
			},
		},
		{
			name: "DEKAPAY_CORS_ALLOWED_ORIGINS splits on commas",
			envVars: map[string]string{
				"DEKAPAY_CORS_ALLOWED_ORIGINS": "https://a.example, https://b.example",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if len(cfg.Server.CORSAllowedOrigins) != 2 {
					t.Fatalf("Expected 2 origins, got %d", len(cfg.Server.CORSAllowedOrigins))
				}
				if cfg.Server.CORSAllowedOrigins[1] != "https://b.example" {
					t.Errorf("Expected trimmed origin, got %q", cfg.Server.CORSAllowedOrigins[1])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_Limits(t *testing.T) {
	defer os.Clearenv()
	os.Clearenv()

	os.Setenv("DEKAPAY_PUBLIC_DAILY_LIMIT", "50")
	os.Setenv("DEKAPAY_AUTHENTICATED_DAILY_LIMIT", "20000")
	os.Setenv("DEKAPAY_DAILY_CAP", "500000")
	os.Setenv("DEKAPAY_COST_CEILING_CENTS", "100000")
	os.Setenv("DEKAPAY_PROVIDER_RPM_OPENAI", "600")
	os.Setenv("DEKAPAY_PROVIDER_TPM_ANTHROPIC", "90000")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Limits.PublicDailyLimit != 50 {
		t.Errorf("Expected public daily limit 50, got %d", cfg.Limits.PublicDailyLimit)
	}
	if cfg.Limits.AuthenticatedDailyLimit != 20000 {
		t.Errorf("Expected authenticated daily limit 20000, got %d", cfg.Limits.AuthenticatedDailyLimit)
	}
	if cfg.Limits.DailyCap != 500000 {
		t.Errorf("Expected daily cap 500000, got %d", cfg.Limits.DailyCap)
	}
	if cfg.Limits.CostCeilingCents != 100000 {
		t.Errorf("Expected cost ceiling 100000, got %d", cfg.Limits.CostCeilingCents)
	}
	if cfg.Limits.ProviderRPM["openai"] != 600 {
		t.Errorf("Expected openai rpm 600, got %d", cfg.Limits.ProviderRPM["openai"])
	}
	if cfg.Limits.ProviderTPM["anthropic"] != 90000 {
		t.Errorf("Expected anthropic tpm 90000, got %d", cfg.Limits.ProviderTPM["anthropic"])
	}
}

func TestEnvOverrides_Durations(t *testing.T) {
	defer os.Clearenv()
	os.Clearenv()

	os.Setenv("DEKAPAY_CHALLENGE_TTL", "2m")
	os.Setenv("DEKAPAY_RESERVATION_TTL", "10m")
	os.Setenv("DEKAPAY_BREAKER_COOLDOWN", "45s")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Paywall.ChallengeTTL.Duration != 2*time.Minute {
		t.Errorf("Expected challenge TTL 2m, got %v", cfg.Paywall.ChallengeTTL.Duration)
	}
	if cfg.Ledger.ReservationTTL.Duration != 10*time.Minute {
		t.Errorf("Expected reservation TTL 10m, got %v", cfg.Ledger.ReservationTTL.Duration)
	}
	if cfg.Breaker.Cooldown.Duration != 45*time.Second {
		t.Errorf("Expected cooldown 45s, got %v", cfg.Breaker.Cooldown.Duration)
	}
}

func TestEnvOverrides_Secrets(t *testing.T) {
	defer os.Clearenv()
	os.Clearenv()

	os.Setenv("DEKAPAY_HMAC_SECRET", "current-secret")
	os.Setenv("DEKAPAY_HMAC_SECRET_PREVIOUS", "previous-secret")
	os.Setenv("DEKAPAY_KEY_PEPPER", "pepper")
	os.Setenv("DEKAPAY_SESSION_SEED", "aabbcc")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Secrets.HMACSecret != "current-secret" {
		t.Errorf("Expected current-secret, got %s", cfg.Secrets.HMACSecret)
	}
	if cfg.Secrets.HMACSecretPrev != "previous-secret" {
		t.Errorf("Expected previous-secret, got %s", cfg.Secrets.HMACSecretPrev)
	}
	if cfg.Secrets.KeyPepper != "pepper" {
		t.Errorf("Expected pepper, got %s", cfg.Secrets.KeyPepper)
	}
	if cfg.Secrets.SessionSeed != "aabbcc" {
		t.Errorf("Expected aabbcc, got %s", cfg.Secrets.SessionSeed)
	}
}

func TestEnvOverrides_AlertHeaders(t *testing.T) {
	defer os.Clearenv()
	os.Clearenv()

	os.Setenv("DEKAPAY_ALERT_URL", "https://hooks.example/alerts")
	os.Setenv("DEKAPAY_ALERT_HEADER_AUTHORIZATION", "Bearer tok")
	os.Setenv("DEKAPAY_ALERT_HEADER_X_SIGNING_KEY", "abc123")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Alerts.URL != "https://hooks.example/alerts" {
		t.Errorf("Expected alert url, got %s", cfg.Alerts.URL)
	}
	if cfg.Alerts.Headers["Authorization"] != "Bearer tok" {
		t.Errorf("Expected Authorization header, got %v", cfg.Alerts.Headers)
	}
	if cfg.Alerts.Headers["X-Signing-Key"] != "abc123" {
		t.Errorf("Expected X-Signing-Key header, got %v", cfg.Alerts.Headers)
	}
}
