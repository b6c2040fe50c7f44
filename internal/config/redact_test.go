package config

import "testing"

func TestRedacted_MasksSensitiveKeys(t *testing.T) {
	cfg := defaultConfig()
	cfg.Stripe.SecretKey = "sk_live_abc"
	cfg.Stripe.WebhookSecret = "whsec_123"
	cfg.Server.AdminAPIKey = "admin-key"
	cfg.Paywall.Token = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	cfg.Alerts.Headers["Authorization"] = "Bearer tok"
	cfg.Secrets.HMACSecret = "never-logged"

	m := cfg.Redacted()

	stripe, ok := m["stripe"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected stripe section, got %T", m["stripe"])
	}
	if stripe["secret_key"] != redactedValue {
		t.Errorf("expected masked secret_key, got %v", stripe["secret_key"])
	}
	if stripe["webhook_secret"] != redactedValue {
		t.Errorf("expected masked webhook_secret, got %v", stripe["webhook_secret"])
	}

	server, _ := m["server"].(map[string]interface{})
	if server["admin_api_key"] != redactedValue {
		t.Errorf("expected masked admin_api_key, got %v", server["admin_api_key"])
	}
	// Non-sensitive values survive.
	if server["address"] != ":8080" {
		t.Errorf("expected visible address, got %v", server["address"])
	}

	// "token" matches the sensitive pattern even when the value is a
	// public contract address. Over-redaction is accepted.
	paywall, _ := m["paywall"].(map[string]interface{})
	if paywall["token"] != redactedValue {
		t.Errorf("expected masked token, got %v", paywall["token"])
	}

	alerts, _ := m["alerts"].(map[string]interface{})
	headers, _ := alerts["headers"].(map[string]interface{})
	if headers["Authorization"] != redactedValue {
		t.Errorf("expected masked Authorization header, got %v", headers["Authorization"])
	}

	// The env-only secrets block never enters the rendering at all.
	if _, present := m["secrets"]; present {
		t.Error("secrets block must not appear in redacted view")
	}
}

func TestRedacted_LeavesEmptyValuesVisible(t *testing.T) {
	cfg := defaultConfig()
	m := cfg.Redacted()

	stripe, _ := m["stripe"].(map[string]interface{})
	// Unset secret stays empty so operators can tell it is missing.
	if v := stripe["secret_key"]; v != nil && v != "" {
		t.Errorf("expected empty secret_key to stay visible, got %v", v)
	}
}
