package config

import (
	"regexp"

	"gopkg.in/yaml.v3"
)

// redactedValue replaces sensitive values in the Redacted view.
const redactedValue = "***REDACTED***"

// sensitiveKeyRE flags config keys whose values must never be logged.
// Matching is deliberately broad; over-redacting a harmless field beats
// leaking a credential once.
var sensitiveKeyRE = regexp.MustCompile(`(?i)(auth|key|secret|token|password|credential|bearer)`)

// Redacted returns a map rendering of the config that is safe to log at
// startup. Values under keys matching sensitiveKeyRE are masked; the
// env-only Secrets block is excluded from YAML marshalling entirely.
func (c *Config) Redacted() map[string]interface{} {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return map[string]interface{}{"error": "config marshal failed"}
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{"error": "config remarshal failed"}
	}
	redactValue(m)
	return m
}

// redactValue walks nested maps and slices, masking values whose key
// matches the sensitive pattern. Container values are recursed into even
// under a sensitive key so structure stays visible in logs.
func redactValue(v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			switch c := child.(type) {
			case map[string]interface{}:
				redactValue(c)
			case []interface{}:
				redactValue(c)
			default:
				if sensitiveKeyRE.MatchString(k) && !isEmptyScalar(c) {
					val[k] = redactedValue
				}
			}
		}
	case []interface{}:
		for _, item := range val {
			redactValue(item)
		}
	}
}

// isEmptyScalar reports whether a scalar carries no secret worth masking.
// Empty strings and nils stay visible so operators can see unset fields.
func isEmptyScalar(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}
