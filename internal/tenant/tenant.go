// Package tenant carries the tenant id through request contexts. Paid
// requests inherit the tenant recorded on the API key; everything else is
// resolved by the Extraction middleware from the X-Tenant-ID header or
// the request subdomain. Single-tenant deployments never see anything but
// DefaultTenantID.
package tenant

import (
	"context"
	"net/http"
	"strings"
)

// DefaultTenantID is used when no tenant can be resolved.
const DefaultTenantID = "default"

type contextKey string

const tenantContextKey contextKey = "tenant-id"

// FromContext returns the tenant id, or DefaultTenantID when unset.
func FromContext(ctx context.Context) string {
	if tenantID, ok := ctx.Value(tenantContextKey).(string); ok && tenantID != "" {
		return tenantID
	}
	return DefaultTenantID
}

// WithTenant stores the tenant id on the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		tenantID = DefaultTenantID
	}
	return context.WithValue(ctx, tenantContextKey, tenantID)
}

// Extraction resolves the tenant for each request, in priority order:
// explicit X-Tenant-ID header, a tenant already on the context, the
// request subdomain, then the default. The resolved id is echoed on the
// response for debugging.
func Extraction(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := extractTenantID(r)
		w.Header().Set("X-Tenant-ID", tenantID)
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}

func extractTenantID(r *http.Request) string {
	if tenantID := r.Header.Get("X-Tenant-ID"); tenantID != "" {
		return Sanitize(tenantID)
	}
	if tenantID := FromContext(r.Context()); tenantID != DefaultTenantID {
		return tenantID
	}
	if tenantID := extractFromSubdomain(r.Host); tenantID != "" {
		return tenantID
	}
	return DefaultTenantID
}

// extractFromSubdomain maps tenant1.api.example.com to tenant1. Shared
// subdomains like www or api are never tenant ids.
func extractFromSubdomain(host string) string {
	host = strings.Split(host, ":")[0]
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return ""
	}
	switch parts[0] {
	case "www", "api", "app", "admin", "dashboard":
		return ""
	}
	return Sanitize(parts[0])
}

// Sanitize lowercases the id and strips everything outside [a-z0-9_-],
// capping the result at 64 characters. Tenant ids end up in storage keys
// and log fields, so the character set is kept deliberately narrow.
func Sanitize(tenantID string) string {
	tenantID = strings.ToLower(strings.TrimSpace(tenantID))

	var sanitized strings.Builder
	for _, r := range tenantID {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			sanitized.WriteRune(r)
		}
	}
	result := sanitized.String()
	if result == "" {
		return DefaultTenantID
	}
	if len(result) > 64 {
		result = result[:64]
	}
	return result
}
