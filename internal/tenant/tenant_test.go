package tenant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromContextDefaults(t *testing.T) {
	if got := FromContext(context.Background()); got != DefaultTenantID {
		t.Fatalf("FromContext on empty context = %q", got)
	}
	ctx := WithTenant(context.Background(), "tenant-123")
	if got := FromContext(ctx); got != "tenant-123" {
		t.Fatalf("FromContext = %q", got)
	}
	ctx = WithTenant(context.Background(), "")
	if got := FromContext(ctx); got != DefaultTenantID {
		t.Fatalf("empty tenant should map to default, got %q", got)
	}
}

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		host   string
		want   string
	}{
		{name: "header wins", header: "tenant-123", host: "other.api.example.com", want: "tenant-123"},
		{name: "header is sanitized", header: "Tenant@123!", want: "tenant123"},
		{name: "subdomain", host: "acme-corp.api.example.com", want: "acme-corp"},
		{name: "www is not a tenant", host: "www.example.com", want: DefaultTenantID},
		{name: "api is not a tenant", host: "api.example.com", want: DefaultTenantID},
		{name: "bare host defaults", host: "example.com", want: DefaultTenantID},
		{name: "localhost defaults", host: "localhost:8080", want: DefaultTenantID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := tt.host
			if host == "" {
				host = "localhost"
			}
			req := httptest.NewRequest(http.MethodGet, "http://"+host+"/test", nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			if got := extractTenantID(req); got != tt.want {
				t.Errorf("extractTenantID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"tenant-123", "tenant-123"},
		{"tenant_123", "tenant_123"},
		{"Tenant123", "tenant123"},
		{"tenant!@#$%123", "tenant123"},
		{"  tenant-123  ", "tenant-123"},
		{"", DefaultTenantID},
		{"@@@", DefaultTenantID},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.input); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	if got := Sanitize(string(long)); len(got) != 64 {
		t.Fatalf("Sanitize should cap at 64 characters, got %d", len(got))
	}
}

func TestExtractionMiddleware(t *testing.T) {
	var captured string
	handler := Extraction(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "http://acme.api.example.com/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if captured != "acme" {
		t.Fatalf("context tenant = %q, want acme", captured)
	}
	if got := w.Header().Get("X-Tenant-ID"); got != "acme" {
		t.Fatalf("response header tenant = %q, want acme", got)
	}
}
