// Package httputil provides the shared outbound HTTP client settings.
package httputil

import (
	"net/http"
	"time"
)

// NewClient returns a client with pooled keep-alive connections. Alert
// deliveries and settlement lookups hit the same hosts repeatedly, so
// idle connections are kept warm.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
