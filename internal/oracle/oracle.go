// Package oracle verifies on-chain settlements for the receipt path. The
// production implementation reads ERC-20 Transfer events out of EVM
// transaction receipts; a static implementation serves tests and local
// development.
package oracle

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dekapay/gateway/internal/circuitbreaker"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/metrics"
	"github.com/dekapay/gateway/pkg/x402"
)

// New builds the configured settlement oracle.
func New(cfg config.OracleConfig, recipient string, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger zerolog.Logger) (x402.SettlementOracle, error) {
	switch cfg.Mode {
	case "", "evm":
		return NewEVMOracle(cfg, recipient, breakers, m, logger)
	case "static":
		return NewStaticOracle(), nil
	default:
		return nil, fmt.Errorf("oracle: unknown mode %q", cfg.Mode)
	}
}
