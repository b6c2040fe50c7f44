package oracle

import (
	"context"
	"strings"
	"sync"

	"github.com/dekapay/gateway/pkg/x402"
)

// StaticOracle serves settlements from an in-memory table. Tests and local
// development seed it with Add; everything else is not found.
type StaticOracle struct {
	mu          sync.RWMutex
	settlements map[string]x402.Settlement
}

// NewStaticOracle creates an empty static oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{settlements: make(map[string]x402.Settlement)}
}

// Add seeds a settlement, keyed by lowercased tx hash.
func (o *StaticOracle) Add(s x402.Settlement) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settlements[strings.ToLower(s.TxHash)] = s
}

// Settlement returns the seeded settlement or ErrSettlementNotFound.
func (o *StaticOracle) Settlement(_ context.Context, txHash string) (x402.Settlement, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.settlements[strings.ToLower(txHash)]
	if !ok {
		return x402.Settlement{}, x402.ErrSettlementNotFound
	}
	return s, nil
}
