// Package pricing prices inference requests. Model rates are micro-USD
// per million tokens, split into input, output, and reasoning, loaded from
// a YAML catalog with a read-through cache in front. Unknown models price
// at the catalog's default rates rather than failing the request.
package pricing

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dekapay/gateway/internal/cacheutil"
	"github.com/dekapay/gateway/internal/config"
	"github.com/dekapay/gateway/internal/money"
)

// charsPerToken is the estimation heuristic when the client does not
// declare token counts: roughly 3.5 characters per token for English text.
const charsPerToken = 3.5

// Rates is the per-model price card, micro-USD per one million tokens.
type Rates struct {
	InputPerMillion     int64 `yaml:"input_per_million"`
	OutputPerMillion    int64 `yaml:"output_per_million"`
	ReasoningPerMillion int64 `yaml:"reasoning_per_million"`
}

// Usage is a token count triple.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
}

// Cost is the priced breakdown of one request.
type Cost struct {
	Input     money.MicroUSD `json:"input"`
	Output    money.MicroUSD `json:"output"`
	Reasoning money.MicroUSD `json:"reasoning"`
	Total     money.MicroUSD `json:"total"`
}

// Cost prices a usage at these rates. Each component rounds up so the
// gateway never undercharges by a fraction of a micro.
func (r Rates) Cost(u Usage) Cost {
	c := Cost{
		Input:     perMillion(u.InputTokens, r.InputPerMillion),
		Output:    perMillion(u.OutputTokens, r.OutputPerMillion),
		Reasoning: perMillion(u.ReasoningTokens, r.ReasoningPerMillion),
	}
	c.Total = c.Input + c.Output + c.Reasoning
	return c
}

func perMillion(tokens int, ratePerMillion int64) money.MicroUSD {
	if tokens <= 0 || ratePerMillion <= 0 {
		return 0
	}
	// Ceiling division: (tokens * rate + 999999) / 1000000.
	return money.MicroUSD((int64(tokens)*ratePerMillion + 999_999) / 1_000_000)
}

// EstimateTokens approximates the token count of raw text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}

// Repository resolves rates for a model name ("provider/model").
type Repository interface {
	Rates(ctx context.Context, model string) (Rates, error)
}

// catalog is the YAML file shape.
type catalog struct {
	Default Rates            `yaml:"default"`
	Models  map[string]Rates `yaml:"models"`
}

// YAMLRepository reads the catalog file on every call; the cached wrapper
// in front keeps that off the hot path.
type YAMLRepository struct {
	path   string
	logger zerolog.Logger
}

// NewYAMLRepository creates a repository over a catalog file.
func NewYAMLRepository(path string, logger zerolog.Logger) *YAMLRepository {
	return &YAMLRepository{path: path, logger: logger.With().Str("component", "pricing").Logger()}
}

// Rates returns the model's rates, falling back to the catalog default
// for unknown models.
func (r *YAMLRepository) Rates(_ context.Context, model string) (Rates, error) {
	cat, err := r.load()
	if err != nil {
		return Rates{}, err
	}
	if rates, ok := cat.Models[model]; ok {
		return rates, nil
	}
	return cat.Default, nil
}

func (r *YAMLRepository) load() (catalog, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return catalog{}, fmt.Errorf("pricing: read catalog: %w", err)
	}
	var cat catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return catalog{}, fmt.Errorf("pricing: parse catalog: %w", err)
	}
	return cat, nil
}

// CachedRepository fronts a Repository with a per-model TTL cache.
type CachedRepository struct {
	underlying Repository
	ttl        time.Duration

	mu    sync.RWMutex
	cache map[string]cacheutil.CachedValue[Rates]
}

// NewCachedRepository wraps underlying with a read-through cache.
func NewCachedRepository(underlying Repository, ttl time.Duration) *CachedRepository {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedRepository{
		underlying: underlying,
		ttl:        ttl,
		cache:      make(map[string]cacheutil.CachedValue[Rates]),
	}
}

// Rates serves from cache within the TTL, otherwise fetches and caches.
func (c *CachedRepository) Rates(ctx context.Context, model string) (Rates, error) {
	return cacheutil.ReadThrough(
		&c.mu,
		func(now time.Time) (Rates, bool) {
			if entry, ok := c.cache[model]; ok && now.Sub(entry.FetchedAt) < c.ttl {
				return entry.Value, true
			}
			return Rates{}, false
		},
		func(now time.Time) (Rates, error) {
			rates, err := c.underlying.Rates(ctx, model)
			if err != nil {
				return Rates{}, err
			}
			c.cache[model] = cacheutil.CachedValue[Rates]{Value: rates, FetchedAt: now}
			return rates, nil
		},
	)
}

// Calculator prices requests before dispatch and records actual usage
// after.
type Calculator struct {
	repo         Repository
	defaultModel string
	maxTokensCap int
	logger       zerolog.Logger
}

// NewCalculator builds the calculator from config, wiring the repository
// per the configured source.
func NewCalculator(cfg config.PricingConfig, logger zerolog.Logger) (*Calculator, error) {
	var repo Repository
	switch cfg.Source {
	case "", "yaml":
		repo = NewCachedRepository(NewYAMLRepository(cfg.Path, logger), cfg.CacheTTL.Duration)
	default:
		return nil, fmt.Errorf("pricing: unknown source %q", cfg.Source)
	}
	return NewCalculatorWithRepository(cfg, repo, logger), nil
}

// NewCalculatorWithRepository builds a calculator over an explicit
// repository.
func NewCalculatorWithRepository(cfg config.PricingConfig, repo Repository, logger zerolog.Logger) *Calculator {
	maxTokensCap := cfg.MaxTokensCap
	if maxTokensCap <= 0 {
		maxTokensCap = 128_000
	}
	return &Calculator{
		repo:         repo,
		defaultModel: cfg.DefaultModel,
		maxTokensCap: maxTokensCap,
		logger:       logger.With().Str("component", "pricing").Logger(),
	}
}

// Quote prices the worst case for a request up front: estimated input
// tokens plus the full max_tokens output budget. The reservation made from
// it is trimmed to actual usage at finalize.
func (c *Calculator) Quote(ctx context.Context, model, prompt string, maxTokens int) (Cost, error) {
	if model == "" {
		model = c.defaultModel
	}
	if maxTokens <= 0 || maxTokens > c.maxTokensCap {
		maxTokens = c.maxTokensCap
	}
	rates, err := c.repo.Rates(ctx, model)
	if err != nil {
		return Cost{}, err
	}
	return rates.Cost(Usage{
		InputTokens:  EstimateTokens(prompt),
		OutputTokens: maxTokens,
	}), nil
}

// Actual prices observed usage after the provider responded. It never
// raises: a pricing failure here must not fail a request that already
// served; it logs and returns a zero cost instead.
func (c *Calculator) Actual(ctx context.Context, model string, usage Usage) Cost {
	if model == "" {
		model = c.defaultModel
	}
	rates, err := c.repo.Rates(ctx, model)
	if err != nil {
		c.logger.Error().Err(err).Str("model", model).Msg("usage pricing failed, recording zero cost")
		return Cost{}
	}
	return rates.Cost(usage)
}
