package products

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"copyTradeBot/internal/domain"
	"copyTradeBot/internal/ports"
)

const (
	// DefaultCacheTTL is how long the product snapshot stays fresh before a
	// wholesale refresh from the exchange.
	DefaultCacheTTL = 24 * time.Hour

	// DefaultQuoteAsset is appended to bare base tickers ("BTC" -> "BTCUSDT").
	DefaultQuoteAsset = "USDT"
)

// aliases maps irregular tickers seen in chat signals to canonical exchange
// symbols. Regular bare bases are handled by the default-suffix fallback.
var aliases = map[string]string{
	"XBT":      "BTCUSDT",
	"BITCOIN":  "BTCUSDT",
	"ETHEREUM": "ETHUSDT",
	// Low-priced assets trade as 1000x contracts on the futures venue.
	"SHIB": "1000SHIBUSDT",
	"PEPE": "1000PEPEUSDT",
	"LUNC": "1000LUNCUSDT",
}

// Config holds the dependencies and tuning for a Resolver.
type Config struct {
	Source     ports.ProductSource
	Repo       ports.ProductRepository
	Logger     ports.Logger
	CacheTTL   time.Duration // Zero uses DefaultCacheTTL
	QuoteAsset string        // Zero value uses DefaultQuoteAsset
}

// Resolver normalises human tickers to canonical exchange symbols and
// serves product metadata from a TTL-bounded in-memory snapshot. The
// snapshot refreshes wholesale (never per symbol) and is persisted so a
// restart does not force an immediate exchange round trip.
type Resolver struct {
	source ports.ProductSource
	repo   ports.ProductRepository
	logger ports.Logger
	ttl    time.Duration
	quote  string

	mu          sync.RWMutex
	bySymbol    map[string]*domain.Product
	lastUpdated time.Time

	// refreshMu serialises wholesale refreshes: concurrent callers finding
	// a stale cache wait here for the winner instead of stampeding the API.
	refreshMu sync.Mutex
}

// New creates a Resolver. Source, Repo and Logger are required.
func New(cfg Config) (*Resolver, error) {
	if cfg.Source == nil || cfg.Repo == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Resolver")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheTTL < 0 {
		return nil, fmt.Errorf("CacheTTL must not be negative")
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = DefaultQuoteAsset
	}
	return &Resolver{
		source:   cfg.Source,
		repo:     cfg.Repo,
		logger:   cfg.Logger,
		ttl:      cfg.CacheTTL,
		quote:    strings.ToUpper(cfg.QuoteAsset),
		bySymbol: make(map[string]*domain.Product),
	}, nil
}

// Load seeds the in-memory map from the persisted snapshot. An empty store
// is not an error; the first Resolve will trigger a refresh instead.
func (r *Resolver) Load(ctx context.Context) error {
	stored, err := r.repo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load product snapshot: %w", err)
	}
	updated, err := r.repo.LastUpdated(ctx)
	if err != nil {
		return fmt.Errorf("failed to read product snapshot age: %w", err)
	}

	r.mu.Lock()
	for _, p := range stored {
		r.bySymbol[p.ID] = p
	}
	r.lastUpdated = updated
	r.mu.Unlock()

	r.logger.Info(ctx, "Product snapshot loaded", map[string]interface{}{
		"products":    len(stored),
		"lastUpdated": updated,
	})
	return nil
}

// Normalize maps a human ticker to its canonical exchange symbol. Pure and
// deterministic: alias table first, then suffix rules.
func (r *Resolver) Normalize(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	t = strings.NewReplacer("-", "", "/", "", "_", "").Replace(t)
	if t == "" {
		return ""
	}
	if canonical, ok := aliases[t]; ok {
		return canonical
	}
	if strings.HasSuffix(t, r.quote) {
		return t
	}
	// Legacy "BTCUSD" style tickers migrate to the venue's quote asset.
	if strings.HasSuffix(t, "USD") {
		return strings.TrimSuffix(t, "USD") + r.quote
	}
	return t + r.quote
}

// Resolve returns the product for a ticker, refreshing the snapshot first
// when it has gone stale. A symbol missing from a fresh snapshot is a
// permanent failure: callers must not retry it.
func (r *Resolver) Resolve(ctx context.Context, ticker string) (*domain.Product, error) {
	symbol := r.Normalize(ticker)
	if symbol == "" {
		return nil, fmt.Errorf("empty ticker: %w", ports.ErrSymbolNotFound)
	}

	if !r.stale() {
		if p := r.lookup(symbol); p != nil {
			return p, nil
		}
		return nil, fmt.Errorf("symbol %q (from ticker %q): %w", symbol, ticker, ports.ErrSymbolNotFound)
	}

	if err := r.refresh(ctx); err != nil {
		// A warm but stale cache still beats failing the trade outright.
		if p := r.lookup(symbol); p != nil {
			r.logger.Warn(ctx, "Product refresh failed, serving stale snapshot", map[string]interface{}{
				"symbol": symbol,
				"error":  err.Error(),
			})
			return p, nil
		}
		return nil, fmt.Errorf("product refresh failed for %q: %w", symbol, err)
	}

	if p := r.lookup(symbol); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("symbol %q (from ticker %q): %w", symbol, ticker, ports.ErrSymbolNotFound)
}

// LastUpdated reports the snapshot's freshness timestamp.
func (r *Resolver) LastUpdated() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdated
}

func (r *Resolver) lookup(symbol string) *domain.Product {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySymbol[symbol]
}

func (r *Resolver) stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Since(r.lastUpdated) > r.ttl
}

// refresh replaces the whole snapshot from the exchange. Single flight:
// the first caller does the work, late arrivals find a fresh cache and
// return immediately.
func (r *Resolver) refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	if !r.stale() {
		return nil
	}

	fetched, err := r.source.FetchProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch products: %w", err)
	}
	if len(fetched) == 0 {
		return fmt.Errorf("exchange returned an empty product list")
	}

	now := time.Now().UTC()
	fresh := make(map[string]*domain.Product, len(fetched))
	for _, p := range fetched {
		p.LastUpdated = now
		fresh[p.ID] = p
	}

	r.mu.Lock()
	r.bySymbol = fresh
	r.lastUpdated = now
	r.mu.Unlock()

	// Persistence keeps restarts cheap; memory already holds the truth, so
	// a storage failure is logged rather than propagated.
	if err := r.repo.ReplaceAll(ctx, fetched); err != nil {
		r.logger.Warn(ctx, "Failed to persist product snapshot", map[string]interface{}{
			"products": len(fetched),
			"error":    err.Error(),
		})
	}

	r.logger.Info(ctx, "Product snapshot refreshed", map[string]interface{}{"products": len(fetched)})
	return nil
}
