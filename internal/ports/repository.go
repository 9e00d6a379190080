package ports

import (
	"context"
	"time"

	"copyTradeBot/internal/domain"
)

// TradeRepository defines the interface for storing and retrieving trades.
type TradeRepository interface {
	// Create saves a new trade and returns its assigned ID.
	Create(ctx context.Context, trade *domain.Trade) (int64, error)
	// Update persists the current state of an existing trade.
	Update(ctx context.Context, trade *domain.Trade) error
	// FindByID retrieves a trade by its unique ID.
	// Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Trade, error)
	// FindActive retrieves all trades currently in the active state,
	// ordered by open time ascending.
	FindActive(ctx context.Context) ([]*domain.Trade, error)
	// FindClosed retrieves closed trades ordered by close time descending,
	// up to limit (0 = no limit).
	FindClosed(ctx context.Context, limit int) ([]*domain.Trade, error)
}

// ProductRepository defines the interface for the persisted product snapshot.
type ProductRepository interface {
	// ReplaceAll atomically swaps the stored snapshot for the given set.
	ReplaceAll(ctx context.Context, products []*domain.Product) error
	// FindBySymbol retrieves one product by canonical symbol.
	// Returns nil, nil if absent.
	FindBySymbol(ctx context.Context, symbol string) (*domain.Product, error)
	// FindAll returns the whole stored snapshot.
	FindAll(ctx context.Context) ([]*domain.Product, error)
	// LastUpdated returns the freshness timestamp of the snapshot.
	// Returns the zero time when no snapshot has been stored.
	LastUpdated(ctx context.Context) (time.Time, error)
}

// PaperStateRepository persists the simulated account between runs.
type PaperStateRepository interface {
	// LoadBalance returns the stored paper balance, or defaultBalance when
	// no state has been saved yet.
	LoadBalance(ctx context.Context, defaultBalance float64) (float64, error)
	// SaveBalance stores the current paper balance.
	SaveBalance(ctx context.Context, balance float64) error
}
