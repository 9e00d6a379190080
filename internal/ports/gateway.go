package ports

import (
	"context"
	"time"

	"copyTradeBot/internal/domain"
)

// BracketOrderRequest carries everything a gateway needs to open a
// bracket-protected position.
type BracketOrderRequest struct {
	Product    *domain.Product  // Instrument metadata (tick size, quantity bounds)
	Side       domain.OrderSide // buy or sell
	Quantity   float64          // Order size in base asset units
	EntryPrice float64          // Limit price before tick rounding
	StopLoss   float64          // Stop-loss trigger level
	TakeProfit float64          // Take-profit trigger level
	Leverage   int              // 0 leaves the account default untouched
}

// BracketOrder reports the orders created for one bracket request.
type BracketOrder struct {
	EntryOrderID      string    // Exchange ID of the entry order
	StopOrderID       string    // Exchange ID of the stop-loss leg
	TakeProfitOrderID string    // Exchange ID of the take-profit leg
	EntryPrice        float64   // Tick-rounded limit price actually submitted
	Timestamp         time.Time // Time the bracket was placed
}

// ClosePositionRequest asks a gateway to flatten the position behind a trade.
type ClosePositionRequest struct {
	Symbol   string           // Canonical exchange symbol
	Side     domain.OrderSide // Side of the original entry (the gateway flattens with the opposite)
	Quantity float64          // Size to flatten
	// ExitPrice is the price the caller last observed. Simulated gateways
	// fill at this price without any external call; live gateways ignore it
	// and report the actual market fill.
	ExitPrice float64
}

// CloseResult reports the fill that flattened a position.
type CloseResult struct {
	OrderID   string    // Exchange ID of the closing order (synthetic in simulation)
	ExitPrice float64   // Average fill price of the close
	Timestamp time.Time // Time the close executed
}

// PriceFeed is the market-data subset of OrderGateway. The simulated
// gateway delegates price lookups to a live feed so paper trades follow
// real prices.
type PriceFeed interface {
	// GetPrice retrieves the current market price for a symbol.
	// Live implementations must use public, unauthenticated endpoints so
	// price polling never leaks trading intent.
	GetPrice(ctx context.Context, symbol string) (float64, error)
	// GetBestBidAsk retrieves the top of the order book for a symbol.
	GetBestBidAsk(ctx context.Context, symbol string) (bid float64, ask float64, err error)
}

// OrderGateway defines the interface for executing and managing orders on
// an exchange. Live and simulated implementations are swappable; callers
// never know which one they hold.
type OrderGateway interface {
	PriceFeed

	// PlaceBracketOrder opens a position with protective stop-loss and
	// take-profit legs. Implementations must either place the full bracket
	// or clean up partial placements before returning an error. Quantities
	// outside the product's bounds are rejected, never clamped; prices are
	// rounded to the product's tick size by the gateway.
	PlaceBracketOrder(ctx context.Context, req *BracketOrderRequest) (*BracketOrder, error)

	// CancelOrder cancels an open order by its exchange ID.
	// Returns ErrOrderNotFound (wrapped) if the order no longer exists.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// ClosePosition flattens the position behind a trade and reports the
	// exit fill. Simulated implementations mutate the paper ledger only.
	ClosePosition(ctx context.Context, req *ClosePositionRequest) (*CloseResult, error)

	// GetPositions retrieves current open positions for the given symbols.
	// An empty slice means no symbols are filtered.
	GetPositions(ctx context.Context, symbols []string) ([]domain.Position, error)
}

// ProductSource fetches the full instrument catalogue from the exchange.
// Used by the product resolver for wholesale cache refreshes.
type ProductSource interface {
	FetchProducts(ctx context.Context) ([]*domain.Product, error)
}
