package papergw

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"copyTradeBot/internal/domain"
	"copyTradeBot/internal/ports"
)

// DefaultInitialBalance funds a fresh paper ledger.
const DefaultInitialBalance = 10000.0

// Order lifecycle states inside the ledger.
const (
	orderOpen     = "OPEN"
	orderFilled   = "FILLED"
	orderCanceled = "CANCELED"
)

type paperOrder struct {
	ID       string
	Symbol   string
	Side     domain.OrderSide
	Type     string // LIMIT, STOP_MARKET, TAKE_PROFIT_MARKET, MARKET
	Quantity float64
	Price    float64
	Status   string
	PlacedAt time.Time
}

type paperPosition struct {
	Symbol     string
	Side       domain.OrderSide
	Quantity   float64
	EntryPrice float64
	Leverage   int
	OpenedAt   time.Time
}

// Config holds the dependencies for a simulated gateway.
type Config struct {
	Prices         ports.PriceFeed            // Real market data source (prices stay live in paper mode)
	Store          ports.PaperStateRepository // Optional; nil keeps the balance volatile
	Logger         ports.Logger
	InitialBalance float64 // Zero uses DefaultInitialBalance
}

// Gateway is the simulated order gateway. Order placement, cancellation
// and closing mutate an in-process ledger and perform no exchange I/O;
// price lookups delegate to a real feed so simulated trades follow live
// markets. The ledger balance moves only when a position closes, by
// exactly the realised pnl.
type Gateway struct {
	prices ports.PriceFeed
	store  ports.PaperStateRepository
	logger ports.Logger

	mu         sync.RWMutex
	balance    float64
	orders     map[string]*paperOrder
	positions  map[string]*paperPosition // keyed by symbol
	priceCache map[string]float64
}

// New creates a simulated gateway. Prices and Logger are required.
func New(cfg Config) (*Gateway, error) {
	if cfg.Prices == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for paper gateway")
	}
	if cfg.InitialBalance < 0 {
		return nil, fmt.Errorf("InitialBalance must not be negative")
	}
	if cfg.InitialBalance == 0 {
		cfg.InitialBalance = DefaultInitialBalance
	}
	return &Gateway{
		prices:     cfg.Prices,
		store:      cfg.Store,
		logger:     cfg.Logger,
		balance:    cfg.InitialBalance,
		orders:     make(map[string]*paperOrder),
		positions:  make(map[string]*paperPosition),
		priceCache: make(map[string]float64),
	}, nil
}

// LoadState restores the persisted balance so restarts continue the same
// simulated account. A missing store is fine; the configured initial
// balance stands.
func (g *Gateway) LoadState(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	balance, err := g.store.LoadBalance(ctx, g.balance)
	if err != nil {
		return fmt.Errorf("failed to load paper balance: %w", err)
	}
	g.balance = balance
	g.logger.Info(ctx, "Paper ledger restored", map[string]interface{}{"balance": balance})
	return nil
}

// Balance returns the current simulated account balance.
func (g *Gateway) Balance() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.balance
}

// GetPrice delegates to the live feed and caches the result for position
// mark-to-market.
func (g *Gateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := g.prices.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	g.priceCache[symbol] = price
	g.mu.Unlock()
	return price, nil
}

// GetBestBidAsk delegates to the live feed.
func (g *Gateway) GetBestBidAsk(ctx context.Context, symbol string) (bid float64, ask float64, err error) {
	return g.prices.GetBestBidAsk(ctx, symbol)
}

// PlaceBracketOrder records an instantly-filled entry plus two resting
// protective legs in the ledger. No exchange I/O.
func (g *Gateway) PlaceBracketOrder(ctx context.Context, req *ports.BracketOrderRequest) (*ports.BracketOrder, error) {
	if req == nil || req.Product == nil {
		return nil, fmt.Errorf("bracket request requires a product: %w", ports.ErrInvalidRequest)
	}
	if !req.Product.QuantityInBounds(req.Quantity) {
		return nil, fmt.Errorf("quantity %g outside product bounds [%g, %g]: %w",
			req.Quantity, req.Product.MinSize, req.Product.MaxSize, ports.ErrOrderRejected)
	}
	if !stepAligned(req.Quantity, req.Product.StepSize) {
		return nil, fmt.Errorf("quantity %g is not a multiple of step size %g: %w",
			req.Quantity, req.Product.StepSize, ports.ErrOrderRejected)
	}

	symbol := req.Product.ID
	entryPrice := req.Product.RoundToTick(req.EntryPrice)
	stopPrice := req.Product.RoundToTick(req.StopLoss)
	takePrice := req.Product.RoundToTick(req.TakeProfit)
	now := time.Now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.positions[symbol]; exists {
		return nil, fmt.Errorf("simulated position already open for %s: %w", symbol, ports.ErrOrderRejected)
	}

	entry := &paperOrder{
		ID: newOrderID(), Symbol: symbol, Side: req.Side, Type: "LIMIT",
		Quantity: req.Quantity, Price: entryPrice, Status: orderFilled, PlacedAt: now,
	}
	stop := &paperOrder{
		ID: newOrderID(), Symbol: symbol, Side: req.Side.Opposite(), Type: "STOP_MARKET",
		Quantity: req.Quantity, Price: stopPrice, Status: orderOpen, PlacedAt: now,
	}
	take := &paperOrder{
		ID: newOrderID(), Symbol: symbol, Side: req.Side.Opposite(), Type: "TAKE_PROFIT_MARKET",
		Quantity: req.Quantity, Price: takePrice, Status: orderOpen, PlacedAt: now,
	}
	g.orders[entry.ID] = entry
	g.orders[stop.ID] = stop
	g.orders[take.ID] = take

	g.positions[symbol] = &paperPosition{
		Symbol:     symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: entryPrice,
		Leverage:   req.Leverage,
		OpenedAt:   now,
	}
	g.priceCache[symbol] = entryPrice

	g.logger.Debug(ctx, "Paper bracket placed", map[string]interface{}{
		"symbol":   symbol,
		"side":     req.Side,
		"quantity": req.Quantity,
		"entry":    entryPrice,
		"stop":     stopPrice,
		"take":     takePrice,
	})

	return &ports.BracketOrder{
		EntryOrderID:      entry.ID,
		StopOrderID:       stop.ID,
		TakeProfitOrderID: take.ID,
		EntryPrice:        entryPrice,
		Timestamp:         now,
	}, nil
}

// CancelOrder cancels a resting ledger order.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[orderID]
	if !ok || order.Status == orderCanceled {
		return fmt.Errorf("paper order %s: %w", orderID, ports.ErrOrderNotFound)
	}
	if order.Status == orderFilled {
		return fmt.Errorf("paper order %s already filled: %w", orderID, ports.ErrOrderCancelFailed)
	}
	order.Status = orderCanceled
	return nil
}

// ClosePosition flattens the simulated position at the caller-observed
// price and applies the realised pnl to the ledger balance. This is the
// only path that moves the balance.
func (g *Gateway) ClosePosition(ctx context.Context, req *ports.ClosePositionRequest) (*ports.CloseResult, error) {
	if req == nil {
		return nil, fmt.Errorf("close request is required: %w", ports.ErrInvalidRequest)
	}

	g.mu.Lock()
	pos, ok := g.positions[req.Symbol]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("no simulated position for %s: %w", req.Symbol, ports.ErrPositionNotFound)
	}

	exitPrice := req.ExitPrice
	if exitPrice <= 0 {
		exitPrice = g.priceCache[req.Symbol]
	}
	if exitPrice <= 0 {
		g.mu.Unlock()
		return nil, fmt.Errorf("no exit price available for %s: %w", req.Symbol, ports.ErrInvalidRequest)
	}

	pnl := (exitPrice - pos.EntryPrice) * pos.Quantity * pos.Side.Direction()
	g.balance += pnl
	balance := g.balance
	delete(g.positions, req.Symbol)

	now := time.Now().UTC()
	closing := &paperOrder{
		ID: newOrderID(), Symbol: req.Symbol, Side: pos.Side.Opposite(), Type: "MARKET",
		Quantity: pos.Quantity, Price: exitPrice, Status: orderFilled, PlacedAt: now,
	}
	g.orders[closing.ID] = closing
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.SaveBalance(ctx, balance); err != nil {
			g.logger.Warn(ctx, "Failed to persist paper balance", map[string]interface{}{
				"balance": balance,
				"error":   err.Error(),
			})
		}
	}

	g.logger.Info(ctx, "Paper position closed", map[string]interface{}{
		"symbol":  req.Symbol,
		"exit":    exitPrice,
		"pnl":     pnl,
		"balance": balance,
	})

	return &ports.CloseResult{OrderID: closing.ID, ExitPrice: exitPrice, Timestamp: now}, nil
}

// GetPositions snapshots open simulated positions, marked against the
// latest cached prices.
func (g *Gateway) GetPositions(ctx context.Context, symbols []string) ([]domain.Position, error) {
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	positions := make([]domain.Position, 0, len(g.positions))
	for _, pos := range g.positions {
		if len(wanted) > 0 && !wanted[pos.Symbol] {
			continue
		}
		mark := g.priceCache[pos.Symbol]
		unrealized := 0.0
		if mark > 0 {
			unrealized = (mark - pos.EntryPrice) * pos.Quantity * pos.Side.Direction()
		}
		positions = append(positions, domain.Position{
			Symbol:        pos.Symbol,
			Side:          pos.Side,
			Quantity:      pos.Quantity,
			EntryPrice:    pos.EntryPrice,
			MarkPrice:     mark,
			UnrealizedPNL: unrealized,
			Leverage:      pos.Leverage,
		})
	}
	return positions, nil
}

func newOrderID() string {
	return "PAPER-" + uuid.NewString()
}

// stepAligned reports whether qty is a whole multiple of step, with
// tolerance for float representation.
func stepAligned(qty, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := qty / step
	return math.Abs(ratio-math.Round(ratio)) < 1e-6
}

// Ensure Gateway implements the order gateway interface.
var _ ports.OrderGateway = (*Gateway)(nil)
