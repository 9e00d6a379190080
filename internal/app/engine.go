package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"copyTradeBot/internal/analytics"
	"copyTradeBot/internal/domain"
	"copyTradeBot/internal/ports"
	"copyTradeBot/internal/risk"
)

const (
	defaultOrderTimeout   = 15 * time.Second
	defaultTakerFeeRate   = 0.0004
	defaultInitialBalance = 10000.0
	notifyTimeout         = 10 * time.Second
)

// SymbolResolver maps human tickers from signals to tradeable products.
type SymbolResolver interface {
	Resolve(ctx context.Context, ticker string) (*domain.Product, error)
}

// Config holds the dependencies and settings for the TradeEngine.
type Config struct {
	Logger    ports.Logger
	Gateway   ports.OrderGateway
	Repo      ports.TradeRepository
	Resolver  SymbolResolver
	Validator *risk.Validator
	Notifier  ports.Notifier // Optional; nil disables notifications

	Simulated      bool          // Marks every trade as paper
	OrderTimeout   time.Duration // Per gateway call; zero uses defaultOrderTimeout
	TakerFeeRate   float64       // Fee per fill, recorded for reporting; zero uses defaultTakerFeeRate
	InitialBalance float64       // Starting balance for performance reporting
}

// TradeEngine drives trades through their whole lifecycle: signal intake,
// validation, execution, monitored close and bookkeeping. All state lives
// in the repository; the engine itself only holds per-trade close locks.
type TradeEngine struct {
	logger         ports.Logger
	gateway        ports.OrderGateway
	repo           ports.TradeRepository
	resolver       SymbolResolver
	validator      *risk.Validator
	notifier       ports.Notifier
	simulated      bool
	orderTimeout   time.Duration
	takerFeeRate   float64
	initialBalance float64

	// locks serialises close attempts per trade so at most one exit order
	// ever reaches the gateway for a given position.
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewTradeEngine creates a new TradeEngine with the given configuration.
func NewTradeEngine(cfg Config) (*TradeEngine, error) {
	if cfg.Logger == nil || cfg.Gateway == nil || cfg.Repo == nil || cfg.Resolver == nil || cfg.Validator == nil {
		return nil, fmt.Errorf("missing required dependencies for TradeEngine")
	}
	if cfg.OrderTimeout < 0 {
		return nil, fmt.Errorf("configuration OrderTimeout must not be negative")
	}
	if cfg.OrderTimeout == 0 {
		cfg.OrderTimeout = defaultOrderTimeout
	}
	if cfg.TakerFeeRate < 0 {
		return nil, fmt.Errorf("configuration TakerFeeRate must not be negative")
	}
	if cfg.TakerFeeRate == 0 {
		cfg.TakerFeeRate = defaultTakerFeeRate
	}
	if cfg.InitialBalance < 0 {
		return nil, fmt.Errorf("configuration InitialBalance must not be negative")
	}
	if cfg.InitialBalance == 0 {
		cfg.InitialBalance = defaultInitialBalance
	}

	return &TradeEngine{
		logger:         cfg.Logger,
		gateway:        cfg.Gateway,
		repo:           cfg.Repo,
		resolver:       cfg.Resolver,
		validator:      cfg.Validator,
		notifier:       cfg.Notifier,
		simulated:      cfg.Simulated,
		orderTimeout:   cfg.OrderTimeout,
		takerFeeRate:   cfg.TakerFeeRate,
		initialBalance: cfg.InitialBalance,
		locks:          make(map[int64]*sync.Mutex),
	}, nil
}

// ProcessSignal takes one inbound signal through validation, symbol
// resolution, the slippage gate and order placement. Every accepted signal
// leaves a trade record: active on success, failed with a reason on any
// rejection. The returned error carries the rejection sentinel; the trade
// record is returned alongside it whenever one exists.
func (e *TradeEngine) ProcessSignal(ctx context.Context, sig *domain.Signal) (*domain.Trade, error) {
	op := "ProcessSignal"

	side, ok := domain.ParseOrderSide(sig.Side)
	if !ok {
		return nil, fmt.Errorf("%s failed: %w: side %q is not recognised", op, ports.ErrValidationFailed, sig.Side)
	}

	// 1. Record the trade before touching any market, so rejections leave
	// an audit trail too.
	trade := &domain.Trade{
		Symbol:            sig.Symbol,
		Side:              side,
		Quantity:          sig.Quantity,
		SignalEntryPrice:  sig.EntryPrice,
		StopLoss:          sig.StopLoss,
		TakeProfit:        sig.TakeProfit,
		StopLossPercent:   sig.StopLossPercent,
		TakeProfitPercent: sig.TakeProfitPercent,
		Leverage:          sig.Leverage,
		Confidence:        sig.Confidence,
		Reasoning:         sig.Reasoning,
		SourceSignal:      sig.Encode(),
		IsSimulated:       e.simulated,
		Status:            domain.StatusPending,
		OpenTime:          time.Now().UTC(),
	}
	id, err := e.repo.Create(ctx, trade)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	trade.ID = id

	// 2. Pure validation: structure, bracket ordering, reward/risk.
	res := e.validator.Validate(trade)
	if !res.Valid {
		return e.reject(ctx, trade, res.Reason(), ports.ErrValidationFailed)
	}
	if res.Swapped {
		e.logger.Info(ctx, "Swapped reversed stop/take levels", map[string]interface{}{
			"tradeID":    trade.ID,
			"stopLoss":   trade.StopLoss,
			"takeProfit": trade.TakeProfit,
		})
	}

	// 3. Resolve the ticker to a tradeable product.
	product, err := e.resolver.Resolve(ctx, sig.Symbol)
	if err != nil {
		if errors.Is(err, ports.ErrSymbolNotFound) {
			return e.reject(ctx, trade, fmt.Sprintf("invalid symbol %q", sig.Symbol), ports.ErrSymbolNotFound)
		}
		return e.reject(ctx, trade, "product catalogue unavailable", err)
	}
	trade.Symbol = product.ID

	if !product.QuantityInBounds(trade.Quantity) {
		return e.reject(ctx, trade,
			fmt.Sprintf("quantity %g outside product bounds [%g, %g]", trade.Quantity, product.MinSize, product.MaxSize),
			ports.ErrOrderRejected)
	}

	// 4. Observe the market and gate on slippage before any order call.
	opCtx, cancel := context.WithTimeout(ctx, e.orderTimeout)
	defer cancel()

	price, err := e.gateway.GetPrice(opCtx, trade.Symbol)
	if err != nil {
		return e.reject(ctx, trade, "market price unavailable", err)
	}
	if trade.SignalEntryPrice > 0 {
		drift := math.Abs(price-trade.SignalEntryPrice) / trade.SignalEntryPrice
		if drift > domain.MaxSlippageRatio {
			return e.reject(ctx, trade,
				fmt.Sprintf("slippage %.2f%%: market price %g drifted from signal entry %g",
					drift*100, price, trade.SignalEntryPrice),
				ports.ErrSlippageExceeded)
		}
	}

	// 5. Percent brackets become absolute levels around the observed price.
	// Rounding to the tick grid can collapse a thin bracket onto the price
	// itself, so the derived levels are re-checked before any order call.
	if trade.UsesPercentBracket() {
		sl, tp := trade.DeriveBracket(price)
		trade.StopLoss = product.RoundToTick(sl)
		trade.TakeProfit = product.RoundToTick(tp)
		if !trade.BracketOrdered(price) {
			return e.reject(ctx, trade,
				fmt.Sprintf("derived bracket collapsed at tick size %g: stop %g, take %g around %g",
					product.TickSize, trade.StopLoss, trade.TakeProfit, price),
				ports.ErrValidationFailed)
		}
	}

	// 6. Place the bracket. The gateway either opens the full position with
	// both protective legs or cleans up after itself and returns an error.
	bracket, err := e.gateway.PlaceBracketOrder(opCtx, &ports.BracketOrderRequest{
		Product:    product,
		Side:       trade.Side,
		Quantity:   trade.Quantity,
		EntryPrice: price,
		StopLoss:   trade.StopLoss,
		TakeProfit: trade.TakeProfit,
		Leverage:   trade.Leverage,
	})
	if err != nil {
		return e.reject(ctx, trade, fmt.Sprintf("order placement failed: %v", err), err)
	}

	// 7. Activate the record.
	trade.Status = domain.StatusActive
	trade.ActualEntryPrice = bracket.EntryPrice
	trade.OpenTime = bracket.Timestamp
	trade.Fees = e.takerFeeRate * bracket.EntryPrice * trade.Quantity
	trade.ExchangeOrderID = stringPtr(bracket.EntryOrderID)
	trade.StopOrderID = stringPtr(bracket.StopOrderID)
	trade.TakeProfitOrderID = stringPtr(bracket.TakeProfitOrderID)

	if err := e.repo.Update(ctx, trade); err != nil {
		// The position is open but unrecorded. Flatten it rather than leave
		// an orphan running on the exchange.
		e.logger.Error(ctx, err, "Failed to persist active trade, rolling back position", map[string]interface{}{
			"tradeID": trade.ID,
			"symbol":  trade.Symbol,
		})
		e.rollbackBracket(ctx, trade, bracket)
		return e.reject(ctx, trade, "failed to persist active trade", err)
	}

	e.logger.Info(ctx, "Trade opened", map[string]interface{}{
		"tradeID":    trade.ID,
		"symbol":     trade.Symbol,
		"side":       trade.Side,
		"quantity":   trade.Quantity,
		"entryPrice": trade.ActualEntryPrice,
		"stopLoss":   trade.StopLoss,
		"takeProfit": trade.TakeProfit,
		"simulated":  trade.IsSimulated,
	})
	e.notifyAsync("trade opened", trade.ID, func(ctx context.Context) error {
		return e.notifier.NotifyTradeOpened(ctx, trade)
	})
	return trade, nil
}

// CloseTrade flattens the position behind an active trade and finalises its
// record. Idempotent under concurrency: a per-trade lock is held across the
// whole close, so a second caller blocks until the first finishes and then
// finds the closed record, never firing a second exit order. Closing an
// already closed trade returns its record with no error. A gateway timeout
// leaves the trade active so the next monitor pass retries; a timeout is
// never treated as closed.
//
// observedPrice is the market price the caller last saw. It seeds the paper
// fill and the fallback exit price; zero means the gateway decides.
func (e *TradeEngine) CloseTrade(ctx context.Context, tradeID int64, reason domain.CloseReason, observedPrice float64) (*domain.Trade, error) {
	op := "CloseTrade"

	lock := e.lockFor(tradeID)
	lock.Lock()
	defer lock.Unlock()

	trade, err := e.repo.FindByID(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	if trade == nil {
		return nil, fmt.Errorf("%s failed: trade %d: %w", op, tradeID, ports.ErrTradeNotFound)
	}
	if trade.Status == domain.StatusClosed {
		// A concurrent or earlier close already finished the job.
		e.dropLock(tradeID)
		return trade, nil
	}
	if !trade.IsActive() {
		return nil, fmt.Errorf("%s failed: trade %d has status %q: %w", op, tradeID, trade.Status, ports.ErrTradeNotActive)
	}

	opCtx, cancel := context.WithTimeout(ctx, e.orderTimeout)
	defer cancel()

	result, err := e.gateway.ClosePosition(opCtx, &ports.ClosePositionRequest{
		Symbol:    trade.Symbol,
		Side:      trade.Side,
		Quantity:  trade.Quantity,
		ExitPrice: observedPrice,
	})
	if err != nil {
		if !errors.Is(err, ports.ErrPositionNotFound) {
			e.logger.Error(ctx, err, "Close order failed, trade stays active", map[string]interface{}{
				"tradeID": trade.ID,
				"symbol":  trade.Symbol,
				"reason":  string(reason),
			})
			return nil, fmt.Errorf("%s failed: %w", op, err)
		}
		// The exchange has no position left: a protective leg already fired
		// server-side. Finalise the record with the best price available.
		exitPrice := observedPrice
		if exitPrice <= 0 {
			exitPrice, err = e.gateway.GetPrice(opCtx, trade.Symbol)
			if err != nil {
				return nil, fmt.Errorf("%s failed: position already flat and no exit price available: %w", op, err)
			}
		}
		result = &ports.CloseResult{ExitPrice: exitPrice, Timestamp: time.Now().UTC()}
		e.logger.Warn(ctx, "Position already flat on the exchange, finalising record", map[string]interface{}{
			"tradeID":   trade.ID,
			"symbol":    trade.Symbol,
			"exitPrice": exitPrice,
		})
	}

	// The position is flat. Cancel whichever protective legs still rest on
	// the book; a leg that fired or was never placed is not an error.
	e.cancelOrderWarn(ctx, trade.Symbol, ptrToString(trade.StopOrderID), "SL")
	e.cancelOrderWarn(ctx, trade.Symbol, ptrToString(trade.TakeProfitOrderID), "TP")

	trade.Status = domain.StatusClosed
	trade.ExitPrice = result.ExitPrice
	trade.PNL = trade.ComputePNL(result.ExitPrice)
	trade.Fees += e.takerFeeRate * result.ExitPrice * trade.Quantity
	trade.CloseReason = reason
	trade.CloseTime = result.Timestamp

	if err := e.repo.Update(ctx, trade); err != nil {
		// The record still says active while the position is flat. The next
		// monitor pass lands on the position-not-found path and heals it.
		e.logger.Error(ctx, err, "Position closed but record not updated", map[string]interface{}{
			"tradeID": trade.ID,
			"symbol":  trade.Symbol,
		})
		return nil, fmt.Errorf("%s failed: position closed but record not updated: %w", op, err)
	}

	e.logger.Info(ctx, "Trade closed", map[string]interface{}{
		"tradeID":   trade.ID,
		"symbol":    trade.Symbol,
		"reason":    string(reason),
		"exitPrice": trade.ExitPrice,
		"pnl":       trade.PNL,
		"fees":      trade.Fees,
	})
	e.notifyAsync("trade closed", trade.ID, func(ctx context.Context) error {
		return e.notifier.NotifyTradeClosed(ctx, trade)
	})
	e.dropLock(tradeID)
	return trade, nil
}

// GetPerformance aggregates all closed trades into account-level metrics.
func (e *TradeEngine) GetPerformance(ctx context.Context) (*analytics.PerformanceMetrics, error) {
	closed, err := e.repo.FindClosed(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("GetPerformance failed: %w", err)
	}
	return analytics.AnalyzePerformance(closed, e.initialBalance), nil
}

// reject marks the trade failed, persists it and builds the caller-facing
// error around cause so callers can test it with errors.Is.
func (e *TradeEngine) reject(ctx context.Context, trade *domain.Trade, reason string, cause error) (*domain.Trade, error) {
	trade.Status = domain.StatusFailed
	trade.FailReason = reason
	trade.CloseTime = time.Now().UTC()
	if err := e.repo.Update(ctx, trade); err != nil {
		e.logger.Error(ctx, err, "Failed to persist trade rejection", map[string]interface{}{
			"tradeID": trade.ID,
		})
	}
	e.logger.Warn(ctx, "Trade rejected", map[string]interface{}{
		"tradeID": trade.ID,
		"symbol":  trade.Symbol,
		"reason":  reason,
	})
	e.notifyAsync("trade failed", trade.ID, func(ctx context.Context) error {
		return e.notifier.NotifyTradeFailed(ctx, trade)
	})
	return trade, fmt.Errorf("trade %d rejected: %w: %s", trade.ID, cause, reason)
}

// rollbackBracket unwinds a freshly placed bracket whose trade record could
// not be activated: cancel both protective legs, then flatten the position.
func (e *TradeEngine) rollbackBracket(ctx context.Context, trade *domain.Trade, bracket *ports.BracketOrder) {
	e.cancelOrderWarn(ctx, trade.Symbol, bracket.StopOrderID, "SL")
	e.cancelOrderWarn(ctx, trade.Symbol, bracket.TakeProfitOrderID, "TP")
	_, err := e.gateway.ClosePosition(ctx, &ports.ClosePositionRequest{
		Symbol:    trade.Symbol,
		Side:      trade.Side,
		Quantity:  trade.Quantity,
		ExitPrice: bracket.EntryPrice,
	})
	if err != nil && !errors.Is(err, ports.ErrPositionNotFound) {
		e.logger.Error(ctx, err, "Rollback close failed, position may be orphaned", map[string]interface{}{
			"tradeID": trade.ID,
			"symbol":  trade.Symbol,
		})
	}
}

// cancelOrderWarn cancels one bracket leg, logging a warning on failure.
// An order that no longer exists (already filled or cancelled) is fine.
func (e *TradeEngine) cancelOrderWarn(ctx context.Context, symbol, orderID, label string) {
	if orderID == "" {
		return
	}
	err := e.gateway.CancelOrder(ctx, symbol, orderID)
	if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		e.logger.Warn(ctx, "Failed to cancel protective order", map[string]interface{}{
			"symbol":  symbol,
			"orderID": orderID,
			"leg":     label,
			"error":   err.Error(),
		})
	}
}

// notifyAsync delivers a notification off the request path. Failures are
// logged and never affect trade state.
func (e *TradeEngine) notifyAsync(event string, tradeID int64, send func(context.Context) error) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			e.logger.Warn(ctx, "Notification delivery failed", map[string]interface{}{
				"event":   event,
				"tradeID": tradeID,
				"error":   err.Error(),
			})
		}
	}()
}

// lockFor returns the close lock for one trade, creating it on first use.
func (e *TradeEngine) lockFor(id int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// dropLock releases the bookkeeping for a trade that reached a terminal
// state. A goroutine still blocked on the old lock proceeds against the
// stored record and finds it terminal, so dropping early is safe.
func (e *TradeEngine) dropLock(id int64) {
	e.mu.Lock()
	delete(e.locks, id)
	e.mu.Unlock()
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptrToString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
