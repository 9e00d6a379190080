package binancegw

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"copyTradeBot/internal/domain"
	"copyTradeBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Gateway implements ports.OrderGateway and ports.ProductSource against
// Binance USDT-margined futures using the go-binance library.
type Gateway struct {
	futuresClient *futures.Client
	logger        ports.Logger
}

// Config holds configuration specific to the Binance gateway adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Binance gateway adapter. API keys may be empty when
// the gateway only serves public market data (the paper mode price feed).
func New(cfg Config) (*Gateway, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance gateway")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Gateway will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using the global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance gateway configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance gateway configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Gateway{
		futuresClient: client,
		logger:        cfg.Logger,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (g *Gateway) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderRejected
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019: // Margin is insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly Order is rejected
			mappedErr = ports.ErrOrderRejected
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		case -4003: // Qty not within permissible range
			mappedErr = ports.ErrOrderRejected
		case -4014: // Price not within permissible range
			mappedErr = ports.ErrOrderRejected
		case -4015: // Leverage is not valid
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		default:
			// General classification for unmapped API errors
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		g.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	g.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// SetServerTime synchronizes the client's time with the server's time.
func (g *Gateway) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := g.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return g.handleError(ctx, err, op)
	}
	g.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (g *Gateway) Ping(ctx context.Context) error {
	op := "Ping"
	if err := g.futuresClient.NewPingService().Do(ctx); err != nil {
		return g.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	g.logger.Debug(ctx, op+" successful")
	return nil
}

// GetPrice retrieves the last traded price for a symbol. Uses the public
// ticker endpoint only, so polling never exposes account identity or
// trading intent.
func (g *Gateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetPrice"
	prices, err := g.futuresClient.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, g.handleError(ctx, err, op)
	}
	if len(prices) == 0 {
		err := fmt.Errorf("no price data returned for symbol %s", symbol)
		return 0, g.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", prices[0].Price, err)
		return 0, g.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetBestBidAsk retrieves the top of the order book for a symbol.
func (g *Gateway) GetBestBidAsk(ctx context.Context, symbol string) (float64, float64, error) {
	op := "GetBestBidAsk"
	tickers, err := g.futuresClient.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, 0, g.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no book ticker returned for symbol %s", symbol)
		return 0, 0, g.handleError(ctx, err, op)
	}

	bid, err := strconv.ParseFloat(tickers[0].BidPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse bid price '%s': %w", tickers[0].BidPrice, err)
		return 0, 0, g.handleError(ctx, parseErr, op)
	}
	ask, err := strconv.ParseFloat(tickers[0].AskPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse ask price '%s': %w", tickers[0].AskPrice, err)
		return 0, 0, g.handleError(ctx, parseErr, op)
	}
	return bid, ask, nil
}

// FetchProducts retrieves the tradeable perpetual contracts with their
// price and lot filters.
func (g *Gateway) FetchProducts(ctx context.Context) ([]*domain.Product, error) {
	op := "FetchProducts"
	info, err := g.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, g.handleError(ctx, err, op)
	}

	products := make([]*domain.Product, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" {
			continue
		}

		p := &domain.Product{
			ID:         s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				p.TickSize = parseFilterFloat(f, "tickSize")
			case "LOT_SIZE":
				p.StepSize = parseFilterFloat(f, "stepSize")
				p.MinSize = parseFilterFloat(f, "minQty")
				p.MaxSize = parseFilterFloat(f, "maxQty")
			}
		}
		products = append(products, p)
	}

	g.logger.Info(ctx, op+" successful", map[string]interface{}{"products": len(products)})
	return products, nil
}

// PlaceBracketOrder opens a position with a limit entry at the best
// opposing book price plus protective STOP_MARKET and TAKE_PROFIT_MARKET
// legs. If a leg cannot be placed the already-created orders are cancelled
// and any filled entry is flattened before the error returns, so a partial
// bracket never survives this call.
func (g *Gateway) PlaceBracketOrder(ctx context.Context, req *ports.BracketOrderRequest) (*ports.BracketOrder, error) {
	op := "PlaceBracketOrder"
	if req == nil || req.Product == nil {
		return nil, fmt.Errorf("%s: bracket request requires a product: %w", op, ports.ErrInvalidRequest)
	}
	product := req.Product
	symbol := product.ID

	if !product.QuantityInBounds(req.Quantity) {
		return nil, fmt.Errorf("%s: quantity %g outside product bounds [%g, %g]: %w",
			op, req.Quantity, product.MinSize, product.MaxSize, ports.ErrOrderRejected)
	}

	if req.Leverage > 0 {
		if err := g.setLeverage(ctx, symbol, req.Leverage); err != nil {
			// Keep trading on the account's current leverage rather than
			// dropping the signal.
			g.logger.Warn(ctx, "Failed to set leverage, continuing with current", map[string]interface{}{
				"symbol":   symbol,
				"leverage": req.Leverage,
				"error":    err.Error(),
			})
		}
	}

	entryPrice := g.entryLimitPrice(ctx, req)
	quantity := formatQuantity(product, req.Quantity)
	entryStr := formatPrice(product, entryPrice)
	stopStr := formatPrice(product, req.StopLoss)
	takeStr := formatPrice(product, req.TakeProfit)

	entry, err := g.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(binanceSide(req.Side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(quantity).
		Price(entryStr).
		Do(ctx)
	if err != nil {
		return nil, g.handleError(ctx, err, op+" entry")
	}
	entryID := strconv.FormatInt(entry.OrderID, 10)
	g.logger.Info(ctx, op+": entry placed", map[string]interface{}{
		"symbol": symbol, "side": req.Side, "quantity": quantity, "price": entryStr, "orderID": entryID,
	})

	exitSide := binanceSide(req.Side.Opposite())

	stop, err := g.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(exitSide).
		Type(futures.OrderTypeStopMarket).
		Quantity(quantity).
		StopPrice(stopStr).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		g.cleanupPartialBracket(ctx, symbol, req.Side, quantity, entryID, "")
		return nil, g.handleError(ctx, err, op+" stop leg")
	}
	stopID := strconv.FormatInt(stop.OrderID, 10)

	take, err := g.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(exitSide).
		Type(futures.OrderTypeTakeProfitMarket).
		Quantity(quantity).
		StopPrice(takeStr).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		g.cleanupPartialBracket(ctx, symbol, req.Side, quantity, entryID, stopID)
		return nil, g.handleError(ctx, err, op+" take profit leg")
	}
	takeID := strconv.FormatInt(take.OrderID, 10)

	g.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol,
		"entry":  entryID,
		"stop":   stopID,
		"take":   takeID,
		"price":  entryStr,
		"stopAt": stopStr,
		"takeAt": takeStr,
	})

	return &ports.BracketOrder{
		EntryOrderID:      entryID,
		StopOrderID:       stopID,
		TakeProfitOrderID: takeID,
		EntryPrice:        product.RoundToTick(entryPrice),
		Timestamp:         time.Now().UTC(),
	}, nil
}

// entryLimitPrice picks the limit price for the entry order: the best
// opposing book price (ask for a buy, bid for a sell) so the order fills
// immediately in a normal market. Falls back to the caller's observed
// price when the book is unavailable.
func (g *Gateway) entryLimitPrice(ctx context.Context, req *ports.BracketOrderRequest) float64 {
	bid, ask, err := g.GetBestBidAsk(ctx, req.Product.ID)
	if err != nil || bid <= 0 || ask <= 0 {
		g.logger.Warn(ctx, "Book ticker unavailable, using observed price for entry", map[string]interface{}{
			"symbol": req.Product.ID,
			"price":  req.EntryPrice,
		})
		return req.EntryPrice
	}
	if req.Side == domain.Buy {
		return ask
	}
	return bid
}

// cleanupPartialBracket undoes a half-placed bracket: cancels the orders
// that made it to the exchange and flattens whatever quantity the entry
// already filled.
func (g *Gateway) cleanupPartialBracket(ctx context.Context, symbol string, side domain.OrderSide, quantity, entryID, stopID string) {
	op := "cleanupPartialBracket"
	g.logger.Warn(ctx, op+": rolling back partial bracket", map[string]interface{}{
		"symbol": symbol, "entryOrderID": entryID, "stopOrderID": stopID,
	})

	g.cancelOrderWarn(ctx, symbol, stopID)
	g.cancelOrderWarn(ctx, symbol, entryID)

	// The entry may have filled before the cancel landed; a reduce-only
	// market order flattens it and is harmless when nothing filled.
	_, err := g.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(binanceSide(side.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		translated := g.handleError(ctx, err, op+" flatten")
		if !errors.Is(translated, ports.ErrPositionNotFound) && !errors.Is(translated, ports.ErrOrderRejected) {
			g.logger.Error(ctx, translated, op+": failed to flatten partial fill, manual intervention may be required", map[string]interface{}{
				"symbol": symbol,
			})
		}
	}
}

// cancelOrderWarn cancels an order, logging a warning on failure rather
// than propagating it. Missing orders are fine.
func (g *Gateway) cancelOrderWarn(ctx context.Context, symbol, orderID string) {
	if orderID == "" {
		return
	}
	if err := g.CancelOrder(ctx, symbol, orderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		g.logger.Warn(ctx, "Failed to cancel order during cleanup", map[string]interface{}{
			"symbol":  symbol,
			"orderID": orderID,
			"error":   err.Error(),
		})
	}
}

// CancelOrder cancels an open order on Binance.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: order id %q is not numeric: %w", op, orderID, ports.ErrInvalidRequest)
	}

	g.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	_, err = g.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return g.handleError(ctx, err, op)
	}

	g.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// ClosePosition flattens the position with a reduce-only market order and
// reports the actual fill price.
func (g *Gateway) ClosePosition(ctx context.Context, req *ports.ClosePositionRequest) (*ports.CloseResult, error) {
	op := "ClosePosition"
	if req == nil {
		return nil, fmt.Errorf("%s: close request is required: %w", op, ports.ErrInvalidRequest)
	}

	order, err := g.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binanceSide(req.Side.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return nil, g.handleError(ctx, err, op)
	}

	exitPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	if exitPrice <= 0 {
		// Market fills report asynchronously sometimes; fall back to the
		// caller's observed price, then to a fresh ticker read.
		exitPrice = req.ExitPrice
	}
	if exitPrice <= 0 {
		if price, priceErr := g.GetPrice(ctx, req.Symbol); priceErr == nil {
			exitPrice = price
		}
	}

	result := &ports.CloseResult{
		OrderID:   strconv.FormatInt(order.OrderID, 10),
		ExitPrice: exitPrice,
		Timestamp: time.Now().UTC(),
	}
	g.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":    req.Symbol,
		"orderID":   result.OrderID,
		"exitPrice": result.ExitPrice,
	})
	return result, nil
}

// GetPositions retrieves open positions, optionally filtered to symbols.
func (g *Gateway) GetPositions(ctx context.Context, symbols []string) ([]domain.Position, error) {
	op := "GetPositions"
	risks, err := g.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, g.handleError(ctx, err, op)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	positions := make([]domain.Position, 0, len(risks))
	for _, r := range risks {
		if len(wanted) > 0 && !wanted[r.Symbol] {
			continue
		}
		pos, ok := translatePosition(r)
		if !ok {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (g *Gateway) setLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "setLeverage"
	_, err := g.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return g.handleError(ctx, err, op)
	}
	g.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// --- Translation Helpers ---

func binanceSide(side domain.OrderSide) futures.SideType {
	if side == domain.Sell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

// translatePosition converts a Binance position risk record. Flat
// positions (zero amount) report ok=false.
func translatePosition(r *futures.PositionRisk) (domain.Position, bool) {
	amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
	if amt == 0 {
		return domain.Position{}, false
	}
	entryPrice, _ := strconv.ParseFloat(r.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(r.MarkPrice, 64)
	unProfit, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
	leverage, _ := strconv.Atoi(r.Leverage) // Leverage is a string in go-binance

	side := domain.Buy
	if amt < 0 {
		side = domain.Sell
		amt = -amt
	}
	return domain.Position{
		Symbol:        r.Symbol,
		Side:          side,
		Quantity:      amt,
		EntryPrice:    entryPrice,
		MarkPrice:     markPrice,
		UnrealizedPNL: unProfit,
		Leverage:      leverage,
	}, true
}

func parseFilterFloat(filter map[string]interface{}, key string) float64 {
	raw, ok := filter[key].(string)
	if !ok {
		return 0
	}
	v, _ := strconv.ParseFloat(raw, 64)
	return v
}

func formatPrice(p *domain.Product, price float64) string {
	return strconv.FormatFloat(p.RoundToTick(price), 'f', p.PricePrecision(), 64)
}

func formatQuantity(p *domain.Product, qty float64) string {
	return strconv.FormatFloat(qty, 'f', p.QuantityPrecision(), 64)
}

// Ensure Gateway implements the gateway and product source interfaces.
var (
	_ ports.OrderGateway  = (*Gateway)(nil)
	_ ports.ProductSource = (*Gateway)(nil)
)
