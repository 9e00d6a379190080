package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copyTradeBot/internal/domain"
	"copyTradeBot/internal/ports"
	"copyTradeBot/internal/risk"
)

// --- Mocks ---

type mockLogger struct {
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockGateway struct {
	price      float64
	prices     map[string]float64
	priceErr   error
	priceErrs  map[string]error
	priceCalls int

	bracket        *ports.BracketOrder
	bracketErr     error
	bracketCalls   int
	lastBracketReq *ports.BracketOrderRequest

	closeResult  *ports.CloseResult
	closeErr     error
	closeCalls   int
	closeDelay   time.Duration
	lastCloseReq *ports.ClosePositionRequest

	cancelErr error
	canceled  []string
}

func (m *mockGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.priceCalls++
	if err, ok := m.priceErrs[symbol]; ok {
		return 0, err
	}
	if m.priceErr != nil {
		return 0, m.priceErr
	}
	if p, ok := m.prices[symbol]; ok {
		return p, nil
	}
	return m.price, nil
}

func (m *mockGateway) GetBestBidAsk(ctx context.Context, symbol string) (float64, float64, error) {
	p, err := m.GetPrice(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}
	return p, p, nil
}

func (m *mockGateway) PlaceBracketOrder(ctx context.Context, req *ports.BracketOrderRequest) (*ports.BracketOrder, error) {
	m.bracketCalls++
	m.lastBracketReq = req
	if m.bracketErr != nil {
		return nil, m.bracketErr
	}
	if m.bracket != nil {
		return m.bracket, nil
	}
	return &ports.BracketOrder{
		EntryOrderID:      "entry-1",
		StopOrderID:       "stop-1",
		TakeProfitOrderID: "tp-1",
		EntryPrice:        req.Product.RoundToTick(req.EntryPrice),
		Timestamp:         time.Now().UTC(),
	}, nil
}

func (m *mockGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.canceled = append(m.canceled, orderID)
	return m.cancelErr
}

func (m *mockGateway) ClosePosition(ctx context.Context, req *ports.ClosePositionRequest) (*ports.CloseResult, error) {
	m.closeCalls++
	m.lastCloseReq = req
	if m.closeDelay > 0 {
		time.Sleep(m.closeDelay)
	}
	if m.closeErr != nil {
		return nil, m.closeErr
	}
	if m.closeResult != nil {
		return m.closeResult, nil
	}
	return &ports.CloseResult{OrderID: "close-1", ExitPrice: req.ExitPrice, Timestamp: time.Now().UTC()}, nil
}

func (m *mockGateway) GetPositions(ctx context.Context, symbols []string) ([]domain.Position, error) {
	return nil, nil
}

type mockTradeRepo struct {
	mu              sync.Mutex
	trades          map[int64]*domain.Trade
	nextID          int64
	createErr       error
	updateErr       error
	findErr         error
	updateCalls     int
	findActiveCalls int
}

func newMockTradeRepo() *mockTradeRepo {
	return &mockTradeRepo{trades: make(map[int64]*domain.Trade)}
}

func (m *mockTradeRepo) Create(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextID++
	cp := *trade
	cp.ID = m.nextID
	m.trades[cp.ID] = &cp
	return cp.ID, nil
}

func (m *mockTradeRepo) Update(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.trades[trade.ID]; !ok {
		return ports.ErrNotFound
	}
	cp := *trade
	m.trades[cp.ID] = &cp
	return nil
}

func (m *mockTradeRepo) FindByID(ctx context.Context, id int64) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	t, ok := m.trades[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *mockTradeRepo) FindActive(ctx context.Context) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findActiveCalls++
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []*domain.Trade
	for _, t := range m.trades {
		if t.Status == domain.StatusActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockTradeRepo) FindClosed(ctx context.Context, limit int) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []*domain.Trade
	for _, t := range m.trades {
		if t.Status == domain.StatusClosed {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockTradeRepo) activeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findActiveCalls
}

type mockResolver struct {
	product    *domain.Product
	err        error
	lastTicker string
}

func (m *mockResolver) Resolve(ctx context.Context, ticker string) (*domain.Product, error) {
	m.lastTicker = ticker
	if m.err != nil {
		return nil, m.err
	}
	if m.product == nil {
		return nil, fmt.Errorf("symbol %q: %w", ticker, ports.ErrSymbolNotFound)
	}
	return m.product, nil
}

type mockNotifier struct {
	mu     sync.Mutex
	opened int
	closed int
	failed int
}

func (m *mockNotifier) NotifyTradeOpened(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	return nil
}

func (m *mockNotifier) NotifyTradeClosed(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockNotifier) NotifyTradeFailed(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	return nil
}

func (m *mockNotifier) openedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// --- Fixtures ---

func testProduct() *domain.Product {
	return &domain.Product{
		ID:         "BTCUSDT",
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		TickSize:   0.5,
		StepSize:   0.001,
		MinSize:    0.001,
		MaxSize:    1000,
	}
}

func buySignal() *domain.Signal {
	return &domain.Signal{
		Symbol:     "BTC",
		Side:       "buy",
		Quantity:   0.5,
		EntryPrice: 50000,
		StopLoss:   49000,
		TakeProfit: 52000,
		Confidence: 0.9,
		Reasoning:  "breakout above resistance",
	}
}

func seedActiveTrade(repo *mockTradeRepo, id int64) *domain.Trade {
	entryID, stopID, tpID := "entry-1", "stop-1", "tp-1"
	trade := &domain.Trade{
		ID:                id,
		Symbol:            "BTCUSDT",
		Side:              domain.Buy,
		Quantity:          0.5,
		SignalEntryPrice:  50000,
		StopLoss:          49000,
		TakeProfit:        52000,
		Status:            domain.StatusActive,
		ActualEntryPrice:  50000,
		Fees:              10,
		IsSimulated:       true,
		OpenTime:          time.Now().UTC().Add(-time.Hour),
		ExchangeOrderID:   &entryID,
		StopOrderID:       &stopID,
		TakeProfitOrderID: &tpID,
	}
	repo.trades[id] = trade
	if repo.nextID < id {
		repo.nextID = id
	}
	return trade
}

func newTestEngine(t *testing.T, gw *mockGateway, repo *mockTradeRepo, res *mockResolver) *TradeEngine {
	t.Helper()
	engine, err := NewTradeEngine(Config{
		Logger:    &mockLogger{},
		Gateway:   gw,
		Repo:      repo,
		Resolver:  res,
		Validator: risk.NewValidator(),
		Simulated: true,
	})
	require.NoError(t, err)
	return engine
}

// --- Constructor ---

func TestNewTradeEngine(t *testing.T) {
	valid := func() Config {
		return Config{
			Logger:    &mockLogger{},
			Gateway:   &mockGateway{},
			Repo:      newMockTradeRepo(),
			Resolver:  &mockResolver{},
			Validator: risk.NewValidator(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: false},
		{name: "missing logger", mutate: func(c *Config) { c.Logger = nil }, wantErr: true},
		{name: "missing gateway", mutate: func(c *Config) { c.Gateway = nil }, wantErr: true},
		{name: "missing repo", mutate: func(c *Config) { c.Repo = nil }, wantErr: true},
		{name: "missing resolver", mutate: func(c *Config) { c.Resolver = nil }, wantErr: true},
		{name: "missing validator", mutate: func(c *Config) { c.Validator = nil }, wantErr: true},
		{name: "negative order timeout", mutate: func(c *Config) { c.OrderTimeout = -time.Second }, wantErr: true},
		{name: "negative fee rate", mutate: func(c *Config) { c.TakerFeeRate = -0.01 }, wantErr: true},
		{name: "negative initial balance", mutate: func(c *Config) { c.InitialBalance = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			engine, err := NewTradeEngine(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, engine)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, engine)
			assert.Equal(t, defaultOrderTimeout, engine.orderTimeout)
			assert.Equal(t, defaultTakerFeeRate, engine.takerFeeRate)
			assert.Equal(t, defaultInitialBalance, engine.initialBalance)
		})
	}
}

// --- ProcessSignal ---

func TestProcessSignal_OpensActiveTrade(t *testing.T) {
	placedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gw := &mockGateway{
		price: 50005,
		bracket: &ports.BracketOrder{
			EntryOrderID:      "E-100",
			StopOrderID:       "S-101",
			TakeProfitOrderID: "T-102",
			EntryPrice:        50005,
			Timestamp:         placedAt,
		},
	}
	repo := newMockTradeRepo()
	res := &mockResolver{product: testProduct()}
	engine := newTestEngine(t, gw, repo, res)

	trade, err := engine.ProcessSignal(context.Background(), buySignal())
	require.NoError(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, int64(1), trade.ID)
	assert.Equal(t, domain.StatusActive, trade.Status)
	assert.Equal(t, "BTCUSDT", trade.Symbol, "ticker resolved to the canonical symbol")
	assert.Equal(t, 50005.0, trade.ActualEntryPrice)
	assert.True(t, trade.OpenTime.Equal(placedAt))
	require.NotNil(t, trade.ExchangeOrderID)
	assert.Equal(t, "E-100", *trade.ExchangeOrderID)
	require.NotNil(t, trade.StopOrderID)
	assert.Equal(t, "S-101", *trade.StopOrderID)
	require.NotNil(t, trade.TakeProfitOrderID)
	assert.Equal(t, "T-102", *trade.TakeProfitOrderID)
	assert.InDelta(t, 0.0004*50005*0.5, trade.Fees, 1e-9)
	assert.True(t, trade.IsSimulated)

	require.NotNil(t, gw.lastBracketReq)
	assert.Equal(t, domain.Buy, gw.lastBracketReq.Side)
	assert.Equal(t, 0.5, gw.lastBracketReq.Quantity)
	assert.Equal(t, 50005.0, gw.lastBracketReq.EntryPrice)
	assert.Equal(t, 49000.0, gw.lastBracketReq.StopLoss)
	assert.Equal(t, 52000.0, gw.lastBracketReq.TakeProfit)
	assert.Equal(t, "BTC", res.lastTicker)

	stored := repo.trades[1]
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Equal(t, "E-100", *stored.ExchangeOrderID)
}

func TestProcessSignal_SwapsReversedLevels(t *testing.T) {
	gw := &mockGateway{price: 50005}
	repo := newMockTradeRepo()
	res := &mockResolver{product: testProduct()}
	engine := newTestEngine(t, gw, repo, res)

	sig := buySignal()
	sig.StopLoss, sig.TakeProfit = 52000, 49000 // Exactly reversed

	trade, err := engine.ProcessSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, trade.Status)
	assert.Equal(t, 49000.0, trade.StopLoss)
	assert.Equal(t, 52000.0, trade.TakeProfit)
	assert.Equal(t, 49000.0, gw.lastBracketReq.StopLoss)
	assert.Equal(t, 52000.0, gw.lastBracketReq.TakeProfit)
}

func TestProcessSignal_UnknownSideLeavesNoRecord(t *testing.T) {
	gw := &mockGateway{price: 50005}
	repo := newMockTradeRepo()
	engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

	sig := buySignal()
	sig.Side = "hold"

	trade, err := engine.ProcessSignal(context.Background(), sig)
	assert.Nil(t, trade)
	assert.ErrorIs(t, err, ports.ErrValidationFailed)
	assert.Empty(t, repo.trades, "nothing to record for an unparseable signal")
	assert.Equal(t, 0, gw.bracketCalls)
}

func TestProcessSignal_Rejections(t *testing.T) {
	dbDown := errors.New("catalogue store down")

	tests := []struct {
		name         string
		mutateSignal func(*domain.Signal)
		setup        func(gw *mockGateway, res *mockResolver)
		wantErr      error
		wantReason   string
		bracketCalls int
		priceCalls   int
	}{
		{
			name:         "reward risk below minimum",
			mutateSignal: func(s *domain.Signal) { s.StopLoss = 48000; s.TakeProfit = 50500 },
			setup:        func(gw *mockGateway, res *mockResolver) {},
			wantErr:      ports.ErrValidationFailed,
			wantReason:   "reward/risk",
			bracketCalls: 0,
			priceCalls:   0,
		},
		{
			name:         "misordered bracket",
			mutateSignal: func(s *domain.Signal) { s.StopLoss = 49000; s.TakeProfit = 49500; s.EntryPrice = 49700 },
			setup:        func(gw *mockGateway, res *mockResolver) {},
			wantErr:      ports.ErrValidationFailed,
			wantReason:   "misordered",
			bracketCalls: 0,
			priceCalls:   0,
		},
		{
			name:         "unknown symbol",
			mutateSignal: func(s *domain.Signal) { s.Symbol = "NOPE" },
			setup:        func(gw *mockGateway, res *mockResolver) { res.product = nil },
			wantErr:      ports.ErrSymbolNotFound,
			wantReason:   "invalid symbol",
			bracketCalls: 0,
			priceCalls:   0,
		},
		{
			name:         "catalogue unavailable",
			mutateSignal: func(s *domain.Signal) {},
			setup:        func(gw *mockGateway, res *mockResolver) { res.err = dbDown },
			wantErr:      dbDown,
			wantReason:   "catalogue unavailable",
			bracketCalls: 0,
			priceCalls:   0,
		},
		{
			name:         "quantity above maximum",
			mutateSignal: func(s *domain.Signal) { s.Quantity = 2000 },
			setup:        func(gw *mockGateway, res *mockResolver) {},
			wantErr:      ports.ErrOrderRejected,
			wantReason:   "outside product bounds",
			bracketCalls: 0,
			priceCalls:   0,
		},
		{
			name:         "quantity below minimum",
			mutateSignal: func(s *domain.Signal) { s.Quantity = 0.0001 },
			setup:        func(gw *mockGateway, res *mockResolver) {},
			wantErr:      ports.ErrOrderRejected,
			wantReason:   "outside product bounds",
			bracketCalls: 0,
			priceCalls:   0,
		},
		{
			name:         "market price unavailable",
			mutateSignal: func(s *domain.Signal) {},
			setup:        func(gw *mockGateway, res *mockResolver) { gw.priceErr = errors.New("feed down") },
			wantErr:      nil, // No sentinel; the feed error itself is wrapped
			wantReason:   "price unavailable",
			bracketCalls: 0,
			priceCalls:   1,
		},
		{
			name:         "gateway rejects order",
			mutateSignal: func(s *domain.Signal) {},
			setup: func(gw *mockGateway, res *mockResolver) {
				gw.bracketErr = fmt.Errorf("margin is insufficient: %w", ports.ErrOrderRejected)
			},
			wantErr:      ports.ErrOrderRejected,
			wantReason:   "margin is insufficient",
			bracketCalls: 1,
			priceCalls:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &mockGateway{price: 50005}
			repo := newMockTradeRepo()
			res := &mockResolver{product: testProduct()}
			tt.setup(gw, res)
			engine := newTestEngine(t, gw, repo, res)

			sig := buySignal()
			tt.mutateSignal(sig)

			trade, err := engine.ProcessSignal(context.Background(), sig)
			require.Error(t, err)
			require.NotNil(t, trade, "rejections still return the recorded trade")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, domain.StatusFailed, trade.Status)
			assert.Contains(t, trade.FailReason, tt.wantReason)
			assert.Equal(t, tt.bracketCalls, gw.bracketCalls, "no retry, no stray order calls")
			assert.Equal(t, tt.priceCalls, gw.priceCalls, "no market calls before the checks that precede them")

			stored := repo.trades[trade.ID]
			require.NotNil(t, stored)
			assert.Equal(t, domain.StatusFailed, stored.Status)
			assert.Contains(t, stored.FailReason, tt.wantReason)
		})
	}
}

func TestProcessSignal_SlippageGate(t *testing.T) {
	t.Run("drift beyond limit rejects before any order call", func(t *testing.T) {
		gw := &mockGateway{price: 50600} // 1.2% above the signal's 50000
		repo := newMockTradeRepo()
		engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

		trade, err := engine.ProcessSignal(context.Background(), buySignal())
		require.Error(t, err)
		assert.ErrorIs(t, err, ports.ErrSlippageExceeded)
		assert.Equal(t, domain.StatusFailed, trade.Status)
		assert.Contains(t, trade.FailReason, "slippage")
		assert.Equal(t, 0, gw.bracketCalls)
		assert.Equal(t, 0, gw.closeCalls)
	})

	t.Run("drift exactly at the limit passes", func(t *testing.T) {
		gw := &mockGateway{price: 50500} // Exactly 1.0%
		repo := newMockTradeRepo()
		engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

		trade, err := engine.ProcessSignal(context.Background(), buySignal())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, trade.Status)
		assert.Equal(t, 1, gw.bracketCalls)
	})

	t.Run("market-entry percent signal skips the gate", func(t *testing.T) {
		gw := &mockGateway{price: 99999} // Nowhere near the usual fixtures
		repo := newMockTradeRepo()
		engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

		// No entry price to drift from: levels derive from the observed price.
		sig := &domain.Signal{
			Symbol:            "BTC",
			Side:              "buy",
			Quantity:          0.5,
			StopLossPercent:   2,
			TakeProfitPercent: 4,
			Confidence:        0.8,
		}

		_, err := engine.ProcessSignal(context.Background(), sig)
		require.NoError(t, err)
		assert.Equal(t, 1, gw.bracketCalls)
	})
}

func TestProcessSignal_PercentBracket(t *testing.T) {
	tests := []struct {
		name   string
		side   string
		price  float64
		wantSL float64
		wantTP float64
	}{
		{name: "buy derives below and above", side: "buy", price: 50000, wantSL: 49000, wantTP: 52000},
		{name: "sell derives mirrored", side: "sell", price: 50000, wantSL: 51000, wantTP: 48000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &mockGateway{price: tt.price}
			repo := newMockTradeRepo()
			engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

			sig := &domain.Signal{
				Symbol:            "BTC",
				Side:              tt.side,
				Quantity:          0.5,
				StopLossPercent:   2,
				TakeProfitPercent: 4,
				Confidence:        0.8,
			}

			trade, err := engine.ProcessSignal(context.Background(), sig)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusActive, trade.Status)
			assert.InDelta(t, tt.wantSL, trade.StopLoss, 1e-9)
			assert.InDelta(t, tt.wantTP, trade.TakeProfit, 1e-9)
			assert.InDelta(t, tt.wantSL, gw.lastBracketReq.StopLoss, 1e-9)
			assert.InDelta(t, tt.wantTP, gw.lastBracketReq.TakeProfit, 1e-9)
		})
	}
}

func TestProcessSignal_PercentBracketCollapsedByTick(t *testing.T) {
	gw := &mockGateway{price: 50000}
	repo := newMockTradeRepo()
	engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

	// 0.0005% of 50000 is 0.25, under the 0.5 tick: the stop rounds back
	// onto the observed price and no longer protects the position.
	sig := &domain.Signal{
		Symbol:            "BTC",
		Side:              "buy",
		Quantity:          0.5,
		StopLossPercent:   0.0005,
		TakeProfitPercent: 0.0005,
		Confidence:        0.8,
	}

	trade, err := engine.ProcessSignal(context.Background(), sig)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrValidationFailed)
	assert.Equal(t, domain.StatusFailed, trade.Status)
	assert.Contains(t, trade.FailReason, "collapsed")
	assert.Equal(t, 0, gw.bracketCalls)
}

func TestProcessSignal_PersistsAuditTrail(t *testing.T) {
	gw := &mockGateway{price: 50005}
	repo := newMockTradeRepo()
	engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

	sig := buySignal()
	trade, err := engine.ProcessSignal(context.Background(), sig)
	require.NoError(t, err)

	stored := repo.trades[trade.ID]
	require.NotNil(t, stored)
	assert.Equal(t, sig.Encode(), stored.SourceSignal)
	assert.Equal(t, 0.9, stored.Confidence)
	assert.Equal(t, "breakout above resistance", stored.Reasoning)
	assert.True(t, stored.IsSimulated)
}

func TestProcessSignal_NotifiesOpened(t *testing.T) {
	gw := &mockGateway{price: 50005}
	repo := newMockTradeRepo()
	notifier := &mockNotifier{}
	engine, err := NewTradeEngine(Config{
		Logger:    &mockLogger{},
		Gateway:   gw,
		Repo:      repo,
		Resolver:  &mockResolver{product: testProduct()},
		Validator: risk.NewValidator(),
		Notifier:  notifier,
		Simulated: true,
	})
	require.NoError(t, err)

	_, err = engine.ProcessSignal(context.Background(), buySignal())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return notifier.openedCount() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestProcessSignal_RollbackOnPersistFailure(t *testing.T) {
	dbErr := errors.New("disk full")
	gw := &mockGateway{price: 50005}
	repo := newMockTradeRepo()
	engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

	// Create works, the activation update fails.
	repo.updateErr = dbErr

	trade, err := engine.ProcessSignal(context.Background(), buySignal())
	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
	require.NotNil(t, trade)
	assert.Equal(t, domain.StatusFailed, trade.Status)

	assert.Equal(t, 1, gw.bracketCalls)
	assert.Equal(t, 1, gw.closeCalls, "orphaned position flattened")
	assert.Contains(t, gw.canceled, "stop-1")
	assert.Contains(t, gw.canceled, "tp-1")
}

// --- CloseTrade ---

func TestCloseTrade_Success(t *testing.T) {
	closedAt := time.Date(2025, 6, 1, 15, 30, 0, 0, time.UTC)
	gw := &mockGateway{
		closeResult: &ports.CloseResult{OrderID: "C-1", ExitPrice: 52000, Timestamp: closedAt},
	}
	repo := newMockTradeRepo()
	seedActiveTrade(repo, 1)
	engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

	trade, err := engine.CloseTrade(context.Background(), 1, domain.CloseReasonTakeProfit, 52000)
	require.NoError(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, domain.StatusClosed, trade.Status)
	assert.Equal(t, 52000.0, trade.ExitPrice)
	assert.InDelta(t, 1000.0, trade.PNL, 1e-9) // (52000-50000) * 0.5
	assert.InDelta(t, 10+0.0004*52000*0.5, trade.Fees, 1e-9)
	assert.Equal(t, domain.CloseReasonTakeProfit, trade.CloseReason)
	assert.True(t, trade.CloseTime.Equal(closedAt))

	require.NotNil(t, gw.lastCloseReq)
	assert.Equal(t, "BTCUSDT", gw.lastCloseReq.Symbol)
	assert.Equal(t, domain.Buy, gw.lastCloseReq.Side)
	assert.Equal(t, 52000.0, gw.lastCloseReq.ExitPrice)
	assert.Contains(t, gw.canceled, "stop-1")
	assert.Contains(t, gw.canceled, "tp-1")

	stored := repo.trades[1]
	assert.Equal(t, domain.StatusClosed, stored.Status)
	assert.InDelta(t, 1000.0, stored.PNL, 1e-9)
}

func TestCloseTrade_SellSidePNL(t *testing.T) {
	gw := &mockGateway{}
	repo := newMockTradeRepo()
	trade := seedActiveTrade(repo, 1)
	trade.Side = domain.Sell
	trade.StopLoss, trade.TakeProfit = 52000, 48000
	engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

	closed, err := engine.CloseTrade(context.Background(), 1, domain.CloseReasonTakeProfit, 48000)
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, closed.PNL, 1e-9) // (48000-50000) * 0.5 * -1
}

func TestCloseTrade_Idempotent(t *testing.T) {
	gw := &mockGateway{}
	repo := newMockTradeRepo()
	seedActiveTrade(repo, 1)
	engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

	first, err := engine.CloseTrade(context.Background(), 1, domain.CloseReasonManual, 51000)
	require.NoError(t, err)
	require.Equal(t, domain.StatusClosed, first.Status)

	second, err := engine.CloseTrade(context.Background(), 1, domain.CloseReasonManual, 51500)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, second.Status)
	assert.Equal(t, first.ExitPrice, second.ExitPrice, "second close changes nothing")
	assert.Equal(t, 1, gw.closeCalls, "only one exit order ever placed")
}

func TestCloseTrade_ConcurrentCallersSingleExitOrder(t *testing.T) {
	gw := &mockGateway{closeDelay: 50 * time.Millisecond}
	repo := newMockTradeRepo()
	seedActiveTrade(repo, 1)
	engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

	type outcome struct {
		trade *domain.Trade
		err   error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			trade, err := engine.CloseTrade(context.Background(), 1, domain.CloseReasonStopLoss, 49000)
			results <- outcome{trade, err}
		}()
	}

	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		require.NotNil(t, out.trade)
		assert.Equal(t, domain.StatusClosed, out.trade.Status)
		assert.Equal(t, 49000.0, out.trade.ExitPrice)
	}
	assert.Equal(t, 1, gw.closeCalls, "exactly one gateway close for concurrent callers")
}

func TestCloseTrade_TimeoutLeavesTradeActive(t *testing.T) {
	gw := &mockGateway{closeErr: fmt.Errorf("exchange: %w", ports.ErrTimeout)}
	repo := newMockTradeRepo()
	seedActiveTrade(repo, 1)
	engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

	trade, err := engine.CloseTrade(context.Background(), 1, domain.CloseReasonStopLoss, 49000)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrTimeout)
	assert.Nil(t, trade)
	assert.Equal(t, domain.StatusActive, repo.trades[1].Status, "a timeout is never treated as closed")

	// The latch is released: the next attempt goes through.
	gw.closeErr = nil
	closed, err := engine.CloseTrade(context.Background(), 1, domain.CloseReasonStopLoss, 48900)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.Equal(t, 2, gw.closeCalls)
}

func TestCloseTrade_AlreadyFlatFinalisesRecord(t *testing.T) {
	t.Run("with observed price", func(t *testing.T) {
		gw := &mockGateway{closeErr: fmt.Errorf("no position: %w", ports.ErrPositionNotFound)}
		repo := newMockTradeRepo()
		seedActiveTrade(repo, 1)
		engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

		trade, err := engine.CloseTrade(context.Background(), 1, domain.CloseReasonStopLoss, 48900)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusClosed, trade.Status)
		assert.Equal(t, 48900.0, trade.ExitPrice)
		assert.InDelta(t, -550.0, trade.PNL, 1e-9) // (48900-50000) * 0.5
		assert.Equal(t, domain.CloseReasonStopLoss, trade.CloseReason)
	})

	t.Run("without observed price falls back to the feed", func(t *testing.T) {
		gw := &mockGateway{
			closeErr: fmt.Errorf("no position: %w", ports.ErrPositionNotFound),
			price:    49100,
		}
		repo := newMockTradeRepo()
		seedActiveTrade(repo, 1)
		engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

		trade, err := engine.CloseTrade(context.Background(), 1, domain.CloseReasonManual, 0)
		require.NoError(t, err)
		assert.Equal(t, 49100.0, trade.ExitPrice)
	})
}

func TestCloseTrade_InvalidStates(t *testing.T) {
	gw := &mockGateway{}
	repo := newMockTradeRepo()
	engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

	t.Run("unknown trade", func(t *testing.T) {
		_, err := engine.CloseTrade(context.Background(), 42, domain.CloseReasonManual, 0)
		assert.ErrorIs(t, err, ports.ErrTradeNotFound)
	})

	t.Run("pending trade", func(t *testing.T) {
		pending := seedActiveTrade(repo, 2)
		pending.Status = domain.StatusPending
		_, err := engine.CloseTrade(context.Background(), 2, domain.CloseReasonManual, 0)
		assert.ErrorIs(t, err, ports.ErrTradeNotActive)
	})

	t.Run("failed trade", func(t *testing.T) {
		failed := seedActiveTrade(repo, 3)
		failed.Status = domain.StatusFailed
		_, err := engine.CloseTrade(context.Background(), 3, domain.CloseReasonManual, 0)
		assert.ErrorIs(t, err, ports.ErrTradeNotActive)
	})

	assert.Equal(t, 0, gw.closeCalls)
}

func TestCloseTrade_RecordUpdateFailureHeals(t *testing.T) {
	dbErr := errors.New("db locked")
	gw := &mockGateway{}
	repo := newMockTradeRepo()
	seedActiveTrade(repo, 1)
	engine := newTestEngine(t, gw, repo, &mockResolver{product: testProduct()})

	repo.updateErr = dbErr
	_, err := engine.CloseTrade(context.Background(), 1, domain.CloseReasonTakeProfit, 52000)
	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
	assert.Equal(t, domain.StatusActive, repo.trades[1].Status)

	// Store recovers; the retry finalises the record.
	repo.updateErr = nil
	trade, err := engine.CloseTrade(context.Background(), 1, domain.CloseReasonTakeProfit, 52000)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, trade.Status)
	assert.Equal(t, domain.StatusClosed, repo.trades[1].Status)
}

// --- GetPerformance ---

func TestGetPerformance(t *testing.T) {
	repo := newMockTradeRepo()
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	winID, lossID := int64(1), int64(2)
	win := seedActiveTrade(repo, winID)
	win.Status = domain.StatusClosed
	win.ExitPrice = 52000
	win.PNL = 1000
	win.Fees = 20.4
	win.OpenTime = base
	win.CloseTime = base.Add(2 * time.Hour)

	loss := seedActiveTrade(repo, lossID)
	loss.Status = domain.StatusClosed
	loss.ExitPrice = 49000
	loss.PNL = -500
	loss.Fees = 19.8
	loss.OpenTime = base.Add(3 * time.Hour)
	loss.CloseTime = base.Add(4 * time.Hour)

	engine := newTestEngine(t, &mockGateway{}, repo, &mockResolver{product: testProduct()})

	metrics, err := engine.GetPerformance(context.Background())
	require.NoError(t, err)
	require.NotNil(t, metrics)
	assert.Equal(t, 2, metrics.TotalTrades)
	assert.Equal(t, 1, metrics.WinningTrades)
	assert.Equal(t, 1, metrics.LosingTrades)
	assert.InDelta(t, 0.5, metrics.WinRate, 1e-9)
	assert.InDelta(t, 500.0, metrics.TotalProfit, 1e-9)
	assert.InDelta(t, defaultInitialBalance+500, metrics.FinalBalance, 1e-9)

	repo.findErr = errors.New("db down")
	_, err = engine.GetPerformance(context.Background())
	assert.Error(t, err)
}
