package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"copyTradeBot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "trade-engine-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewRepository(Config{
		DBPath: dbPath,
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}

	return repo, cleanup
}

func strPtr(s string) *string { return &s }

func activeTrade(symbol string) *domain.Trade {
	return &domain.Trade{
		Symbol:            symbol,
		Side:              domain.Buy,
		Quantity:          0.5,
		SignalEntryPrice:  45000.0,
		StopLoss:          43000.0,
		TakeProfit:        48000.0,
		Leverage:          5,
		Confidence:        0.82,
		Reasoning:         "breakout above resistance",
		SourceSignal:      `{"symbol":"BTC","side":"buy"}`,
		IsSimulated:       true,
		Status:            domain.StatusActive,
		ActualEntryPrice:  45012.5,
		OpenTime:          time.Now().UTC(),
		ExchangeOrderID:   strPtr("PAPER-1"),
		StopOrderID:       strPtr("PAPER-2"),
		TakeProfitOrderID: strPtr("PAPER-3"),
	}
}

func TestRepository_CreateAndFindTrade(t *testing.T) {
	tests := []struct {
		name  string
		trade *domain.Trade
	}{
		{
			name:  "active trade with bracket order ids",
			trade: activeTrade("BTCUSDT"),
		},
		{
			name: "pending trade without exchange state",
			trade: &domain.Trade{
				Symbol:            "ETHUSDT",
				Side:              domain.Sell,
				Quantity:          2.0,
				StopLossPercent:   1.5,
				TakeProfitPercent: 3.0,
				Status:            domain.StatusPending,
				OpenTime:          time.Now().UTC(),
			},
		},
		{
			name: "failed trade with reason",
			trade: &domain.Trade{
				Symbol:     "ETHUSDT",
				Side:       domain.Buy,
				Quantity:   1.0,
				Status:     domain.StatusFailed,
				FailReason: "slippage exceeded 1% threshold",
				OpenTime:   time.Now().UTC(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, cleanup := setupTestDB(t)
			defer cleanup()

			ctx := context.Background()

			id, err := repo.Create(ctx, tt.trade)
			require.NoError(t, err)
			assert.Greater(t, id, int64(0))

			found, err := repo.FindByID(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, found)

			assert.Equal(t, tt.trade.Symbol, found.Symbol)
			assert.Equal(t, tt.trade.Side, found.Side)
			assert.Equal(t, tt.trade.Quantity, found.Quantity)
			assert.Equal(t, tt.trade.StopLoss, found.StopLoss)
			assert.Equal(t, tt.trade.TakeProfit, found.TakeProfit)
			assert.Equal(t, tt.trade.StopLossPercent, found.StopLossPercent)
			assert.Equal(t, tt.trade.TakeProfitPercent, found.TakeProfitPercent)
			assert.Equal(t, tt.trade.Leverage, found.Leverage)
			assert.Equal(t, tt.trade.Confidence, found.Confidence)
			assert.Equal(t, tt.trade.Reasoning, found.Reasoning)
			assert.Equal(t, tt.trade.SourceSignal, found.SourceSignal)
			assert.Equal(t, tt.trade.IsSimulated, found.IsSimulated)
			assert.Equal(t, tt.trade.Status, found.Status)
			assert.Equal(t, tt.trade.ActualEntryPrice, found.ActualEntryPrice)
			assert.Equal(t, tt.trade.FailReason, found.FailReason)
			if tt.trade.ExchangeOrderID != nil {
				require.NotNil(t, found.ExchangeOrderID)
				assert.Equal(t, *tt.trade.ExchangeOrderID, *found.ExchangeOrderID)
			} else {
				assert.Nil(t, found.ExchangeOrderID)
			}
			assert.WithinDuration(t, tt.trade.OpenTime, found.OpenTime, time.Second)
		})
	}
}

func TestRepository_FindByID_NotFound(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	found, err := repo.FindByID(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestRepository_UpdateTrade(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Repository) (*domain.Trade, error)
		update  func(*domain.Trade)
		wantErr bool
	}{
		{
			name: "close trade",
			setup: func(r *Repository) (*domain.Trade, error) {
				trade := activeTrade("BTCUSDT")
				_, err := r.Create(context.Background(), trade)
				return trade, err
			},
			update: func(tr *domain.Trade) {
				tr.Status = domain.StatusClosed
				tr.ExitPrice = 48000.0
				tr.PNL = 1493.75
				tr.Fees = 18.6
				tr.CloseReason = domain.CloseReasonTakeProfit
				tr.CloseTime = time.Now().UTC()
			},
			wantErr: false,
		},
		{
			name: "fail trade after order rejection",
			setup: func(r *Repository) (*domain.Trade, error) {
				trade := activeTrade("ETHUSDT")
				trade.Status = domain.StatusPending
				_, err := r.Create(context.Background(), trade)
				return trade, err
			},
			update: func(tr *domain.Trade) {
				tr.Status = domain.StatusFailed
				tr.FailReason = "order rejected by exchange"
				tr.CloseTime = time.Now().UTC()
			},
			wantErr: false,
		},
		{
			name: "update non-existent trade",
			setup: func(r *Repository) (*domain.Trade, error) {
				trade := activeTrade("BTCUSDT")
				trade.ID = 999
				return trade, nil
			},
			update: func(tr *domain.Trade) {
				tr.Status = domain.StatusClosed
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, cleanup := setupTestDB(t)
			defer cleanup()

			ctx := context.Background()

			trade, err := tt.setup(repo)
			require.NoError(t, err)

			tt.update(trade)

			err = repo.Update(ctx, trade)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			found, err := repo.FindByID(ctx, trade.ID)
			require.NoError(t, err)
			require.NotNil(t, found)

			assert.Equal(t, trade.Status, found.Status)
			assert.Equal(t, trade.ExitPrice, found.ExitPrice)
			assert.Equal(t, trade.PNL, found.PNL)
			assert.Equal(t, trade.Fees, found.Fees)
			assert.Equal(t, trade.CloseReason, found.CloseReason)
			assert.Equal(t, trade.FailReason, found.FailReason)
		})
	}
}

func TestRepository_FindActive(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now().UTC()

	older := activeTrade("BTCUSDT")
	older.OpenTime = base.Add(-2 * time.Hour)
	newer := activeTrade("ETHUSDT")
	newer.OpenTime = base.Add(-1 * time.Hour)

	closed := activeTrade("SOLUSDT")
	closed.Status = domain.StatusClosed
	closed.CloseTime = base

	failed := activeTrade("XRPUSDT")
	failed.Status = domain.StatusFailed
	failed.FailReason = "validation failed"

	for _, tr := range []*domain.Trade{newer, older, closed, failed} {
		_, err := repo.Create(ctx, tr)
		require.NoError(t, err)
	}

	active, err := repo.FindActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	// Oldest first
	assert.Equal(t, "BTCUSDT", active[0].Symbol)
	assert.Equal(t, "ETHUSDT", active[1].Symbol)
}

func TestRepository_FindClosed(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now().UTC()

	for i, symbol := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		tr := activeTrade(symbol)
		tr.Status = domain.StatusClosed
		tr.CloseReason = domain.CloseReasonManual
		tr.CloseTime = base.Add(time.Duration(i) * time.Hour)
		_, err := repo.Create(ctx, tr)
		require.NoError(t, err)
	}

	limited, err := repo.FindClosed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	// Newest first
	assert.Equal(t, "SOLUSDT", limited[0].Symbol)
	assert.Equal(t, "ETHUSDT", limited[1].Symbol)

	all, err := repo.FindClosed(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRepository_ProductSnapshot(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// Empty store reports the zero time
	ts, err := repo.LastUpdated(ctx)
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	now := time.Now().UTC()
	first := []*domain.Product{
		{ID: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", TickSize: 0.1, StepSize: 0.001, MinSize: 0.001, MaxSize: 1000, LastUpdated: now},
		{ID: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT", TickSize: 0.01, StepSize: 0.001, MinSize: 0.001, MaxSize: 10000, LastUpdated: now},
	}
	require.NoError(t, repo.ReplaceAll(ctx, first))

	found, err := repo.FindBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "BTC", found.BaseAsset)
	assert.Equal(t, 0.1, found.TickSize)
	assert.Equal(t, 0.001, found.StepSize)

	missing, err := repo.FindBySymbol(ctx, "DOGEUSDT")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ts, err = repo.LastUpdated(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, now, ts, time.Second)

	// Wholesale replacement drops symbols missing from the new snapshot
	later := now.Add(time.Hour)
	second := []*domain.Product{
		{ID: "SOLUSDT", BaseAsset: "SOL", QuoteAsset: "USDT", TickSize: 0.001, StepSize: 0.1, MinSize: 0.1, MaxSize: 100000, LastUpdated: later},
	}
	require.NoError(t, repo.ReplaceAll(ctx, second))

	gone, err := repo.FindBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, gone)

	ts, err = repo.LastUpdated(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, later, ts, time.Second)
}

func TestRepository_PaperBalance(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// No saved state falls back to the default
	balance, err := repo.LoadBalance(ctx, 10000.0)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, balance)

	require.NoError(t, repo.SaveBalance(ctx, 10525.75))
	balance, err = repo.LoadBalance(ctx, 10000.0)
	require.NoError(t, err)
	assert.Equal(t, 10525.75, balance)

	// Saving again overwrites the single row
	require.NoError(t, repo.SaveBalance(ctx, 9800.25))
	balance, err = repo.LoadBalance(ctx, 10000.0)
	require.NoError(t, err)
	assert.Equal(t, 9800.25, balance)
}
