package app

import (
	"context"
	"fmt"
	"time"

	"copyTradeBot/internal/domain"
	"copyTradeBot/internal/ports"
)

const defaultMonitorInterval = 30 * time.Second

// TradeCloser is the slice of the engine the monitor drives.
type TradeCloser interface {
	CloseTrade(ctx context.Context, tradeID int64, reason domain.CloseReason, observedPrice float64) (*domain.Trade, error)
}

// MonitorConfig holds the dependencies and settings for the Monitor.
type MonitorConfig struct {
	Logger   ports.Logger
	Repo     ports.TradeRepository
	Prices   ports.PriceFeed
	Closer   TradeCloser
	Interval time.Duration // Zero uses defaultMonitorInterval
}

// Monitor polls active trades on a fixed interval and closes any whose
// stop-loss or take-profit level the market has crossed. It is the safety
// net behind the exchange-side bracket legs and the only close path in
// simulated mode.
type Monitor struct {
	logger   ports.Logger
	repo     ports.TradeRepository
	prices   ports.PriceFeed
	closer   TradeCloser
	interval time.Duration
}

// NewMonitor creates a new Monitor with the given configuration.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Logger == nil || cfg.Repo == nil || cfg.Prices == nil || cfg.Closer == nil {
		return nil, fmt.Errorf("missing required dependencies for Monitor")
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("configuration Interval must not be negative")
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultMonitorInterval
	}
	return &Monitor{
		logger:   cfg.Logger,
		repo:     cfg.Repo,
		prices:   cfg.Prices,
		closer:   cfg.Closer,
		interval: cfg.Interval,
	}, nil
}

// Run blocks until ctx is cancelled, checking active trades once per
// interval. Passes run inline in the loop, so a slow pass delays the next
// tick instead of overlapping it.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info(ctx, "Trade monitor started", map[string]interface{}{
		"interval": m.interval.String(),
	})

	// An immediate pass picks up trades restored from a previous run.
	m.runPass(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "Trade monitor stopped")
			return nil
		case <-ticker.C:
			m.runPass(ctx)
		}
	}
}

// runPass checks every active trade once. Errors are isolated per trade:
// one failing symbol never aborts the rest of the pass.
func (m *Monitor) runPass(ctx context.Context) {
	trades, err := m.repo.FindActive(ctx)
	if err != nil {
		m.logger.Error(ctx, err, "Failed to load active trades")
		return
	}
	if len(trades) == 0 {
		return
	}

	m.logger.Debug(ctx, "Monitoring pass", map[string]interface{}{
		"activeTrades": len(trades),
	})
	for _, trade := range trades {
		if ctx.Err() != nil {
			return
		}
		if err := m.checkTrade(ctx, trade); err != nil {
			m.logger.Error(ctx, err, "Trade check failed", map[string]interface{}{
				"tradeID": trade.ID,
				"symbol":  trade.Symbol,
			})
		}
	}
}

// checkTrade compares the live price against the trade's bracket and
// closes the position when a level has been crossed.
func (m *Monitor) checkTrade(ctx context.Context, trade *domain.Trade) error {
	price, err := m.prices.GetPrice(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("price lookup failed: %w", err)
	}

	var reason domain.CloseReason
	switch {
	case trade.HitStopLoss(price):
		reason = domain.CloseReasonStopLoss
	case trade.HitTakeProfit(price):
		reason = domain.CloseReasonTakeProfit
	default:
		return nil
	}

	m.logger.Info(ctx, "Bracket level hit", map[string]interface{}{
		"tradeID": trade.ID,
		"symbol":  trade.Symbol,
		"price":   price,
		"level":   string(reason),
	})
	if _, err := m.closer.CloseTrade(ctx, trade.ID, reason, price); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return nil
}
