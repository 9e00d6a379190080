package domain

import "time"

// Trade is the full lifecycle record of one signal-driven order, from
// acceptance through execution to close or failure.
type Trade struct {
	ID               int64     // Unique identifier, assigned by the store on first save
	Symbol           string    // Canonical exchange symbol (e.g., "BTCUSDT")
	Side             OrderSide // buy or sell
	Quantity         float64   // Order size in base asset units
	SignalEntryPrice float64   // Entry price quoted by the signal (0 = take market price)
	StopLoss         float64   // Absolute stop-loss level (0 until derived, in percent mode)
	TakeProfit       float64   // Absolute take-profit level (0 until derived, in percent mode)

	// Percent bracket distances from legacy signals; zero when the signal
	// carried absolute levels.
	StopLossPercent   float64
	TakeProfitPercent float64

	Leverage     int     // Leverage requested by the signal (0 = account default)
	Confidence   float64 // Producer's confidence score, carried for audit
	Reasoning    string  // Producer's free-text rationale
	SourceSignal string  // Raw signal payload as received (JSON)
	IsSimulated  bool    // True when executed against the paper gateway

	Status           TradeStatus // pending, active, closed or failed
	ActualEntryPrice float64     // Market price observed at execution time
	ExitPrice        float64     // Price at which the trade was closed (0 while open)
	PNL              float64     // Realised profit and loss, set on close
	Fees             float64     // Estimated taker fees across entry and exit
	CloseReason      CloseReason // stop_loss, take_profit or manual
	FailReason       string      // Why the trade failed (empty otherwise)
	OpenTime         time.Time   // Timestamp when the trade became active
	CloseTime        time.Time   // Timestamp when the trade closed (zero while open)

	// Order IDs returned by the gateway (nullable in DB). A trade holds at
	// most one entry order for its whole lifetime.
	ExchangeOrderID   *string
	StopOrderID       *string
	TakeProfitOrderID *string
}

// IsActive reports whether the trade currently holds an open position.
func (t *Trade) IsActive() bool {
	return t.Status == StatusActive
}

// UsesPercentBracket reports whether SL/TP must be derived from the fill
// price rather than taken as absolute levels.
func (t *Trade) UsesPercentBracket() bool {
	return t.StopLoss == 0 && t.TakeProfit == 0 &&
		(t.StopLossPercent > 0 || t.TakeProfitPercent > 0)
}

// DeriveBracket computes absolute SL/TP levels from the percent distances
// around fillPrice. Buy brackets sit below/above the fill, sell mirrored.
func (t *Trade) DeriveBracket(fillPrice float64) (stopLoss, takeProfit float64) {
	slDist := fillPrice * t.StopLossPercent / 100
	tpDist := fillPrice * t.TakeProfitPercent / 100
	if t.Side == Buy {
		return fillPrice - slDist, fillPrice + tpDist
	}
	return fillPrice + slDist, fillPrice - tpDist
}

// BracketOrdered reports whether the stop and take levels straddle the
// reference price on the protective sides for this trade's direction.
func (t *Trade) BracketOrdered(ref float64) bool {
	if t.Side == Buy {
		return t.StopLoss < ref && ref < t.TakeProfit
	}
	return t.TakeProfit < ref && ref < t.StopLoss
}

// ComputePNL returns the realised profit for exiting at exitPrice.
// Buy trades profit when price rises, sell trades when it falls.
func (t *Trade) ComputePNL(exitPrice float64) float64 {
	return (exitPrice - t.ActualEntryPrice) * t.Quantity * t.Side.Direction()
}

// HitStopLoss reports whether price has reached the stop-loss level.
func (t *Trade) HitStopLoss(price float64) bool {
	if t.Side == Buy {
		return price <= t.StopLoss
	}
	return price >= t.StopLoss
}

// HitTakeProfit reports whether price has reached the take-profit level.
func (t *Trade) HitTakeProfit(price float64) bool {
	if t.Side == Buy {
		return price >= t.TakeProfit
	}
	return price <= t.TakeProfit
}
