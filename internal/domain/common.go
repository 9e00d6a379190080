package domain

import "strings"

// OrderSide represents the direction of a trade (buy or sell).
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// ParseOrderSide normalises a side string from an inbound signal.
func ParseOrderSide(s string) (OrderSide, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return Buy, true
	case "sell", "short":
		return Sell, true
	}
	return "", false
}

// Direction returns +1 for buy and -1 for sell, the sign applied to price
// moves when computing profit.
func (s OrderSide) Direction() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Opposite returns the other side, used when flattening a position.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// TradeStatus represents the lifecycle state of a trade.
// Transitions: pending -> active -> closed, pending -> failed,
// active -> failed. closed and failed are terminal.
type TradeStatus string

const (
	StatusPending TradeStatus = "pending"
	StatusActive  TradeStatus = "active"
	StatusClosed  TradeStatus = "closed"
	StatusFailed  TradeStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TradeStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// CloseReason indicates why a trade was closed.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonManual     CloseReason = "manual"
)

// Hard business rules applied to every signal. Not configurable per trade.
const (
	// MaxSlippageRatio is the maximum allowed drift between a signal's
	// quoted entry price and the live market price (1%).
	MaxSlippageRatio = 0.01

	// MinRewardRiskRatio is the minimum reward/risk a bracket must offer.
	MinRewardRiskRatio = 0.5
)
