package domain

import (
	"math"
	"time"
)

// Product describes one tradeable instrument as published by the exchange.
type Product struct {
	ID          string    // Canonical exchange symbol (e.g., "BTCUSDT")
	BaseAsset   string    // e.g., "BTC"
	QuoteAsset  string    // e.g., "USDT"
	TickSize    float64   // Minimum price increment
	StepSize    float64   // Minimum quantity increment
	MinSize     float64   // Smallest allowed order quantity
	MaxSize     float64   // Largest allowed order quantity (0 = no cap)
	LastUpdated time.Time // When this record was fetched from the exchange
}

// RoundToTick rounds price to the nearest multiple of the product's tick
// size. Exchanges reject prices that are not tick-aligned.
func (p *Product) RoundToTick(price float64) float64 {
	if p.TickSize <= 0 {
		return price
	}
	return math.Floor(price/p.TickSize+0.5) * p.TickSize
}

// PricePrecision returns the number of decimal places implied by the tick
// size, used when formatting prices for order submission.
func (p *Product) PricePrecision() int {
	return precisionOf(p.TickSize)
}

// QuantityPrecision returns the number of decimal places implied by the
// step size.
func (p *Product) QuantityPrecision() int {
	return precisionOf(p.StepSize)
}

func precisionOf(step float64) int {
	if step <= 0 {
		return 8
	}
	prec := int(math.Round(-math.Log10(step)))
	if prec < 0 {
		prec = 0
	}
	return prec
}

// QuantityInBounds reports whether qty fits the product's size limits.
func (p *Product) QuantityInBounds(qty float64) bool {
	if qty < p.MinSize {
		return false
	}
	if p.MaxSize > 0 && qty > p.MaxSize {
		return false
	}
	return true
}
