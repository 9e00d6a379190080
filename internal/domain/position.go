package domain

// Position is a point-in-time snapshot of an open exchange position, as
// reported by the order gateway.
type Position struct {
	Symbol        string    // Canonical exchange symbol
	Side          OrderSide // buy (long) or sell (short)
	Quantity      float64   // Absolute position size in base asset units
	EntryPrice    float64   // Average entry price
	MarkPrice     float64   // Exchange mark price at snapshot time
	UnrealizedPNL float64   // Unrealised profit and loss
	Leverage      int       // Leverage applied to the position
}
