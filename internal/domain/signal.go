package domain

import "encoding/json"

// Signal is a structured trading instruction produced upstream from chat
// messages or chart analysis. Brackets arrive in one of two forms:
// absolute StopLoss/TakeProfit levels, or percent distances applied to the
// fill price (the legacy form some producers still emit).
type Signal struct {
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	Quantity          float64 `json:"quantity"`
	EntryPrice        float64 `json:"entryPrice,omitempty"` // 0 means take the market price
	StopLoss          float64 `json:"stopLoss,omitempty"`
	TakeProfit        float64 `json:"takeProfit,omitempty"`
	StopLossPercent   float64 `json:"stopLossPercent,omitempty"`
	TakeProfitPercent float64 `json:"takeProfitPercent,omitempty"`
	Leverage          int     `json:"leverage,omitempty"`
	Confidence        float64 `json:"confidence"`
	Reasoning         string  `json:"reasoning,omitempty"`
	Method            string  `json:"method,omitempty"` // producer tag, e.g. "chart_analysis"
}

// Encode serialises the signal back to JSON for audit storage on the
// trade record. Returns an empty string when marshalling fails.
func (s *Signal) Encode() string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(raw)
}
