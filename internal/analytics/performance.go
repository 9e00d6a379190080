package analytics

import (
	"math"
	"sort"
	"time"

	"copyTradeBot/internal/domain"
)

// PerformanceMetrics holds comprehensive performance metrics for a set of
// closed trades.
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades        int
	WinningTrades      int
	LosingTrades       int
	WinRate            float64
	TotalProfit        float64
	TotalFees          float64
	MaxDrawdown        float64
	ProfitFactor       float64
	AverageWin         float64
	AverageLoss        float64
	FinalBalance       float64
	ReturnOnInvestment float64

	// Advanced Metrics
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageTradeDuration time.Duration
	RecoveryFactor       float64
	Expectancy           float64
	RiskRewardRatio      float64
	MonthlyReturns       map[string]float64
	Drawdowns            []Drawdown
	EquityCurve          []EquityPoint
}

// Drawdown represents a drawdown period
type Drawdown struct {
	StartTime  time.Time
	EndTime    time.Time
	StartValue float64
	EndValue   float64
	Depth      float64
	Duration   time.Duration
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// AnalyzePerformance calculates performance metrics from closed trades.
// Trades with zero PNL count as losses.
func AnalyzePerformance(trades []*domain.Trade, initialBalance float64) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		FinalBalance:   initialBalance,
		MonthlyReturns: make(map[string]float64),
		Drawdowns:      make([]Drawdown, 0),
		EquityCurve:    make([]EquityPoint, 0),
	}

	if len(trades) == 0 {
		return metrics
	}

	// Sort trades by open time
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].OpenTime.Before(trades[j].OpenTime)
	})

	var currentBalance = initialBalance
	var peakBalance = initialBalance
	var currentDrawdown *Drawdown
	var consecutiveWins, consecutiveLosses int
	var maxConsecutiveWins, maxConsecutiveLosses int
	var grossProfit, grossLoss float64

	// Process each trade
	for _, trade := range trades {
		metrics.TotalTrades++
		if trade.PNL > 0 {
			metrics.WinningTrades++
			consecutiveWins++
			consecutiveLosses = 0
			grossProfit += trade.PNL
			metrics.AverageWin = grossProfit / float64(metrics.WinningTrades)
		} else {
			metrics.LosingTrades++
			consecutiveLosses++
			consecutiveWins = 0
			grossLoss += trade.PNL
			metrics.AverageLoss = grossLoss / float64(metrics.LosingTrades)
		}

		if consecutiveWins > maxConsecutiveWins {
			maxConsecutiveWins = consecutiveWins
		}
		if consecutiveLosses > maxConsecutiveLosses {
			maxConsecutiveLosses = consecutiveLosses
		}

		// Update balance and equity curve
		currentBalance += trade.PNL
		metrics.TotalProfit += trade.PNL
		metrics.TotalFees += trade.Fees
		metrics.FinalBalance = currentBalance

		// Update monthly returns
		monthKey := trade.CloseTime.Format("2006-01")
		metrics.MonthlyReturns[monthKey] += trade.PNL

		// Update drawdown tracking
		if currentBalance > peakBalance {
			peakBalance = currentBalance
			if currentDrawdown != nil {
				currentDrawdown.EndTime = trade.CloseTime
				currentDrawdown.EndValue = currentBalance
				currentDrawdown.Duration = currentDrawdown.EndTime.Sub(currentDrawdown.StartTime)
				metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
				currentDrawdown = nil
			}
		} else {
			drawdown := (peakBalance - currentBalance) / peakBalance
			if currentDrawdown == nil {
				currentDrawdown = &Drawdown{
					StartTime:  trade.CloseTime,
					StartValue: peakBalance,
					Depth:      drawdown,
				}
			} else {
				currentDrawdown.Depth = math.Max(currentDrawdown.Depth, drawdown)
			}
			if drawdown > metrics.MaxDrawdown {
				metrics.MaxDrawdown = drawdown
			}
		}

		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{
			Time:     trade.CloseTime,
			Value:    currentBalance,
			Drawdown: (peakBalance - currentBalance) / peakBalance,
		})
	}

	// Close any open drawdown
	if currentDrawdown != nil {
		currentDrawdown.EndTime = trades[len(trades)-1].CloseTime
		currentDrawdown.EndValue = currentBalance
		currentDrawdown.Duration = currentDrawdown.EndTime.Sub(currentDrawdown.StartTime)
		metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
	}

	// Calculate final metrics
	metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.TotalTrades)
	if grossLoss != 0 {
		metrics.ProfitFactor = grossProfit / -grossLoss
	}
	metrics.ReturnOnInvestment = (metrics.FinalBalance - initialBalance) / initialBalance
	metrics.MaxConsecutiveWins = maxConsecutiveWins
	metrics.MaxConsecutiveLosses = maxConsecutiveLosses

	var totalDuration time.Duration
	for _, trade := range trades {
		totalDuration += trade.CloseTime.Sub(trade.OpenTime)
	}
	metrics.AverageTradeDuration = totalDuration / time.Duration(len(trades))

	if metrics.MaxDrawdown > 0 {
		metrics.RecoveryFactor = metrics.TotalProfit / (initialBalance * metrics.MaxDrawdown)
	}

	metrics.Expectancy = (metrics.WinRate * metrics.AverageWin) + ((1 - metrics.WinRate) * metrics.AverageLoss)

	if metrics.AverageLoss != 0 {
		metrics.RiskRewardRatio = metrics.AverageWin / -metrics.AverageLoss
	}

	return metrics
}

// GetMonthlyReturns returns the monthly returns as a sorted slice
func (m *PerformanceMetrics) GetMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(m.MonthlyReturns))
	for month, profit := range m.MonthlyReturns {
		date, _ := time.Parse("2006-01", month)
		returns = append(returns, MonthlyReturn{
			Month:  date,
			Return: profit,
		})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}

// MonthlyReturn represents a monthly return value
type MonthlyReturn struct {
	Month  time.Time
	Return float64
}
