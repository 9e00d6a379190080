package risk

import (
	"fmt"
	"math"
	"strings"

	"copyTradeBot/internal/domain"
)

// Result reports the outcome of validating one trade request.
type Result struct {
	Valid   bool     // Whether the trade may proceed to execution
	Errors  []string // Rejection reasons (empty when valid)
	Swapped bool     // Whether reversed SL/TP levels were corrected in place
}

// Reason flattens the rejection reasons into a single string, suitable for
// storing on a failed trade record.
func (r *Result) Reason() string {
	return strings.Join(r.Errors, "; ")
}

// Validator performs pure pre-execution checks on a trade built from an
// inbound signal. It does no I/O; market-dependent gates (slippage, size
// bounds) run later in the execution pipeline.
type Validator struct{}

// NewValidator creates a new trade validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks structural soundness, bracket ordering and reward/risk.
// Exactly reversed SL/TP levels are swapped in place; any other
// misordering rejects the trade. A reward/risk ratio below
// domain.MinRewardRiskRatio is a hard rejection, never a warning.
func (v *Validator) Validate(trade *domain.Trade) *Result {
	res := &Result{}

	if trade.Symbol == "" {
		res.Errors = append(res.Errors, "symbol is required")
	}
	sideOK := trade.Side == domain.Buy || trade.Side == domain.Sell
	if !sideOK {
		res.Errors = append(res.Errors, fmt.Sprintf("side %q is not buy or sell", trade.Side))
	}
	if trade.Quantity <= 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("quantity %g must be positive", trade.Quantity))
	}
	if trade.Leverage < 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("leverage %d must not be negative", trade.Leverage))
	}

	if trade.UsesPercentBracket() {
		v.checkPercentBracket(trade, res)
	} else if sideOK {
		v.checkAbsoluteBracket(trade, res)
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// checkPercentBracket validates the legacy percent form. Derived levels
// scale linearly with the fill price, so reward/risk is simply the ratio
// of the two percents and needs no market data.
func (v *Validator) checkPercentBracket(trade *domain.Trade, res *Result) {
	if trade.StopLossPercent <= 0 || trade.TakeProfitPercent <= 0 {
		res.Errors = append(res.Errors, "percent bracket requires both stopLossPercent and takeProfitPercent")
		return
	}
	ratio := trade.TakeProfitPercent / trade.StopLossPercent
	if ratio < domain.MinRewardRiskRatio {
		res.Errors = append(res.Errors,
			fmt.Sprintf("reward/risk ratio %.2f is below the minimum %.2f", ratio, domain.MinRewardRiskRatio))
	}
}

func (v *Validator) checkAbsoluteBracket(trade *domain.Trade, res *Result) {
	entry, sl, tp := trade.SignalEntryPrice, trade.StopLoss, trade.TakeProfit

	bad := false
	if entry <= 0 {
		res.Errors = append(res.Errors, "entry price is required with absolute stop/take levels")
		bad = true
	}
	if sl <= 0 || tp <= 0 {
		res.Errors = append(res.Errors, "both stopLoss and takeProfit levels are required")
		bad = true
	}
	if bad {
		return
	}

	if !bracketOrdered(trade.Side, entry, sl, tp) {
		// A fully reversed pair is a common slip in hand-written signals:
		// swapping restores a protective bracket. Anything else is rejected.
		if bracketOrdered(trade.Side, entry, tp, sl) {
			trade.StopLoss, trade.TakeProfit = tp, sl
			res.Swapped = true
		} else {
			res.Errors = append(res.Errors,
				fmt.Sprintf("%s bracket is misordered: stop %g, entry %g, take %g", trade.Side, sl, entry, tp))
			return
		}
	}

	riskDist := math.Abs(trade.SignalEntryPrice - trade.StopLoss)
	rewardDist := math.Abs(trade.TakeProfit - trade.SignalEntryPrice)
	if ratio := rewardDist / riskDist; ratio < domain.MinRewardRiskRatio {
		res.Errors = append(res.Errors,
			fmt.Sprintf("reward/risk ratio %.2f is below the minimum %.2f", ratio, domain.MinRewardRiskRatio))
	}
}

// bracketOrdered reports whether the levels protect the given side:
// a buy needs SL below entry and TP above it, a sell the mirror image.
func bracketOrdered(side domain.OrderSide, entry, sl, tp float64) bool {
	if side == domain.Buy {
		return sl < entry && entry < tp
	}
	return tp < entry && entry < sl
}
