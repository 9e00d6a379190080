package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"copyTradeBot/internal/adapters/logger"
	"copyTradeBot/internal/adapters/sqlite"
	"copyTradeBot/internal/analytics"
	"copyTradeBot/internal/domain"
	"copyTradeBot/internal/utils"
)

func main() {
	dbPath := flag.String("db", "./data/copytrade.db", "path to the trade database")
	balance := flag.Float64("balance", 10000.0, "initial balance used for equity metrics")
	limit := flag.Int("limit", 10, "number of recent trades to list (0 disables the section)")
	csvPath := flag.String("csv", "", "optional path to export closed trades as CSV")
	flag.Parse()

	appLogger := logger.NewStdLogger(logger.LevelWarn)

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("Error opening trade database: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	trades, err := repo.FindClosed(ctx, 0)
	if err != nil {
		log.Fatalf("Error loading closed trades: %v", err)
	}

	if len(trades) == 0 {
		log.Println("No closed trades found. Run the bot first.")
		return
	}

	metrics := analytics.AnalyzePerformance(trades, *balance)

	printSummary(metrics)
	printMonthlyReturns(metrics)
	printCloseReasons(trades)
	if *limit > 0 {
		printRecentTrades(trades, *limit)
	}

	if *csvPath != "" {
		if err := utils.WriteTradesToCSV(trades, *csvPath); err != nil {
			log.Fatalf("Error exporting trades to CSV: %v", err)
		}
		fmt.Printf("\nExported %d trades to %s\n", len(trades), *csvPath)
	}
}

// printSummary prints the headline performance metrics.
func printSummary(m *analytics.PerformanceMetrics) {
	fmt.Println("## Performance Summary")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintf(w, "Total trades\t%d\t\n", m.TotalTrades)
	fmt.Fprintf(w, "Winning trades\t%d\t\n", m.WinningTrades)
	fmt.Fprintf(w, "Losing trades\t%d\t\n", m.LosingTrades)
	fmt.Fprintf(w, "Win rate\t%.2f%%\t\n", m.WinRate*100)
	fmt.Fprintf(w, "Total PnL\t%.2f\t\n", m.TotalProfit)
	fmt.Fprintf(w, "Total fees\t%.2f\t\n", m.TotalFees)
	fmt.Fprintf(w, "Profit factor\t%.2f\t\n", m.ProfitFactor)
	fmt.Fprintf(w, "Average win\t%.2f\t\n", m.AverageWin)
	fmt.Fprintf(w, "Average loss\t%.2f\t\n", m.AverageLoss)
	fmt.Fprintf(w, "Expectancy\t%.2f\t\n", m.Expectancy)
	fmt.Fprintf(w, "Risk/reward\t%.2f\t\n", m.RiskRewardRatio)
	fmt.Fprintf(w, "Max drawdown\t%.2f%%\t\n", m.MaxDrawdown*100)
	fmt.Fprintf(w, "Max consecutive wins\t%d\t\n", m.MaxConsecutiveWins)
	fmt.Fprintf(w, "Max consecutive losses\t%d\t\n", m.MaxConsecutiveLosses)
	fmt.Fprintf(w, "Average trade duration\t%s\t\n", m.AverageTradeDuration.Round(time.Second))
	fmt.Fprintf(w, "Recovery factor\t%.2f\t\n", m.RecoveryFactor)
	fmt.Fprintf(w, "Final balance\t%.2f\t\n", m.FinalBalance)
	fmt.Fprintf(w, "Return on investment\t%.2f%%\t\n", m.ReturnOnInvestment*100)
	w.Flush()
}

// printMonthlyReturns prints realised PnL bucketed by calendar month.
func printMonthlyReturns(m *analytics.PerformanceMetrics) {
	returns := m.GetMonthlyReturns()
	if len(returns) == 0 {
		return
	}

	fmt.Println("\n## Monthly Returns")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Month\tPnL\t")
	for _, r := range returns {
		fmt.Fprintf(w, "%s\t%.2f\t\n", r.Month.Format("2006-01"), r.Return)
	}
	w.Flush()
}

// printCloseReasons breaks trades down by how they were closed.
func printCloseReasons(trades []*domain.Trade) {
	counts := make(map[domain.CloseReason]int)
	pnl := make(map[domain.CloseReason]float64)
	for _, trade := range trades {
		counts[trade.CloseReason]++
		pnl[trade.CloseReason] += trade.PNL
	}

	// Sort reasons for consistent output
	var reasons []domain.CloseReason
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool {
		return string(reasons[i]) < string(reasons[j])
	})

	fmt.Println("\n## Close Reasons")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Reason\tCount\tTotal PnL\tAvg PnL\t")
	for _, reason := range reasons {
		count := counts[reason]
		total := pnl[reason]
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t\n", reason, count, total, total/float64(count))
	}
	w.Flush()
}

// printRecentTrades lists the most recently closed trades, newest first.
func printRecentTrades(trades []*domain.Trade, limit int) {
	recent := make([]*domain.Trade, len(trades))
	copy(recent, trades)
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].CloseTime.After(recent[j].CloseTime)
	})
	if len(recent) > limit {
		recent = recent[:limit]
	}

	fmt.Println("\n## Recent Trades")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "ID\tSymbol\tSide\tQty\tEntry\tExit\tPnL\tReason\tClosed\t")
	for _, t := range recent {
		fmt.Fprintf(w, "%d\t%s\t%s\t%g\t%.2f\t%.2f\t%.2f\t%s\t%s\t\n",
			t.ID,
			t.Symbol,
			t.Side,
			t.Quantity,
			t.ActualEntryPrice,
			t.ExitPrice,
			t.PNL,
			t.CloseReason,
			t.CloseTime.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
}
