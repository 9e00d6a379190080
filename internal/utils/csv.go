package utils

import (
	"copyTradeBot/internal/domain"
	"encoding/csv"
	"os"
	"strconv"
	"time"
)

// WriteTradesToCSV exports trade records for spreadsheet analysis.
func WriteTradesToCSV(trades []*domain.Trade, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{
		"id", "symbol", "side", "quantity", "entry_price", "exit_price",
		"stop_loss", "take_profit", "pnl", "fees", "status", "close_reason",
		"fail_reason", "simulated", "open_time", "close_time",
	})

	for _, t := range trades {
		writer.Write([]string{
			strconv.FormatInt(t.ID, 10),
			t.Symbol,
			string(t.Side),
			strconv.FormatFloat(t.Quantity, 'f', -1, 64),
			strconv.FormatFloat(t.ActualEntryPrice, 'f', -1, 64),
			strconv.FormatFloat(t.ExitPrice, 'f', -1, 64),
			strconv.FormatFloat(t.StopLoss, 'f', -1, 64),
			strconv.FormatFloat(t.TakeProfit, 'f', -1, 64),
			strconv.FormatFloat(t.PNL, 'f', -1, 64),
			strconv.FormatFloat(t.Fees, 'f', -1, 64),
			string(t.Status),
			string(t.CloseReason),
			t.FailReason,
			strconv.FormatBool(t.IsSimulated),
			formatTime(t.OpenTime),
			formatTime(t.CloseTime),
		})
	}
	return writer.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
