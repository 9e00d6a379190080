package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"copyTradeBot/internal/domain"
	"copyTradeBot/internal/ports"
)

const (
	apiURLFormat = "https://api.telegram.org/bot%s/sendMessage"
	maxAttempts  = 3
)

// Notifier sends trade lifecycle notifications through the Telegram Bot API.
// When the bot token or chat ID is missing every call is a silent no-op, so
// the engine never needs to care whether notifications are configured.
type Notifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
	logger   ports.Logger
}

// Config holds configuration for the Telegram notifier.
type Config struct {
	BotToken string
	ChatID   string
	Logger   ports.Logger
}

// New creates a Telegram notifier. Missing credentials disable it rather
// than failing, since notifications are optional.
func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Telegram notifier")
	}

	enabled := cfg.BotToken != "" && cfg.ChatID != ""
	if !enabled {
		cfg.Logger.Info(context.Background(), "Telegram notifier disabled (missing bot token or chat ID)")
	}

	return &Notifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  enabled,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   cfg.Logger,
	}, nil
}

// NotifyTradeOpened reports a newly activated trade.
func (n *Notifier) NotifyTradeOpened(ctx context.Context, trade *domain.Trade) error {
	title := fmt.Sprintf("\U0001F514 Trade Opened: %s %s", strings.ToUpper(string(trade.Side)), trade.Symbol)
	message := fmt.Sprintf(
		"Symbol: %s\nSide: %s\nQuantity: %g\nEntry: %.8g\nStop Loss: %.8g\nTake Profit: %.8g\nMode: %s",
		trade.Symbol,
		trade.Side,
		trade.Quantity,
		trade.ActualEntryPrice,
		trade.StopLoss,
		trade.TakeProfit,
		modeLabel(trade),
	)
	if trade.Reasoning != "" {
		message += fmt.Sprintf("\n\nReasoning: %s", trade.Reasoning)
	}
	return n.send(ctx, title, message)
}

// NotifyTradeClosed reports a closed trade with its realized result.
func (n *Notifier) NotifyTradeClosed(ctx context.Context, trade *domain.Trade) error {
	emoji := "\U0001F4B0" // money bag
	pnlSign := "+"
	if trade.PNL < 0 {
		emoji = "\U0001F4C9" // chart decreasing
		pnlSign = ""
	}

	title := fmt.Sprintf("%s Trade Closed: %s %s", emoji, strings.ToUpper(string(trade.Side)), trade.Symbol)
	message := fmt.Sprintf(
		"Symbol: %s\nEntry: %.8g\nExit: %.8g\nPnL: %s%.2f\nReason: %s\nMode: %s",
		trade.Symbol,
		trade.ActualEntryPrice,
		trade.ExitPrice,
		pnlSign,
		trade.PNL,
		trade.CloseReason,
		modeLabel(trade),
	)
	return n.send(ctx, title, message)
}

// NotifyTradeFailed reports a trade that never reached the market.
func (n *Notifier) NotifyTradeFailed(ctx context.Context, trade *domain.Trade) error {
	title := fmt.Sprintf("❌ Trade Failed: %s", trade.Symbol)
	message := fmt.Sprintf(
		"Symbol: %s\nSide: %s\nReason: %s",
		trade.Symbol,
		trade.Side,
		trade.FailReason,
	)
	return n.send(ctx, title, message)
}

// send delivers one message, retrying transient failures with exponential
// backoff. Disabled notifiers return immediately.
func (n *Notifier) send(ctx context.Context, title, message string) error {
	if !n.enabled {
		return nil
	}

	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(title), escapeHTML(message))

	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = n.sendOnce(ctx, text)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("telegram send canceled: %w", ctx.Err())
		case <-time.After(b.Duration()):
		}
	}

	n.logger.Warn(ctx, "Telegram notification failed after retries", map[string]interface{}{
		"attempts": maxAttempts,
		"error":    lastErr.Error(),
	})
	return fmt.Errorf("telegram send failed after %d attempts: %w", maxAttempts, lastErr)
}

func (n *Notifier) sendOnce(ctx context.Context, text string) error {
	payload := map[string]interface{}{
		"chat_id":    n.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	url := fmt.Sprintf(apiURLFormat, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func modeLabel(trade *domain.Trade) string {
	if trade.IsSimulated {
		return "paper"
	}
	return "live"
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

var _ ports.Notifier = (*Notifier)(nil)
