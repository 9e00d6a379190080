package ports

import (
	"context"

	"copyTradeBot/internal/domain"
)

// Notifier pushes trade lifecycle events to an external channel (chat bot,
// webhook). Delivery failures must never affect trade state; callers log
// the returned error and move on.
type Notifier interface {
	// NotifyTradeOpened announces a trade that just became active.
	NotifyTradeOpened(ctx context.Context, trade *domain.Trade) error
	// NotifyTradeClosed announces a closed trade and its realised PNL.
	NotifyTradeClosed(ctx context.Context, trade *domain.Trade) error
	// NotifyTradeFailed announces a trade that failed before or during execution.
	NotifyTradeFailed(ctx context.Context, trade *domain.Trade) error
}
