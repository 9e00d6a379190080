package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"copyTradeBot/internal/domain"
	"copyTradeBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.TradeRepository, ports.ProductRepository and
// ports.PaperStateRepository interfaces using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/copytrade.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Data directory checked/created", map[string]interface{}{"path": filepath.Dir(dbPath)})

	// Open database connection
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close() // Close the connection if ping fails
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Set connection pool settings (important for SQLite)
	db.SetMaxOpenConns(1) // SQLite handles concurrency internally, but Go driver benefits from limiting connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	// Initialize schema (consider moving to a separate migration tool/step)
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: This is a basic approach. A proper migration tool is recommended for production.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		signal_entry_price REAL NOT NULL DEFAULT 0,
		stop_loss REAL NOT NULL DEFAULT 0,
		take_profit REAL NOT NULL DEFAULT 0,
		stop_loss_percent REAL NOT NULL DEFAULT 0,
		take_profit_percent REAL NOT NULL DEFAULT 0,
		leverage INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		reasoning TEXT DEFAULT '',
		source_signal TEXT DEFAULT '',
		is_simulated INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		actual_entry_price REAL DEFAULT NULL,
		exit_price REAL DEFAULT NULL,
		pnl REAL DEFAULT NULL,
		fees REAL DEFAULT NULL,
		close_reason TEXT DEFAULT NULL,
		fail_reason TEXT DEFAULT NULL,
		open_time TIMESTAMP NOT NULL,
		close_time TIMESTAMP DEFAULT NULL,
		exchange_order_id TEXT DEFAULT NULL,
		stop_order_id TEXT DEFAULT NULL,
		take_profit_order_id TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		symbol TEXT PRIMARY KEY,
		base_asset TEXT NOT NULL,
		quote_asset TEXT NOT NULL,
		tick_size REAL NOT NULL,
		step_size REAL NOT NULL,
		min_size REAL NOT NULL,
		max_size REAL NOT NULL,
		last_updated TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS paper_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		balance REAL NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	-- Add indexes for common lookups
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol_open_time ON trades (symbol, open_time);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- TradeRepository Implementation ---

// Create saves a new trade and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trades (symbol, side, quantity, signal_entry_price, stop_loss, take_profit,
	                    stop_loss_percent, take_profit_percent, leverage, confidence, reasoning,
	                    source_signal, is_simulated, status, actual_entry_price, exit_price, pnl, fees,
	                    close_reason, fail_reason, open_time, close_time,
	                    exchange_order_id, stop_order_id, take_profit_order_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		trade.Symbol, string(trade.Side), trade.Quantity, trade.SignalEntryPrice, trade.StopLoss, trade.TakeProfit,
		trade.StopLossPercent, trade.TakeProfitPercent, trade.Leverage, trade.Confidence, trade.Reasoning,
		trade.SourceSignal, trade.IsSimulated, string(trade.Status), trade.ActualEntryPrice, trade.ExitPrice, trade.PNL, trade.Fees,
		nullString(string(trade.CloseReason)), nullString(trade.FailReason), trade.OpenTime, nullTime(trade.CloseTime),
		trade.ExchangeOrderID, trade.StopOrderID, trade.TakeProfitOrderID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade for symbol %s: %w", trade.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade %s: %w", trade.Symbol, err)
	}
	trade.ID = id // Update the domain object with the ID
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol, "status": trade.Status})
	return id, nil
}

// Update modifies an existing trade based on its ID.
func (r *Repository) Update(ctx context.Context, trade *domain.Trade) error {
	const query = `
	UPDATE trades
	SET symbol = ?, side = ?, quantity = ?, signal_entry_price = ?, stop_loss = ?, take_profit = ?,
	    stop_loss_percent = ?, take_profit_percent = ?, leverage = ?, confidence = ?, reasoning = ?,
	    source_signal = ?, is_simulated = ?, status = ?, actual_entry_price = ?, exit_price = ?,
	    pnl = ?, fees = ?, close_reason = ?, fail_reason = ?, open_time = ?, close_time = ?,
	    exchange_order_id = ?, stop_order_id = ?, take_profit_order_id = ?
	WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		trade.Symbol, string(trade.Side), trade.Quantity, trade.SignalEntryPrice, trade.StopLoss, trade.TakeProfit,
		trade.StopLossPercent, trade.TakeProfitPercent, trade.Leverage, trade.Confidence, trade.Reasoning,
		trade.SourceSignal, trade.IsSimulated, string(trade.Status), trade.ActualEntryPrice, trade.ExitPrice,
		trade.PNL, trade.Fees, nullString(string(trade.CloseReason)), nullString(trade.FailReason), trade.OpenTime, nullTime(trade.CloseTime),
		trade.ExchangeOrderID, trade.StopOrderID, trade.TakeProfitOrderID,
		trade.ID)
	if err != nil {
		return fmt.Errorf("failed to update trade ID %d: %w", trade.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update trade ID %d: %w", trade.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade ID %d not found for update: %w", trade.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Trade updated", map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol, "status": trade.Status})
	return nil
}

const tradeColumns = `id, symbol, side, quantity, signal_entry_price, stop_loss, take_profit,
	       stop_loss_percent, take_profit_percent, leverage, confidence, COALESCE(reasoning, ''),
	       COALESCE(source_signal, ''), is_simulated, status, COALESCE(actual_entry_price, 0),
	       COALESCE(exit_price, 0), COALESCE(pnl, 0), COALESCE(fees, 0), close_reason, fail_reason,
	       open_time, close_time, exchange_order_id, stop_order_id, take_profit_order_id`

// FindByID retrieves a trade by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Trade not found by ID", map[string]interface{}{"tradeID": id})
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query trade by ID %d: %w", id, err)
	}
	return trade, nil
}

// FindActive retrieves all trades in active status, oldest first.
func (r *Repository) FindActive(ctx context.Context) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = ? ORDER BY open_time ASC`

	rows, err := r.db.QueryContext(ctx, query, string(domain.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query active trades: %w", err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during FindActive: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active trade rows: %w", err)
	}
	return trades, nil
}

// FindClosed retrieves the most recent closed trades, up to a limit.
// A limit of zero or less returns all closed trades.
func (r *Repository) FindClosed(ctx context.Context, limit int) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = ? ORDER BY close_time DESC`
	args := []interface{}{string(domain.StatusClosed)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during FindClosed: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closed trade rows: %w", err)
	}
	return trades, nil
}

// --- ProductRepository Implementation ---

// ReplaceAll atomically swaps the stored product snapshot for a new one.
func (r *Repository) ReplaceAll(ctx context.Context, products []*domain.Product) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin product replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM products`); err != nil {
		return fmt.Errorf("failed to clear products table: %w", err)
	}

	const insert = `
	INSERT INTO products (symbol, base_asset, quote_asset, tick_size, step_size, min_size, max_size, last_updated)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare product insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range products {
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.BaseAsset, p.QuoteAsset, p.TickSize, p.StepSize, p.MinSize, p.MaxSize, p.LastUpdated); err != nil {
			return fmt.Errorf("failed to insert product %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit product replace: %w", err)
	}
	r.logger.Debug(ctx, "Product snapshot replaced", map[string]interface{}{"products": len(products)})
	return nil
}

// FindBySymbol retrieves a stored product by its canonical symbol.
func (r *Repository) FindBySymbol(ctx context.Context, symbol string) (*domain.Product, error) {
	const query = `
	SELECT symbol, base_asset, quote_asset, tick_size, step_size, min_size, max_size, last_updated
	FROM products WHERE symbol = ?`

	row := r.db.QueryRowContext(ctx, query, symbol)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query product %s: %w", symbol, err)
	}
	return product, nil
}

// FindAll retrieves every stored product.
func (r *Repository) FindAll(ctx context.Context) ([]*domain.Product, error) {
	const query = `
	SELECT symbol, base_asset, quote_asset, tick_size, step_size, min_size, max_size, last_updated
	FROM products ORDER BY symbol ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query all products: %w", err)
	}
	defer rows.Close()

	products := make([]*domain.Product, 0)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product during FindAll: %w", err)
		}
		products = append(products, product)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating product rows: %w", err)
	}
	return products, nil
}

// LastUpdated reports when the product snapshot was last refreshed.
// Returns the zero time when no snapshot is stored.
func (r *Repository) LastUpdated(ctx context.Context) (time.Time, error) {
	const query = `SELECT last_updated FROM products ORDER BY last_updated DESC LIMIT 1`
	var ts time.Time
	err := r.db.QueryRowContext(ctx, query).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to query product snapshot age: %w", err)
	}
	return ts, nil
}

// --- PaperStateRepository Implementation ---

// LoadBalance retrieves the persisted paper balance, or the default when
// no state has been saved yet.
func (r *Repository) LoadBalance(ctx context.Context, defaultBalance float64) (float64, error) {
	const query = `SELECT balance FROM paper_state WHERE id = 1`
	var balance float64
	err := r.db.QueryRowContext(ctx, query).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "No paper state stored, using default balance", map[string]interface{}{"default": defaultBalance})
			return defaultBalance, nil
		}
		return 0, fmt.Errorf("failed to load paper balance: %w", err)
	}
	return balance, nil
}

// SaveBalance persists the paper balance.
func (r *Repository) SaveBalance(ctx context.Context, balance float64) error {
	const query = `
	INSERT INTO paper_state (id, balance, updated_at) VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`
	_, err := r.db.ExecContext(ctx, query, balance, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save paper balance: %w", err)
	}
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTrade scans a row into a domain.Trade struct.
func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var side, status string
	var closeReason, failReason sql.NullString
	var closeTime sql.NullTime
	var entryOrderID, stopOrderID, takeOrderID sql.NullString
	err := s.Scan(
		&t.ID, &t.Symbol, &side, &t.Quantity, &t.SignalEntryPrice, &t.StopLoss, &t.TakeProfit,
		&t.StopLossPercent, &t.TakeProfitPercent, &t.Leverage, &t.Confidence, &t.Reasoning,
		&t.SourceSignal, &t.IsSimulated, &status, &t.ActualEntryPrice,
		&t.ExitPrice, &t.PNL, &t.Fees, &closeReason, &failReason,
		&t.OpenTime, &closeTime, &entryOrderID, &stopOrderID, &takeOrderID)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	t.Side = domain.OrderSide(side)
	t.Status = domain.TradeStatus(status)
	if closeReason.Valid {
		t.CloseReason = domain.CloseReason(closeReason.String)
	}
	if failReason.Valid {
		t.FailReason = failReason.String
	}
	if closeTime.Valid {
		t.CloseTime = closeTime.Time
	}
	if entryOrderID.Valid {
		t.ExchangeOrderID = &entryOrderID.String
	}
	if stopOrderID.Valid {
		t.StopOrderID = &stopOrderID.String
	}
	if takeOrderID.Valid {
		t.TakeProfitOrderID = &takeOrderID.String
	}
	return t, nil
}

// scanProduct scans a row into a domain.Product struct.
func scanProduct(s scanner) (*domain.Product, error) {
	p := &domain.Product{}
	err := s.Scan(&p.ID, &p.BaseAsset, &p.QuoteAsset, &p.TickSize, &p.StepSize, &p.MinSize, &p.MaxSize, &p.LastUpdated)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
