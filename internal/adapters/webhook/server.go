package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"copyTradeBot/internal/domain"
	"copyTradeBot/internal/ports"
)

// SignalProcessor handles inbound signals end to end. Implemented by the
// trade engine.
type SignalProcessor interface {
	ProcessSignal(ctx context.Context, signal *domain.Signal) (*domain.Trade, error)
}

// Server receives trading signals over HTTP. It exposes POST /signal for
// the chat-side producer and GET /health for liveness probes.
type Server struct {
	addr          string
	minConfidence float64
	processor     SignalProcessor
	logger        ports.Logger
	startedAt     time.Time
}

// Config holds configuration for the webhook server.
type Config struct {
	Addr          string
	MinConfidence float64 // signals below this confidence are ignored (0 disables the gate)
	Processor     SignalProcessor
	Logger        ports.Logger
}

// New creates the webhook server.
func New(cfg Config) (*Server, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("signal processor is required for webhook server")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for webhook server")
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	return &Server{
		addr:          addr,
		minConfidence: cfg.MinConfidence,
		processor:     cfg.Processor,
		logger:        cfg.Logger,
	}, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/signal", s.handleSignal)
	mux.HandleFunc("/health", s.handleHealth)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	s.startedAt = time.Now().UTC()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info(ctx, "Webhook server listening", map[string]interface{}{"addr": s.addr})

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info(context.Background(), "Shutting down webhook server")
		return srv.Shutdown(shutdownCtx)
	}
}

// tradeResponse is the wire shape returned for processed signals. Kept
// separate from domain.Trade so the HTTP contract can evolve on its own.
type tradeResponse struct {
	ID         int64   `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	Status     string  `json:"status"`
	EntryPrice float64 `json:"entryPrice,omitempty"`
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`
	FailReason string  `json:"failReason,omitempty"`
	Simulated  bool    `json:"simulated"`
}

func toTradeResponse(t *domain.Trade) tradeResponse {
	return tradeResponse{
		ID:         t.ID,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		Quantity:   t.Quantity,
		Status:     string(t.Status),
		EntryPrice: t.ActualEntryPrice,
		StopLoss:   t.StopLoss,
		TakeProfit: t.TakeProfit,
		FailReason: t.FailReason,
		Simulated:  t.IsSimulated,
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var signal domain.Signal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		s.logger.Warn(r.Context(), "Rejected malformed signal payload", map[string]interface{}{"error": err.Error()})
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}

	if s.minConfidence > 0 && signal.Confidence < s.minConfidence {
		s.logger.Info(r.Context(), "Ignoring low-confidence signal", map[string]interface{}{
			"symbol":     signal.Symbol,
			"confidence": signal.Confidence,
			"threshold":  s.minConfidence,
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ignored",
			"reason": fmt.Sprintf("confidence %.2f below threshold %.2f", signal.Confidence, s.minConfidence),
		})
		return
	}

	trade, err := s.processor.ProcessSignal(r.Context(), &signal)
	if trade != nil {
		// Failed trades are reported with 200 as well; the status and
		// failReason fields carry the outcome.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": string(trade.Status),
			"trade":  toTradeResponse(trade),
		})
		return
	}
	if err != nil {
		if errors.Is(err, ports.ErrValidationFailed) {
			s.logger.Warn(r.Context(), "Rejected unprocessable signal", map[string]interface{}{"error": err.Error()})
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error(r.Context(), err, "Signal processing failed without a trade record")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "signal processing failed"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "no trade produced"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
