package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"copyTradeBot/internal/domain"
	"copyTradeBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockProcessor struct {
	trade  *domain.Trade
	err    error
	called int
	last   *domain.Signal
}

func (m *mockProcessor) ProcessSignal(ctx context.Context, signal *domain.Signal) (*domain.Trade, error) {
	m.called++
	m.last = signal
	return m.trade, m.err
}

func newTestServer(t *testing.T, proc *mockProcessor, minConfidence float64) *Server {
	t.Helper()
	srv, err := New(Config{
		Addr:          ":0",
		MinConfidence: minConfidence,
		Processor:     proc,
		Logger:        &mockLogger{},
	})
	require.NoError(t, err)
	return srv
}

func TestServer_HandleSignal(t *testing.T) {
	activeTrade := &domain.Trade{
		ID:               7,
		Symbol:           "BTCUSDT",
		Side:             domain.Buy,
		Quantity:         0.5,
		Status:           domain.StatusActive,
		ActualEntryPrice: 45012.5,
		StopLoss:         43000,
		TakeProfit:       48000,
		IsSimulated:      true,
	}
	failedTrade := &domain.Trade{
		ID:         8,
		Symbol:     "ETHUSDT",
		Side:       domain.Sell,
		Quantity:   2,
		Status:     domain.StatusFailed,
		FailReason: "slippage exceeded 1% threshold",
	}

	tests := []struct {
		name          string
		method        string
		body          string
		minConfidence float64
		procTrade     *domain.Trade
		procErr       error
		wantStatus    int
		wantBody      string
		wantCalls     int
	}{
		{
			name:       "valid signal opens trade",
			method:     http.MethodPost,
			body:       `{"symbol":"BTC","side":"buy","quantity":0.5,"entryPrice":45000,"stopLoss":43000,"takeProfit":48000}`,
			procTrade:  activeTrade,
			wantStatus: http.StatusOK,
			wantBody:   `"status":"active"`,
			wantCalls:  1,
		},
		{
			name:       "rejected signal reports failed trade",
			method:     http.MethodPost,
			body:       `{"symbol":"ETH","side":"sell","quantity":2,"entryPrice":3297}`,
			procTrade:  failedTrade,
			procErr:    errors.New("slippage exceeded"),
			wantStatus: http.StatusOK,
			wantBody:   `"failReason":"slippage exceeded 1% threshold"`,
			wantCalls:  1,
		},
		{
			name:       "malformed payload",
			method:     http.MethodPost,
			body:       `{"symbol": BTC}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   "invalid JSON payload",
			wantCalls:  0,
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			body:       "",
			wantStatus: http.StatusMethodNotAllowed,
			wantCalls:  0,
		},
		{
			name:          "low confidence signal ignored",
			method:        http.MethodPost,
			body:          `{"symbol":"BTC","side":"buy","quantity":0.5,"confidence":0.4}`,
			minConfidence: 0.7,
			wantStatus:    http.StatusOK,
			wantBody:      `"status":"ignored"`,
			wantCalls:     0,
		},
		{
			name:          "confident signal passes the gate",
			method:        http.MethodPost,
			body:          `{"symbol":"BTC","side":"buy","quantity":0.5,"confidence":0.9}`,
			minConfidence: 0.7,
			procTrade:     activeTrade,
			wantStatus:    http.StatusOK,
			wantBody:      `"status":"active"`,
			wantCalls:     1,
		},
		{
			name:       "unprocessable signal without trade",
			method:     http.MethodPost,
			body:       `{"symbol":"BTC","side":"hold","quantity":0.5}`,
			procErr:    fmt.Errorf("side %q is not recognised: %w", "hold", ports.ErrValidationFailed),
			wantStatus: http.StatusBadRequest,
			wantBody:   "is not recognised",
			wantCalls:  1,
		},
		{
			name:       "engine failure without trade",
			method:     http.MethodPost,
			body:       `{"symbol":"BTC","side":"buy","quantity":0.5}`,
			procErr:    errors.New("store unavailable"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "signal processing failed",
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &mockProcessor{trade: tt.procTrade, err: tt.procErr}
			srv := newTestServer(t, proc, tt.minConfidence)

			req := httptest.NewRequest(tt.method, "/signal", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.handleSignal(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
			assert.Equal(t, tt.wantCalls, proc.called)
		})
	}
}

func TestServer_HandleSignal_PassesDecodedSignal(t *testing.T) {
	proc := &mockProcessor{trade: &domain.Trade{Status: domain.StatusActive}}
	srv := newTestServer(t, proc, 0)

	body := `{"symbol":"btc","side":"long","quantity":0.25,"entryPrice":45000,"stopLossPercent":1.5,"takeProfitPercent":3,"leverage":5,"confidence":0.83,"reasoning":"momentum"}`
	req := httptest.NewRequest(http.MethodPost, "/signal", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleSignal(rec, req)

	require.NotNil(t, proc.last)
	assert.Equal(t, "btc", proc.last.Symbol)
	assert.Equal(t, "long", proc.last.Side)
	assert.Equal(t, 0.25, proc.last.Quantity)
	assert.Equal(t, 1.5, proc.last.StopLossPercent)
	assert.Equal(t, 3.0, proc.last.TakeProfitPercent)
	assert.Equal(t, 5, proc.last.Leverage)
	assert.Equal(t, 0.83, proc.last.Confidence)
	assert.Equal(t, "momentum", proc.last.Reasoning)
}

func TestServer_HandleHealth(t *testing.T) {
	srv := newTestServer(t, &mockProcessor{}, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])

	post := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec = httptest.NewRecorder()
	srv.handleHealth(rec, post)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
