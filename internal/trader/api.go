package trader

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIServer exposes health, status and metrics of a running strategy.
type APIServer struct {
	server    *http.Server
	trader    *Trader
	logger    *zap.Logger
	uuid      string
	startTime time.Time
}

// NewAPIServer creates a new APIServer listening on port.
func NewAPIServer(port int, trader *Trader, logger *zap.Logger) *APIServer {
	s := &APIServer{
		trader:    trader,
		logger:    logger.Named("api-server"),
		uuid:      uuid.NewString(),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes of the server.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

type openTradeStatus struct {
	Pair      string    `json:"pair"`
	OpenTime  time.Time `json:"open_time"`
	OpenPrice float64   `json:"open_price"`
	QuoteIn   float64   `json:"quote_in"`
	Borrowed  float64   `json:"borrowed"`
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := s.trader.OpenTrades()
	if err != nil {
		s.logger.Error("Failed to get open trades", zap.Error(err))
		http.Error(w, "Failed to get open trades", http.StatusInternalServerError)
		return
	}

	open := make([]openTradeStatus, 0, len(trades))
	for _, tr := range trades {
		open = append(open, openTradeStatus{
			Pair:      tr.Pair,
			OpenTime:  tr.OpenTime,
			OpenPrice: tr.OpenPrice,
			QuoteIn:   tr.QuoteIn,
			Borrowed:  tr.Borrowed,
		})
	}

	cfg := s.trader.cfg
	status := struct {
		UUID       string            `json:"uuid"`
		Name       string            `json:"name"`
		TradeType  string            `json:"trade_type"`
		Direction  string            `json:"direction"`
		StartTime  string            `json:"start_time"`
		Uptime     string            `json:"uptime"`
		Drain      bool              `json:"drain"`
		OpenTrades []openTradeStatus `json:"open_trades"`
	}{
		UUID:       s.uuid,
		Name:       cfg.Name,
		TradeType:  cfg.TradeType,
		Direction:  cfg.TradeDirection,
		StartTime:  s.startTime.Format(time.RFC3339),
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Drain:      s.trader.inDrain(),
		OpenTrades: open,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to write status response", zap.Error(err))
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
	}
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
