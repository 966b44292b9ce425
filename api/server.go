package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gregtusar/perpagent/internal/config"
	"github.com/gregtusar/perpagent/internal/monitoring"
	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/gregtusar/perpagent/pkg/position"
	"github.com/gregtusar/perpagent/pkg/signal"
	"github.com/gregtusar/perpagent/pkg/strategy"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// Trader is the engine surface the API drives.
type Trader interface {
	Process(ctx context.Context, sig models.Signal) strategy.CycleResult
	CloseAll(ctx context.Context) ([]models.Order, error)
	Performance() strategy.Performance
	Enable()
	Disable()
	Enabled() bool
}

// Orders manages individual positions and pending orders.
type Orders interface {
	Close(ctx context.Context, positionID string, reason models.CloseReason) (*models.Order, error)
	Cancel(ctx context.Context, orderID uint64) (*models.Order, error)
	Modify(ctx context.Context, orderID uint64, size, price *float64) (*models.Order, error)
}

type Server struct {
	trader  Trader
	orders  Orders
	book    *position.Book
	alerts  *signal.AlertParser
	secret  []byte
	limiter *rate.Limiter
	logger  *logrus.Logger
	port    int
	started time.Time
}

func NewServer(cfg config.Config, trader Trader, orders Orders, book *position.Book, alerts *signal.AlertParser, logger *logrus.Logger) *Server {
	perMinute := cfg.Webhook.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Server{
		trader:  trader,
		orders:  orders,
		book:    book,
		alerts:  alerts,
		secret:  []byte(cfg.Webhook.Secret),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:  logger,
		port:    cfg.Server.Port,
		started: time.Now(),
	}
}

// Handler returns the routed API with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/account", s.handleAccount)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("POST /api/positions/close-all", s.handleCloseAll)
	mux.HandleFunc("POST /api/positions/{id}/close", s.handleClosePosition)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("POST /api/orders/{id}/cancel", s.handleCancelOrder)
	mux.HandleFunc("POST /api/orders/{id}/modify", s.handleModifyOrder)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/performance", s.handlePerformance)
	mux.HandleFunc("GET /api/trading", s.handleTradingStatus)
	mux.HandleFunc("POST /api/trading/enable", s.handleTradingToggle(true))
	mux.HandleFunc("POST /api/trading/disable", s.handleTradingToggle(false))
	mux.HandleFunc("POST /api/signals", s.handleSignal)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.Handle("GET /metrics", monitoring.Handler())

	return corsMiddleware(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %d", s.port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Signature")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC(),
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"trading_enabled": s.trader.Enabled(),
		"open_positions":  len(s.book.Positions()),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account := s.book.Account()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": account,
		"equity":  account.Equity(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.book.Positions())
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	order, err := s.orders.Close(r.Context(), id, models.CloseReasonManual)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	orders, err := s.trader.CloseAll(r.Context())
	resp := map[string]interface{}{"closed": orders}
	if err != nil {
		resp["error"] = err.Error()
		s.writeJSON(w, http.StatusMultiStatus, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if r.URL.Query().Get("status") == string(models.OrderStatusPending) {
		s.writeJSON(w, http.StatusOK, s.book.PendingOrders())
		return
	}
	s.writeJSON(w, http.StatusOK, s.book.Orders(symbol))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	order, err := s.orders.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

type modifyRequest struct {
	Size  *float64 `json:"size"`
	Price *float64 `json:"price"`
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req modifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, models.Validationf("decode modify request: %v", err))
		return
	}
	if req.Size == nil && req.Price == nil {
		s.writeError(w, models.Validationf("size or price is required"))
		return
	}
	order, err := s.orders.Modify(r.Context(), id, req.Size, req.Price)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.book.History(r.URL.Query().Get("symbol")))
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.trader.Performance())
}

func (s *Server) handleTradingStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.trader.Enabled()})
}

func (s *Server) handleTradingToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if enable {
			s.trader.Enable()
		} else {
			s.trader.Disable()
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.trader.Enabled()})
	}
}

// handleSignal accepts a fully formed signal, e.g. from an AI caller.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig models.Signal
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&sig); err != nil {
		s.writeError(w, models.Validationf("decode signal: %v", err))
		return
	}
	if sig.Source == "" {
		sig.Source = "api"
	}
	sig.CreatedAt = time.Now()
	s.writeJSON(w, http.StatusOK, s.trader.Process(r.Context(), sig))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		monitoring.RecordError("webhook_rate_limited")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, models.Validationf("read body: %v", err))
		return
	}
	if !s.verifySignature(body, r.Header.Get("X-Signature")) {
		s.logger.WithField("remote", r.RemoteAddr).Warn("Webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	sig, err := s.alerts.Parse(body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res := s.trader.Process(r.Context(), *sig)
	s.logger.WithFields(logrus.Fields{
		"symbol": sig.Symbol,
		"signal": sig.Direction,
		"status": res.Status,
	}).Info("Processed webhook alert")
	s.writeJSON(w, http.StatusOK, res)
}

// verifySignature checks the hex HMAC-SHA256 of body. With no secret
// configured every request passes.
func (s *Server) verifySignature(body []byte, header string) bool {
	if len(s.secret) == 0 {
		return true
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(s.secret, body))
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func orderID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, models.Validationf("invalid order id %q", r.PathValue("id"))
	}
	return id, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrPositionNotFound), errors.Is(err, models.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPositionClosing), errors.Is(err, models.ErrOrderFinal):
		return http.StatusConflict
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrExecutionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("API request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
