package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/perpagent/internal/config"
	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// quoteMaxAge bounds how stale a streamed quote may be before REST is used.
const quoteMaxAge = 5 * time.Second

// LiveClient talks to the venue REST API. Every request waits on the rate
// limiter first; streamed quotes are preferred over REST tickers when fresh.
type LiveClient struct {
	baseURL    string
	currency   string
	auth       Authenticator
	httpClient *http.Client
	limiter    *rate.Limiter
	stream     *TickerStream
	logger     *logrus.Logger
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type tickerResponse struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

type modifyRequest struct {
	Size  *float64 `json:"size,omitempty"`
	Price *float64 `json:"price,omitempty"`
}

func NewLiveClient(cfg config.ExchangeConfig, auth Authenticator, logger *logrus.Logger) *LiveClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &LiveClient{
		baseURL:    strings.TrimRight(cfg.RestURL, "/"),
		currency:   cfg.Currency,
		auth:       auth,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
	}
}

// AttachStream makes GetMarketData prefer quotes from s.
func (c *LiveClient) AttachStream(s *TickerStream) {
	c.stream = s
}

func (c *LiveClient) Name() string { return BackendLive }

func (c *LiveClient) Start(ctx context.Context) error {
	if c.stream == nil {
		return nil
	}
	return c.stream.Start(ctx)
}

func (c *LiveClient) Stop() {
	if c.stream != nil {
		c.stream.Stop()
	}
}

func (c *LiveClient) GetMarketData(ctx context.Context, symbol string) (*models.MarketData, error) {
	if c.stream != nil {
		if md, ok := c.stream.Quote(symbol); ok && time.Since(md.Timestamp) < quoteMaxAge {
			return md, nil
		}
	}

	var t tickerResponse
	if err := c.do(ctx, http.MethodGet, "/v1/ticker?symbol="+url.QueryEscape(symbol), nil, &t); err != nil {
		return nil, fmt.Errorf("get ticker %s: %w", symbol, err)
	}
	return &models.MarketData{
		Symbol:    symbol,
		Price:     t.Price,
		Bid:       t.Bid,
		Ask:       t.Ask,
		Volume:    t.Volume,
		Timestamp: time.UnixMilli(t.Timestamp),
	}, nil
}

func (c *LiveClient) GetAccountBalance(ctx context.Context) (*models.Account, error) {
	var acct models.Account
	if err := c.do(ctx, http.MethodGet, "/v1/account", nil, &acct); err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acct.Currency == "" {
		acct.Currency = c.currency
	}
	return &acct, nil
}

func (c *LiveClient) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderAck, error) {
	var ack models.OrderAck
	if err := c.do(ctx, http.MethodPost, "/v1/orders", req, &ack); err != nil {
		return nil, fmt.Errorf("place order %s: %w", req.ClientOrderID, err)
	}
	return &ack, nil
}

func (c *LiveClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(orderID), nil, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

func (c *LiveClient) ModifyOrder(ctx context.Context, orderID string, size, price *float64) (*models.OrderAck, error) {
	var ack models.OrderAck
	body := modifyRequest{Size: size, Price: price}
	if err := c.do(ctx, http.MethodPatch, "/v1/orders/"+url.PathEscape(orderID), body, &ack); err != nil {
		return nil, fmt.Errorf("modify order %s: %w", orderID, err)
	}
	return &ack, nil
}

func (c *LiveClient) GetOrder(ctx context.Context, orderID string) (*models.OrderAck, error) {
	var ack models.OrderAck
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, &ack); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return &ack, nil
}

func (c *LiveClient) ClosePosition(ctx context.Context, req *models.CloseRequest) (*models.OrderAck, error) {
	var ack models.OrderAck
	if err := c.do(ctx, http.MethodPost, "/v1/positions/close", req, &ack); err != nil {
		return nil, fmt.Errorf("close position %s: %w", req.PositionID, err)
	}
	return &ack, nil
}

func (c *LiveClient) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.Transientf("rate limiter: %v", err)
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.auth.Sign(req, body); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Transientf("read response: %v", err)
	}

	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, payload)
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return models.Transientf("timeout: %v", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return models.Transientf("transport: %v", err)
}

func classifyStatus(status int, payload []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(payload, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(payload))
	}

	switch {
	case status == http.StatusTooManyRequests:
		return models.Transientf("rate limited: %s", msg)
	case status >= 500:
		return models.Transientf("status %d: %s", status, msg)
	case strings.EqualFold(apiErr.Code, "INSUFFICIENT_BALANCE"):
		return fmt.Errorf("%w: %s", models.ErrInsufficientBalance, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("status %d: %s: %w", status, msg, models.ErrNotConfigured)
	case status == http.StatusNotFound:
		return models.Validationf("not found: %s", msg)
	default:
		return models.Validationf("status %s: %s", strconv.Itoa(status), msg)
	}
}
