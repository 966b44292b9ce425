package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// TickerStream keeps the latest quote per symbol from the venue websocket.
type TickerStream struct {
	url     string
	symbols []string
	logger  *logrus.Logger

	mu     sync.RWMutex
	quotes map[string]models.MarketData

	writeMu sync.Mutex
	conn    *websocket.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type tickerMessage struct {
	Type      string    `json:"type"`
	ProductID string    `json:"product_id"`
	Price     string    `json:"price"`
	BestBid   string    `json:"best_bid"`
	BestAsk   string    `json:"best_ask"`
	Volume24h string    `json:"volume_24h"`
	Time      time.Time `json:"time"`
}

func NewTickerStream(url string, symbols []string, logger *logrus.Logger) *TickerStream {
	return &TickerStream{
		url:     url,
		symbols: symbols,
		logger:  logger,
		quotes:  make(map[string]models.MarketData),
	}
}

// Start runs the read loop until Stop is called or ctx ends, reconnecting
// after a fixed delay on failure.
func (ws *TickerStream) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	ws.cancel = cancel

	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		for {
			if err := ws.session(ctx); err != nil && ctx.Err() == nil {
				ws.logger.WithError(err).Warn("Ticker stream disconnected")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()
	return nil
}

func (ws *TickerStream) Stop() {
	if ws.cancel != nil {
		ws.cancel()
	}
	ws.writeMu.Lock()
	if ws.conn != nil {
		ws.conn.Close()
	}
	ws.writeMu.Unlock()
	ws.wg.Wait()
}

// Quote returns the last streamed quote for symbol.
func (ws *TickerStream) Quote(symbol string) (*models.MarketData, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	md, ok := ws.quotes[symbol]
	if !ok {
		return nil, false
	}
	return &md, true
}

func (ws *TickerStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, ws.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}
	ws.writeMu.Lock()
	ws.conn = conn
	ws.writeMu.Unlock()
	defer conn.Close()

	sub := subscribeMessage{
		Type:       "subscribe",
		ProductIDs: ws.symbols,
		Channels:   []string{"ticker"},
	}
	if err := ws.write(func(c *websocket.Conn) error { return c.WriteJSON(sub) }); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go ws.keepAlive(pingCtx)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := ws.handle(raw); err != nil {
			ws.logger.WithError(err).Debug("Dropped ticker message")
		}
	}
}

func (ws *TickerStream) handle(raw []byte) error {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	if msg.Type != "ticker" {
		return nil
	}
	md, err := msg.toMarketData()
	if err != nil {
		return err
	}
	ws.mu.Lock()
	ws.quotes[md.Symbol] = md
	ws.mu.Unlock()
	return nil
}

func (m tickerMessage) toMarketData() (models.MarketData, error) {
	price, err := strconv.ParseFloat(m.Price, 64)
	if err != nil || price <= 0 {
		return models.MarketData{}, fmt.Errorf("bad price %q for %s", m.Price, m.ProductID)
	}
	bid, _ := strconv.ParseFloat(m.BestBid, 64)
	ask, _ := strconv.ParseFloat(m.BestAsk, 64)
	volume, _ := strconv.ParseFloat(m.Volume24h, 64)
	ts := m.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.MarketData{
		Symbol:    m.ProductID,
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		Timestamp: ts,
	}, nil
}

func (ws *TickerStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ws.write(func(c *websocket.Conn) error {
				return c.WriteMessage(websocket.PingMessage, nil)
			})
			if err != nil {
				ws.logger.WithError(err).Error("Failed to send ping")
				return
			}
		}
	}
}

func (ws *TickerStream) write(fn func(*websocket.Conn) error) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if ws.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return fn(ws.conn)
}
