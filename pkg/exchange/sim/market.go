// Package sim provides a seeded random-walk market and an order gateway that
// fills against it. It is used whenever no live venue is configured.
package sim

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	spread       = 0.001
	minPrice     = 1e-6
	minVolume    = 100.0
	volumeJitter = 100.0
)

type MarketConfig struct {
	Seed         int64
	Volatility   float64
	Trend        float64
	TickInterval time.Duration
	// Prices seeds the tracked symbols with their start price.
	Prices map[string]float64
}

type quote struct {
	price   float64
	bid     float64
	ask     float64
	volume  float64
	updated time.Time
}

// Market advances every tracked symbol by
// price += price * (N(0,1)*volatility*dt + trend*dt), dt in seconds.
type Market struct {
	cfg    MarketConfig
	logger *logrus.Logger

	mu     sync.RWMutex
	rng    *rand.Rand
	quotes map[string]*quote
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var ErrAlreadyStarted = errors.New("simulated market already started")

func NewMarket(cfg MarketConfig, logger *logrus.Logger) *Market {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	m := &Market{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		quotes: make(map[string]*quote),
		now:    time.Now,
	}

	// Sorted so the same seed always produces the same volumes.
	symbols := make([]string, 0, len(cfg.Prices))
	for s := range cfg.Prices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		m.addLocked(strings.ToUpper(s), cfg.Prices[s], 1000+m.rng.Float64()*9000)
	}
	return m
}

// Start launches the tick loop.
func (m *Market) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()

		m.logger.WithField("interval", m.cfg.TickInterval).Info("Simulated market started")
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Simulated market stopped")
				return
			case <-ticker.C:
				m.Step(m.cfg.TickInterval)
			}
		}
	}()
	return nil
}

// Stop ends the tick loop and waits for it to exit.
func (m *Market) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Step advances every symbol by dt.
func (m *Market) Step(dt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seconds := dt.Seconds()
	now := m.now()
	for _, symbol := range m.symbolsLocked() {
		q := m.quotes[symbol]
		change := q.price * (m.rng.NormFloat64()*m.cfg.Volatility*seconds + m.cfg.Trend*seconds)
		q.price = floorPrice(q.price + change)
		q.bid = q.price * (1 - spread)
		q.ask = q.price * (1 + spread)
		q.volume = math.Max(q.volume+(m.rng.Float64()*2-1)*volumeJitter, minVolume)
		q.updated = now
	}
}

func (m *Market) GetMarketData(ctx context.Context, symbol string) (*models.MarketData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotes[symbol]
	if !ok {
		q = m.addLocked(symbol, 100+m.rng.Float64()*9900, 1000+m.rng.Float64()*9000)
		m.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"price":  q.price,
		}).Info("Added symbol to simulated market")
	}
	return &models.MarketData{
		Symbol:    symbol,
		Price:     q.price,
		Bid:       q.bid,
		Ask:       q.ask,
		Volume:    q.volume,
		Timestamp: m.now(),
	}, nil
}

// Has reports whether symbol is tracked.
func (m *Market) Has(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.quotes[symbol]
	return ok
}

// Price returns the current price of a tracked symbol.
func (m *Market) Price(symbol string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[symbol]
	if !ok {
		return 0, false
	}
	return q.price, true
}

// SetPrice forces the price of symbol, adding it when unknown.
func (m *Market) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[symbol]
	if !ok {
		m.addLocked(symbol, price, minVolume)
		return
	}
	q.price = floorPrice(price)
	q.bid = q.price * (1 - spread)
	q.ask = q.price * (1 + spread)
	q.updated = m.now()
}

// Symbols lists the tracked symbols in order.
func (m *Market) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.symbolsLocked()
}

func (m *Market) symbolsLocked() []string {
	out := make([]string, 0, len(m.quotes))
	for s := range m.quotes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Market) addLocked(symbol string, price, volume float64) *quote {
	price = floorPrice(price)
	q := &quote{
		price:   price,
		bid:     price * (1 - spread),
		ask:     price * (1 + spread),
		volume:  math.Max(volume, minVolume),
		updated: m.now(),
	}
	m.quotes[symbol] = q
	return q
}

func floorPrice(p float64) float64 {
	if math.IsNaN(p) || p < minPrice {
		return minPrice
	}
	return p
}
