package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Source produces a signal for the given market snapshot. ErrNoSignal
// means there is nothing to act on this cycle.
type Source interface {
	Signal(ctx context.Context, md *models.MarketData) (*models.Signal, error)
}

// HTTPSource pulls signals from an external generator. The request body is
// the market snapshot; the response is a signal.
type HTTPSource struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

func NewHTTPSource(url string, timeout time.Duration, logger *logrus.Logger) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		logger:     logger,
	}
}

func (s *HTTPSource) Signal(ctx context.Context, md *models.MarketData) (*models.Signal, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode market data: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, models.Transientf("signal source: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Transientf("read signal: %v", err)
	}
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, models.ErrNoSignal
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.Transientf("signal source status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, models.Validationf("signal source status %d: %s", resp.StatusCode, payload)
	}

	var sig models.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return nil, models.Validationf("decode signal: %v", err)
	}
	if sig.Symbol == "" {
		sig.Symbol = md.Symbol
	}
	if sig.Source == "" {
		sig.Source = "http"
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	return &sig, nil
}

// ReplaySource serves signals from a YAML file in order, per symbol.
type ReplaySource struct {
	mu      sync.Mutex
	pending map[string][]models.Signal
}

type replayFile struct {
	Signals []models.Signal `yaml:"signals"`
}

func LoadReplay(path string) (*ReplaySource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	return ParseReplay(raw)
}

func ParseReplay(raw []byte) (*ReplaySource, error) {
	var f replayFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse replay file: %w", err)
	}
	r := &ReplaySource{pending: make(map[string][]models.Signal)}
	for _, sig := range f.Signals {
		sig.Symbol = ToPerp(sig.Symbol)
		if sig.Source == "" {
			sig.Source = "replay"
		}
		r.pending[sig.Symbol] = append(r.pending[sig.Symbol], sig)
	}
	return r, nil
}

func (r *ReplaySource) Signal(ctx context.Context, md *models.MarketData) (*models.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.pending[md.Symbol]
	if len(queue) == 0 {
		return nil, models.ErrNoSignal
	}
	sig := queue[0]
	r.pending[md.Symbol] = queue[1:]
	sig.CreatedAt = md.Timestamp
	return &sig, nil
}

// Remaining reports how many signals are left across all symbols.
func (r *ReplaySource) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, q := range r.pending {
		n += len(q)
	}
	return n
}

// CachedSource skips regeneration for near-identical market snapshots. The
// key is the symbol plus the price rounded to a number of significant
// digits; the timestamp is not part of it.
type CachedSource struct {
	next   Source
	digits int
	cache  *expirable.LRU[string, models.Signal]
	logger *logrus.Logger
}

func NewCachedSource(next Source, size int, ttl time.Duration, digits int, logger *logrus.Logger) *CachedSource {
	if size <= 0 {
		size = 256
	}
	if digits <= 0 {
		digits = 4
	}
	return &CachedSource{
		next:   next,
		digits: digits,
		cache:  expirable.NewLRU[string, models.Signal](size, nil, ttl),
		logger: logger,
	}
}

// Fingerprint is the cache key for md.
func Fingerprint(md *models.MarketData, digits int) string {
	return md.Symbol + "|" + strconv.FormatFloat(md.Price, 'g', digits, 64)
}

func (c *CachedSource) Signal(ctx context.Context, md *models.MarketData) (*models.Signal, error) {
	key := Fingerprint(md, c.digits)
	if sig, ok := c.cache.Get(key); ok {
		c.logger.WithField("key", key).Debug("Signal cache hit")
		return &sig, nil
	}

	sig, err := c.next.Signal(ctx, md)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, *sig)
	return sig, nil
}

func (c *CachedSource) Len() int {
	return c.cache.Len()
}
