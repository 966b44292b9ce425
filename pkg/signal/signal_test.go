package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buySignal(confidence float64) models.Signal {
	return models.Signal{
		Symbol:     "BTC-PERP",
		Direction:  models.DirectionBuy,
		Confidence: confidence,
		StopLoss:   models.Float(49500),
		TakeProfit: models.Float(55000),
	}
}

func TestValidator_Outcomes(t *testing.T) {
	t.Parallel()

	noStop := buySignal(0.9)
	noStop.StopLoss = nil
	noTake := buySignal(0.9)
	noTake.TakeProfit = nil

	tests := []struct {
		name string
		sig  models.Signal
		want models.Outcome
	}{
		{"accepted", buySignal(0.9), models.OutcomeAccepted},
		{"at threshold", buySignal(0.8), models.OutcomeAccepted},
		{"below threshold", buySignal(0.75), models.OutcomeRejected},
		{"missing direction", models.Signal{Symbol: "BTC-PERP", Confidence: 0.9}, models.OutcomeRejected},
		{"unknown direction", models.Signal{Symbol: "BTC-PERP", Direction: "up", Confidence: 0.9}, models.OutcomeRejected},
		{"hold", models.Signal{Symbol: "BTC-PERP", Direction: models.DirectionHold, Confidence: 0.3}, models.OutcomeHold},
		{"missing stop", noStop, models.OutcomeRejected},
		{"missing take", noTake, models.OutcomeRejected},
		{"confidence above one", buySignal(1.5), models.OutcomeRejected},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger, _ := test.NewNullLogger()
			v := NewValidator(0.8, logger)
			got := v.Validate(tt.sig)
			assert.Equal(t, tt.want, got.Outcome)
			if tt.want == models.OutcomeRejected {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestValidator_DefaultThreshold(t *testing.T) {
	t.Parallel()

	logger, _ := test.NewNullLogger()
	v := NewValidator(0, logger)
	assert.Equal(t, DefaultConfidenceThreshold, v.Threshold())
	assert.Equal(t, models.OutcomeRejected, v.Validate(buySignal(0.75)).Outcome)
}

func TestWithDefaultLevels(t *testing.T) {
	t.Parallel()

	long := WithDefaultLevels(models.Signal{Direction: models.DirectionBuy}, 100, 0.015, 0.03)
	require.NotNil(t, long.StopLoss)
	require.NotNil(t, long.TakeProfit)
	assert.InDelta(t, 98.5, *long.StopLoss, 1e-9)
	assert.InDelta(t, 103, *long.TakeProfit, 1e-9)

	short := WithDefaultLevels(models.Signal{Direction: models.DirectionSell, StopLoss: models.Float(110)}, 100, 0.015, 0.03)
	assert.Equal(t, 110.0, *short.StopLoss)
	assert.InDelta(t, 97, *short.TakeProfit, 1e-9)

	hold := WithDefaultLevels(models.Signal{Direction: models.DirectionHold}, 100, 0.015, 0.03)
	assert.Nil(t, hold.StopLoss)
}

func TestToPerp(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"SUI/USD":  "SUI-PERP",
		"sui":      "SUI-PERP",
		"BTC-USD":  "BTC-PERP",
		"ETH-PERP": "ETH-PERP",
		" sol ":    "SOL-PERP",
		"":         "",
		"/USD":     "",
		"-PERP":    "",
	} {
		assert.Equal(t, want, ToPerp(in), in)
	}
}

func TestSymbols_Normalize(t *testing.T) {
	t.Parallel()

	s := NewSymbols([]string{"SUI-PERP", "BTC-PERP"})
	got, err := s.Normalize("SUI/USD")
	require.NoError(t, err)
	assert.Equal(t, "SUI-PERP", got)

	_, err = s.Normalize("DOGE/USD")
	assert.ErrorIs(t, err, models.ErrValidation)

	for _, raw := range []string{"", "  ", "/USD", "-PERP"} {
		_, err = s.Normalize(raw)
		assert.ErrorIs(t, err, models.ErrValidation, raw)
	}

	assert.Equal(t, []string{"BTC-PERP", "SUI-PERP"}, s.Allowed())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	logger, hook := test.NewNullLogger()
	assert.Equal(t, models.DirectionBuy, Classify("GREEN_CIRCLE", logger))
	assert.Equal(t, models.DirectionBuy, Classify("bull_flag", logger))
	assert.Equal(t, models.DirectionSell, Classify("BEAR_DIAMOND", logger))
	assert.Empty(t, hook.AllEntries())

	assert.Equal(t, models.DirectionHold, Classify("PURPLE_SQUARE", logger))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestAlertParser(t *testing.T) {
	t.Parallel()

	logger, hook := test.NewNullLogger()
	p := NewAlertParser(NewSymbols([]string{"SUI-PERP"}), 0.8, logger)

	sig, err := p.Parse([]byte(`{"symbol":"SUI/USD","timeframe":"5m","signal_type":"RED_CIRCLE","price":1.5}`))
	require.NoError(t, err)
	assert.Equal(t, "SUI-PERP", sig.Symbol)
	assert.Equal(t, models.DirectionSell, sig.Direction)
	assert.Equal(t, 0.8, sig.Confidence)
	assert.Equal(t, "5m", sig.Timeframe)
	assert.Equal(t, "webhook", sig.Source)

	_, err = p.Parse([]byte(`{"symbol":"SUI/USD","signal_type":"RED_CIRCLE"}`))
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	_, err = p.Parse([]byte(`{"symbol":"BTC/USD","timeframe":"1h","signal_type":"GREEN_CIRCLE"}`))
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = p.Parse([]byte(`not json`))
	assert.ErrorIs(t, err, models.ErrValidation)
}

type countingSource struct {
	calls atomic.Int32
}

func (c *countingSource) Signal(_ context.Context, md *models.MarketData) (*models.Signal, error) {
	c.calls.Add(1)
	sig := buySignal(0.9)
	sig.Symbol = md.Symbol
	return &sig, nil
}

func TestCachedSource(t *testing.T) {
	t.Parallel()

	logger, _ := test.NewNullLogger()
	next := &countingSource{}
	c := NewCachedSource(next, 16, time.Minute, 4, logger)
	ctx := context.Background()

	_, err := c.Signal(ctx, &models.MarketData{Symbol: "BTC-PERP", Price: 50001, Timestamp: time.Now()})
	require.NoError(t, err)
	_, err = c.Signal(ctx, &models.MarketData{Symbol: "BTC-PERP", Price: 50003, Timestamp: time.Now().Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, int32(1), next.calls.Load())

	_, err = c.Signal(ctx, &models.MarketData{Symbol: "BTC-PERP", Price: 51000})
	require.NoError(t, err)
	_, err = c.Signal(ctx, &models.MarketData{Symbol: "ETH-PERP", Price: 50001})
	require.NoError(t, err)
	assert.Equal(t, int32(3), next.calls.Load())
	assert.Equal(t, 3, c.Len())
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := Fingerprint(&models.MarketData{Symbol: "BTC-PERP", Price: 50012}, 4)
	b := Fingerprint(&models.MarketData{Symbol: "BTC-PERP", Price: 50009}, 4)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Fingerprint(&models.MarketData{Symbol: "BTC-PERP", Price: 50100}, 4))
}

func TestReplaySource(t *testing.T) {
	t.Parallel()

	r, err := ParseReplay([]byte(`
signals:
  - symbol: BTC-PERP
    signal: buy
    confidence: 0.9
    stop_loss: 49500
    take_profit: 55000
  - symbol: sol/usd
    signal: hold
    confidence: 0.5
  - symbol: BTC-PERP
    signal: sell
    confidence: 0.85
`))
	require.NoError(t, err)
	assert.Equal(t, 3, r.Remaining())

	ctx := context.Background()
	md := &models.MarketData{Symbol: "BTC-PERP", Price: 50000}
	first, err := r.Signal(ctx, md)
	require.NoError(t, err)
	assert.Equal(t, models.DirectionBuy, first.Direction)
	require.NotNil(t, first.StopLoss)
	assert.Equal(t, 49500.0, *first.StopLoss)
	assert.Equal(t, "replay", first.Source)

	second, err := r.Signal(ctx, md)
	require.NoError(t, err)
	assert.Equal(t, models.DirectionSell, second.Direction)

	_, err = r.Signal(ctx, md)
	assert.ErrorIs(t, err, models.ErrNoSignal)

	sol, err := r.Signal(ctx, &models.MarketData{Symbol: "SOL-PERP"})
	require.NoError(t, err)
	assert.Equal(t, models.DirectionHold, sol.Direction)
}

func TestHTTPSource(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var md models.MarketData
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&md))
		code := int(status.Load())
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = w.Write([]byte(`{"signal":"buy","confidence":0.9,"stop_loss":49500,"take_profit":55000,"rationale":"breakout"}`))
		}
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	s := NewHTTPSource(srv.URL, time.Second, logger)
	s.limiter.SetLimit(1000)
	s.limiter.SetBurst(10)
	ctx := context.Background()
	md := &models.MarketData{Symbol: "BTC-PERP", Price: 50000}

	sig, err := s.Signal(ctx, md)
	require.NoError(t, err)
	assert.Equal(t, "BTC-PERP", sig.Symbol)
	assert.Equal(t, models.DirectionBuy, sig.Direction)
	assert.Equal(t, "breakout", sig.Rationale)

	status.Store(http.StatusNoContent)
	_, err = s.Signal(ctx, md)
	assert.ErrorIs(t, err, models.ErrNoSignal)

	status.Store(http.StatusServiceUnavailable)
	_, err = s.Signal(ctx, md)
	assert.True(t, models.IsRetryable(err))
}
