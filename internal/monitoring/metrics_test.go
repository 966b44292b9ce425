package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordClose_SplitsBySign(t *testing.T) {
	profit := testutil.ToFloat64(realizedPnL.WithLabelValues("profit"))
	loss := testutil.ToFloat64(realizedPnL.WithLabelValues("loss"))

	RecordClose("BTC-PERP", "take_profit", 12.5)
	RecordClose("BTC-PERP", "stop_loss", -4)

	assert.InDelta(t, profit+12.5, testutil.ToFloat64(realizedPnL.WithLabelValues("profit")), 1e-9)
	assert.InDelta(t, loss+4, testutil.ToFloat64(realizedPnL.WithLabelValues("loss")), 1e-9)
}

func TestUpdateAccount(t *testing.T) {
	UpdateAccount(10000, 9950, 50, -3, 1)

	assert.Equal(t, 10000.0, testutil.ToFloat64(accountBalance.WithLabelValues("total")))
	assert.Equal(t, 9950.0, testutil.ToFloat64(accountBalance.WithLabelValues("available")))
	assert.Equal(t, -3.0, testutil.ToFloat64(accountBalance.WithLabelValues("unrealized_pnl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(openPositions))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	RecordSignal("accepted")
	RecordOrder("ETH-PERP", "buy", "filled", 2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `perp_agent_signals_total{outcome="accepted"}`))
	assert.True(t, strings.Contains(body, `perp_agent_orders_total{side="buy",status="filled",symbol="ETH-PERP"}`))
}
