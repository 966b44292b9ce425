package signal

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/sirupsen/logrus"
)

// Alert is the webhook payload.
type Alert struct {
	Symbol     string  `json:"symbol"`
	Timeframe  string  `json:"timeframe"`
	SignalType string  `json:"signal_type"`
	Action     string  `json:"action,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// AlertParser turns webhook alerts into signals.
type AlertParser struct {
	symbols    *Symbols
	confidence float64
	logger     *logrus.Logger
}

func NewAlertParser(symbols *Symbols, defaultConfidence float64, logger *logrus.Logger) *AlertParser {
	return &AlertParser{symbols: symbols, confidence: defaultConfidence, logger: logger}
}

// Parse decodes body and maps it to a signal. Missing required fields and
// symbols outside the allow-list are validation errors.
func (p *AlertParser) Parse(body []byte) (*models.Signal, error) {
	var alert Alert
	if err := json.Unmarshal(body, &alert); err != nil {
		p.logger.WithError(err).Warn("Invalid alert payload")
		return nil, models.Validationf("decode alert: %v", err)
	}
	return p.ToSignal(alert)
}

func (p *AlertParser) ToSignal(alert Alert) (*models.Signal, error) {
	var missing []string
	if strings.TrimSpace(alert.Symbol) == "" {
		missing = append(missing, "symbol")
	}
	if strings.TrimSpace(alert.Timeframe) == "" {
		missing = append(missing, "timeframe")
	}
	if strings.TrimSpace(alert.SignalType) == "" {
		missing = append(missing, "signal_type")
	}
	if len(missing) > 0 {
		p.logger.WithField("missing", missing).Warn("Invalid alert data: missing required fields")
		return nil, models.Validationf("missing required fields %v", missing)
	}

	symbol, err := p.symbols.Normalize(alert.Symbol)
	if err != nil {
		p.logger.WithField("symbol", alert.Symbol).Warn("Alert symbol not in allowed trading pairs")
		return nil, err
	}

	confidence := alert.Confidence
	if confidence == 0 {
		confidence = p.confidence
	}

	return &models.Signal{
		Symbol:     symbol,
		Direction:  Classify(alert.SignalType, p.logger),
		Confidence: confidence,
		Price:      alert.Price,
		Rationale:  alert.SignalType,
		Source:     "webhook",
		Timeframe:  alert.Timeframe,
		CreatedAt:  time.Now(),
	}, nil
}
