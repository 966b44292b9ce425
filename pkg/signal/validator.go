// Package signal turns external recommendations into validated signals:
// symbol mapping, alert parsing, the confidence gate and the pull sources.
package signal

import (
	"fmt"

	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultConfidenceThreshold = 0.8

// Validator applies the confidence threshold and required-fields policy.
type Validator struct {
	threshold float64
	logger    *logrus.Logger
}

func NewValidator(threshold float64, logger *logrus.Logger) *Validator {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Validator{threshold: threshold, logger: logger}
}

func (v *Validator) Threshold() float64 {
	return v.threshold
}

// Validate classifies sig as rejected, hold or accepted. A hold is valid
// but never actionable.
func (v *Validator) Validate(sig models.Signal) models.Verdict {
	verdict := models.Verdict{Signal: sig}

	reject := func(format string, args ...any) models.Verdict {
		verdict.Outcome = models.OutcomeRejected
		verdict.Reason = fmt.Sprintf(format, args...)
		v.logger.WithFields(logrus.Fields{
			"symbol":     sig.Symbol,
			"signal":     sig.Direction,
			"confidence": sig.Confidence,
			"reason":     verdict.Reason,
		}).Info("Signal rejected")
		return verdict
	}

	switch {
	case sig.Direction == "":
		return reject("direction missing")
	case sig.Direction == models.DirectionHold:
		verdict.Outcome = models.OutcomeHold
		return verdict
	case !sig.Direction.IsActionable():
		return reject("unknown direction %q", sig.Direction)
	case sig.Symbol == "":
		return reject("symbol missing")
	case sig.Confidence < 0 || sig.Confidence > 1:
		return reject("confidence %v outside [0,1]", sig.Confidence)
	case sig.Confidence < v.threshold:
		return reject("confidence %.2f below threshold %.2f", sig.Confidence, v.threshold)
	case sig.StopLoss == nil:
		return reject("stop-loss missing")
	case sig.TakeProfit == nil:
		return reject("take-profit missing")
	}

	verdict.Outcome = models.OutcomeAccepted
	return verdict
}

// WithDefaultLevels fills a missing stop-loss or take-profit from
// percentages around price.
func WithDefaultLevels(sig models.Signal, price, stopPct, takePct float64) models.Signal {
	if !sig.Direction.IsActionable() || price <= 0 {
		return sig
	}
	dir := 1.0
	if sig.Direction == models.DirectionSell {
		dir = -1
	}
	if sig.StopLoss == nil && stopPct > 0 {
		sig.StopLoss = models.Float(price * (1 - stopPct*dir))
	}
	if sig.TakeProfit == nil && takePct > 0 {
		sig.TakeProfit = models.Float(price * (1 + takePct*dir))
	}
	return sig
}
