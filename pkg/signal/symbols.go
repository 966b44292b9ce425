package signal

import (
	"sort"
	"strings"

	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/sirupsen/logrus"
)

const perpSuffix = "-PERP"

var (
	longTags  = map[string]bool{"GREEN_CIRCLE": true, "GOLD_CIRCLE": true, "BULL_FLAG": true}
	shortTags = map[string]bool{"RED_CIRCLE": true, "BEAR_FLAG": true, "BEAR_DIAMOND": true}
)

// Symbols maps free-form symbols to BASE-PERP and checks them against the
// allow-list.
type Symbols struct {
	allowed map[string]bool
}

func NewSymbols(allowed []string) *Symbols {
	s := &Symbols{allowed: make(map[string]bool, len(allowed))}
	for _, a := range allowed {
		if sym := ToPerp(a); sym != "" {
			s.allowed[sym] = true
		}
	}
	return s
}

// ToPerp converts SUI/USD, SUI-USD, sui or SUI-PERP to SUI-PERP. A symbol
// with no base maps to "".
func ToPerp(raw string) string {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if strings.HasSuffix(sym, perpSuffix) && len(sym) > len(perpSuffix) {
		return sym
	}
	if i := strings.IndexAny(sym, "/-:"); i >= 0 {
		sym = sym[:i]
	}
	if sym == "" {
		return ""
	}
	return sym + perpSuffix
}

// Normalize maps raw and rejects symbols that are not allowed.
func (s *Symbols) Normalize(raw string) (string, error) {
	sym := ToPerp(raw)
	if sym == "" {
		return "", models.Validationf("symbol missing")
	}
	if !s.allowed[sym] {
		return "", models.Validationf("symbol %s not in allowed pairs", sym)
	}
	return sym, nil
}

func (s *Symbols) Allowed() []string {
	out := make([]string, 0, len(s.allowed))
	for sym := range s.allowed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Classify maps a pattern tag to a direction. Unknown tags are logged and
// map to hold.
func Classify(tag string, logger *logrus.Logger) models.Direction {
	t := strings.ToUpper(strings.TrimSpace(tag))
	switch {
	case longTags[t]:
		return models.DirectionBuy
	case shortTags[t]:
		return models.DirectionSell
	}
	logger.WithField("signal_type", tag).Warn("Unrecognized signal type")
	return models.DirectionHold
}
