package risk

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

var ErrMaxPositions = errors.New("max_positions_reached")

type Direction string

const (
	Long  Direction = "buy"
	Short Direction = "sell"
)

// PositionSize is a flat percentage of balance. riskPercent is in percent,
// so 1 means one percent. The result is not clamped to lot size or margin.
func PositionSize(balance, riskPercent float64) float64 {
	return balance * (riskPercent / 100)
}

// Levels returns stop-loss and take-profit around entry. slPct and tpPct are
// fractions of the entry price.
func Levels(entry float64, dir Direction, slPct, tpPct float64) (sl, tp float64) {
	if dir == Long {
		return entry * (1 - slPct), entry * (1 + tpPct)
	}
	return entry * (1 + slPct), entry * (1 - tpPct)
}

// BreakEvenReached reports whether the unrealized profit per unit of volume
// is at least threshold times the entry price.
func BreakEvenReached(profit, volume, entry, threshold float64) bool {
	if volume <= 0 {
		return false
	}
	return profit/volume >= entry*threshold
}

// Gate caps the number of concurrently open positions on the symbol.
type Gate struct {
	MaxPositions int
}

func (g Gate) Allow(openPositions int) error {
	if openPositions >= g.MaxPositions {
		log.Info().Str("reason", ErrMaxPositions.Error()).Int("open", openPositions).Int("max", g.MaxPositions).Msg("risk rejected")
		return fmt.Errorf("%w: %d open, max %d", ErrMaxPositions, openPositions, g.MaxPositions)
	}
	log.Debug().Int("open", openPositions).Int("max", g.MaxPositions).Msg("risk approved")
	return nil
}
