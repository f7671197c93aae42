package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

var timeFrameUnits = map[string]struct {
	unit   marketdata.TimeFrameUnit
	period time.Duration
}{
	"min":   {marketdata.Min, time.Minute},
	"hour":  {marketdata.Hour, time.Hour},
	"day":   {marketdata.Day, 24 * time.Hour},
	"week":  {marketdata.Week, 7 * 24 * time.Hour},
	"month": {marketdata.Month, 30 * 24 * time.Hour}, // approx
}

// ParseTimeFrame parses values such as "15Min", "4Hour" or "1Day" into the
// market data timeframe and the duration of one bar.
func ParseTimeFrame(value string) (marketdata.TimeFrame, time.Duration, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	i := 0
	for i < len(v) && v[i] >= '0' && v[i] <= '9' {
		i++
	}
	if i == 0 || i == len(v) {
		return marketdata.TimeFrame{}, 0, fmt.Errorf("invalid timeframe: %s", value)
	}
	n, err := strconv.Atoi(v[:i])
	if err != nil || n <= 0 {
		return marketdata.TimeFrame{}, 0, fmt.Errorf("invalid timeframe: %s", value)
	}
	u, ok := timeFrameUnits[v[i:]]
	if !ok {
		return marketdata.TimeFrame{}, 0, fmt.Errorf("invalid timeframe unit: %s", value)
	}
	return marketdata.NewTimeFrame(n, u.unit), u.period * time.Duration(n), nil
}
