package broker

import (
	"math"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

const (
	// sessionLength is the regular US equity session, 09:30 to 16:00.
	sessionLength = 6*time.Hour + 30*time.Minute
	// holidayPadding covers exchange holidays inside the lookback.
	holidayPadding = 10 * 24 * time.Hour
	// maxBarFetches bounds how often collectBars widens the range.
	maxBarFetches = 4
)

// lookback estimates the calendar span holding count bars of period. Intraday
// bars only print during the session and no bars print on weekends.
func lookback(period time.Duration, count int) time.Duration {
	const day = 24 * time.Hour
	if period <= 0 || count <= 0 {
		return holidayPadding
	}
	if period >= day {
		tradingSpan := period * time.Duration(count)
		return tradingSpan*7/5 + holidayPadding
	}
	perSession := math.Ceil(float64(sessionLength) / float64(period))
	sessions := math.Ceil(float64(count) / perSession)
	return time.Duration(math.Ceil(sessions*7/5))*day + holidayPadding
}

// collectBars fetches bars over span and doubles the span until count bars
// are available or maxBarFetches is reached. It returns the most recent
// count bars in chronological order.
func collectBars(count int, span time.Duration, fetch func(span time.Duration) ([]marketdata.Bar, error)) ([]marketdata.Bar, error) {
	var bars []marketdata.Bar
	for i := 0; i < maxBarFetches; i++ {
		got, err := fetch(span)
		if err != nil {
			return nil, err
		}
		bars = got
		if len(bars) >= count {
			break
		}
		span *= 2
	}
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}
