package risk

import (
	"fmt"
	"time"
)

// Clock is a time of day at minute resolution.
type Clock struct {
	Hour   int
	Minute int
}

func ParseClock(value string) (Clock, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid clock %q: %w", value, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) minutes() int {
	return c.Hour*60 + c.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// TradingWindow is an inclusive [Start, End] range of local time in Location.
type TradingWindow struct {
	Start    Clock
	End      Clock
	Location *time.Location
}

func NewTradingWindow(start, end, timezone string) (TradingWindow, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return TradingWindow{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	s, err := ParseClock(start)
	if err != nil {
		return TradingWindow{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return TradingWindow{}, err
	}
	if e.minutes() < s.minutes() {
		return TradingWindow{}, fmt.Errorf("window end %s is before start %s", e, s)
	}
	return TradingWindow{Start: s, End: e, Location: loc}, nil
}

// Contains is inclusive at both ends. Seconds past End are outside, so with
// End 12:00 the instant 12:00:00 is inside and 12:00:01 is not.
func (w TradingWindow) Contains(t time.Time) bool {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	hour, minute, second := local.Clock()
	now := hour*60 + minute

	if now < w.Start.minutes() {
		return false
	}
	if now > w.End.minutes() {
		return false
	}
	if now == w.End.minutes() && (second > 0 || local.Nanosecond() > 0) {
		return false
	}
	return true
}

func (w TradingWindow) String() string {
	name := "UTC"
	if w.Location != nil {
		name = w.Location.String()
	}
	return fmt.Sprintf("%s-%s %s", w.Start, w.End, name)
}
