package strategy

import (
	"errors"
	"fmt"
)

const (
	DefaultFastWindow = 50
	DefaultSlowWindow = 200
)

var ErrInsufficientBars = errors.New("insufficient bars for crossover")

// Crossover compares a fast and a slow EMA over the last two closes.
type Crossover struct {
	Fast int
	Slow int
}

func NewCrossover() Crossover {
	return Crossover{Fast: DefaultFastWindow, Slow: DefaultSlowWindow}
}

// MinBars is the number of closes Decide needs.
func (c Crossover) MinBars() int {
	return c.Slow + 1
}

// Evaluation is the crossover state at the last close.
type Evaluation struct {
	Signal  Signal
	Close   float64
	FastEMA float64
	SlowEMA float64
}

func (c Crossover) Evaluate(closes []float64) (Evaluation, error) {
	if c.Fast <= 0 || c.Slow <= 0 {
		return Evaluation{Signal: None}, fmt.Errorf("invalid windows fast=%d slow=%d", c.Fast, c.Slow)
	}
	if len(closes) < c.MinBars() {
		return Evaluation{Signal: None}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBars, len(closes), c.MinBars())
	}

	fast := EMASeries(closes, c.Fast)
	slow := EMASeries(closes, c.Slow)
	last := len(closes) - 1
	prev := last - 1

	eval := Evaluation{
		Signal:  None,
		Close:   closes[last],
		FastEMA: fast[last],
		SlowEMA: slow[last],
	}
	switch {
	case fast[last] > slow[last] && fast[prev] <= slow[prev]:
		eval.Signal = Buy
	case fast[last] < slow[last] && fast[prev] >= slow[prev]:
		eval.Signal = Sell
	}
	return eval, nil
}

func (c Crossover) Decide(closes []float64) (Signal, error) {
	eval, err := c.Evaluate(closes)
	return eval.Signal, err
}

// CrossoverSignal evaluates the default 50/200 crossover.
func CrossoverSignal(closes []float64) (Signal, error) {
	return NewCrossover().Decide(closes)
}
