package strategy

// EMA is an exponential moving average seeded with the first value it sees.
// There is no bias adjustment for the early values.
type EMA struct {
	window int
	alpha  float64
	value  float64
	init   bool
}

func NewEMA(window int) *EMA {
	return &EMA{
		window: window,
		alpha:  2.0 / float64(window+1),
	}
}

func (e *EMA) Update(price float64) {
	if !e.init {
		e.value = price
		e.init = true
		return
	}
	e.value += e.alpha * (price - e.value)
}

func (e *EMA) Value() float64 {
	return e.value
}

func (e *EMA) Ready() bool {
	return e.init
}

// EMASeries returns the running EMA for every element of values.
func EMASeries(values []float64, window int) []float64 {
	ema := NewEMA(window)
	out := make([]float64, len(values))
	for i, v := range values {
		ema.Update(v)
		out[i] = ema.Value()
	}
	return out
}
