package strategy

type Signal string

const (
	None Signal = "NONE"
	Buy  Signal = "BUY"
	Sell Signal = "SELL"
)

func (s Signal) String() string {
	return string(s)
}

// Comment is the order comment attached to trades opened on this signal.
func (s Signal) Comment() string {
	switch s {
	case Buy:
		return "EMA Buy"
	case Sell:
		return "EMA Sell"
	default:
		return ""
	}
}
