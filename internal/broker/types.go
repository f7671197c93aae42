package broker

import (
	"context"
	"time"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type Status string

const (
	StatusDone     Status = "done"
	StatusRejected Status = "rejected"
)

type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

type Quote struct {
	Bid float64
	Ask float64
}

// Position is owned by the terminal. Ticket identifies what ModifyStopLoss
// acts on and is empty when the position has no adjustable stop.
type Position struct {
	Ticket     string
	Symbol     string
	Side       Side
	Volume     float64
	EntryPrice float64
	StopLoss   float64
	Profit     float64
}

type TradeRequest struct {
	Symbol        string
	Side          Side
	Volume        float64
	Price         float64
	StopLoss      float64
	TakeProfit    float64
	Comment       string
	ClientOrderID string
}

type TradeResult struct {
	Status  Status
	Message string
	OrderID string
}

func (r TradeResult) Done() bool {
	return r.Status == StatusDone
}

// Terminal is the narrow surface the bot uses to talk to the trading venue.
type Terminal interface {
	Connect(ctx context.Context) error
	Disconnect() error
	AccountBalance(ctx context.Context) (float64, error)
	HistoricalBars(ctx context.Context, symbol, timeframe string, count int) ([]Bar, error)
	LatestQuote(ctx context.Context, symbol string) (Quote, error)
	OpenPositions(ctx context.Context, symbol string) ([]Position, error)
	SubmitOrder(ctx context.Context, req TradeRequest) (TradeResult, error)
	ModifyStopLoss(ctx context.Context, ticket string, stopLoss float64) (TradeResult, error)
}

func Closes(bars []Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	return closes
}
