package engine

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"emabot/internal/strategy"
)

type Result string

const (
	ResultNewsBlocked     Result = "news_blocked"
	ResultBarsFailed      Result = "bars_failed"
	ResultNoSignal        Result = "no_signal"
	ResultSignalFailed    Result = "signal_failed"
	ResultRejected        Result = "rejected"
	ResultDryRun          Result = "dry_run"
	ResultOrderFailed     Result = "order_failed"
	ResultOrderRejected   Result = "order_rejected"
	ResultOrderSubmitted  Result = "order_submitted"
	ResultBreakEven       Result = "break_even"
	ResultBreakEvenFailed Result = "break_even_failed"
)

// Decision is one journal line describing what a cycle did and why.
type Decision struct {
	RunID         string          `json:"run_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Symbol        string          `json:"symbol"`
	Close         float64         `json:"close,omitempty"`
	FastEMA       float64         `json:"fast_ema,omitempty"`
	SlowEMA       float64         `json:"slow_ema,omitempty"`
	Signal        strategy.Signal `json:"signal,omitempty"`
	Balance       float64         `json:"balance,omitempty"`
	OpenPositions int             `json:"open_positions"`
	Volume        float64         `json:"volume,omitempty"`
	Price         float64         `json:"price,omitempty"`
	StopLoss      float64         `json:"stop_loss,omitempty"`
	TakeProfit    float64         `json:"take_profit,omitempty"`
	Ticket        string          `json:"ticket,omitempty"`
	Result        Result          `json:"result"`
	Reason        string          `json:"reason,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// DecisionLogger appends decisions as NDJSON.
type DecisionLogger struct {
	runID  string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func NewDecisionLogger(path string, runID string) (*DecisionLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &DecisionLogger{
		runID:  runID,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (d *DecisionLogger) RunID() string {
	return d.runID
}

func (d *DecisionLogger) Append(decision Decision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	decision.RunID = d.runID
	if decision.Timestamp.IsZero() {
		decision.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal decision")
		return
	}
	if _, err := d.writer.Write(append(payload, '\n')); err != nil {
		log.Error().Err(err).Msg("failed to write decision")
		return
	}
	if err := d.writer.Flush(); err != nil {
		log.Error().Err(err).Msg("failed to flush decision log")
	}
}

func (d *DecisionLogger) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writer.Flush(); err != nil {
		_ = d.file.Close()
		return err
	}
	return d.file.Close()
}
