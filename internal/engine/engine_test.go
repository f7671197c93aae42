package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emabot/internal/broker"
	"emabot/internal/config"
	"emabot/internal/metrics"
	"emabot/internal/news"
	"emabot/internal/strategy"
)

type fakeTerminal struct {
	balance    float64
	balanceErr error
	bars       []broker.Bar
	barsErr    error
	quote      broker.Quote
	positions  []broker.Position
	posErr     error
	submitRes  broker.TradeResult
	submitErr  error
	modifyRes  broker.TradeResult
	panicOn    string

	calls    []string
	submits  []broker.TradeRequest
	modifies map[string]float64
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		balance:   10000,
		quote:     broker.Quote{Bid: 100.9, Ask: 101.1},
		submitRes: broker.TradeResult{Status: broker.StatusDone, OrderID: "order-1"},
		modifyRes: broker.TradeResult{Status: broker.StatusDone, OrderID: "stop-1"},
		modifies:  map[string]float64{},
	}
}

func (f *fakeTerminal) record(call string) {
	f.calls = append(f.calls, call)
	if f.panicOn == call {
		panic("terminal exploded")
	}
}

func (f *fakeTerminal) Connect(ctx context.Context) error { return nil }
func (f *fakeTerminal) Disconnect() error                 { return nil }

func (f *fakeTerminal) AccountBalance(ctx context.Context) (float64, error) {
	f.record("balance")
	return f.balance, f.balanceErr
}

func (f *fakeTerminal) HistoricalBars(ctx context.Context, symbol, timeframe string, count int) ([]broker.Bar, error) {
	f.record("bars")
	return f.bars, f.barsErr
}

func (f *fakeTerminal) LatestQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	f.record("quote")
	return f.quote, nil
}

func (f *fakeTerminal) OpenPositions(ctx context.Context, symbol string) ([]broker.Position, error) {
	f.record("positions")
	return f.positions, f.posErr
}

func (f *fakeTerminal) SubmitOrder(ctx context.Context, req broker.TradeRequest) (broker.TradeResult, error) {
	f.record("submit")
	f.submits = append(f.submits, req)
	return f.submitRes, f.submitErr
}

func (f *fakeTerminal) ModifyStopLoss(ctx context.Context, ticket string, stopLoss float64) (broker.TradeResult, error) {
	f.record("modify")
	f.modifies[ticket] = stopLoss
	return f.modifyRes, nil
}

func (f *fakeTerminal) called(call string) bool {
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

type blockedNews struct{}

func (blockedNews) Clear(context.Context) (bool, error) { return false, nil }

// crossingBars ends with the fast EMA crossing the slow one in the direction
// of step.
func crossingBars(step float64) []broker.Bar {
	bars := make([]broker.Bar, 0, 250)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 249; i++ {
		bars = append(bars, broker.Bar{Timestamp: start.AddDate(0, 0, i), Close: 100})
	}
	return append(bars, broker.Bar{Timestamp: start.AddDate(0, 0, 249), Close: 100 + step})
}

func flatBars() []broker.Bar {
	return crossingBars(0)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	var cfg config.Config
	require.NoError(t, defaults.Set(&cfg))
	cfg.Alpaca.APIKey = "key"
	cfg.Alpaca.APISecret = "secret"
	cfg.DecisionsPath = filepath.Join(t.TempDir(), "decisions.ndjson")
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, term broker.Terminal) *Engine {
	t.Helper()
	decisions, err := NewDecisionLogger(cfg.DecisionsPath, "test-run")
	require.NoError(t, err)
	t.Cleanup(func() { _ = decisions.Close() })

	e, err := New(cfg, term, news.Unchecked{}, metrics.New(), decisions, nil)
	require.NoError(t, err)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	e.now = func() time.Time { return time.Date(2024, 3, 4, 10, 0, 0, 0, ny) }
	return e
}

func readDecisions(t *testing.T, path string) []Decision {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Decision
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var d Decision
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &d))
		out = append(out, d)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestRunCycleOutsideWindowDoesNothing(t *testing.T) {
	cfg := testConfig(t)
	term := newFakeTerminal()
	e := newTestEngine(t, cfg, term)
	e.now = func() time.Time { return time.Date(2024, 3, 4, 12, 0, 1, 0, e.window.Location) }

	require.NoError(t, e.RunCycle(context.Background()))
	assert.Empty(t, term.calls)
}

func TestRunCycleSubmitsBuyOnCrossover(t *testing.T) {
	cfg := testConfig(t)
	term := newFakeTerminal()
	term.bars = crossingBars(1)
	e := newTestEngine(t, cfg, term)

	require.NoError(t, e.RunCycle(context.Background()))

	require.Len(t, term.submits, 1)
	req := term.submits[0]
	assert.Equal(t, broker.Buy, req.Side)
	assert.Equal(t, cfg.Symbol, req.Symbol)
	assert.Equal(t, 101.1, req.Price, "buys use the ask")
	assert.InDelta(t, 100.0, req.Volume, 1e-9, "1% of 10000")
	assert.Less(t, req.StopLoss, req.Price)
	assert.Less(t, req.Price, req.TakeProfit)
	assert.InDelta(t, 101.1*0.98, req.StopLoss, 1e-9)
	assert.InDelta(t, 101.1*1.04, req.TakeProfit, 1e-9)
	assert.Equal(t, "EMA Buy", req.Comment)
	assert.Equal(t, "test-run-1", req.ClientOrderID)

	decisions := readDecisions(t, cfg.DecisionsPath)
	require.Len(t, decisions, 1)
	assert.Equal(t, ResultOrderSubmitted, decisions[0].Result)
	assert.Equal(t, strategy.Buy, decisions[0].Signal)
	assert.Equal(t, "order-1", decisions[0].OrderID)
	assert.Equal(t, "test-run", decisions[0].RunID)
}

func TestRunCycleSubmitsSellAtBid(t *testing.T) {
	cfg := testConfig(t)
	term := newFakeTerminal()
	term.bars = crossingBars(-1)
	e := newTestEngine(t, cfg, term)

	require.NoError(t, e.RunCycle(context.Background()))

	require.Len(t, term.submits, 1)
	req := term.submits[0]
	assert.Equal(t, broker.Sell, req.Side)
	assert.Equal(t, 100.9, req.Price, "sells use the bid")
	assert.Less(t, req.TakeProfit, req.Price)
	assert.Less(t, req.Price, req.StopLoss)
}

func TestRunCycleNoSignalNoOrder(t *testing.T) {
	cfg := testConfig(t)
	term := newFakeTerminal()
	term.bars = flatBars()
	e := newTestEngine(t, cfg, term)

	require.NoError(t, e.RunCycle(context.Background()))
	assert.Empty(t, term.submits)
	assert.False(t, term.called("quote"))

	decisions := readDecisions(t, cfg.DecisionsPath)
	require.Len(t, decisions, 1)
	assert.Equal(t, ResultNoSignal, decisions[0].Result)
}

func TestRunCyclePositionCapBlocksEntry(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPositions = 2
	term := newFakeTerminal()
	term.bars = crossingBars(1)
	term.positions = []broker.Position{
		{Ticket: "a", Symbol: cfg.Symbol, Side: broker.Buy, Volume: 10, EntryPrice: 100, StopLoss: 98},
		{Ticket: "b", Symbol: cfg.Symbol, Side: broker.Buy, Volume: 10, EntryPrice: 100, StopLoss: 98},
	}
	e := newTestEngine(t, cfg, term)

	require.NoError(t, e.RunCycle(context.Background()))
	assert.Empty(t, term.submits)

	decisions := readDecisions(t, cfg.DecisionsPath)
	require.NotEmpty(t, decisions)
	assert.Equal(t, ResultRejected, decisions[0].Result)
	assert.Equal(t, 2, decisions[0].OpenPositions)
}

func TestRunCycleDryRunNeverTouchesOrders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeDryRun
	term := newFakeTerminal()
	term.bars = crossingBars(1)
	term.positions = []broker.Position{
		{Ticket: "a", Symbol: cfg.Symbol, Side: broker.Buy, Volume: 10, EntryPrice: 100, StopLoss: 98, Profit: 50},
	}
	e := newTestEngine(t, cfg, term)

	require.NoError(t, e.RunCycle(context.Background()))
	assert.False(t, term.called("submit"))
	assert.False(t, term.called("modify"))

	decisions := readDecisions(t, cfg.DecisionsPath)
	require.Len(t, decisions, 2)
	assert.Equal(t, ResultDryRun, decisions[0].Result)
	assert.Equal(t, ResultDryRun, decisions[1].Result)
	assert.Equal(t, "a", decisions[1].Ticket)
}

func TestRunCycleNewsBlocksEntryOnly(t *testing.T) {
	cfg := testConfig(t)
	term := newFakeTerminal()
	term.bars = crossingBars(1)
	term.positions = []broker.Position{
		{Ticket: "a", Symbol: cfg.Symbol, Side: broker.Buy, Volume: 1, EntryPrice: 100, StopLoss: 98, Profit: 3},
	}
	e := newTestEngine(t, cfg, term)
	e.news = blockedNews{}

	require.NoError(t, e.RunCycle(context.Background()))
	assert.False(t, term.called("bars"))
	assert.Empty(t, term.submits)
	assert.Equal(t, 100.0, term.modifies["a"])
}

func TestRunCycleBarsFailureStillManagesPositions(t *testing.T) {
	cfg := testConfig(t)
	term := newFakeTerminal()
	term.barsErr = errors.New("feed down")
	term.positions = []broker.Position{
		{Ticket: "a", Symbol: cfg.Symbol, Side: broker.Buy, Volume: 10, EntryPrice: 100, StopLoss: 98, Profit: 20},
	}
	e := newTestEngine(t, cfg, term)

	require.NoError(t, e.RunCycle(context.Background()))
	assert.Empty(t, term.submits)
	assert.Equal(t, 100.0, term.modifies["a"])
}

func TestRunCycleSubmitFailureIsLoggedNotReturned(t *testing.T) {
	cfg := testConfig(t)
	term := newFakeTerminal()
	term.bars = crossingBars(1)
	term.submitErr = errors.New("connection reset")
	e := newTestEngine(t, cfg, term)

	require.NoError(t, e.RunCycle(context.Background()))
	assert.True(t, term.called("positions"))

	decisions := readDecisions(t, cfg.DecisionsPath)
	require.NotEmpty(t, decisions)
	assert.Equal(t, ResultOrderFailed, decisions[0].Result)
}

func TestRunCycleRejectedOrderIsJournaled(t *testing.T) {
	cfg := testConfig(t)
	term := newFakeTerminal()
	term.bars = crossingBars(1)
	term.submitRes = broker.TradeResult{Status: broker.StatusRejected, Message: "insufficient buying power"}
	e := newTestEngine(t, cfg, term)

	require.NoError(t, e.RunCycle(context.Background()))

	decisions := readDecisions(t, cfg.DecisionsPath)
	require.NotEmpty(t, decisions)
	assert.Equal(t, ResultOrderRejected, decisions[0].Result)
	assert.Equal(t, "insufficient buying power", decisions[0].Reason)
}

func TestRunCycleBalanceFailureAbortsCycle(t *testing.T) {
	cfg := testConfig(t)
	term := newFakeTerminal()
	term.balanceErr = errors.New("unauthorized")
	e := newTestEngine(t, cfg, term)

	err := e.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"balance"}, term.calls)
}

func TestBreakEvenTriggersAtThreshold(t *testing.T) {
	cfg := testConfig(t)
	term := newFakeTerminal()
	term.bars = flatBars()
	term.positions = []broker.Position{
		// per-unit profit 1.99 on entry 100: below 2%
		{Ticket: "below", Symbol: cfg.Symbol, Side: broker.Buy, Volume: 10, EntryPrice: 100, StopLoss: 98, Profit: 19.9},
		// exactly 2%
		{Ticket: "at", Symbol: cfg.Symbol, Side: broker.Buy, Volume: 10, EntryPrice: 100, StopLoss: 98, Profit: 20},
		// short in profit past 2%
		{Ticket: "short", Symbol: cfg.Symbol, Side: broker.Sell, Volume: 5, EntryPrice: 50, StopLoss: 51, Profit: 6},
		// already protected
		{Ticket: "done", Symbol: cfg.Symbol, Side: broker.Buy, Volume: 10, EntryPrice: 100, StopLoss: 100, Profit: 40},
	}
	e := newTestEngine(t, cfg, term)

	require.NoError(t, e.RunCycle(context.Background()))

	assert.NotContains(t, term.modifies, "below")
	assert.NotContains(t, term.modifies, "done")
	assert.Equal(t, 100.0, term.modifies["at"])
	assert.Equal(t, 50.0, term.modifies["short"])
}

func TestStopAtBreakEven(t *testing.T) {
	assert.False(t, stopAtBreakEven(broker.Position{Side: broker.Buy, EntryPrice: 100}))
	assert.False(t, stopAtBreakEven(broker.Position{Side: broker.Buy, EntryPrice: 100, StopLoss: 98}))
	assert.True(t, stopAtBreakEven(broker.Position{Side: broker.Buy, EntryPrice: 100.004, StopLoss: 100}))
	assert.True(t, stopAtBreakEven(broker.Position{Side: broker.Buy, EntryPrice: 100, StopLoss: 101}))
	assert.False(t, stopAtBreakEven(broker.Position{Side: broker.Sell, EntryPrice: 100, StopLoss: 102}))
	assert.True(t, stopAtBreakEven(broker.Position{Side: broker.Sell, EntryPrice: 100, StopLoss: 100}))
}

func TestNewRequiresDecisionLogger(t *testing.T) {
	cfg := testConfig(t)

	_, err := New(cfg, newFakeTerminal(), news.Unchecked{}, metrics.New(), nil, nil)
	require.Error(t, err)

	decisions, err := NewDecisionLogger(cfg.DecisionsPath, "run")
	require.NoError(t, err)
	defer decisions.Close()

	_, err = New(cfg, nil, nil, nil, decisions, nil)
	require.Error(t, err)

	e, err := New(cfg, newFakeTerminal(), nil, nil, decisions, nil)
	require.NoError(t, err)
	assert.Equal(t, "run", e.runID)
}
