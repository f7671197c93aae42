package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"emabot/internal/broker"
	"emabot/internal/config"
	"emabot/internal/metrics"
	"emabot/internal/news"
	"emabot/internal/notify"
	"emabot/internal/risk"
	"emabot/internal/strategy"
)

type Engine struct {
	cfg       config.Config
	terminal  broker.Terminal
	news      news.Checker
	strategy  strategy.Crossover
	gate      risk.Gate
	window    risk.TradingWindow
	metrics   *metrics.Recorder
	decisions *DecisionLogger
	notifier  notify.Notifier
	logger    zerolog.Logger

	runID       string
	orderSeqNum uint64

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

func New(cfg config.Config, terminal broker.Terminal, newsChecker news.Checker, recorder *metrics.Recorder, decisions *DecisionLogger, notifier notify.Notifier) (*Engine, error) {
	if terminal == nil || decisions == nil {
		return nil, errors.New("engine requires a terminal and a decision logger")
	}
	if newsChecker == nil {
		newsChecker = news.Unchecked{}
	}
	if recorder == nil {
		recorder = metrics.New()
	}
	window, err := risk.NewTradingWindow(cfg.TradingStart, cfg.TradingEnd, cfg.Timezone)
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		cfg:       cfg,
		terminal:  terminal,
		news:      newsChecker,
		strategy:  strategy.Crossover{Fast: cfg.FastWindow, Slow: cfg.SlowWindow},
		gate:      risk.Gate{MaxPositions: cfg.MaxPositions},
		window:    window,
		metrics:   recorder,
		decisions: decisions,
		notifier:  notifier,
		logger:    log.With().Str("component", "engine").Str("symbol", cfg.Symbol).Logger(),
		runID:     decisions.RunID(),
		now:       time.Now,
		wait:      waitFor,
	}, nil
}

// RunCycle performs one evaluation. Outside the trading window it does
// nothing. Failures of individual terminal calls are logged and skip only
// the step that needed them; a failure to read the balance aborts the cycle.
func (e *Engine) RunCycle(ctx context.Context) error {
	now := e.now()
	if !e.window.Contains(now) {
		e.logger.Debug().Str("window", e.window.String()).Time("now", now).Msg("outside trading hours")
		return nil
	}

	balance, err := e.terminal.AccountBalance(ctx)
	if err != nil {
		e.metrics.RecordError("account")
		return fmt.Errorf("get account balance: %w", err)
	}
	e.metrics.RecordBalance(balance)

	e.evaluateEntry(ctx, balance)
	e.manageOpenPositions(ctx)
	return nil
}

func (e *Engine) evaluateEntry(ctx context.Context, balance float64) {
	symbol := e.cfg.Symbol
	decision := Decision{Symbol: symbol, Balance: balance}

	clear, err := e.news.Clear(ctx)
	if err != nil {
		e.metrics.RecordError("news")
		e.logger.Error().Err(err).Msg("news check failed")
		return
	}
	if !clear {
		decision.Result = ResultNewsBlocked
		e.decisions.Append(decision)
		e.logger.Info().Msg("major news pending, skipping entry")
		return
	}

	bars, err := e.terminal.HistoricalBars(ctx, symbol, e.cfg.Timeframe, e.cfg.BarCount)
	if err != nil {
		e.metrics.RecordError("bars")
		decision.Result = ResultBarsFailed
		decision.Reason = err.Error()
		e.decisions.Append(decision)
		e.logger.Error().Err(err).Msg("failed to fetch rates")
		return
	}

	eval, err := e.strategy.Evaluate(broker.Closes(bars))
	if err != nil {
		e.metrics.RecordError("signal")
		decision.Result = ResultSignalFailed
		decision.Reason = err.Error()
		e.decisions.Append(decision)
		e.logger.Error().Err(err).Int("bars", len(bars)).Msg("cannot compute signal")
		return
	}
	decision.Close = eval.Close
	decision.FastEMA = eval.FastEMA
	decision.SlowEMA = eval.SlowEMA
	decision.Signal = eval.Signal
	e.metrics.RecordSignal(symbol, eval.Signal.String())

	if eval.Signal == strategy.None {
		decision.Result = ResultNoSignal
		e.decisions.Append(decision)
		e.logger.Info().Float64("close", eval.Close).Float64("fast_ema", eval.FastEMA).Float64("slow_ema", eval.SlowEMA).Msg("no crossover")
		return
	}

	positions, err := e.terminal.OpenPositions(ctx, symbol)
	if err != nil {
		e.metrics.RecordError("positions")
		e.logger.Error().Err(err).Msg("failed to read open positions, skipping entry")
		return
	}
	decision.OpenPositions = len(positions)
	if err := e.gate.Allow(len(positions)); err != nil {
		decision.Result = ResultRejected
		decision.Reason = err.Error()
		e.decisions.Append(decision)
		e.logger.Info().Str("signal", eval.Signal.String()).Int("open", len(positions)).Msg("position cap reached")
		return
	}

	req, err := e.buildTrade(ctx, eval.Signal, balance)
	if err != nil {
		e.metrics.RecordError("quote")
		decision.Result = ResultOrderFailed
		decision.Reason = err.Error()
		e.decisions.Append(decision)
		e.logger.Error().Err(err).Msg("error executing trade")
		return
	}
	decision.Volume = req.Volume
	decision.Price = req.Price
	decision.StopLoss = req.StopLoss
	decision.TakeProfit = req.TakeProfit
	decision.ClientOrderID = req.ClientOrderID

	if e.cfg.DryRun() {
		decision.Result = ResultDryRun
		e.decisions.Append(decision)
		e.metrics.RecordOrder(symbol, string(req.Side), string(ResultDryRun))
		e.logger.Info().Str("side", string(req.Side)).Float64("volume", req.Volume).Float64("price", req.Price).Msg("dry run, order not sent")
		return
	}

	result, err := e.terminal.SubmitOrder(ctx, req)
	if err != nil {
		e.metrics.RecordError("order")
		e.metrics.RecordOrder(symbol, string(req.Side), string(ResultOrderFailed))
		decision.Result = ResultOrderFailed
		decision.Reason = err.Error()
		e.decisions.Append(decision)
		e.logger.Error().Err(err).Msg("error executing trade")
		return
	}
	if !result.Done() {
		e.metrics.RecordOrder(symbol, string(req.Side), string(ResultOrderRejected))
		decision.Result = ResultOrderRejected
		decision.Reason = result.Message
		e.decisions.Append(decision)
		e.logger.Error().Str("status", string(result.Status)).Str("message", result.Message).Msg("trade execution failed")
		return
	}

	e.metrics.RecordOrder(symbol, string(req.Side), string(ResultOrderSubmitted))
	decision.Result = ResultOrderSubmitted
	decision.OrderID = result.OrderID
	e.decisions.Append(decision)
	e.logger.Info().Str("order_id", result.OrderID).Str("side", string(req.Side)).Float64("volume", req.Volume).Float64("price", req.Price).Float64("sl", req.StopLoss).Float64("tp", req.TakeProfit).Msg("trade executed successfully")
	e.notifyf(ctx, "%s %s %.4f @ %.4f sl=%.4f tp=%.4f", req.Side, symbol, req.Volume, req.Price, req.StopLoss, req.TakeProfit)
}

// buildTrade prices the entry off the current quote: ask for buys, bid for
// sells.
func (e *Engine) buildTrade(ctx context.Context, signal strategy.Signal, balance float64) (broker.TradeRequest, error) {
	quote, err := e.terminal.LatestQuote(ctx, e.cfg.Symbol)
	if err != nil {
		return broker.TradeRequest{}, err
	}

	side, dir, price := broker.Buy, risk.Long, quote.Ask
	if signal == strategy.Sell {
		side, dir, price = broker.Sell, risk.Short, quote.Bid
	}
	if price <= 0 {
		return broker.TradeRequest{}, fmt.Errorf("no %s price in quote", side)
	}

	sl, tp := risk.Levels(price, dir, e.cfg.StopLossPercent, e.cfg.TakeProfitPercent)
	return broker.TradeRequest{
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Volume:        risk.PositionSize(balance, e.cfg.RiskPercent),
		Price:         price,
		StopLoss:      sl,
		TakeProfit:    tp,
		Comment:       signal.Comment(),
		ClientOrderID: e.nextClientOrderID(),
	}, nil
}

func (e *Engine) nextClientOrderID() string {
	seq := atomic.AddUint64(&e.orderSeqNum, 1)
	return fmt.Sprintf("%s-%d", e.runID, seq)
}

func (e *Engine) notifyf(ctx context.Context, format string, args ...any) {
	if err := e.notifier.Notify(ctx, fmt.Sprintf(format, args...)); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn().Err(err).Msg("notification not delivered")
	}
}
