package engine

import (
	"context"

	"emabot/internal/broker"
	"emabot/internal/risk"
)

// priceTick is the smallest price increment the terminal accepts for stops.
const priceTick = 0.01

// manageOpenPositions moves the stop-loss of every sufficiently profitable
// position on the symbol to its entry price.
func (e *Engine) manageOpenPositions(ctx context.Context) {
	symbol := e.cfg.Symbol
	positions, err := e.terminal.OpenPositions(ctx, symbol)
	if err != nil {
		e.metrics.RecordError("positions")
		e.logger.Error().Err(err).Msg("failed to read open positions")
		return
	}
	e.metrics.RecordOpenPositions(symbol, len(positions))

	for _, pos := range positions {
		if !risk.BreakEvenReached(pos.Profit, pos.Volume, pos.EntryPrice, e.cfg.BreakEvenThreshold) {
			continue
		}
		if stopAtBreakEven(pos) {
			continue
		}
		e.moveToBreakEven(ctx, pos, len(positions))
	}
}

func (e *Engine) moveToBreakEven(ctx context.Context, pos broker.Position, open int) {
	decision := Decision{
		Symbol:        pos.Symbol,
		OpenPositions: open,
		Ticket:        pos.Ticket,
		Volume:        pos.Volume,
		Price:         pos.EntryPrice,
		StopLoss:      pos.EntryPrice,
	}

	if e.cfg.DryRun() {
		decision.Result = ResultDryRun
		decision.Reason = "break_even"
		e.decisions.Append(decision)
		e.logger.Info().Str("ticket", pos.Ticket).Float64("entry", pos.EntryPrice).Msg("dry run, stop-loss not moved")
		return
	}

	result, err := e.terminal.ModifyStopLoss(ctx, pos.Ticket, pos.EntryPrice)
	if err != nil {
		e.metrics.RecordError("modify_stop")
		e.metrics.RecordBreakEven(pos.Symbol, string(ResultBreakEvenFailed))
		decision.Result = ResultBreakEvenFailed
		decision.Reason = err.Error()
		e.decisions.Append(decision)
		e.logger.Error().Err(err).Str("ticket", pos.Ticket).Msg("failed to move stop-loss")
		return
	}
	if !result.Done() {
		e.metrics.RecordBreakEven(pos.Symbol, string(ResultBreakEvenFailed))
		decision.Result = ResultBreakEvenFailed
		decision.Reason = result.Message
		e.decisions.Append(decision)
		e.logger.Error().Str("ticket", pos.Ticket).Str("status", string(result.Status)).Str("message", result.Message).Msg("failed to move stop-loss")
		return
	}

	e.metrics.RecordBreakEven(pos.Symbol, string(ResultBreakEven))
	decision.Result = ResultBreakEven
	decision.OrderID = result.OrderID
	e.decisions.Append(decision)
	e.logger.Info().Str("ticket", pos.Ticket).Float64("stop_loss", pos.EntryPrice).Msg("stop-loss moved to break-even")
	e.notifyf(ctx, "%s stop-loss moved to break-even %.4f (ticket %s)", pos.Symbol, pos.EntryPrice, pos.Ticket)
}

// stopAtBreakEven reports whether the stop already protects the entry.
func stopAtBreakEven(pos broker.Position) bool {
	if pos.StopLoss <= 0 {
		return false
	}
	if pos.Side == broker.Sell {
		return pos.StopLoss <= pos.EntryPrice+priceTick/2
	}
	return pos.StopLoss >= pos.EntryPrice-priceTick/2
}
