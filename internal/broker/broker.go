package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected  = errors.New("terminal not connected")
	ErrAccountLocked = errors.New("account blocked from trading")
)

// Options configures the Alpaca terminal.
type Options struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	DataURL        string
	Feed           string
	RequestsPerSec int
	ConnectTimeout time.Duration
}

// AlpacaTerminal implements Terminal on top of the Alpaca trading and
// market data REST APIs.
type AlpacaTerminal struct {
	opts    Options
	trading *alpaca.Client
	data    *marketdata.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu        sync.Mutex
	connected bool
}

func New(opts Options) *AlpacaTerminal {
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 3
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	return &AlpacaTerminal{
		opts: opts,
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.DataURL,
		}),
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.RequestsPerSec),
		logger:  log.With().Str("component", "alpaca_terminal").Logger(),
	}
}

// Connect verifies credentials by reading the account. Transient failures are
// retried with exponential backoff until ConnectTimeout; auth failures and a
// blocked account are returned immediately.
func (t *AlpacaTerminal) Connect(ctx context.Context) error {
	operation := func() error {
		acct, err := t.trading.GetAccount()
		if err != nil {
			if isAuthError(err) {
				return backoff.Permanent(fmt.Errorf("authenticate: %w", err))
			}
			t.logger.Warn().Err(err).Msg("connect attempt failed")
			return err
		}
		if acct.TradingBlocked || acct.AccountBlocked {
			return backoff.Permanent(fmt.Errorf("%w: account %s status %s", ErrAccountLocked, acct.AccountNumber, acct.Status))
		}
		t.logger.Info().Str("account", acct.AccountNumber).Str("status", string(acct.Status)).Msg("terminal connected")
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.MaxElapsedTime = t.opts.ConnectTimeout

	if err := backoff.Retry(operation, backoff.WithContext(strategy, ctx)); err != nil {
		return fmt.Errorf("connect terminal: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *AlpacaTerminal) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	t.logger.Info().Msg("terminal connection closed")
	return nil
}

func (t *AlpacaTerminal) ready(ctx context.Context) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func (t *AlpacaTerminal) AccountBalance(ctx context.Context) (float64, error) {
	if err := t.ready(ctx); err != nil {
		return 0, err
	}
	acct, err := t.trading.GetAccount()
	if err != nil {
		t.logger.Error().Err(err).Msg("fetch account failed")
		return 0, fmt.Errorf("get account: %w", err)
	}
	equity, _ := acct.Equity.Float64()
	t.logger.Debug().Float64("equity", equity).Msg("account fetched")
	return equity, nil
}

// HistoricalBars returns the most recent count bars in chronological order.
func (t *AlpacaTerminal) HistoricalBars(ctx context.Context, symbol, timeframe string, count int) ([]Bar, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}
	tf, period, err := ParseTimeFrame(timeframe)
	if err != nil {
		return nil, err
	}

	end := time.Now().UTC()
	fetches := 0
	raw, err := collectBars(count, lookback(period, count), func(span time.Duration) ([]marketdata.Bar, error) {
		// ready already took the first token.
		if fetches++; fetches > 1 {
			if err := t.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}
		return t.data.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     end.Add(-span),
			End:       end,
			Feed:      parseFeed(t.opts.Feed),
		})
	})
	if err != nil {
		t.logger.Error().Err(err).Str("symbol", symbol).Str("timeframe", timeframe).Msg("fetch bars failed")
		return nil, fmt.Errorf("get bars %s: %w", symbol, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no bars returned for %s", symbol)
	}

	bars := make([]Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, Bar{
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    float64(b.Volume),
		})
	}
	t.logger.Debug().Str("symbol", symbol).Int("count", len(bars)).Msg("bars fetched")
	return bars, nil
}

func (t *AlpacaTerminal) LatestQuote(ctx context.Context, symbol string) (Quote, error) {
	if err := t.ready(ctx); err != nil {
		return Quote{}, err
	}
	q, err := t.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{
		Feed: parseFeed(t.opts.Feed),
	})
	if err != nil {
		t.logger.Error().Err(err).Str("symbol", symbol).Msg("fetch quote failed")
		return Quote{}, fmt.Errorf("get latest quote %s: %w", symbol, err)
	}
	return Quote{Bid: q.BidPrice, Ask: q.AskPrice}, nil
}

// OpenPositions reports one Position per open stop-loss order on the symbol,
// so each bracket entry can be managed on its own. A position without any
// stop order is reported once with an empty ticket.
func (t *AlpacaTerminal) OpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}
	all, err := t.trading.GetPositions()
	if err != nil {
		t.logger.Error().Err(err).Msg("fetch positions failed")
		return nil, fmt.Errorf("get positions: %w", err)
	}

	var agg *alpaca.Position
	for i := range all {
		if strings.EqualFold(all[i].Symbol, symbol) {
			agg = &all[i]
			break
		}
	}
	if agg == nil {
		return nil, nil
	}

	totalQty := agg.Qty.Abs()
	entry, _ := agg.AvgEntryPrice.Float64()
	profit := decimalValue(agg.UnrealizedPL)
	side := Buy
	if strings.EqualFold(string(agg.Side), "short") {
		side = Sell
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	orders, err := t.trading.GetOrders(alpaca.GetOrdersRequest{
		Status:  "open",
		Symbols: []string{agg.Symbol},
	})
	if err != nil {
		t.logger.Error().Err(err).Str("symbol", symbol).Msg("fetch open orders failed")
		return nil, fmt.Errorf("get open orders: %w", err)
	}

	var positions []Position
	for _, o := range orders {
		if o.Type != alpaca.Stop || o.StopPrice == nil || o.Qty == nil {
			continue
		}
		qty := o.Qty.Abs()
		share := 1.0
		if !totalQty.IsZero() {
			share, _ = qty.Div(totalQty).Float64()
		}
		volume, _ := qty.Float64()
		sl, _ := o.StopPrice.Float64()
		positions = append(positions, Position{
			Ticket:     o.ID,
			Symbol:     agg.Symbol,
			Side:       side,
			Volume:     volume,
			EntryPrice: entry,
			StopLoss:   sl,
			Profit:     profit * share,
		})
	}

	if len(positions) == 0 {
		volume, _ := totalQty.Float64()
		positions = append(positions, Position{
			Symbol:     agg.Symbol,
			Side:       side,
			Volume:     volume,
			EntryPrice: entry,
			Profit:     profit,
		})
	}

	t.logger.Debug().Str("symbol", symbol).Int("count", len(positions)).Msg("positions fetched")
	return positions, nil
}

// SubmitOrder places a bracket market order with the stop-loss and
// take-profit attached. Volume is floored to whole shares; anything below one
// share is rejected without reaching the venue.
func (t *AlpacaTerminal) SubmitOrder(ctx context.Context, req TradeRequest) (TradeResult, error) {
	if err := t.ready(ctx); err != nil {
		return TradeResult{}, err
	}

	// Bracket orders only accept whole shares.
	qty := decimal.NewFromFloat(req.Volume).Floor()
	if qty.LessThan(decimal.NewFromInt(1)) {
		t.logger.Warn().Str("symbol", req.Symbol).Float64("volume", req.Volume).Msg("order volume below one share")
		return TradeResult{Status: StatusRejected, Message: fmt.Sprintf("volume %.4f is below one share", req.Volume)}, nil
	}
	tp := roundPrice(req.TakeProfit)
	sl := roundPrice(req.StopLoss)
	side := alpaca.Buy
	if req.Side == Sell {
		side = alpaca.Sell
	}

	order, err := t.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientOrderID,
		OrderClass:    alpaca.Bracket,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &tp},
		StopLoss:      &alpaca.StopLoss{StopPrice: &sl},
	})
	if err != nil {
		t.logger.Error().Err(err).Str("side", string(req.Side)).Str("symbol", req.Symbol).Str("qty", qty.String()).Msg("place order failed")
		if msg, ok := rejection(err); ok {
			return TradeResult{Status: StatusRejected, Message: msg}, nil
		}
		return TradeResult{}, fmt.Errorf("place order: %w", err)
	}

	t.logger.Info().Str("order_id", order.ID).Str("side", string(req.Side)).Str("symbol", req.Symbol).Str("qty", qty.String()).Str("status", string(order.Status)).Msg("place order success")
	return TradeResult{
		Status:  StatusDone,
		Message: req.Comment,
		OrderID: order.ID,
	}, nil
}

// ModifyStopLoss moves the stop price of the stop-loss order identified by
// ticket.
func (t *AlpacaTerminal) ModifyStopLoss(ctx context.Context, ticket string, stopLoss float64) (TradeResult, error) {
	if ticket == "" {
		return TradeResult{Status: StatusRejected, Message: "position has no stop-loss order"}, nil
	}
	if err := t.ready(ctx); err != nil {
		return TradeResult{}, err
	}

	stop := roundPrice(stopLoss)
	order, err := t.trading.ReplaceOrder(ticket, alpaca.ReplaceOrderRequest{
		StopPrice: &stop,
	})
	if err != nil {
		t.logger.Error().Err(err).Str("ticket", ticket).Float64("stop_loss", stopLoss).Msg("replace stop order failed")
		if msg, ok := rejection(err); ok {
			return TradeResult{Status: StatusRejected, Message: msg}, nil
		}
		return TradeResult{}, fmt.Errorf("replace order %s: %w", ticket, err)
	}

	t.logger.Info().Str("ticket", ticket).Str("order_id", order.ID).Float64("stop_loss", stopLoss).Msg("stop-loss replaced")
	return TradeResult{Status: StatusDone, OrderID: order.ID}, nil
}

func roundPrice(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

func decimalValue(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	v, _ := d.Float64()
	return v
}

func isAuthError(err error) bool {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// rejection reports whether err is the venue refusing the request, as
// opposed to a transport failure.
func rejection(err error) (string, bool) {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return apiErr.Message, true
	}
	return "", false
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "iex":
		return marketdata.IEX
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
