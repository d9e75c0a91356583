// Package alpaca implements the broker and market-clock ports on the Alpaca
// trading and market-data APIs.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/sablefin/rebalancer/internal/domain"
)

// Config holds Alpaca API credentials and fill-poll tuning.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string

	// FillTimeout bounds how long PlaceOrder waits for a market order to
	// reach a terminal status before reporting it unfilled.
	FillTimeout  time.Duration
	PollInterval time.Duration
}

func (c Config) normalize() Config {
	if c.FillTimeout <= 0 {
		c.FillTimeout = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Broker implements domain.Broker and domain.MarketClock against Alpaca.
type Broker struct {
	tradeClient *alpaca.Client
	mdClient    *marketdata.Client
	cfg         Config
	logger      *slog.Logger
}

// New creates a Broker. Credentials fall back to the standard APCA_*
// environment variables when the config fields are empty.
func New(cfg Config, logger *slog.Logger) *Broker {
	cfg = cfg.normalize()
	return &Broker{
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "alpaca_broker")),
	}
}

// PlaceOrder submits a DAY market order and polls until it reaches a
// terminal status or the fill timeout elapses.
func (b *Broker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	side := alpaca.Buy
	if req.Side == domain.ActionSell {
		side = alpaca.Sell
	}

	requestedPrice := decimal.Zero
	if p, err := b.GetCurrentPrice(ctx, req.Symbol); err == nil && p != nil {
		requestedPrice = *p
	}

	qty := req.Qty
	order, err := b.tradeClient.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      req.Symbol,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	})
	if err != nil {
		return domain.OrderResult{ErrorMessage: err.Error()}, fmt.Errorf("alpaca: place order %s: %w", req.Symbol, err)
	}

	final, err := b.awaitFill(ctx, order.ID)
	if err != nil {
		return domain.OrderResult{OrderID: order.ID, ErrorMessage: err.Error()}, nil
	}

	result := domain.OrderResult{
		OrderID:        final.ID,
		Shares:         final.FilledQty,
		OrderType:      string(final.Type),
		FilledAt:       final.FilledAt,
		RequestedPrice: requestedPrice,
	}
	if final.FilledAvgPrice != nil {
		result.Price = *final.FilledAvgPrice
		if requestedPrice.GreaterThan(decimal.Zero) {
			diff := result.Price.Sub(requestedPrice)
			if req.Side == domain.ActionSell {
				diff = diff.Neg()
			}
			result.SlippageBps = diff.Div(requestedPrice).Mul(decimal.NewFromInt(10000)).Round(2)
		}
	}

	switch final.Status {
	case "filled":
		result.Success = true
	case "partially_filled":
		// Partial fill of a DAY market order at timeout: report the filled
		// quantity but do not call it a success so the retry policy applies.
		result.ErrorMessage = "order only partially filled"
	default:
		result.ErrorMessage = fmt.Sprintf("order status %s", final.Status)
	}
	return result, nil
}

// awaitFill polls the order until it leaves the open statuses.
func (b *Broker) awaitFill(ctx context.Context, orderID string) (*alpaca.Order, error) {
	deadline := time.Now().Add(b.cfg.FillTimeout)
	for {
		order, err := b.tradeClient.GetOrder(orderID)
		if err != nil {
			return nil, fmt.Errorf("alpaca: poll order %s: %w", orderID, err)
		}
		switch order.Status {
		case "new", "accepted", "pending_new":
		default:
			return order, nil
		}
		if time.Now().After(deadline) {
			return order, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

// GetPosition returns the held position for symbol, or nil when none exists.
func (b *Broker) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	pos, err := b.tradeClient.GetPosition(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("alpaca: get position %s: %w", symbol, err)
	}
	return positionFromAlpaca(pos), nil
}

// GetPositions lists all held positions.
func (b *Broker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	positions, err := b.tradeClient.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("alpaca: list positions: %w", err)
	}
	out := make([]domain.Position, 0, len(positions))
	for i := range positions {
		out = append(out, *positionFromAlpaca(&positions[i]))
	}
	return out, nil
}

func positionFromAlpaca(pos *alpaca.Position) *domain.Position {
	p := &domain.Position{
		Symbol: pos.Symbol,
		Qty:    pos.Qty,
	}
	if pos.MarketValue != nil {
		p.MarketValue = *pos.MarketValue
	}
	return p
}

// GetCurrentPrice returns the latest trade price, or nil when no quote is
// available.
func (b *Broker) GetCurrentPrice(ctx context.Context, symbol string) (*decimal.Decimal, error) {
	trade, err := b.mdClient.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return nil, fmt.Errorf("alpaca: latest trade %s: %w", symbol, err)
	}
	if trade == nil || trade.Price <= 0 {
		return nil, nil
	}
	price := decimal.NewFromFloat(trade.Price)
	return &price, nil
}

// GetAccount returns the account summary.
func (b *Broker) GetAccount(ctx context.Context) (domain.Account, error) {
	account, err := b.tradeClient.GetAccount()
	if err != nil {
		return domain.Account{}, fmt.Errorf("alpaca: get account: %w", err)
	}
	return domain.Account{
		Equity:           account.Equity,
		Cash:             account.Cash,
		LongMarketValue:  account.LongMarketValue,
		ShortMarketValue: account.ShortMarketValue,
	}, nil
}

// IsMarketOpen reports whether the market clock is currently open.
func (b *Broker) IsMarketOpen(ctx context.Context, correlationID string) (bool, error) {
	clock, err := b.tradeClient.GetClock()
	if err != nil {
		return false, fmt.Errorf("alpaca: get clock: %w", err)
	}
	return clock.IsOpen, nil
}

// Compile-time interface checks.
var (
	_ domain.Broker      = (*Broker)(nil)
	_ domain.MarketClock = (*Broker)(nil)
)
