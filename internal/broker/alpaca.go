package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"newsflow-trader/internal/config"
	"newsflow-trader/pkg/types"
)

const (
	alpacaPaperURL = "https://paper-api.alpaca.markets"
	alpacaLiveURL  = "https://api.alpaca.markets"
)

// Alpaca implements Broker on the Alpaca trading API. Paper vs live only
// changes the base URL; the rest of the engine is identical.
type Alpaca struct {
	client  *alpaca.Client
	md      *marketdata.Client
	paper   bool
	updates chan types.FillEvent
	logger  *slog.Logger
}

// NewAlpaca builds the client. The fill stream does not start until Run is
// called.
func NewAlpaca(cfg config.BrokerConfig, paper bool, logger *slog.Logger) *Alpaca {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if paper {
			baseURL = alpacaPaperURL
		} else {
			baseURL = alpacaLiveURL
		}
	}
	return &Alpaca{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   baseURL,
		}),
		md: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		paper:   paper,
		updates: make(chan types.FillEvent, 64),
		logger:  logger.With("component", "broker", "paper", paper),
	}
}

// Paper reports whether this is the paper account.
func (a *Alpaca) Paper() bool { return a.paper }

// Updates returns the asynchronous fill notification stream.
func (a *Alpaca) Updates() <-chan types.FillEvent { return a.updates }

// Run consumes the broker trade-update stream and republishes fills onto
// the Updates channel. Blocks until ctx is cancelled; the SDK reconnects
// internally.
func (a *Alpaca) Run(ctx context.Context) error {
	return a.client.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		evt, ok := a.mapTradeUpdate(tu)
		if !ok {
			return
		}
		select {
		case a.updates <- evt:
		default:
			a.logger.Warn("fill channel full, dropping update", "order_id", evt.OrderID, "event", evt.Kind)
		}
	}, alpaca.StreamTradeUpdatesRequest{})
}

func (a *Alpaca) mapTradeUpdate(tu alpaca.TradeUpdate) (types.FillEvent, bool) {
	var kind types.FillKind
	switch tu.Event {
	case "fill":
		kind = types.FillFilled
	case "partial_fill":
		kind = types.FillPartial
	case "canceled":
		kind = types.FillCanceled
	case "rejected":
		kind = types.FillRejected
	default:
		// new, pending_new, replaced, ... are not actionable here.
		return types.FillEvent{}, false
	}

	evt := types.FillEvent{
		OrderID: tu.Order.ID,
		Kind:    kind,
	}
	if tu.Timestamp != nil {
		evt.Time = tu.Timestamp.UTC()
	}
	if tu.Qty != nil {
		evt.FilledShares = tu.Qty.IntPart()
	} else {
		evt.FilledShares = tu.Order.FilledQty.IntPart()
	}
	if tu.Price != nil {
		evt.FillPrice, _ = tu.Price.Float64()
	} else if tu.Order.FilledAvgPrice != nil {
		evt.FillPrice, _ = tu.Order.FilledAvgPrice.Float64()
	}
	if raw, err := json.Marshal(tu); err == nil {
		evt.Raw = string(raw)
	}
	return evt, true
}

// Buy submits a limit day buy at the current quote; expected to fill
// marketably, and to reject if the market moved too far.
func (a *Alpaca) Buy(ctx context.Context, ticker string, shares int64, limitPrice float64) (OrderAck, error) {
	return a.placeOrder(ctx, ticker, shares, limitPrice, alpaca.Buy)
}

// Sell submits a limit day sell.
func (a *Alpaca) Sell(ctx context.Context, ticker string, shares int64, limitPrice float64) (OrderAck, error) {
	ack, err := a.placeOrder(ctx, ticker, shares, limitPrice, alpaca.Sell)
	if err != nil && IsPositionNotFound(err) {
		return ack, fmt.Errorf("%w: %s", ErrPositionNotFound, err)
	}
	return ack, err
}

func (a *Alpaca) placeOrder(ctx context.Context, ticker string, shares int64, limitPrice float64, side alpaca.Side) (OrderAck, error) {
	qty := decimal.NewFromInt(shares)
	limit := decimal.NewFromFloat(limitPrice)

	done := make(chan struct{})
	var order *alpaca.Order
	var err error
	go func() {
		defer close(done)
		order, err = a.client.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:      ticker,
			Qty:         &qty,
			Side:        side,
			Type:        alpaca.Limit,
			LimitPrice:  &limit,
			TimeInForce: alpaca.Day,
		})
	}()
	select {
	case <-ctx.Done():
		return OrderAck{}, ctx.Err()
	case <-done:
	}
	if err != nil {
		return OrderAck{}, fmt.Errorf("place %s %s: %w", side, ticker, err)
	}
	return OrderAck{OrderID: order.ID, Status: types.OrderSubmitted}, nil
}

// GetPosition returns the broker position for a ticker, or nil when flat.
func (a *Alpaca) GetPosition(ctx context.Context, ticker string) (*types.Position, error) {
	pos, err := a.client.GetPosition(ticker)
	if err != nil {
		if isNotFoundAPIError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get position %s: %w", ticker, err)
	}
	return mapPosition(pos), nil
}

// GetPositions returns all broker positions.
func (a *Alpaca) GetPositions(ctx context.Context) ([]types.Position, error) {
	positions, err := a.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	out := make([]types.Position, 0, len(positions))
	for i := range positions {
		out = append(out, *mapPosition(&positions[i]))
	}
	return out, nil
}

// GetOpenOrders lists all open (unfilled) orders.
func (a *Alpaca) GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	orders, err := a.client.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	out := make([]types.OpenOrder, 0, len(orders))
	for _, o := range orders {
		oo := types.OpenOrder{
			OrderID:   o.ID,
			Ticker:    o.Symbol,
			Side:      types.OrderSide(o.Side),
			CreatedAt: o.CreatedAt,
		}
		if o.Qty != nil {
			oo.Shares = o.Qty.IntPart()
		}
		if o.LimitPrice != nil {
			oo.LimitPrice, _ = o.LimitPrice.Float64()
		}
		out = append(out, oo)
	}
	return out, nil
}

// CancelOrder cancels one order by broker ID.
func (a *Alpaca) CancelOrder(ctx context.Context, orderID string) error {
	if err := a.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every open order on the account.
func (a *Alpaca) CancelAllOrders(ctx context.Context) error {
	if err := a.client.CancelAllOrders(); err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	return nil
}

// IsTradeable checks whether the asset is active and tradable.
func (a *Alpaca) IsTradeable(ctx context.Context, ticker string) (bool, string, error) {
	asset, err := a.client.GetAsset(ticker)
	if err != nil {
		if isNotFoundAPIError(err) {
			return false, "unknown symbol", nil
		}
		return false, "", fmt.Errorf("get asset %s: %w", ticker, err)
	}
	if !asset.Tradable {
		return false, "not tradable", nil
	}
	if asset.Status != alpaca.AssetActive {
		return false, string(asset.Status), nil
	}
	return true, "", nil
}

// LastTradePrice returns the latest trade price for a symbol.
func (a *Alpaca) LastTradePrice(ctx context.Context, ticker string) (float64, error) {
	trade, err := a.md.GetLatestTrade(ticker, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("latest trade %s: %w", ticker, err)
	}
	return trade.Price, nil
}

// GetAccountInfo returns the account equity snapshot.
func (a *Alpaca) GetAccountInfo(ctx context.Context) (types.AccountInfo, error) {
	acct, err := a.client.GetAccount()
	if err != nil {
		return types.AccountInfo{}, fmt.Errorf("get account: %w", err)
	}
	equity, _ := acct.Equity.Float64()
	cash, _ := acct.Cash.Float64()
	bp, _ := acct.BuyingPower.Float64()
	return types.AccountInfo{Equity: equity, Cash: cash, BuyingPower: bp}, nil
}

func mapPosition(p *alpaca.Position) *types.Position {
	avg, _ := p.AvgEntryPrice.Float64()
	return &types.Position{
		Ticker:   p.Symbol,
		Shares:   p.Qty.IntPart(),
		AvgPrice: avg,
	}
}

func isNotFoundAPIError(err error) bool {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}
