package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"newsflow-trader/pkg/types"
)

// Paper is an in-process broker simulator: every accepted limit order fills
// immediately at the limit price and a fill event is published on the
// Updates stream, matching the asynchronous contract of a real broker.
// Used by unit tests and dry runs.
type Paper struct {
	mu        sync.Mutex
	positions map[string]*types.Position
	open      map[string]types.OpenOrder
	cash      float64
	updates   chan types.FillEvent

	// FailSells, when > 0, rejects that many sell submissions with a
	// generic error. Lets tests drive the retry / manual-exit path.
	FailSells int
	// RejectSellsNotFound rejects sells with the position-not-found class.
	RejectSellsNotFound bool
	// Halted symbols report not tradeable.
	Halted map[string]bool
}

// NewPaper creates a simulator with the given starting cash.
func NewPaper(cash float64) *Paper {
	return &Paper{
		positions: make(map[string]*types.Position),
		open:      make(map[string]types.OpenOrder),
		cash:      cash,
		updates:   make(chan types.FillEvent, 64),
		Halted:    make(map[string]bool),
	}
}

func (p *Paper) Paper() bool                     { return true }
func (p *Paper) Updates() <-chan types.FillEvent { return p.updates }

// SetPosition seeds a holding, for tests that start mid-lifecycle.
func (p *Paper) SetPosition(ticker string, shares int64, avgPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[ticker] = &types.Position{Ticker: ticker, Shares: shares, AvgPrice: avgPrice}
}

func (p *Paper) Buy(ctx context.Context, ticker string, shares int64, limitPrice float64) (OrderAck, error) {
	if shares <= 0 {
		return OrderAck{}, fmt.Errorf("invalid share count %d", shares)
	}
	p.mu.Lock()
	orderID := uuid.New().String()
	pos, ok := p.positions[ticker]
	if !ok {
		pos = &types.Position{Ticker: ticker}
		p.positions[ticker] = pos
	}
	total := float64(pos.Shares)*pos.AvgPrice + float64(shares)*limitPrice
	pos.Shares += shares
	pos.AvgPrice = total / float64(pos.Shares)
	p.cash -= float64(shares) * limitPrice
	p.mu.Unlock()

	p.emit(types.FillEvent{
		OrderID:      orderID,
		Kind:         types.FillFilled,
		FilledShares: shares,
		FillPrice:    limitPrice,
		Time:         time.Now().UTC(),
	})
	return OrderAck{OrderID: orderID, Status: types.OrderSubmitted}, nil
}

func (p *Paper) Sell(ctx context.Context, ticker string, shares int64, limitPrice float64) (OrderAck, error) {
	p.mu.Lock()
	if p.FailSells > 0 {
		p.FailSells--
		p.mu.Unlock()
		return OrderAck{}, fmt.Errorf("simulated sell failure")
	}
	if p.RejectSellsNotFound {
		p.mu.Unlock()
		return OrderAck{}, ErrPositionNotFound
	}
	pos, ok := p.positions[ticker]
	if !ok || pos.Shares < shares {
		p.mu.Unlock()
		return OrderAck{}, fmt.Errorf("%w: insufficient qty for %s", ErrPositionNotFound, ticker)
	}
	orderID := uuid.New().String()
	pos.Shares -= shares
	if pos.Shares == 0 {
		delete(p.positions, ticker)
	}
	p.cash += float64(shares) * limitPrice
	p.mu.Unlock()

	p.emit(types.FillEvent{
		OrderID:      orderID,
		Kind:         types.FillFilled,
		FilledShares: shares,
		FillPrice:    limitPrice,
		Time:         time.Now().UTC(),
	})
	return OrderAck{OrderID: orderID, Status: types.OrderSubmitted}, nil
}

func (p *Paper) emit(evt types.FillEvent) {
	select {
	case p.updates <- evt:
	default:
	}
}

func (p *Paper) GetPosition(ctx context.Context, ticker string) (*types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[ticker]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (p *Paper) GetPositions(ctx context.Context) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *Paper) GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.OpenOrder, 0, len(p.open))
	for _, o := range p.open {
		out = append(out, o)
	}
	return out, nil
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, orderID)
	return nil
}

func (p *Paper) CancelAllOrders(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = make(map[string]types.OpenOrder)
	return nil
}

func (p *Paper) IsTradeable(ctx context.Context, ticker string) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Halted[ticker] {
		return false, "halted", nil
	}
	return true, "", nil
}

func (p *Paper) GetAccountInfo(ctx context.Context) (types.AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.AccountInfo{Equity: p.cash, Cash: p.cash, BuyingPower: p.cash}, nil
}
