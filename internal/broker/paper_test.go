package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"newsflow-trader/pkg/types"
)

func takeUpdate(t *testing.T, p *Paper) types.FillEvent {
	t.Helper()
	select {
	case f := <-p.Updates():
		return f
	case <-time.After(time.Second):
		t.Fatal("no fill event")
		return types.FillEvent{}
	}
}

func TestPaperBuyFillsImmediately(t *testing.T) {
	t.Parallel()
	p := NewPaper(10000)
	ctx := context.Background()

	ack, err := p.Buy(ctx, "AAPL", 100, 5.00)
	if err != nil {
		t.Fatal(err)
	}
	if ack.OrderID == "" || ack.Status != types.OrderSubmitted {
		t.Fatalf("ack = %+v", ack)
	}

	f := takeUpdate(t, p)
	if f.OrderID != ack.OrderID || f.Kind != types.FillFilled {
		t.Fatalf("fill = %+v", f)
	}
	if f.FilledShares != 100 || f.FillPrice != 5.00 {
		t.Errorf("fill = %+v, want 100 @ 5.00", f)
	}

	pos, err := p.GetPosition(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if pos == nil || pos.Shares != 100 || pos.AvgPrice != 5.00 {
		t.Errorf("position = %+v", pos)
	}
}

func TestPaperAveragesEntryPrice(t *testing.T) {
	t.Parallel()
	p := NewPaper(10000)
	ctx := context.Background()

	p.Buy(ctx, "AAPL", 100, 4.00)
	p.Buy(ctx, "AAPL", 100, 6.00)

	pos, _ := p.GetPosition(ctx, "AAPL")
	if pos == nil || pos.Shares != 200 || pos.AvgPrice != 5.00 {
		t.Errorf("position = %+v, want 200 @ 5.00", pos)
	}
}

func TestPaperSellClosesPosition(t *testing.T) {
	t.Parallel()
	p := NewPaper(10000)
	ctx := context.Background()

	p.Buy(ctx, "AAPL", 100, 5.00)
	<-p.Updates()

	if _, err := p.Sell(ctx, "AAPL", 100, 5.50); err != nil {
		t.Fatal(err)
	}
	f := takeUpdate(t, p)
	if f.Kind != types.FillFilled || f.FillPrice != 5.50 {
		t.Errorf("sell fill = %+v", f)
	}
	pos, _ := p.GetPosition(ctx, "AAPL")
	if pos != nil {
		t.Errorf("position after full exit = %+v, want nil", pos)
	}
}

func TestPaperSellWithoutPosition(t *testing.T) {
	t.Parallel()
	p := NewPaper(10000)

	_, err := p.Sell(context.Background(), "GHOST", 10, 5.00)
	if err == nil {
		t.Fatal("sell without position succeeded")
	}
	if !IsPositionNotFound(err) {
		t.Errorf("error %v not classified as position-not-found", err)
	}
}

func TestPaperFailureKnobs(t *testing.T) {
	t.Parallel()
	p := NewPaper(10000)
	ctx := context.Background()
	p.SetPosition("AAPL", 100, 5.00)

	p.FailSells = 1
	if _, err := p.Sell(ctx, "AAPL", 100, 5.50); err == nil {
		t.Fatal("FailSells did not reject")
	} else if IsPositionNotFound(err) {
		t.Error("generic failure misclassified as position-not-found")
	}
	// The knob is consumed: the retry succeeds.
	if _, err := p.Sell(ctx, "AAPL", 100, 5.50); err != nil {
		t.Fatalf("retry after FailSells drained: %v", err)
	}
}

func TestPaperHalted(t *testing.T) {
	t.Parallel()
	p := NewPaper(10000)
	p.Halted["HALT"] = true

	tradeable, reason, err := p.IsTradeable(context.Background(), "HALT")
	if err != nil {
		t.Fatal(err)
	}
	if tradeable || reason != "halted" {
		t.Errorf("tradeable = %v (%q), want halted", tradeable, reason)
	}
	if ok, _, _ := p.IsTradeable(context.Background(), "AAPL"); !ok {
		t.Error("unhalted ticker reported not tradeable")
	}
}

func TestIsPositionNotFound(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrPositionNotFound, true},
		{fmt.Errorf("wrap: %w", ErrPositionNotFound), true},
		{errors.New("insufficient qty available for order"), true},
		{errors.New("position does not exist"), true},
		{errors.New("42210: Insufficient Quantity"), true},
		{errors.New("asset cannot be sold short"), true},
		{errors.New("request timed out"), false},
		{errors.New("internal server error"), false},
	}
	for _, tt := range tests {
		if got := IsPositionNotFound(tt.err); got != tt.want {
			t.Errorf("IsPositionNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
