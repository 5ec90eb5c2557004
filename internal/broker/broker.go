// Package broker is the thin capability layer the engine consumes for
// order management. Two implementations: Alpaca (paper or live account,
// selected at construction) and an in-process simulator used by tests and
// dry runs.
package broker

import (
	"context"
	"errors"
	"strings"

	"newsflow-trader/pkg/types"
)

// ErrPositionNotFound marks broker failures that imply the position does
// not exist (insufficient quantity, unknown position, short-sell rejection
// on a long-only exit). The strategy treats these as ghost positions.
var ErrPositionNotFound = errors.New("position not found at broker")

// OrderAck is the broker's synchronous response to an order submission.
// Fills arrive asynchronously on the Updates stream.
type OrderAck struct {
	OrderID string
	Status  types.OrderStatus
}

// Broker is the capability surface required of a broker backend.
// All calls are bounded by the passed context.
type Broker interface {
	Buy(ctx context.Context, ticker string, shares int64, limitPrice float64) (OrderAck, error)
	Sell(ctx context.Context, ticker string, shares int64, limitPrice float64) (OrderAck, error)
	GetPosition(ctx context.Context, ticker string) (*types.Position, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
	IsTradeable(ctx context.Context, ticker string) (bool, string, error)
	GetAccountInfo(ctx context.Context) (types.AccountInfo, error)

	// Updates streams asynchronous fill/cancel/reject notifications,
	// identified by broker order ID.
	Updates() <-chan types.FillEvent

	// Paper reports whether this backend is a simulated account.
	Paper() bool
}

// IsPositionNotFound classifies errors into the ghost-position class.
func IsPositionNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPositionNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"insufficient qty",
		"insufficient quantity",
		"position does not exist",
		"position not found",
		"cannot be sold short",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
