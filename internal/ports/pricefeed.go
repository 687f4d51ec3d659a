package ports

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceFeed supplies the reference price used to settle trades that carry
// no admin override. The feed is an external service; failures surface as
// ErrPriceUnavailable and the settlement attempt is retried by the caller.
type PriceFeed interface {
	// CurrentPrice returns the latest reference price for a trading pair.
	CurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error)
}
