package ports

import "github.com/shopspring/decimal"

// PriceFeed provides the current reference market price for a currency code.
// Used by the price-tolerance check of market-priced offers.
type PriceFeed interface {
	GetMarketPrice(currencyCode string) (decimal.Decimal, error)
}
