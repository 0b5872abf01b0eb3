package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestOffer() *Offer {
	return NewOffer(
		"offer-1", OfferSell, 1_000_000, decimal.NewFromInt(100),
		decimal.NewFromFloat(0.01), "USD", "SEPA",
		"offerer-node", []byte("pubkeyring"),
	)
}

func TestOfferLifecycle(t *testing.T) {
	offer := newTestOffer()
	require.Equal(t, OfferStateOpen, offer.State)

	require.NoError(t, offer.Reserve())
	require.Equal(t, OfferStateReserved, offer.State)
	// Redelivered take requests must not trip over the reservation.
	require.NoError(t, offer.Reserve())

	require.NoError(t, offer.Reopen())
	require.Equal(t, OfferStateOpen, offer.State)
	require.NoError(t, offer.Reopen())

	require.NoError(t, offer.Reserve())
	require.NoError(t, offer.Close())
	require.Equal(t, OfferStateClosed, offer.State)
	require.NoError(t, offer.Close())

	require.ErrorIs(t, offer.Reserve(), ErrOfferNotOpen)
	require.ErrorIs(t, offer.Reopen(), ErrOfferNotReserved)
}

func TestValidateTakePriceTolerance(t *testing.T) {
	offer := newTestOffer()
	offer.UseMarketPrice = true
	reference := decimal.NewFromInt(100)

	// Exactly at the boundary is accepted.
	require.NoError(t, offer.ValidateTakePrice(decimal.NewFromInt(101), reference))
	require.NoError(t, offer.ValidateTakePrice(decimal.NewFromInt(99), reference))

	err := offer.ValidateTakePrice(decimal.NewFromFloat(101.01), reference)
	require.ErrorIs(t, err, ErrPriceOutOfTolerance)
	require.ErrorIs(t, offer.ValidateTakePrice(decimal.NewFromInt(105), reference), ErrPriceOutOfTolerance)

	require.ErrorIs(t, offer.ValidateTakePrice(decimal.Zero, reference), ErrInvalidPrice)
	require.ErrorIs(t, offer.ValidateTakePrice(decimal.NewFromInt(100), decimal.Zero), ErrInvalidPrice)

	// Fixed-price offers measure against their own price.
	offer.UseMarketPrice = false
	require.NoError(t, offer.ValidateTakePrice(decimal.NewFromInt(100), decimal.Zero))
}

func TestValidateTakeAmountBounds(t *testing.T) {
	offer := newTestOffer()
	offer.MinAmount = 100_000

	require.NoError(t, offer.ValidateTakeAmount(offer.Amount))
	require.NoError(t, offer.ValidateTakeAmount(offer.MinAmount))
	require.ErrorIs(t, offer.ValidateTakeAmount(0), ErrInvalidAmount)
	require.ErrorIs(t, offer.ValidateTakeAmount(offer.MinAmount-1), ErrInvalidAmount)
	require.ErrorIs(t, offer.ValidateTakeAmount(offer.Amount+1), ErrInvalidAmount)
}
