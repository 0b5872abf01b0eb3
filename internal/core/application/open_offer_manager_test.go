package application

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/infrastructure/storage/db/inmemory"
)

func newOfferManager() *OpenOfferManager {
	return NewOpenOfferManager(
		inmemory.NewOfferRepositoryImpl(), "my-node:9735", []byte("my-pubkey-ring"),
	)
}

func sellOfferParams() OfferParams {
	return OfferParams{
		Direction:       domain.OfferSell,
		Amount:          1_000_000,
		MinAmount:       100_000,
		Price:           decimal.NewFromInt(100),
		PriceTolerance:  decimal.NewFromFloat(0.01),
		SecurityDeposit: 100_000,
		CurrencyCode:    "USD",
		PaymentMethod:   "SEPA",
	}
}

func TestMakeOfferListsOpenOffer(t *testing.T) {
	ctx := context.Background()
	mgr := newOfferManager()

	offer, err := mgr.MakeOffer(ctx, sellOfferParams())
	require.NoError(t, err)
	require.Equal(t, domain.OfferStateOpen, offer.State)
	require.Equal(t, domain.NodeAddress("my-node:9735"), offer.OffererNodeAddress)

	open, err := mgr.ListOpenOffers(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestMakeOfferValidation(t *testing.T) {
	ctx := context.Background()
	mgr := newOfferManager()

	params := sellOfferParams()
	params.Amount = 0
	_, err := mgr.MakeOffer(ctx, params)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	params = sellOfferParams()
	params.Price = decimal.Zero
	_, err = mgr.MakeOffer(ctx, params)
	require.ErrorIs(t, err, domain.ErrInvalidPrice)

	// A market-priced offer does not need a fixed price.
	params = sellOfferParams()
	params.Price = decimal.Zero
	params.UseMarketPrice = true
	_, err = mgr.MakeOffer(ctx, params)
	require.NoError(t, err)
}

func TestOfferLifecycle(t *testing.T) {
	ctx := context.Background()
	mgr := newOfferManager()
	offer, err := mgr.MakeOffer(ctx, sellOfferParams())
	require.NoError(t, err)

	require.NoError(t, mgr.ReserveOpenOffer(ctx, offer.ID))
	got, err := mgr.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OfferStateReserved, got.State)

	// A reserved offer no longer matches.
	open, err := mgr.ListOpenOffers(ctx)
	require.NoError(t, err)
	require.Empty(t, open)

	// Reserving twice is idempotent.
	require.NoError(t, mgr.ReserveOpenOffer(ctx, offer.ID))

	require.NoError(t, mgr.ReopenOffer(ctx, offer.ID))
	got, err = mgr.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OfferStateOpen, got.State)

	require.NoError(t, mgr.CloseOpenOffer(ctx, offer.ID))
	got, err = mgr.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OfferStateClosed, got.State)

	// A closed offer cannot be reopened.
	require.ErrorIs(t, mgr.ReopenOffer(ctx, offer.ID), domain.ErrOfferNotReserved)
}

func TestCancelOffer(t *testing.T) {
	ctx := context.Background()
	mgr := newOfferManager()
	offer, err := mgr.MakeOffer(ctx, sellOfferParams())
	require.NoError(t, err)

	require.NoError(t, mgr.CancelOffer(ctx, offer.ID))
	_, err = mgr.GetOffer(ctx, offer.ID)
	require.ErrorIs(t, err, domain.ErrOfferNotFound)
}

func TestCancelOfferBoundToTrade(t *testing.T) {
	ctx := context.Background()
	mgr := newOfferManager()
	offer, err := mgr.MakeOffer(ctx, sellOfferParams())
	require.NoError(t, err)
	require.NoError(t, mgr.ReserveOpenOffer(ctx, offer.ID))

	require.ErrorIs(t, mgr.CancelOffer(ctx, offer.ID), domain.ErrOfferNotOpen)
}
