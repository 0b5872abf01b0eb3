package application

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/escrownet/escrowd/internal/core/domain"
)

// OfferParams collects what the operator supplies when listing a new offer.
type OfferParams struct {
	Direction       domain.OfferDirection
	Amount          uint64
	MinAmount       uint64
	Price           decimal.Decimal
	UseMarketPrice  bool
	PriceTolerance  decimal.Decimal
	SecurityDeposit uint64
	CurrencyCode    string
	PaymentMethod   string
}

// OpenOfferManager owns the pool of this node's listed offers and their
// lifecycle: open, reserved while a take attempt is in flight, closed for
// good once the resulting trade's deposit is published, reopened after a
// pre-deposit failure.
type OpenOfferManager struct {
	repo       domain.OfferRepository
	address    domain.NodeAddress
	pubKeyRing []byte
}

// NewOpenOfferManager returns a manager listing offers under the given node
// identity.
func NewOpenOfferManager(
	repo domain.OfferRepository, address domain.NodeAddress, pubKeyRing []byte,
) *OpenOfferManager {
	return &OpenOfferManager{
		repo:       repo,
		address:    address,
		pubKeyRing: pubKeyRing,
	}
}

// MakeOffer lists a new open offer.
func (m *OpenOfferManager) MakeOffer(ctx context.Context, params OfferParams) (*domain.Offer, error) {
	if params.Amount == 0 {
		return nil, domain.ErrInvalidAmount
	}
	if !params.UseMarketPrice && !params.Price.IsPositive() {
		return nil, domain.ErrInvalidPrice
	}

	offer := domain.NewOffer(
		uuid.NewString(), params.Direction, params.Amount, params.Price,
		params.PriceTolerance, params.CurrencyCode, params.PaymentMethod,
		m.address, m.pubKeyRing,
	)
	offer.MinAmount = params.MinAmount
	offer.UseMarketPrice = params.UseMarketPrice
	offer.SecurityDeposit = params.SecurityDeposit

	if err := m.repo.AddOffer(ctx, offer); err != nil {
		return nil, err
	}
	log.Infof("offer %s listed: %s %d %s for %s", offer.ID, offer.Direction, offer.Amount, offer.CurrencyCode, offer.PaymentMethod)
	return offer, nil
}

// GetOffer returns the offer with the given id.
func (m *OpenOfferManager) GetOffer(ctx context.Context, offerID string) (*domain.Offer, error) {
	return m.repo.GetOffer(ctx, offerID)
}

// ListOpenOffers returns the offers currently available for taking.
func (m *OpenOfferManager) ListOpenOffers(ctx context.Context) ([]*domain.Offer, error) {
	return m.repo.GetOpenOffers(ctx)
}

// CancelOffer withdraws an offer that is not bound to an in-flight trade.
func (m *OpenOfferManager) CancelOffer(ctx context.Context, offerID string) error {
	offer, err := m.repo.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.State != domain.OfferStateOpen {
		return domain.ErrOfferNotOpen
	}
	return m.repo.DeleteOffer(ctx, offerID)
}

// ReserveOpenOffer marks the offer as taken so it stops matching.
func (m *OpenOfferManager) ReserveOpenOffer(ctx context.Context, offerID string) error {
	return m.repo.UpdateOffer(ctx, offerID, func(o *domain.Offer) (*domain.Offer, error) {
		if err := o.Reserve(); err != nil {
			return nil, err
		}
		return o, nil
	})
}

// CloseOpenOffer removes the offer from the open set for good.
func (m *OpenOfferManager) CloseOpenOffer(ctx context.Context, offerID string) error {
	return m.repo.UpdateOffer(ctx, offerID, func(o *domain.Offer) (*domain.Offer, error) {
		if err := o.Close(); err != nil {
			return nil, err
		}
		return o, nil
	})
}

// ReopenOffer returns a reserved offer to the open set after an aborted
// handshake.
func (m *OpenOfferManager) ReopenOffer(ctx context.Context, offerID string) error {
	return m.repo.UpdateOffer(ctx, offerID, func(o *domain.Offer) (*domain.Offer, error) {
		if err := o.Reopen(); err != nil {
			return nil, err
		}
		log.Infof("offer %s reopened after aborted take attempt", offerID)
		return o, nil
	})
}
