package inmemory

import (
	"context"
	"sync"

	"github.com/escrownet/escrowd/internal/core/domain"
)

type offerRepositoryImpl struct {
	mu     sync.RWMutex
	offers map[string]*domain.Offer
}

// NewOfferRepositoryImpl returns an in-memory OfferRepository.
func NewOfferRepositoryImpl() domain.OfferRepository {
	return &offerRepositoryImpl{offers: make(map[string]*domain.Offer)}
}

func (o *offerRepositoryImpl) AddOffer(_ context.Context, offer *domain.Offer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.offers[offer.ID]; ok {
		return nil
	}
	o.offers[offer.ID] = offer
	return nil
}

func (o *offerRepositoryImpl) GetOffer(_ context.Context, offerID string) (*domain.Offer, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	offer, ok := o.offers[offerID]
	if !ok {
		return nil, domain.ErrOfferNotFound
	}
	return offer, nil
}

func (o *offerRepositoryImpl) GetOpenOffers(_ context.Context) ([]*domain.Offer, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	offers := make([]*domain.Offer, 0)
	for _, offer := range o.offers {
		if offer.State == domain.OfferStateOpen {
			offers = append(offers, offer)
		}
	}
	return offers, nil
}

func (o *offerRepositoryImpl) UpdateOffer(
	_ context.Context,
	offerID string,
	updateFn func(o *domain.Offer) (*domain.Offer, error),
) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	currentOffer, ok := o.offers[offerID]
	if !ok {
		return domain.ErrOfferNotFound
	}
	updatedOffer, err := updateFn(currentOffer)
	if err != nil {
		return err
	}
	o.offers[offerID] = updatedOffer
	return nil
}

func (o *offerRepositoryImpl) DeleteOffer(_ context.Context, offerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.offers[offerID]; !ok {
		return domain.ErrOfferNotFound
	}
	delete(o.offers, offerID)
	return nil
}
