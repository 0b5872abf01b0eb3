package dbbadger

import (
	"context"
	"sync"

	"github.com/timshannon/badgerhold/v4"

	"github.com/escrownet/escrowd/internal/core/domain"
)

type offerRepositoryImpl struct {
	db *DbManager

	mu sync.Mutex
}

// NewOfferRepositoryImpl returns a badger-backed OfferRepository.
func NewOfferRepositoryImpl(db *DbManager) domain.OfferRepository {
	return &offerRepositoryImpl{db: db}
}

func (o *offerRepositoryImpl) AddOffer(_ context.Context, offer *domain.Offer) error {
	err := o.db.OfferStore.Insert(offer.ID, offer)
	if err == badgerhold.ErrKeyExists {
		return nil
	}
	return err
}

func (o *offerRepositoryImpl) GetOffer(_ context.Context, offerID string) (*domain.Offer, error) {
	return o.getOffer(offerID)
}

func (o *offerRepositoryImpl) GetOpenOffers(_ context.Context) ([]*domain.Offer, error) {
	query := badgerhold.Where("State").Eq(domain.OfferStateOpen)
	var offers []domain.Offer
	if err := o.db.OfferStore.Find(&offers, query); err != nil {
		return nil, err
	}
	result := make([]*domain.Offer, 0, len(offers))
	for i := range offers {
		result = append(result, &offers[i])
	}
	return result, nil
}

func (o *offerRepositoryImpl) UpdateOffer(
	_ context.Context,
	offerID string,
	updateFn func(o *domain.Offer) (*domain.Offer, error),
) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	currentOffer, err := o.getOffer(offerID)
	if err != nil {
		return err
	}

	updatedOffer, err := updateFn(currentOffer)
	if err != nil {
		return err
	}

	return o.db.OfferStore.Update(offerID, updatedOffer)
}

func (o *offerRepositoryImpl) DeleteOffer(_ context.Context, offerID string) error {
	err := o.db.OfferStore.Delete(offerID, &domain.Offer{})
	if isNotFound(err) {
		return domain.ErrOfferNotFound
	}
	return err
}

func (o *offerRepositoryImpl) getOffer(offerID string) (*domain.Offer, error) {
	var offer domain.Offer
	if err := o.db.OfferStore.Get(offerID, &offer); err != nil {
		if isNotFound(err) {
			return nil, domain.ErrOfferNotFound
		}
		return nil, err
	}
	return &offer, nil
}
