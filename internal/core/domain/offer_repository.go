package domain

import "context"

// OfferRepository is the abstraction for any kind of database intended to
// persist Offers.
type OfferRepository interface {
	// AddOffer inserts a new offer; inserting an existing id is a no-op.
	AddOffer(ctx context.Context, offer *Offer) error
	// GetOffer returns the offer with the given id or ErrOfferNotFound.
	GetOffer(ctx context.Context, offerID string) (*Offer, error)
	// GetOpenOffers returns all offers in the open state.
	GetOpenOffers(ctx context.Context) ([]*Offer, error)
	// UpdateOffer allows to commit multiple changes to the same offer in a
	// transactional way.
	UpdateOffer(
		ctx context.Context,
		offerID string,
		updateFn func(o *Offer) (*Offer, error),
	) error
	// DeleteOffer removes the offer with the given id.
	DeleteOffer(ctx context.Context, offerID string) error
}
