package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OfferDirection is the side of the offer from the offerer's perspective.
type OfferDirection int

const (
	OfferBuy OfferDirection = iota
	OfferSell
)

func (d OfferDirection) String() string {
	if d == OfferBuy {
		return "BUY"
	}
	return "SELL"
}

// OfferState tracks the open-offer pool lifecycle. An offer is reserved while
// a take attempt is in flight and closed for good once the deposit for the
// resulting trade is known to be published.
type OfferState int

const (
	OfferStateOpen OfferState = iota
	OfferStateReserved
	OfferStateClosed
	OfferStateRemoved
)

// Offer is a listed intent to trade, owned by the open-offer manager.
type Offer struct {
	ID        string
	Direction OfferDirection

	Amount          uint64
	MinAmount       uint64
	Price           decimal.Decimal
	UseMarketPrice  bool
	PriceTolerance  decimal.Decimal
	SecurityDeposit uint64

	CurrencyCode  string
	PaymentMethod string

	OffererNodeAddress NodeAddress
	OffererPubKeyRing  []byte
	ArbitratorPubKeys  [][]byte

	State     OfferState
	CreatedAt int64
}

// NewOffer returns an open offer with a fresh creation timestamp.
func NewOffer(
	id string, direction OfferDirection, amount uint64, price decimal.Decimal,
	tolerance decimal.Decimal, currencyCode, paymentMethod string,
	offererAddress NodeAddress, offererPubKeyRing []byte,
) *Offer {
	return &Offer{
		ID:                 id,
		Direction:          direction,
		Amount:             amount,
		Price:              price,
		PriceTolerance:     tolerance,
		CurrencyCode:       currencyCode,
		PaymentMethod:      paymentMethod,
		OffererNodeAddress: offererAddress,
		OffererPubKeyRing:  offererPubKeyRing,
		State:              OfferStateOpen,
		CreatedAt:          time.Now().Unix(),
	}
}

// Reserve marks the offer as taken by an in-flight trade. Reserving an
// already reserved offer is a no-op so redelivered take requests stay safe.
func (o *Offer) Reserve() error {
	switch o.State {
	case OfferStateReserved:
		return nil
	case OfferStateOpen:
		o.State = OfferStateReserved
		return nil
	default:
		return ErrOfferNotOpen
	}
}

// Reopen returns a reserved offer to the open pool after a pre-deposit
// failure.
func (o *Offer) Reopen() error {
	switch o.State {
	case OfferStateOpen:
		return nil
	case OfferStateReserved:
		o.State = OfferStateOpen
		return nil
	default:
		return ErrOfferNotReserved
	}
}

// Close removes the offer from the pool for good. Closing twice is a no-op.
func (o *Offer) Close() error {
	switch o.State {
	case OfferStateClosed:
		return nil
	case OfferStateRemoved:
		return ErrOfferClosed
	default:
		o.State = OfferStateClosed
		return nil
	}
}

// ValidateTakePrice checks the price declared at take-time against the
// reference price within the offer's tolerance: accepted iff
// |price' - P| / P <= T, with the boundary value included. For market-priced
// offers the caller passes the current reference price, for fixed-price
// offers the offer's own price is the reference.
func (o *Offer) ValidateTakePrice(takersPrice, referencePrice decimal.Decimal) error {
	if !takersPrice.IsPositive() {
		return ErrInvalidPrice
	}
	ref := o.Price
	if o.UseMarketPrice {
		ref = referencePrice
	}
	if !ref.IsPositive() {
		return ErrInvalidPrice
	}
	deviation := takersPrice.Sub(ref).Abs().Div(ref)
	if deviation.GreaterThan(o.PriceTolerance) {
		return fmt.Errorf(
			"%w: declared %s, reference %s, deviation %s exceeds tolerance %s",
			ErrPriceOutOfTolerance,
			takersPrice, ref, deviation, o.PriceTolerance,
		)
	}
	return nil
}

// ValidateTakeAmount checks the taken amount against the offer bounds.
func (o *Offer) ValidateTakeAmount(amount uint64) error {
	if amount == 0 || amount > o.Amount || (o.MinAmount > 0 && amount < o.MinAmount) {
		return ErrInvalidAmount
	}
	return nil
}
