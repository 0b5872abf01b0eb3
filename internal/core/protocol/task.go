package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
)

var (
	// ErrTradeIDMismatch is thrown when an inbound message carries a trade id
	// different from the trade the chain runs against.
	ErrTradeIDMismatch = errors.New("message trade id does not match trade")
	// ErrUnexpectedMessage is thrown when no task chain is registered for the
	// (message type, role) pair.
	ErrUnexpectedMessage = errors.New("no task chain for message type and trade role")
	// ErrAccountBanned is the policy rejection for blacklisted counterparty
	// payment accounts; the wrapped reason references the matching filter.
	ErrAccountBanned = errors.New("counterparty payment account is banned")
	// ErrNodeBanned is the policy rejection for blacklisted node addresses.
	ErrNodeBanned = errors.New("counterparty node address is banned")
)

// taskBase gives every protocol task access to the shared trade and process
// model. Tasks read and write both; the sequential runner guarantees no two
// tasks of the same trade are in flight concurrently.
type taskBase struct {
	trade *domain.Trade
	model *ProcessModel
}

// Validation helpers. Every external field is checked before it is assigned
// to the trading-peer mirror; validation precedes assignment field by field.

func nonEmptyString(name, v string) (string, error) {
	if v == "" {
		return "", fmt.Errorf("message field %s must not be empty", name)
	}
	return v, nil
}

func nonEmptyBytes(name string, v []byte) ([]byte, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("message field %s must not be empty", name)
	}
	return v, nil
}

func positiveAmount(name string, v uint64) (uint64, error) {
	if v == 0 {
		return 0, fmt.Errorf("message field %s must be positive", name)
	}
	return v, nil
}

func positivePrice(name, v string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("message field %s is not a valid price: %w", name, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("message field %s must be positive", name)
	}
	return price, nil
}

func nonEmptyInputs(name string, v []ports.RawTransactionInput) ([]ports.RawTransactionInput, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("message field %s must not be empty", name)
	}
	for i, in := range v {
		if len(in.ParentTransaction) == 0 || in.Value == 0 {
			return nil, fmt.Errorf("message field %s[%d] is incomplete", name, i)
		}
	}
	return v, nil
}

func nonEmptyPaymentAccount(name string, v domain.PaymentAccountPayload) (domain.PaymentAccountPayload, error) {
	if v.IsEmpty() {
		return domain.PaymentAccountPayload{}, fmt.Errorf("message field %s is missing required payment details", name)
	}
	return v, nil
}

// abortAndReopenOffer returns the reserved offer to the open pool after a
// failure on this node's own side that a retry of the inbound message cannot
// cure, such as the wallet refusing to fund the deposit. The trade records
// the reason and leaves the handshake; past the deposit phase the offer stays
// consumed and only the reason is recorded.
func (b taskBase) abortAndReopenOffer(reason string) {
	if err := b.trade.ReopenOffer(reason); err != nil {
		b.trade.AppendErrorMessage(err.Error())
		return
	}
	if err := b.model.Offers().ReopenOffer(context.Background(), b.model.OfferID); err != nil {
		log.WithError(err).Warnf("reopening offer %s for trade %s", b.model.OfferID, b.trade.ID)
		b.trade.AppendErrorMessage(fmt.Sprintf("reopening offer: %v", err))
		return
	}
	log.Infof("trade %s: offer %s returned to the open pool", b.trade.ID, b.model.OfferID)
}

// checkTradeID correlates an inbound message with the local trade.
func (b taskBase) checkTradeID(msg ports.TradeMessage) error {
	if msg.GetTradeID() != b.trade.ID {
		return fmt.Errorf("%w: got %s, want %s", ErrTradeIDMismatch, msg.GetTradeID(), b.trade.ID)
	}
	return nil
}

// fundsNeededForTrade returns what this side must lock into the escrow: the
// security deposit for the fiat payer, trade amount plus security deposit for
// the BTC seller.
func (b taskBase) fundsNeededForTrade() uint64 {
	if b.trade.Role.IsBuyer() {
		return b.trade.SecurityDeposit
	}
	return b.trade.Amount + b.trade.SecurityDeposit
}

// escrowAmount is the value of the 2-of-2 multisig output.
func (b taskBase) escrowAmount() uint64 {
	return b.trade.Amount + 2*b.trade.SecurityDeposit
}

// payoutParams computes the payout split: the buyer receives the trade amount
// plus its deposit back, the seller its deposit. Both parties derive the same
// split independently, so the mapping onto offerer/taker sides only depends on
// which side the buyer is, never on which side runs the computation.
func (b taskBase) payoutParams(buyerPayoutAddress, sellerPayoutAddress string) ports.PayoutParams {
	buyerAmount := b.trade.Amount + b.trade.SecurityDeposit
	sellerAmount := b.trade.SecurityDeposit

	params := ports.PayoutParams{
		DepositTxID: b.trade.DepositTxID,
	}
	if b.trade.Role.IsOfferer() {
		params.OffererMultiSigPubKey = b.model.MultiSigPubKey
		params.TakerMultiSigPubKey = b.model.Peer.MultiSigPubKey
	} else {
		params.OffererMultiSigPubKey = b.model.Peer.MultiSigPubKey
		params.TakerMultiSigPubKey = b.model.MultiSigPubKey
	}
	if b.trade.Role.IsOfferer() == b.trade.Role.IsBuyer() {
		// offerer is the buyer
		params.OffererPayoutAmount = buyerAmount
		params.TakerPayoutAmount = sellerAmount
		params.OffererPayoutAddress = buyerPayoutAddress
		params.TakerPayoutAddress = sellerPayoutAddress
	} else {
		params.OffererPayoutAmount = sellerAmount
		params.TakerPayoutAmount = buyerAmount
		params.OffererPayoutAddress = sellerPayoutAddress
		params.TakerPayoutAddress = buyerPayoutAddress
	}
	return params
}

// depositTxParams assembles the deposit construction parameters from the
// process model and the trading-peer mirror, mapped onto offerer/taker sides
// by role.
func (b taskBase) depositTxParams() ports.DepositTxParams {
	params := ports.DepositTxParams{EscrowAmount: b.escrowAmount()}
	if b.trade.Role.IsOfferer() {
		params.OffererInputs = b.model.RawInputs
		params.OffererMultiSigPubKey = b.model.MultiSigPubKey
		params.OffererChangeOutputValue = b.model.ChangeOutputValue
		params.OffererChangeOutputAddress = b.model.ChangeOutputAddress
		params.TakerInputs = b.model.Peer.RawInputs
		params.TakerMultiSigPubKey = b.model.Peer.MultiSigPubKey
		params.TakerChangeOutputValue = b.model.Peer.ChangeOutputValue
		params.TakerChangeOutputAddress = b.model.Peer.ChangeOutputAddress
	} else {
		params.TakerInputs = b.model.RawInputs
		params.TakerMultiSigPubKey = b.model.MultiSigPubKey
		params.TakerChangeOutputValue = b.model.ChangeOutputValue
		params.TakerChangeOutputAddress = b.model.ChangeOutputAddress
		params.OffererInputs = b.model.Peer.RawInputs
		params.OffererMultiSigPubKey = b.model.Peer.MultiSigPubKey
		params.OffererChangeOutputValue = b.model.Peer.ChangeOutputValue
		params.OffererChangeOutputAddress = b.model.Peer.ChangeOutputAddress
	}
	return params
}
