package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NodeAddress is the network identity of a peer. The transport layer owns its
// resolution; the engine treats it as an opaque correlation value.
type NodeAddress string

// Trade is the persistent aggregate of one negotiated offer. Its identity is
// the id of the offer it originates from and it is mutated exclusively by
// protocol tasks through the trade repository's UpdateTrade.
type Trade struct {
	ID   string
	Role TradeRole

	Amount          uint64
	Price           decimal.Decimal
	SecurityDeposit uint64
	CurrencyCode    string
	PaymentMethod   string
	PeerAddress     NodeAddress

	TakeOfferFeeTxID string

	Contract                 *Contract
	ContractJSON             []byte
	OffererContractSignature []byte
	TakerContractSignature   []byte

	DepositTxID string
	DepositTx   []byte
	PayoutTxID  string
	PayoutTx    []byte

	State TradeState

	// LastProcessedMessageID makes inbound handlers safe under at-least-once
	// redelivery: a chain for a message with a matching id short-circuits.
	LastProcessedMessageID string

	ErrorMessage string

	OpenedAt    int64
	CompletedAt int64
}

// NewTrade returns a trade in the Preparation state for the given offer.
func NewTrade(offerID string, role TradeRole, amount uint64, price decimal.Decimal) *Trade {
	return &Trade{
		ID:       offerID,
		Role:     role,
		Amount:   amount,
		Price:    price,
		State:    StatePreparation,
		OpenedAt: time.Now().Unix(),
	}
}

// Phase returns the coarse phase of the current state.
func (t *Trade) Phase() TradePhase {
	return t.State.Phase()
}

// IsTerminal returns whether no further transitions are allowed.
func (t *Trade) IsTerminal() bool {
	return t.State == StateCompleted || t.State == StateFailed
}

// AdvanceState moves the trade to the given state. Transitions are monotonic
// in phase order: moving to a state of an earlier phase is rejected. Moving to
// the state the trade is already in is a no-op.
func (t *Trade) AdvanceState(next TradeState) error {
	if t.State == next {
		return nil
	}
	if t.IsTerminal() {
		return ErrTradeTerminal
	}
	if next.Phase() < t.Phase() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, t.State, next)
	}
	t.State = next
	return nil
}

// SetContract attaches the finalized contract together with its canonical
// serialization and this party's signature. The contract is immutable once
// set.
func (t *Trade) SetContract(contract *Contract, contractJSON, signature []byte) error {
	if t.Contract != nil {
		return ErrContractAlreadySet
	}
	t.Contract = contract
	t.ContractJSON = contractJSON
	if t.Role.IsOfferer() {
		t.OffererContractSignature = signature
	} else {
		t.TakerContractSignature = signature
	}
	return nil
}

// SetPeerContractSignature stores the counterparty's signature over the
// canonical contract bytes after it has been verified.
func (t *Trade) SetPeerContractSignature(signature []byte) {
	if t.Role.IsOfferer() {
		t.TakerContractSignature = signature
	} else {
		t.OffererContractSignature = signature
	}
}

// IsContractSigned reports whether both parties' signatures are attached.
func (t *Trade) IsContractSigned() bool {
	return t.Contract != nil &&
		len(t.OffererContractSignature) > 0 &&
		len(t.TakerContractSignature) > 0
}

// SetDepositTx stores the deposit transaction once it is received or locally
// built and signed.
func (t *Trade) SetDepositTx(txID string, rawTx []byte) error {
	if t.DepositTxID != "" && t.DepositTxID != txID {
		return ErrDepositTxAlreadySet
	}
	t.DepositTxID = txID
	t.DepositTx = rawTx
	return nil
}

// SetPayoutTx stores the payout transaction. A payout can exist only if the
// deposit exists and the contract carries both signatures.
func (t *Trade) SetPayoutTx(txID string, rawTx []byte) error {
	if t.DepositTxID == "" {
		return ErrPayoutWithoutDeposit
	}
	if !t.IsContractSigned() {
		return ErrContractNotSigned
	}
	t.PayoutTxID = txID
	t.PayoutTx = rawTx
	return nil
}

// Complete moves the trade to the terminal Completed state.
func (t *Trade) Complete() error {
	if t.State == StateCompleted {
		return nil
	}
	if t.State == StateFailed {
		return ErrTradeTerminal
	}
	t.State = StateCompleted
	t.CompletedAt = time.Now().Unix()
	return nil
}

// Fail moves the trade to the terminal Failed state recording the reason.
func (t *Trade) Fail(reason string) {
	if t.State == StateFailed {
		return
	}
	t.AppendErrorMessage(reason)
	t.State = StateFailed
	t.CompletedAt = time.Now().Unix()
}

// ReopenOffer is the failure edge for trades whose deposit was never
// published: the trade moves to MessageSendingFailed so the underlying offer
// can be returned to the open-offer pool. It is rejected once the deposit
// phase has been reached.
func (t *Trade) ReopenOffer(reason string) error {
	if t.Phase() >= PhaseDepositPublished {
		return fmt.Errorf("%w: deposit already published", ErrInvalidStateTransition)
	}
	t.AppendErrorMessage(reason)
	t.State = StateMessageSendingFailed
	return nil
}

// DepositSeenInNetwork is the recovery edge driven by the balance fallback
// monitor instead of a protocol message. It is a no-op when the deposit
// acknowledgement already arrived.
func (t *Trade) DepositSeenInNetwork() error {
	switch t.State {
	case StateDepositSeenInNetwork,
		StateOffererReceivedDepositTxPublishedMsg,
		StateTakerSentDepositTxPublishedMsg:
		return nil
	}
	if t.Phase() > PhaseDepositPublished {
		return nil
	}
	t.State = StateDepositSeenInNetwork
	return nil
}

// MarkMessageProcessed records the inbound message id so a redelivery of the
// same message is detected as a duplicate.
func (t *Trade) MarkMessageProcessed(messageID string) {
	t.LastProcessedMessageID = messageID
}

// HasProcessedMessage reports whether the given inbound message was already
// applied to this trade.
func (t *Trade) HasProcessedMessage(messageID string) bool {
	return messageID != "" && t.LastProcessedMessageID == messageID
}

// AppendErrorMessage accumulates task failure reasons; the presentation layer
// surfaces them, no failure silently disappears.
func (t *Trade) AppendErrorMessage(msg string) {
	if msg == "" {
		return
	}
	if t.ErrorMessage != "" {
		t.ErrorMessage += "\n"
	}
	t.ErrorMessage += msg
}
