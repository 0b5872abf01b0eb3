package protocol

import (
	"fmt"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
	"github.com/escrownet/escrowd/internal/core/protocol/taskrunner"
)

// contractPayoutAddresses maps the contract's offerer/taker payout addresses
// onto buyer/seller according to the trade role.
func (b taskBase) contractPayoutAddresses() (buyer, seller string, err error) {
	c := b.trade.Contract
	if c == nil {
		return "", "", fmt.Errorf("contract not set")
	}
	if b.trade.Role.IsOfferer() == b.trade.Role.IsBuyer() {
		return c.OffererPayoutAddress, c.TakerPayoutAddress, nil
	}
	return c.TakerPayoutAddress, c.OffererPayoutAddress, nil
}

// CreateAndSignPayoutTx is the buyer's half of the payout: once the fiat
// payment is on its way, the buyer builds the payout transaction and produces
// its signature so the seller can publish without another round trip.
type CreateAndSignPayoutTx struct{ taskBase }

func (t *CreateAndSignPayoutTx) Name() string { return "CreateAndSignPayoutTx" }

func (t *CreateAndSignPayoutTx) Run(h taskrunner.Handle) {
	if !t.trade.IsContractSigned() {
		h.Failed(domain.ErrContractNotSigned)
		return
	}
	if t.trade.DepositTxID == "" {
		h.Failed(domain.ErrPayoutWithoutDeposit)
		return
	}
	buyerAddr, sellerAddr, err := t.contractPayoutAddresses()
	if err != nil {
		h.Failed(err)
		return
	}
	if err := t.trade.AdvanceState(domain.StateFiatPaymentStarted); err != nil {
		h.Failed(err)
		return
	}
	signature, err := t.model.Wallet().CreateAndSignPayoutTx(
		t.trade.ID, t.payoutParams(buyerAddr, sellerAddr),
	)
	if err != nil {
		h.Failed(fmt.Errorf("signing payout tx: %w", err))
		return
	}
	t.model.PayoutTxSignature = signature
	h.Complete()
}

// SendFiatTransferStartedMessage carries the buyer's payout signature to the
// seller over the mailbox channel.
type SendFiatTransferStartedMessage struct{ taskBase }

func (t *SendFiatTransferStartedMessage) Name() string { return "SendFiatTransferStartedMessage" }

func (t *SendFiatTransferStartedMessage) Run(h taskrunner.Handle) {
	buyerAddr, _, err := t.contractPayoutAddresses()
	if err != nil {
		h.Failed(err)
		return
	}
	msg := &FiatTransferStartedMessage{
		MessageMeta:            NewMessageMeta(t.trade.ID, t.model.MyAddress()),
		BuyerPayoutAddress:     buyerAddr,
		BuyerPayoutTxSignature: t.model.PayoutTxSignature,
	}
	t.model.Transport().SendMailboxMessage(
		t.trade.PeerAddress, t.model.Peer.PubKeyRing, msg,
		ports.SendCallbacks{
			OnArrived: func() {
				if err := t.trade.AdvanceState(domain.StateFiatPaymentStartedMsgSent); err != nil {
					h.Failed(err)
					return
				}
				t.model.Registry().RequestPersistence(t.trade.ID)
				h.Complete()
			},
			OnFault: func(err error) {
				t.trade.AppendErrorMessage(fmt.Sprintf("sending FiatTransferStartedMessage failed: %v", err))
				h.Failed(fmt.Errorf("sending FiatTransferStartedMessage: %w", err))
			},
		},
	)
}

// ProcessFiatTransferStartedMessage is the seller's side: the buyer's payout
// address must match the contract and the signature is stored for the later
// publish. The message carries no new terms, only the payout half.
type ProcessFiatTransferStartedMessage struct{ taskBase }

func (t *ProcessFiatTransferStartedMessage) Name() string { return "ProcessFiatTransferStartedMessage" }

func (t *ProcessFiatTransferStartedMessage) Run(h taskrunner.Handle) {
	msg, ok := t.model.TradeMessage.(*FiatTransferStartedMessage)
	if !ok {
		h.Failed(fmt.Errorf("%w: expected FiatTransferStartedMessage", ErrUnexpectedMessage))
		return
	}
	if err := t.checkTradeID(msg); err != nil {
		h.Failed(err)
		return
	}
	declaredAddr, err := nonEmptyString("buyerPayoutAddress", msg.BuyerPayoutAddress)
	if err != nil {
		h.Failed(err)
		return
	}
	buyerAddr, _, err := t.contractPayoutAddresses()
	if err != nil {
		h.Failed(err)
		return
	}
	if declaredAddr != buyerAddr {
		h.Failed(fmt.Errorf("buyer payout address %s differs from contract %s", declaredAddr, buyerAddr))
		return
	}
	signature, err := nonEmptyBytes("buyerPayoutTxSignature", msg.BuyerPayoutTxSignature)
	if err != nil {
		h.Failed(err)
		return
	}

	t.model.Peer.PayoutTxSignature = signature
	if err := t.trade.AdvanceState(domain.StateFiatPaymentStartedMsgReceived); err != nil {
		h.Failed(err)
		return
	}
	t.model.Transport().RemoveMailboxEntry(msg.GetMessageID())
	h.Complete()
}

// SignAndPublishPayoutTx runs when the seller confirms the fiat payment
// arrived: the payout transaction is completed with both signatures and
// broadcast, releasing the escrow.
type SignAndPublishPayoutTx struct{ taskBase }

func (t *SignAndPublishPayoutTx) Name() string { return "SignAndPublishPayoutTx" }

func (t *SignAndPublishPayoutTx) Run(h taskrunner.Handle) {
	if len(t.model.Peer.PayoutTxSignature) == 0 {
		h.Failed(fmt.Errorf("buyer payout signature not set"))
		return
	}
	buyerAddr, sellerAddr, err := t.contractPayoutAddresses()
	if err != nil {
		h.Failed(err)
		return
	}
	if err := t.trade.AdvanceState(domain.StateFiatPaymentReceived); err != nil {
		h.Failed(err)
		return
	}
	t.model.Wallet().SignAndPublishPayoutTx(
		t.trade.ID, t.payoutParams(buyerAddr, sellerAddr), t.model.Peer.PayoutTxSignature,
		func(res *ports.TxResult, err error) {
			if err != nil {
				t.trade.AppendErrorMessage(fmt.Sprintf("publishing payout tx failed: %v", err))
				h.Failed(fmt.Errorf("publishing payout tx: %w", err))
				return
			}
			if err := t.trade.SetPayoutTx(res.TxID, res.RawTx); err != nil {
				h.Failed(err)
				return
			}
			if err := t.trade.AdvanceState(domain.StatePayoutTxPublished); err != nil {
				h.Failed(err)
				return
			}
			t.model.Registry().RequestPersistence(t.trade.ID)
			h.Complete()
		},
	)
}

// SendPayoutTxPublishedMessage notifies the buyer that the escrow was
// released, over the mailbox channel.
type SendPayoutTxPublishedMessage struct{ taskBase }

func (t *SendPayoutTxPublishedMessage) Name() string { return "SendPayoutTxPublishedMessage" }

func (t *SendPayoutTxPublishedMessage) Run(h taskrunner.Handle) {
	msg := &PayoutTxPublishedMessage{
		MessageMeta: NewMessageMeta(t.trade.ID, t.model.MyAddress()),
		PayoutTxID:  t.trade.PayoutTxID,
		PayoutTx:    t.trade.PayoutTx,
	}
	t.model.Transport().SendMailboxMessage(
		t.trade.PeerAddress, t.model.Peer.PubKeyRing, msg,
		ports.SendCallbacks{
			OnArrived: func() {
				if err := t.trade.AdvanceState(domain.StatePayoutTxPublishedMsgSent); err != nil {
					h.Failed(err)
					return
				}
				h.Complete()
			},
			OnFault: func(err error) {
				// The payout is on chain; the buyer's wallet will still see it.
				t.trade.AppendErrorMessage(fmt.Sprintf("sending PayoutTxPublishedMessage failed: %v", err))
				h.Failed(fmt.Errorf("sending PayoutTxPublishedMessage: %w", err))
			},
		},
	)
}

// ProcessPayoutTxPublishedMessage is the buyer's confirmation that the escrow
// was released: the payout tx is registered with the wallet and attached to
// the trade.
type ProcessPayoutTxPublishedMessage struct{ taskBase }

func (t *ProcessPayoutTxPublishedMessage) Name() string { return "ProcessPayoutTxPublishedMessage" }

func (t *ProcessPayoutTxPublishedMessage) Run(h taskrunner.Handle) {
	msg, ok := t.model.TradeMessage.(*PayoutTxPublishedMessage)
	if !ok {
		h.Failed(fmt.Errorf("%w: expected PayoutTxPublishedMessage", ErrUnexpectedMessage))
		return
	}
	if err := t.checkTradeID(msg); err != nil {
		h.Failed(err)
		return
	}
	rawTx, err := nonEmptyBytes("payoutTx", msg.PayoutTx)
	if err != nil {
		h.Failed(err)
		return
	}
	txID, err := nonEmptyString("payoutTxId", msg.PayoutTxID)
	if err != nil {
		h.Failed(err)
		return
	}
	if _, err := t.model.Wallet().AddTransactionToWallet(rawTx); err != nil {
		h.Failed(fmt.Errorf("adding payout tx to wallet: %w", err))
		return
	}
	if err := t.trade.SetPayoutTx(txID, rawTx); err != nil {
		h.Failed(err)
		return
	}
	if err := t.trade.AdvanceState(domain.StatePayoutTxPublishedMsgReceived); err != nil {
		h.Failed(err)
		return
	}
	t.model.Transport().RemoveMailboxEntry(msg.GetMessageID())
	h.Complete()
}

// CompleteTrade moves the trade to its terminal state and persists it.
type CompleteTrade struct{ taskBase }

func (t *CompleteTrade) Name() string { return "CompleteTrade" }

func (t *CompleteTrade) Run(h taskrunner.Handle) {
	if err := t.trade.Complete(); err != nil {
		h.Failed(err)
		return
	}
	t.model.Registry().RequestPersistence(t.trade.ID)
	h.Complete()
}
