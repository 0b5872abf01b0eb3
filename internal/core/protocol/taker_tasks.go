package protocol

import (
	"fmt"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
	"github.com/escrownet/escrowd/internal/core/protocol/taskrunner"
)

// VerifyOffererAccount checks the offerer against the active ban filter
// before any funds are committed.
type VerifyOffererAccount struct{ taskBase }

func (t *VerifyOffererAccount) Name() string { return "VerifyOffererAccount" }

func (t *VerifyOffererAccount) Run(h taskrunner.Handle) {
	if banned, reason := t.model.Filter().IsNodeBanned(t.model.Offer.OffererNodeAddress); banned {
		h.Failed(fmt.Errorf("%w: %s", ErrNodeBanned, reason))
		return
	}
	h.Complete()
}

// CreateTakeOfferFeeTx pays the take-offer fee. The fee tx id becomes part of
// the contract, proving the taker committed before the handshake.
type CreateTakeOfferFeeTx struct{ taskBase }

func (t *CreateTakeOfferFeeTx) Name() string { return "CreateTakeOfferFeeTx" }

func (t *CreateTakeOfferFeeTx) Run(h taskrunner.Handle) {
	if t.model.TakeOfferFeeTxID != "" {
		// Fee already paid by an earlier attempt, never pay twice.
		h.Complete()
		return
	}
	txID, err := t.model.Wallet().PayTakeOfferFee(t.trade.ID)
	if err != nil {
		h.Failed(fmt.Errorf("paying take offer fee: %w", err))
		return
	}
	t.model.TakeOfferFeeTxID = txID
	t.trade.TakeOfferFeeTxID = txID
	h.Complete()
}

// SendTakeOfferRequest announces the take to the offerer with the negotiated
// terms and the fee payment proof.
type SendTakeOfferRequest struct{ taskBase }

func (t *SendTakeOfferRequest) Name() string { return "SendTakeOfferRequest" }

func (t *SendTakeOfferRequest) Run(h taskrunner.Handle) {
	msg := &TakeOfferRequest{
		MessageMeta:      NewMessageMeta(t.trade.ID, t.model.MyAddress()),
		TakerPubKeyRing:  t.model.KeyRing().PubKeyRing(),
		TradeAmount:      t.trade.Amount,
		TradePrice:       t.trade.Price.String(),
		TakeOfferFeeTxID: t.model.TakeOfferFeeTxID,
	}
	t.model.Transport().SendDirectMessage(
		t.trade.PeerAddress, t.model.Offer.OffererPubKeyRing, msg,
		ports.SendCallbacks{
			OnArrived: func() {
				if err := t.trade.AdvanceState(domain.StateTakeOfferRequested); err != nil {
					h.Failed(err)
					return
				}
				h.Complete()
			},
			OnFault: func(err error) {
				t.trade.AppendErrorMessage(fmt.Sprintf("sending TakeOfferRequest failed: %v", err))
				h.Failed(fmt.Errorf("sending TakeOfferRequest: %w", err))
			},
		},
	)
}

// CreateTakerAddressEntries derives the taker's dedicated multisig and payout
// addresses for the trade. Derivation is idempotent per (trade, context), so
// a retried handshake reuses the same keys instead of generating new ones.
type CreateTakerAddressEntries struct{ taskBase }

func (t *CreateTakerAddressEntries) Name() string { return "CreateTakerAddressEntries" }

func (t *CreateTakerAddressEntries) Run(h taskrunner.Handle) {
	multiSigEntry, err := t.model.Wallet().GetOrCreateAddressEntry(t.trade.ID, ports.AddressContextMultiSig)
	if err != nil {
		h.Failed(fmt.Errorf("creating multisig address entry: %w", err))
		return
	}
	if _, err := t.model.Wallet().GetOrCreateAddressEntry(t.trade.ID, ports.AddressContextPayout); err != nil {
		h.Failed(fmt.Errorf("creating payout address entry: %w", err))
		return
	}
	t.model.MultiSigPubKey = multiSigEntry.PubKey
	h.Complete()
}

// CreateTakerDepositTxInputs reserves the taker's wallet funds for its side
// of the deposit.
type CreateTakerDepositTxInputs struct{ taskBase }

func (t *CreateTakerDepositTxInputs) Name() string { return "CreateTakerDepositTxInputs" }

func (t *CreateTakerDepositTxInputs) Run(h taskrunner.Handle) {
	t.model.FundsNeededForTrade = t.fundsNeededForTrade()
	inputs, err := t.model.Wallet().CreateDepositTxInputs(t.trade.ID, t.model.FundsNeededForTrade)
	if err != nil {
		h.Failed(fmt.Errorf("reserving deposit funds: %w", err))
		return
	}
	t.model.RawInputs = inputs.RawInputs
	t.model.ChangeOutputValue = inputs.ChangeOutputValue
	t.model.ChangeOutputAddress = inputs.ChangeOutputAddress
	h.Complete()
}

// SendPayDepositRequest hands the offerer everything the taker contributes to
// contract and deposit construction.
type SendPayDepositRequest struct{ taskBase }

func (t *SendPayDepositRequest) Name() string { return "SendPayDepositRequest" }

func (t *SendPayDepositRequest) Run(h taskrunner.Handle) {
	payoutEntry, ok := t.model.Wallet().GetAddressEntry(t.trade.ID, ports.AddressContextPayout)
	if !ok {
		h.Failed(fmt.Errorf("payout address entry missing for trade %s", t.trade.ID))
		return
	}
	msg := &PayDepositRequest{
		MessageMeta:      NewMessageMeta(t.trade.ID, t.model.MyAddress()),
		TradeAmount:      t.trade.Amount,
		TradePrice:       t.trade.Price.String(),
		TakeOfferFeeTxID: t.model.TakeOfferFeeTxID,

		TakerPaymentAccount:      t.model.PaymentAccount,
		TakerAccountID:           t.model.AccountID,
		TakerPubKeyRing:          t.model.KeyRing().PubKeyRing(),
		TakerMultiSigPubKey:      t.model.MultiSigPubKey,
		TakerRawInputs:           t.model.RawInputs,
		TakerChangeOutputValue:   t.model.ChangeOutputValue,
		TakerChangeOutputAddress: t.model.ChangeOutputAddress,
		TakerPayoutAddress:       payoutEntry.Address,
		AcceptedArbitrators:      t.model.Offer.ArbitratorPubKeys,
	}
	t.model.Transport().SendDirectMessage(
		t.trade.PeerAddress, t.model.Offer.OffererPubKeyRing, msg,
		ports.SendCallbacks{
			OnArrived: func() {
				if err := t.trade.AdvanceState(domain.StateTakerSentPayDepositRequest); err != nil {
					h.Failed(err)
					return
				}
				t.model.Registry().RequestPersistence(t.trade.ID)
				h.Complete()
			},
			OnFault: func(err error) {
				t.trade.AppendErrorMessage(fmt.Sprintf("sending PayDepositRequest failed: %v", err))
				h.Failed(fmt.Errorf("sending PayDepositRequest: %w", err))
			},
		},
	)
}

// ProcessPublishDepositTxRequest validates the offerer's answer field by
// field and copies it into the trading-peer mirror.
type ProcessPublishDepositTxRequest struct{ taskBase }

func (t *ProcessPublishDepositTxRequest) Name() string { return "ProcessPublishDepositTxRequest" }

func (t *ProcessPublishDepositTxRequest) Run(h taskrunner.Handle) {
	msg, ok := t.model.TradeMessage.(*PublishDepositTxRequest)
	if !ok {
		h.Failed(fmt.Errorf("%w: expected PublishDepositTxRequest", ErrUnexpectedMessage))
		return
	}
	if err := t.checkTradeID(msg); err != nil {
		h.Failed(err)
		return
	}

	paymentAccount, err := nonEmptyPaymentAccount("offererPaymentAccount", msg.OffererPaymentAccount)
	if err != nil {
		h.Failed(err)
		return
	}
	accountHash, err := paymentAccount.Hash()
	if err != nil {
		h.Failed(fmt.Errorf("hashing offerer payment account: %w", err))
		return
	}
	if banned, reason := t.model.Filter().IsPaymentAccountBanned(accountHash); banned {
		h.Failed(fmt.Errorf("%w: %s", ErrAccountBanned, reason))
		return
	}

	accountID, err := nonEmptyString("offererAccountId", msg.OffererAccountID)
	if err != nil {
		h.Failed(err)
		return
	}
	pubKeyRing, err := nonEmptyBytes("offererPubKeyRing", msg.OffererPubKeyRing)
	if err != nil {
		h.Failed(err)
		return
	}
	multiSigPubKey, err := nonEmptyBytes("offererMultiSigPubKey", msg.OffererMultiSigPubKey)
	if err != nil {
		h.Failed(err)
		return
	}
	contractSignature, err := nonEmptyBytes("offererContractSignature", msg.OffererContractSignature)
	if err != nil {
		h.Failed(err)
		return
	}
	payoutAddress, err := nonEmptyString("offererPayoutAddress", msg.OffererPayoutAddress)
	if err != nil {
		h.Failed(err)
		return
	}
	rawInputs, err := nonEmptyInputs("offererRawInputs", msg.OffererRawInputs)
	if err != nil {
		h.Failed(err)
		return
	}
	preparedTx, err := nonEmptyBytes("preparedDepositTx", msg.PreparedDepositTx)
	if err != nil {
		h.Failed(err)
		return
	}

	t.model.Peer.PaymentAccount = paymentAccount
	t.model.Peer.AccountID = accountID
	t.model.Peer.PubKeyRing = pubKeyRing
	t.model.Peer.MultiSigPubKey = multiSigPubKey
	t.model.Peer.ContractSignature = contractSignature
	t.model.Peer.PayoutAddress = payoutAddress
	t.model.Peer.RawInputs = rawInputs
	t.model.Peer.PreparedDepositTx = preparedTx
	t.model.TempPeerAddress = msg.GetSenderAddress()

	if err := t.trade.AdvanceState(domain.StateTakerReceivedPublishDepositTxRequest); err != nil {
		h.Failed(err)
		return
	}
	h.Complete()
}

// VerifyAndSignContract reconstructs the contract from the mirror and the
// taker's own terms, verifies the offerer's signature over the identical
// canonical bytes and countersigns.
type VerifyAndSignContract struct{ taskBase }

func (t *VerifyAndSignContract) Name() string { return "VerifyAndSignContract" }

func (t *VerifyAndSignContract) Run(h taskrunner.Handle) {
	payoutEntry, ok := t.model.Wallet().GetAddressEntry(t.trade.ID, ports.AddressContextPayout)
	if !ok {
		h.Failed(fmt.Errorf("payout address entry missing for trade %s", t.trade.ID))
		return
	}

	var arbitratorPubKey []byte
	if len(t.model.Offer.ArbitratorPubKeys) > 0 {
		arbitratorPubKey = t.model.Offer.ArbitratorPubKeys[0]
	}

	contract := &domain.Contract{
		OfferID:          t.trade.ID,
		TradeAmount:      t.trade.Amount,
		TradePrice:       t.trade.Price.String(),
		SecurityDeposit:  t.trade.SecurityDeposit,
		CurrencyCode:     t.trade.CurrencyCode,
		PaymentMethod:    t.trade.PaymentMethod,
		TakeOfferFeeTxID: t.model.TakeOfferFeeTxID,
		ArbitratorPubKey: arbitratorPubKey,

		OffererNodeAddress: t.trade.PeerAddress,
		TakerNodeAddress:   t.model.MyAddress(),

		OffererAccountID: t.model.Peer.AccountID,
		TakerAccountID:   t.model.AccountID,

		OffererPaymentAccount: t.model.Peer.PaymentAccount,
		TakerPaymentAccount:   t.model.PaymentAccount,

		OffererPubKeyRing: t.model.Peer.PubKeyRing,
		TakerPubKeyRing:   t.model.KeyRing().PubKeyRing(),

		OffererMultiSigPubKey: t.model.Peer.MultiSigPubKey,
		TakerMultiSigPubKey:   t.model.MultiSigPubKey,

		OffererPayoutAddress: t.model.Peer.PayoutAddress,
		TakerPayoutAddress:   payoutEntry.Address,
	}

	contractJSON, signature, err := domain.SignContract(contract, t.model.KeyRing().SigningKey())
	if err != nil {
		h.Failed(fmt.Errorf("signing contract: %w", err))
		return
	}
	if err := domain.VerifyContractSignature(
		contractJSON, t.model.Peer.ContractSignature, t.model.Peer.PubKeyRing,
	); err != nil {
		h.Failed(fmt.Errorf("verifying offerer contract signature: %w", err))
		return
	}
	if err := t.trade.SetContract(contract, contractJSON, signature); err != nil {
		h.Failed(err)
		return
	}
	t.trade.SetPeerContractSignature(t.model.Peer.ContractSignature)
	h.Complete()
}

// SignAndPublishDepositTx finishes the prepared deposit transaction with the
// taker's signatures and broadcasts it. A failure here aborts the handshake
// before any money moved, so the trade is flagged for offer reopening.
type SignAndPublishDepositTx struct{ taskBase }

func (t *SignAndPublishDepositTx) Name() string { return "SignAndPublishDepositTx" }

func (t *SignAndPublishDepositTx) Run(h taskrunner.Handle) {
	t.model.Wallet().SignAndPublishDepositTx(
		t.trade.ID, t.model.Peer.PreparedDepositTx, t.depositTxParams(),
		func(res *ports.TxResult, err error) {
			if err != nil {
				if reopenErr := t.trade.ReopenOffer(fmt.Sprintf("publishing deposit tx failed: %v", err)); reopenErr != nil {
					t.trade.AppendErrorMessage(reopenErr.Error())
				}
				h.Failed(fmt.Errorf("publishing deposit tx: %w", err))
				return
			}
			if err := t.trade.SetDepositTx(res.TxID, res.RawTx); err != nil {
				h.Failed(err)
				return
			}
			if err := t.trade.AdvanceState(domain.StateTakerPublishedDepositTx); err != nil {
				h.Failed(err)
				return
			}
			t.model.Registry().RequestPersistence(t.trade.ID)
			h.Complete()
		},
	)
}

// SendDepositTxPublishedMessage notifies the offerer over the mailbox channel
// so the notification survives the offerer being offline.
type SendDepositTxPublishedMessage struct{ taskBase }

func (t *SendDepositTxPublishedMessage) Name() string { return "SendDepositTxPublishedMessage" }

func (t *SendDepositTxPublishedMessage) Run(h taskrunner.Handle) {
	msg := &DepositTxPublishedMessage{
		MessageMeta:            NewMessageMeta(t.trade.ID, t.model.MyAddress()),
		DepositTxID:            t.trade.DepositTxID,
		DepositTx:              t.trade.DepositTx,
		TakerContractSignature: t.trade.TakerContractSignature,
	}
	t.model.Transport().SendMailboxMessage(
		t.trade.PeerAddress, t.model.Peer.PubKeyRing, msg,
		ports.SendCallbacks{
			OnArrived: func() {
				if err := t.trade.AdvanceState(domain.StateTakerSentDepositTxPublishedMsg); err != nil {
					h.Failed(err)
					return
				}
				t.model.Registry().RequestPersistence(t.trade.ID)
				h.Complete()
			},
			OnFault: func(err error) {
				// Deposit is on chain. The offerer's balance fallback covers a
				// lost notification, so record the fault without failing the
				// trade itself.
				t.trade.AppendErrorMessage(fmt.Sprintf("sending DepositTxPublishedMessage failed: %v", err))
				h.Failed(fmt.Errorf("sending DepositTxPublishedMessage: %w", err))
			},
		},
	)
}
