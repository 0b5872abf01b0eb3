package protocol

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
	"github.com/escrownet/escrowd/internal/core/protocol/taskrunner"
)

// ProcessTakeOfferRequest validates the taker's offer-acceptance request and
// seeds the trading-peer mirror with the negotiated terms.
type ProcessTakeOfferRequest struct{ taskBase }

func (t *ProcessTakeOfferRequest) Name() string { return "ProcessTakeOfferRequest" }

func (t *ProcessTakeOfferRequest) Run(h taskrunner.Handle) {
	msg, ok := t.model.TradeMessage.(*TakeOfferRequest)
	if !ok {
		h.Failed(fmt.Errorf("%w: expected TakeOfferRequest", ErrUnexpectedMessage))
		return
	}
	if err := t.checkTradeID(msg); err != nil {
		h.Failed(err)
		return
	}

	pubKeyRing, err := nonEmptyBytes("takerPubKeyRing", msg.TakerPubKeyRing)
	if err != nil {
		h.Failed(err)
		return
	}
	amount, err := positiveAmount("tradeAmount", msg.TradeAmount)
	if err != nil {
		h.Failed(err)
		return
	}
	if err := t.model.Offer.ValidateTakeAmount(amount); err != nil {
		h.Failed(err)
		return
	}
	price, err := positivePrice("tradePrice", msg.TradePrice)
	if err != nil {
		h.Failed(err)
		return
	}
	feeTxID, err := nonEmptyString("takeOfferFeeTxId", msg.TakeOfferFeeTxID)
	if err != nil {
		h.Failed(err)
		return
	}

	t.model.Peer.PubKeyRing = pubKeyRing
	t.model.Peer.TradeAmount = amount
	t.model.Peer.TradePrice = price
	t.model.Peer.TakeOfferFeeTxID = feeTxID
	t.model.TempPeerAddress = msg.GetSenderAddress()

	t.trade.Amount = amount
	t.trade.Price = price

	if err := t.trade.AdvanceState(domain.StateTakeOfferRequested); err != nil {
		h.Failed(err)
		return
	}
	h.Complete()
}

// VerifyTakerAccount is the verification point for the counterparty's account
// identity. The real policy checks run against the signed ban filter in
// ProcessPayDepositRequest once the payment account payload is available;
// here only the node-level ban is enforced.
type VerifyTakerAccount struct{ taskBase }

func (t *VerifyTakerAccount) Name() string { return "VerifyTakerAccount" }

func (t *VerifyTakerAccount) Run(h taskrunner.Handle) {
	if banned, reason := t.model.Filter().IsNodeBanned(t.model.TempPeerAddress); banned {
		h.Failed(fmt.Errorf("%w: %s", ErrNodeBanned, reason))
		return
	}
	h.Complete()
}

// VerifyTakeOfferFeePayment checks the declared fee transaction. The current
// design only requires the id to be present; verifying the fee output amount
// against the tx needs lookup support in the wallet backend.
// TODO: verify fee tx output value once the wallet exposes GetTransaction.
type VerifyTakeOfferFeePayment struct{ taskBase }

func (t *VerifyTakeOfferFeePayment) Name() string { return "VerifyTakeOfferFeePayment" }

func (t *VerifyTakeOfferFeePayment) Run(h taskrunner.Handle) {
	if t.model.Peer.TakeOfferFeeTxID == "" {
		h.Failed(fmt.Errorf("take offer fee tx id not set"))
		return
	}
	h.Complete()
}

// ReserveOpenOffer removes the offer from the matching pool while the
// handshake is in flight.
type ReserveOpenOffer struct{ taskBase }

func (t *ReserveOpenOffer) Name() string { return "ReserveOpenOffer" }

func (t *ReserveOpenOffer) Run(h taskrunner.Handle) {
	if err := t.model.Offers().ReserveOpenOffer(context.Background(), t.model.OfferID); err != nil {
		h.Failed(fmt.Errorf("reserving open offer: %w", err))
		return
	}
	h.Complete()
}

// ProcessPayDepositRequest validates the taker's deposit contribution message
// field by field and copies it into the trading-peer mirror. Validation
// precedes assignment: a rejected message leaves the mirror and the trade
// untouched. Terms repeated from the take-offer request must match what was
// validated there.
type ProcessPayDepositRequest struct{ taskBase }

func (t *ProcessPayDepositRequest) Name() string { return "ProcessPayDepositRequest" }

func (t *ProcessPayDepositRequest) Run(h taskrunner.Handle) {
	msg, ok := t.model.TradeMessage.(*PayDepositRequest)
	if !ok {
		h.Failed(fmt.Errorf("%w: expected PayDepositRequest", ErrUnexpectedMessage))
		return
	}
	if err := t.checkTradeID(msg); err != nil {
		h.Failed(err)
		return
	}

	paymentAccount, err := nonEmptyPaymentAccount("takerPaymentAccount", msg.TakerPaymentAccount)
	if err != nil {
		h.Failed(err)
		return
	}
	accountHash, err := paymentAccount.Hash()
	if err != nil {
		h.Failed(fmt.Errorf("hashing taker payment account: %w", err))
		return
	}
	if banned, reason := t.model.Filter().IsPaymentAccountBanned(accountHash); banned {
		h.Failed(fmt.Errorf("%w: %s", ErrAccountBanned, reason))
		return
	}
	if banned, reason := t.model.Filter().IsNodeBanned(msg.GetSenderAddress()); banned {
		h.Failed(fmt.Errorf("%w: %s", ErrNodeBanned, reason))
		return
	}

	accountID, err := nonEmptyString("takerAccountId", msg.TakerAccountID)
	if err != nil {
		h.Failed(err)
		return
	}
	pubKeyRing, err := nonEmptyBytes("takerPubKeyRing", msg.TakerPubKeyRing)
	if err != nil {
		h.Failed(err)
		return
	}
	multiSigPubKey, err := nonEmptyBytes("takerMultiSigPubKey", msg.TakerMultiSigPubKey)
	if err != nil {
		h.Failed(err)
		return
	}
	rawInputs, err := nonEmptyInputs("takerRawInputs", msg.TakerRawInputs)
	if err != nil {
		h.Failed(err)
		return
	}
	payoutAddress, err := nonEmptyString("takerPayoutAddress", msg.TakerPayoutAddress)
	if err != nil {
		h.Failed(err)
		return
	}
	amount, err := positiveAmount("tradeAmount", msg.TradeAmount)
	if err != nil {
		h.Failed(err)
		return
	}
	price, err := positivePrice("tradePrice", msg.TradePrice)
	if err != nil {
		h.Failed(err)
		return
	}
	feeTxID, err := nonEmptyString("takeOfferFeeTxId", msg.TakeOfferFeeTxID)
	if err != nil {
		h.Failed(err)
		return
	}
	if amount != t.model.Peer.TradeAmount ||
		!price.Equal(t.model.Peer.TradePrice) ||
		feeTxID != t.model.Peer.TakeOfferFeeTxID {
		h.Failed(fmt.Errorf("trade terms differ from take offer request"))
		return
	}

	reference := t.model.Offer.Price
	if t.model.Offer.UseMarketPrice {
		reference, err = t.model.PriceFeed().GetMarketPrice(t.model.Offer.CurrencyCode)
		if err != nil {
			h.Failed(fmt.Errorf("fetching reference price: %w", err))
			return
		}
	}
	if err := t.model.Offer.ValidateTakePrice(price, reference); err != nil {
		h.Failed(err)
		return
	}

	t.model.Peer.PaymentAccount = paymentAccount
	t.model.Peer.AccountID = accountID
	t.model.Peer.PubKeyRing = pubKeyRing
	t.model.Peer.MultiSigPubKey = multiSigPubKey
	t.model.Peer.RawInputs = rawInputs
	t.model.Peer.ChangeOutputValue = msg.TakerChangeOutputValue
	t.model.Peer.ChangeOutputAddress = msg.TakerChangeOutputAddress
	t.model.Peer.PayoutAddress = payoutAddress
	t.model.TempPeerAddress = msg.GetSenderAddress()
	t.trade.PeerAddress = msg.GetSenderAddress()

	if err := t.trade.AdvanceState(domain.StateOffererReceivedPayDepositRequest); err != nil {
		h.Failed(err)
		return
	}
	h.Complete()
}

// CreateAndSignContract builds the contract from the completed mirror and the
// offerer's own terms, creates the dedicated multisig and payout address
// entries, signs the canonical contract bytes and attaches the result to the
// trade.
type CreateAndSignContract struct{ taskBase }

func (t *CreateAndSignContract) Name() string { return "CreateAndSignContract" }

func (t *CreateAndSignContract) Run(h taskrunner.Handle) {
	if t.model.Peer.TakeOfferFeeTxID == "" {
		h.Failed(fmt.Errorf("take offer fee tx id not set"))
		return
	}
	if t.model.Peer.PaymentAccount.IsEmpty() {
		h.Failed(fmt.Errorf("taker payment account not set"))
		return
	}
	if t.trade.Contract != nil {
		// Retried exchange after a transport fault; the contract and the
		// address entries already exist, only the model needs rehydrating.
		entry, ok := t.model.Wallet().GetAddressEntry(t.trade.ID, ports.AddressContextMultiSig)
		if !ok {
			h.Failed(fmt.Errorf("contract set but multisig address entry missing for trade %s", t.trade.ID))
			return
		}
		t.model.MultiSigPubKey = entry.PubKey
		h.Complete()
		return
	}
	if _, exists := t.model.Wallet().GetAddressEntry(t.trade.ID, ports.AddressContextMultiSig); exists {
		h.Failed(fmt.Errorf("multisig address entry already exists for trade %s", t.trade.ID))
		return
	}

	multiSigEntry, err := t.model.Wallet().GetOrCreateAddressEntry(t.trade.ID, ports.AddressContextMultiSig)
	if err != nil {
		h.Failed(fmt.Errorf("creating multisig address entry: %w", err))
		return
	}
	payoutEntry, err := t.model.Wallet().GetOrCreateAddressEntry(t.trade.ID, ports.AddressContextPayout)
	if err != nil {
		h.Failed(fmt.Errorf("creating payout address entry: %w", err))
		return
	}
	t.model.MultiSigPubKey = multiSigEntry.PubKey

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
		TakeOfferFeeTxID: t.model.Peer.TakeOfferFeeTxID,
		ArbitratorPubKey: arbitratorPubKey,

		OffererNodeAddress: t.model.MyAddress(),
		TakerNodeAddress:   t.trade.PeerAddress,

		OffererAccountID: t.model.AccountID,
		TakerAccountID:   t.model.Peer.AccountID,

		OffererPaymentAccount: t.model.PaymentAccount,
		TakerPaymentAccount:   t.model.Peer.PaymentAccount,

		OffererPubKeyRing: t.model.KeyRing().PubKeyRing(),
		TakerPubKeyRing:   t.model.Peer.PubKeyRing,

		OffererMultiSigPubKey: t.model.MultiSigPubKey,
		TakerMultiSigPubKey:   t.model.Peer.MultiSigPubKey,

		OffererPayoutAddress: payoutEntry.Address,
		TakerPayoutAddress:   t.model.Peer.PayoutAddress,
	}

	contractJSON, signature, err := domain.SignContract(contract, t.model.KeyRing().SigningKey())
	if err != nil {
		h.Failed(fmt.Errorf("signing contract: %w", err))
		return
	}
	if err := t.trade.SetContract(contract, contractJSON, signature); err != nil {
		h.Failed(err)
		return
	}
	h.Complete()
}

// CreateOffererDepositTxInputs reserves the offerer's wallet funds for its
// side of the deposit.
type CreateOffererDepositTxInputs struct{ taskBase }

func (t *CreateOffererDepositTxInputs) Name() string { return "CreateOffererDepositTxInputs" }

func (t *CreateOffererDepositTxInputs) Run(h taskrunner.Handle) {
	t.model.FundsNeededForTrade = t.fundsNeededForTrade()
	inputs, err := t.model.Wallet().CreateDepositTxInputs(t.trade.ID, t.model.FundsNeededForTrade)
	if err != nil {
		// Our own wallet cannot fund the trade; no retry of the taker's
		// message can fix that, so the offer goes back to the open pool.
		t.abortAndReopenOffer(fmt.Sprintf("reserving deposit funds failed: %v", err))
		h.Failed(fmt.Errorf("reserving deposit funds: %w", err))
		return
	}
	t.model.RawInputs = inputs.RawInputs
	t.model.ChangeOutputValue = inputs.ChangeOutputValue
	t.model.ChangeOutputAddress = inputs.ChangeOutputAddress
	h.Complete()
}

// PrepareDepositTx builds the offerer's partially signed half of the deposit
// transaction combining both parties' inputs.
type PrepareDepositTx struct{ taskBase }

func (t *PrepareDepositTx) Name() string { return "PrepareDepositTx" }

func (t *PrepareDepositTx) Run(h taskrunner.Handle) {
	preparedTx, err := t.model.Wallet().PrepareDepositTx(t.trade.ID, t.depositTxParams())
	if err != nil {
		t.abortAndReopenOffer(fmt.Sprintf("preparing deposit tx failed: %v", err))
		h.Failed(fmt.Errorf("preparing deposit tx: %w", err))
		return
	}
	t.model.PreparedDepositTx = preparedTx
	h.Complete()
}

// SetupDepositBalanceListener installs the balance fallback monitor on the
// offerer's reserved-funds address so a lost deposit-published message cannot
// strand the trade.
type SetupDepositBalanceListener struct{ taskBase }

func (t *SetupDepositBalanceListener) Name() string { return "SetupDepositBalanceListener" }

func (t *SetupDepositBalanceListener) Run(h taskrunner.Handle) {
	if err := setupDepositBalanceListener(t.trade, t.model); err != nil {
		h.Failed(err)
		return
	}
	h.Complete()
}

// SendPublishDepositTxRequest answers the taker with the offerer's
// contributions, the signed contract and the prepared deposit transaction.
// A transport fault leaves the trade state unchanged so the exchange can be
// retried, but surfaces the failure on the trade.
type SendPublishDepositTxRequest struct{ taskBase }

func (t *SendPublishDepositTxRequest) Name() string { return "SendPublishDepositTxRequest" }

func (t *SendPublishDepositTxRequest) Run(h taskrunner.Handle) {
	payoutEntry, ok := t.model.Wallet().GetAddressEntry(t.trade.ID, ports.AddressContextPayout)
	if !ok {
		h.Failed(fmt.Errorf("payout address entry missing for trade %s", t.trade.ID))
		return
	}
	if _, ok := t.model.Wallet().GetAddressEntry(t.trade.ID, ports.AddressContextMultiSig); !ok {
		h.Failed(fmt.Errorf("multisig address entry missing for trade %s", t.trade.ID))
		return
	}
	if len(t.model.PreparedDepositTx) == 0 {
		h.Failed(fmt.Errorf("prepared deposit tx not set"))
		return
	}

	msg := &PublishDepositTxRequest{
		MessageMeta:              NewMessageMeta(t.trade.ID, t.model.MyAddress()),
		OffererPaymentAccount:    t.model.PaymentAccount,
		OffererAccountID:         t.model.AccountID,
		OffererPubKeyRing:        t.model.KeyRing().PubKeyRing(),
		OffererMultiSigPubKey:    t.model.MultiSigPubKey,
		OffererContractSignature: t.trade.OffererContractSignature,
		OffererPayoutAddress:     payoutEntry.Address,
		OffererRawInputs:         t.model.RawInputs,
		PreparedDepositTx:        t.model.PreparedDepositTx,
	}

	t.model.Transport().SendDirectMessage(
		t.trade.PeerAddress, t.model.Peer.PubKeyRing, msg,
		ports.SendCallbacks{
			OnArrived: func() {
				if err := t.trade.AdvanceState(domain.StateOffererSentPublishDepositTxRequest); err != nil {
					h.Failed(err)
					return
				}
				t.model.Registry().RequestPersistence(t.trade.ID)
				h.Complete()
			},
			OnFault: func(err error) {
				t.trade.AppendErrorMessage(fmt.Sprintf("sending PublishDepositTxRequest failed: %v", err))
				h.Failed(fmt.Errorf("sending PublishDepositTxRequest: %w", err))
			},
		},
	)
}

// ProcessDepositTxPublishedMessage handles the taker's broadcast notification:
// the deposit tx is registered with the wallet, attached to the trade and the
// underlying offer is closed for good.
type ProcessDepositTxPublishedMessage struct{ taskBase }

func (t *ProcessDepositTxPublishedMessage) Name() string { return "ProcessDepositTxPublishedMessage" }

func (t *ProcessDepositTxPublishedMessage) Run(h taskrunner.Handle) {
	msg, ok := t.model.TradeMessage.(*DepositTxPublishedMessage)
	if !ok {
		h.Failed(fmt.Errorf("%w: expected DepositTxPublishedMessage", ErrUnexpectedMessage))
		return
	}
	if err := t.checkTradeID(msg); err != nil {
		h.Failed(err)
		return
	}
	rawTx, err := nonEmptyBytes("depositTx", msg.DepositTx)
	if err != nil {
		h.Failed(err)
		return
	}
	txID, err := nonEmptyString("depositTxId", msg.DepositTxID)
	if err != nil {
		h.Failed(err)
		return
	}
	takerSignature, err := nonEmptyBytes("takerContractSignature", msg.TakerContractSignature)
	if err != nil {
		h.Failed(err)
		return
	}
	if err := domain.VerifyContractSignature(
		t.trade.ContractJSON, takerSignature, t.model.Peer.PubKeyRing,
	); err != nil {
		h.Failed(fmt.Errorf("verifying taker contract signature: %w", err))
		return
	}
	t.model.Peer.ContractSignature = takerSignature
	t.trade.SetPeerContractSignature(takerSignature)

	walletTxID, err := t.model.Wallet().AddTransactionToWallet(rawTx)
	if err != nil {
		h.Failed(fmt.Errorf("adding deposit tx to wallet: %w", err))
		return
	}
	if walletTxID != txID {
		h.Failed(fmt.Errorf("deposit tx id mismatch: declared %s, computed %s", txID, walletTxID))
		return
	}
	if err := t.trade.SetDepositTx(txID, rawTx); err != nil {
		h.Failed(err)
		return
	}
	if err := t.trade.AdvanceState(domain.StateOffererReceivedDepositTxPublishedMsg); err != nil {
		h.Failed(err)
		return
	}

	if err := t.model.Offers().CloseOpenOffer(context.Background(), t.model.OfferID); err != nil {
		// The deposit is on chain regardless, keep going but surface it.
		log.WithError(err).Warnf("closing open offer %s after deposit published", t.model.OfferID)
		t.trade.AppendErrorMessage(fmt.Sprintf("closing open offer: %v", err))
	}
	t.model.Transport().RemoveMailboxEntry(msg.GetMessageID())
	h.Complete()
}
