package protocol

import (
	"github.com/thanhpk/randstr"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
)

// MessageMeta carries the correlation data every protocol message shares.
type MessageMeta struct {
	MessageID     string
	TradeID       string
	SenderAddress domain.NodeAddress
}

// NewMessageMeta returns metadata with a fresh message id.
func NewMessageMeta(tradeID string, sender domain.NodeAddress) MessageMeta {
	return MessageMeta{
		MessageID:     randstr.Hex(20),
		TradeID:       tradeID,
		SenderAddress: sender,
	}
}

func (m MessageMeta) GetMessageID() string                  { return m.MessageID }
func (m MessageMeta) GetTradeID() string                    { return m.TradeID }
func (m MessageMeta) GetSenderAddress() domain.NodeAddress  { return m.SenderAddress }

// TakeOfferRequest is the offer-acceptance request the taker sends first. It
// announces the take and carries the taker's negotiated terms and fee
// payment.
type TakeOfferRequest struct {
	MessageMeta
	TakerPubKeyRing  []byte
	TradeAmount      uint64
	TradePrice       string
	TakeOfferFeeTxID string
}

// PayDepositRequest is the deposit-inputs/payment-account exchange request:
// everything the taker contributes to contract and deposit construction.
type PayDepositRequest struct {
	MessageMeta
	TradeAmount      uint64
	TradePrice       string
	TakeOfferFeeTxID string

	TakerPaymentAccount      domain.PaymentAccountPayload
	TakerAccountID           string
	TakerPubKeyRing          []byte
	TakerMultiSigPubKey      []byte
	TakerRawInputs           []ports.RawTransactionInput
	TakerChangeOutputValue   uint64
	TakerChangeOutputAddress string
	TakerPayoutAddress       string
	AcceptedArbitrators      [][]byte
}

// PublishDepositTxRequest is the offerer's answer: its own contributions, the
// signed contract and the prepared deposit transaction the taker must
// finalize and publish.
type PublishDepositTxRequest struct {
	MessageMeta
	OffererPaymentAccount    domain.PaymentAccountPayload
	OffererAccountID         string
	OffererPubKeyRing        []byte
	OffererMultiSigPubKey    []byte
	OffererContractSignature []byte
	OffererPayoutAddress     string
	OffererRawInputs         []ports.RawTransactionInput
	PreparedDepositTx        []byte
}

// DepositTxPublishedMessage notifies that the deposit transaction was
// broadcast and delivers the taker's contract signature, completing the
// contract on the offerer side. Sent as a mailbox message so an offline
// offerer still gets it.
type DepositTxPublishedMessage struct {
	MessageMeta
	DepositTxID            string
	DepositTx              []byte
	TakerContractSignature []byte
}

// FiatTransferStartedMessage notifies the seller that the buyer initiated the
// off-chain payment. It carries the buyer's half of the payout so the seller
// can publish once the payment arrives.
type FiatTransferStartedMessage struct {
	MessageMeta
	BuyerPayoutAddress     string
	BuyerPayoutTxSignature []byte
}

// PayoutTxPublishedMessage notifies that the payout transaction was
// broadcast, completing the trade.
type PayoutTxPublishedMessage struct {
	MessageMeta
	PayoutTxID string
	PayoutTx   []byte
}
