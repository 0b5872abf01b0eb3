package protocol

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
)

// TradingPeer mirrors every field the counterparty contributes over the
// course of the handshake. Each field is written exactly once, by the single
// protocol task that validates the inbound message carrying it, and read-only
// afterwards: a later stage never overwrites a validated field with
// unvalidated data.
type TradingPeer struct {
	PaymentAccount      domain.PaymentAccountPayload
	AccountID           string
	PubKeyRing          []byte
	MultiSigPubKey      []byte
	RawInputs           []ports.RawTransactionInput
	ChangeOutputValue   uint64
	ChangeOutputAddress string
	PayoutAddress       string
	ContractSignature   []byte
	PreparedDepositTx   []byte
	PayoutTxSignature   []byte

	TradeAmount      uint64
	TradePrice       decimal.Decimal
	TakeOfferFeeTxID string
}

// ProcessModel is the ephemeral working memory for one trade's handshake.
// It owns this party's in-progress artifacts and, by composition, the
// TradingPeer mirror. It holds only weak references to services, injected
// through the Provider, and is discarded when the trade reaches a terminal
// state or the handshake is abandoned.
type ProcessModel struct {
	OfferID        string
	Offer          *domain.Offer
	AccountID      string
	PaymentAccount domain.PaymentAccountPayload

	TakeOfferFeeTxID    string
	FundsNeededForTrade uint64

	MultiSigPubKey      []byte
	RawInputs           []ports.RawTransactionInput
	ChangeOutputValue   uint64
	ChangeOutputAddress string
	PreparedDepositTx   []byte
	PayoutTxSignature   []byte

	// TempPeerAddress stores the sender address of an inbound message until
	// the message is verified; only then is it copied to the trade.
	TempPeerAddress domain.NodeAddress

	// TradeMessage is the pending inbound message the current chain
	// processes.
	TradeMessage ports.TradeMessage

	Peer *TradingPeer

	provider *Provider
	locker   sync.Locker
}

// NewProcessModel returns the working memory for one trade with an empty
// trading-peer mirror.
func NewProcessModel(offerID, accountID string, paymentAccount domain.PaymentAccountPayload) *ProcessModel {
	return &ProcessModel{
		OfferID:        offerID,
		AccountID:      accountID,
		PaymentAccount: paymentAccount,
		Peer:           &TradingPeer{},
	}
}

// ApplyProvider injects the service references once all dependent services
// are ready.
func (m *ProcessModel) ApplyProvider(p *Provider) {
	m.provider = p
}

// SetLocker hands the model the per-trade lock of the owning protocol so
// asynchronous listeners can serialize with running task chains.
func (m *ProcessModel) SetLocker(l sync.Locker) {
	m.locker = l
}

// Locker returns the per-trade lock, or a no-op lock when none was set.
func (m *ProcessModel) Locker() sync.Locker {
	if m.locker == nil {
		return noopLocker{}
	}
	return m.locker
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

func (m *ProcessModel) Wallet() ports.WalletGateway {
	return m.provider.Wallet
}

func (m *ProcessModel) Transport() ports.TransportGateway {
	return m.provider.Transport
}

func (m *ProcessModel) PriceFeed() ports.PriceFeed {
	return m.provider.PriceFeed
}

func (m *ProcessModel) Filter() BanFilter {
	return m.provider.Filter
}

func (m *ProcessModel) Offers() OfferService {
	return m.provider.Offers
}

func (m *ProcessModel) Registry() TradeRegistry {
	return m.provider.Registry
}

func (m *ProcessModel) KeyRing() *KeyRing {
	return m.provider.KeyRing
}

// MyAddress returns this node's transport address.
func (m *ProcessModel) MyAddress() domain.NodeAddress {
	return m.provider.Transport.Address()
}
