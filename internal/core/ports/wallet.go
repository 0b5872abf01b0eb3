package ports

// AddressContext qualifies what a per-trade wallet address entry is used for.
// The (trade id, context) pair is the unit of exclusivity: a task must check
// an entry does not already exist before creating one.
type AddressContext string

const (
	AddressContextMultiSig      AddressContext = "multisig"
	AddressContextPayout        AddressContext = "payout"
	AddressContextReservedFunds AddressContext = "reserved_funds"
)

// AddressEntry is a wallet address dedicated to one trade and usage context.
type AddressEntry struct {
	TradeID string
	Context AddressContext
	Address string
	PubKey  []byte
}

// RawTransactionInput is one input contributed to the deposit transaction:
// the serialized funding tx it spends from, the output index and its value.
type RawTransactionInput struct {
	ParentTransaction []byte
	Index             uint32
	Value             uint64
}

// DepositTxInputs is the result of reserving funds for a deposit.
type DepositTxInputs struct {
	RawInputs           []RawTransactionInput
	ChangeOutputValue   uint64
	ChangeOutputAddress string
}

// DepositTxParams collects what the wallet needs to assemble the deposit
// transaction paying into the 2-of-2 multisig escrow.
type DepositTxParams struct {
	OffererInputs []RawTransactionInput
	TakerInputs   []RawTransactionInput

	EscrowAmount uint64

	OffererMultiSigPubKey []byte
	TakerMultiSigPubKey   []byte

	OffererChangeOutputValue   uint64
	OffererChangeOutputAddress string
	TakerChangeOutputValue     uint64
	TakerChangeOutputAddress   string
}

// PayoutParams describes the escrow payout split. The wallet rebuilds the
// multisig redeem script from the two pubkeys, so both parties derive the
// identical script independently.
type PayoutParams struct {
	DepositTxID string

	OffererPayoutAmount  uint64
	TakerPayoutAmount    uint64
	OffererPayoutAddress string
	TakerPayoutAddress   string

	OffererMultiSigPubKey []byte
	TakerMultiSigPubKey   []byte
}

// TxResult reports an asynchronous wallet operation that produced a
// transaction.
type TxResult struct {
	TxID  string
	RawTx []byte
}

// TxCallback receives the outcome of sign-and-publish operations; exactly one
// invocation per operation, with either a result or an error.
type TxCallback func(res *TxResult, err error)

// WalletGateway exposes the subset of the Bitcoin wallet the protocol engine
// depends on: address-entry bookkeeping keyed by trade, deposit/payout
// transaction construction and signing, broadcast and balance notification.
// The gateway, not the engine, serializes wallet mutations.
type WalletGateway interface {
	// GetOrCreateAddressEntry returns the dedicated entry for the trade and
	// context, deriving a fresh address on first use.
	GetOrCreateAddressEntry(tradeID string, ctx AddressContext) (AddressEntry, error)
	// GetAddressEntry returns the entry if it exists.
	GetAddressEntry(tradeID string, ctx AddressContext) (AddressEntry, bool)

	// PayTakeOfferFee builds and broadcasts the take-offer fee transaction
	// and returns its id.
	PayTakeOfferFee(tradeID string) (txID string, err error)

	// CreateDepositTxInputs selects and reserves wallet funds covering the
	// given amount for the trade's side of the deposit.
	CreateDepositTxInputs(tradeID string, amount uint64) (*DepositTxInputs, error)

	// PrepareDepositTx builds this party's unsigned (or partially signed)
	// half of the deposit transaction.
	PrepareDepositTx(tradeID string, params DepositTxParams) (preparedTx []byte, err error)

	// SignAndPublishDepositTx finishes the partially signed deposit
	// transaction with this party's signatures and broadcasts it.
	SignAndPublishDepositTx(
		tradeID string, preparedTx []byte, params DepositTxParams,
		cb TxCallback,
	)

	// CreateAndSignPayoutTx builds the payout transaction spending the
	// multisig output and returns this party's signature over it.
	CreateAndSignPayoutTx(tradeID string, params PayoutParams) (signature []byte, err error)

	// SignAndPublishPayoutTx attaches both signatures to the payout
	// transaction and broadcasts it.
	SignAndPublishPayoutTx(
		tradeID string, params PayoutParams, peerSignature []byte,
		cb TxCallback,
	)

	// AddTransactionToWallet registers an externally received transaction so
	// the wallet tracks its confirmation depth.
	AddTransactionToWallet(rawTx []byte) (txID string, err error)

	// GetBalance returns the current balance of a wallet address.
	GetBalance(address string) uint64
	// SubscribeBalance notifies on every balance change of the address; the
	// returned function cancels the subscription.
	SubscribeBalance(address string, onChange func(balance uint64)) (unsubscribe func())
}
