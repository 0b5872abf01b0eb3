package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newSellerTrade() *Trade {
	trade := NewTrade(uuid.NewString(), OffererAsSeller, 1_000_000, decimal.NewFromInt(100))
	trade.SecurityDeposit = 100_000
	return trade
}

func TestAdvanceStateMonotonic(t *testing.T) {
	trade := newSellerTrade()
	require.Equal(t, StatePreparation, trade.State)
	require.Equal(t, PhaseInit, trade.Phase())

	require.NoError(t, trade.AdvanceState(StateTakeOfferRequested))
	require.NoError(t, trade.AdvanceState(StateOffererReceivedPayDepositRequest))
	require.Equal(t, PhaseDepositRequested, trade.Phase())

	// Re-applying the current state is a no-op.
	require.NoError(t, trade.AdvanceState(StateOffererReceivedPayDepositRequest))
	require.Equal(t, StateOffererReceivedPayDepositRequest, trade.State)

	// Moving to a state of an earlier phase is rejected and leaves the
	// trade untouched.
	err := trade.AdvanceState(StateTakeOfferRequested)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.Equal(t, StateOffererReceivedPayDepositRequest, trade.State)
}

func TestAdvanceStateWithinPhase(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.AdvanceState(StateOffererReceivedPayDepositRequest))
	// Later state of the same phase is fine.
	require.NoError(t, trade.AdvanceState(StateOffererSentPublishDepositTxRequest))
	require.Equal(t, PhaseDepositRequested, trade.Phase())
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.Complete())
	require.True(t, trade.IsTerminal())
	require.NotZero(t, trade.CompletedAt)

	require.ErrorIs(t, trade.AdvanceState(StatePayoutTxPublished), ErrTradeTerminal)

	// Completing twice is a no-op.
	require.NoError(t, trade.Complete())

	failed := newSellerTrade()
	failed.Fail("wallet gone")
	require.True(t, failed.IsTerminal())
	require.Contains(t, failed.ErrorMessage, "wallet gone")
	require.ErrorIs(t, failed.Complete(), ErrTradeTerminal)

	// A second failure keeps the first reason.
	failed.Fail("second reason")
	require.Contains(t, failed.ErrorMessage, "wallet gone")
}

func TestSetContractImmutable(t *testing.T) {
	trade := newSellerTrade()
	contract := &Contract{OfferID: trade.ID, TradeAmount: trade.Amount}

	require.NoError(t, trade.SetContract(contract, []byte(`{"a":1}`), []byte("offerer-sig")))
	require.Equal(t, []byte("offerer-sig"), trade.OffererContractSignature)
	require.False(t, trade.IsContractSigned())

	err := trade.SetContract(&Contract{OfferID: "other"}, nil, nil)
	require.ErrorIs(t, err, ErrContractAlreadySet)
	require.Equal(t, contract, trade.Contract)

	trade.SetPeerContractSignature([]byte("taker-sig"))
	require.Equal(t, []byte("taker-sig"), trade.TakerContractSignature)
	require.True(t, trade.IsContractSigned())
}

func TestContractSignatureSidesFollowRole(t *testing.T) {
	taker := NewTrade(uuid.NewString(), TakerAsBuyer, 1, decimal.NewFromInt(1))
	require.NoError(t, taker.SetContract(&Contract{}, []byte("{}"), []byte("own")))
	taker.SetPeerContractSignature([]byte("peer"))

	require.Equal(t, []byte("own"), taker.TakerContractSignature)
	require.Equal(t, []byte("peer"), taker.OffererContractSignature)
}

func TestSetPayoutTxPreconditions(t *testing.T) {
	trade := newSellerTrade()

	require.ErrorIs(t, trade.SetPayoutTx("payout-id", []byte("payout")), ErrPayoutWithoutDeposit)

	require.NoError(t, trade.SetDepositTx("deposit-id", []byte("deposit")))
	require.ErrorIs(t, trade.SetPayoutTx("payout-id", []byte("payout")), ErrContractNotSigned)

	require.NoError(t, trade.SetContract(&Contract{}, []byte("{}"), []byte("own")))
	trade.SetPeerContractSignature([]byte("peer"))
	require.NoError(t, trade.SetPayoutTx("payout-id", []byte("payout")))
	require.Equal(t, "payout-id", trade.PayoutTxID)
}

func TestSetDepositTxRejectsDifferentTx(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.SetDepositTx("deposit-id", []byte("deposit")))
	// Idempotent for the same id.
	require.NoError(t, trade.SetDepositTx("deposit-id", []byte("deposit")))
	require.ErrorIs(t, trade.SetDepositTx("other-id", []byte("other")), ErrDepositTxAlreadySet)
}

func TestReopenOfferOnlyBeforeDepositPublished(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.AdvanceState(StateOffererReceivedPayDepositRequest))

	require.NoError(t, trade.ReopenOffer("wallet refused funding"))
	require.Equal(t, StateMessageSendingFailed, trade.State)
	require.Contains(t, trade.ErrorMessage, "wallet refused funding")

	published := newSellerTrade()
	require.NoError(t, published.AdvanceState(StateOffererReceivedDepositTxPublishedMsg))
	require.ErrorIs(t, published.ReopenOffer("too late"), ErrInvalidStateTransition)
	require.Equal(t, StateOffererReceivedDepositTxPublishedMsg, published.State)
}

func TestDepositSeenInNetworkIdempotent(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.AdvanceState(StateOffererSentPublishDepositTxRequest))

	require.NoError(t, trade.DepositSeenInNetwork())
	require.Equal(t, StateDepositSeenInNetwork, trade.State)

	// Firing again changes nothing.
	require.NoError(t, trade.DepositSeenInNetwork())
	require.Equal(t, StateDepositSeenInNetwork, trade.State)
}

func TestDepositSeenInNetworkStandsDownAfterAck(t *testing.T) {
	trade := newSellerTrade()
	require.NoError(t, trade.AdvanceState(StateOffererReceivedDepositTxPublishedMsg))

	require.NoError(t, trade.DepositSeenInNetwork())
	require.Equal(t, StateOffererReceivedDepositTxPublishedMsg, trade.State)

	started := newSellerTrade()
	require.NoError(t, started.AdvanceState(StateFiatPaymentStartedMsgReceived))
	require.NoError(t, started.DepositSeenInNetwork())
	require.Equal(t, StateFiatPaymentStartedMsgReceived, started.State)
}

func TestMessageProcessedTracking(t *testing.T) {
	trade := newSellerTrade()
	require.False(t, trade.HasProcessedMessage("msg-1"))

	trade.MarkMessageProcessed("msg-1")
	require.True(t, trade.HasProcessedMessage("msg-1"))
	require.False(t, trade.HasProcessedMessage("msg-2"))

	// Only the most recent message is remembered.
	trade.MarkMessageProcessed("msg-2")
	require.False(t, trade.HasProcessedMessage("msg-1"))
	require.True(t, trade.HasProcessedMessage("msg-2"))
}

func TestAppendErrorMessageAccumulates(t *testing.T) {
	trade := newSellerTrade()
	trade.AppendErrorMessage("")
	require.Empty(t, trade.ErrorMessage)

	trade.AppendErrorMessage("first")
	trade.AppendErrorMessage("second")
	require.Contains(t, trade.ErrorMessage, "first")
	require.Contains(t, trade.ErrorMessage, "second")
}

func TestPaymentAccountHash(t *testing.T) {
	account := PaymentAccountPayload{
		ID: "acct-1", PaymentMethod: "SEPA", CountryCode: "DE",
		HolderName: "Alice", AccountNr: "DE02100100109307118603",
	}

	hash, err := account.Hash()
	require.NoError(t, err)
	require.Len(t, hash, 32)

	again, err := account.Hash()
	require.NoError(t, err)
	require.Equal(t, hash, again)

	other := account
	other.AccountNr = "AT483200000012345864"
	otherHash, err := other.Hash()
	require.NoError(t, err)
	require.NotEqual(t, hash, otherHash)
}
