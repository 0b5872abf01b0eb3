package domain

import "errors"

var (
	// ErrInvalidStateTransition is thrown when a trade is asked to move to a
	// state whose phase precedes the current one.
	ErrInvalidStateTransition = errors.New("trade state transition would move backwards in phase")
	// ErrTradeTerminal is thrown when trying to transition a completed or
	// failed trade.
	ErrTradeTerminal = errors.New("trade is in a terminal state")
	// ErrContractAlreadySet is thrown when trying to overwrite a finalized
	// contract.
	ErrContractAlreadySet = errors.New("contract is immutable once attached to the trade")
	// ErrContractNotSigned is thrown when an operation requires both contract
	// signatures to be present.
	ErrContractNotSigned = errors.New("contract must be signed by both parties")
	// ErrPayoutWithoutDeposit is thrown when setting a payout transaction on a
	// trade without a deposit transaction.
	ErrPayoutWithoutDeposit = errors.New("payout tx requires an existing deposit tx")
	// ErrDepositTxAlreadySet ...
	ErrDepositTxAlreadySet = errors.New("deposit tx is already set for the trade")
	// ErrPriceOutOfTolerance is thrown when the declared take price deviates
	// from the reference price beyond the offer tolerance.
	ErrPriceOutOfTolerance = errors.New("taker price is out of the offer price tolerance")
	// ErrInvalidPrice ...
	ErrInvalidPrice = errors.New("price must be positive")
	// ErrInvalidAmount ...
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrOfferNotOpen is thrown when taking or reserving an offer that is not
	// in the open state.
	ErrOfferNotOpen = errors.New("offer is not open")
	// ErrOfferNotReserved ...
	ErrOfferNotReserved = errors.New("offer is not reserved")
	// ErrOfferClosed ...
	ErrOfferClosed = errors.New("offer is already closed")
	// ErrTradeNotFound ...
	ErrTradeNotFound = errors.New("trade not found")
	// ErrOfferNotFound ...
	ErrOfferNotFound = errors.New("offer not found")
	// ErrInvalidContractSignature ...
	ErrInvalidContractSignature = errors.New("contract signature does not verify against the canonical contract bytes")
)
