package domain

// TradePhase is the coarse partition of the trade lifecycle. Phases are
// strictly ordered; a trade may only move to a later phase, with the sole
// exceptions of the failure edges handled by Trade.
type TradePhase int

const (
	PhaseInit TradePhase = iota
	PhaseDepositRequested
	PhaseDepositPublished
	PhasePaymentStarted
	PhasePaymentReceived
	PhasePayoutPublished
	PhaseCompleted
	PhaseFailed
)

func (p TradePhase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseDepositRequested:
		return "DEPOSIT_REQUESTED"
	case PhaseDepositPublished:
		return "DEPOSIT_PUBLISHED"
	case PhasePaymentStarted:
		return "PAYMENT_STARTED"
	case PhasePaymentReceived:
		return "PAYMENT_RECEIVED"
	case PhasePayoutPublished:
		return "PAYOUT_PUBLISHED"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNDEFINED"
	}
}

// TradeState is the fine-grained protocol state of a trade. Every state maps
// to exactly one phase.
type TradeState int

const (
	StatePreparation TradeState = iota
	StateTakeOfferRequested

	StateTakerSentPayDepositRequest
	StateOffererReceivedPayDepositRequest
	StateOffererSentPublishDepositTxRequest
	StateTakerReceivedPublishDepositTxRequest

	StateTakerPublishedDepositTx
	StateTakerSentDepositTxPublishedMsg
	StateOffererReceivedDepositTxPublishedMsg
	// StateDepositSeenInNetwork is the degraded recovery state reached when
	// the deposit publication is detected through the wallet balance instead
	// of the expected acknowledgement message.
	StateDepositSeenInNetwork

	StateFiatPaymentStarted
	StateFiatPaymentStartedMsgSent
	StateFiatPaymentStartedMsgReceived

	StateFiatPaymentReceived

	StatePayoutTxPublished
	StatePayoutTxPublishedMsgSent
	StatePayoutTxPublishedMsgReceived

	StateCompleted

	StateMessageSendingFailed
	StateFailed
)

var statePhases = map[TradeState]TradePhase{
	StatePreparation:        PhaseInit,
	StateTakeOfferRequested: PhaseInit,

	StateTakerSentPayDepositRequest:           PhaseDepositRequested,
	StateOffererReceivedPayDepositRequest:     PhaseDepositRequested,
	StateOffererSentPublishDepositTxRequest:   PhaseDepositRequested,
	StateTakerReceivedPublishDepositTxRequest: PhaseDepositRequested,

	StateTakerPublishedDepositTx:              PhaseDepositPublished,
	StateTakerSentDepositTxPublishedMsg:       PhaseDepositPublished,
	StateOffererReceivedDepositTxPublishedMsg: PhaseDepositPublished,
	StateDepositSeenInNetwork:                 PhaseDepositPublished,

	StateFiatPaymentStarted:            PhasePaymentStarted,
	StateFiatPaymentStartedMsgSent:     PhasePaymentStarted,
	StateFiatPaymentStartedMsgReceived: PhasePaymentStarted,

	StateFiatPaymentReceived: PhasePaymentReceived,

	StatePayoutTxPublished:            PhasePayoutPublished,
	StatePayoutTxPublishedMsgSent:     PhasePayoutPublished,
	StatePayoutTxPublishedMsgReceived: PhasePayoutPublished,

	StateCompleted: PhaseCompleted,

	StateMessageSendingFailed: PhaseFailed,
	StateFailed:               PhaseFailed,
}

var stateNames = map[TradeState]string{
	StatePreparation:                          "PREPARATION",
	StateTakeOfferRequested:                   "TAKE_OFFER_REQUESTED",
	StateTakerSentPayDepositRequest:           "TAKER_SENT_PAY_DEPOSIT_REQUEST",
	StateOffererReceivedPayDepositRequest:     "OFFERER_RECEIVED_PAY_DEPOSIT_REQUEST",
	StateOffererSentPublishDepositTxRequest:   "OFFERER_SENT_PUBLISH_DEPOSIT_TX_REQUEST",
	StateTakerReceivedPublishDepositTxRequest: "TAKER_RECEIVED_PUBLISH_DEPOSIT_TX_REQUEST",
	StateTakerPublishedDepositTx:              "TAKER_PUBLISHED_DEPOSIT_TX",
	StateTakerSentDepositTxPublishedMsg:       "TAKER_SENT_DEPOSIT_TX_PUBLISHED_MSG",
	StateOffererReceivedDepositTxPublishedMsg: "OFFERER_RECEIVED_DEPOSIT_TX_PUBLISHED_MSG",
	StateDepositSeenInNetwork:                 "DEPOSIT_SEEN_IN_NETWORK",
	StateFiatPaymentStarted:                   "FIAT_PAYMENT_STARTED",
	StateFiatPaymentStartedMsgSent:            "FIAT_PAYMENT_STARTED_MSG_SENT",
	StateFiatPaymentStartedMsgReceived:        "FIAT_PAYMENT_STARTED_MSG_RECEIVED",
	StateFiatPaymentReceived:                  "FIAT_PAYMENT_RECEIVED",
	StatePayoutTxPublished:                    "PAYOUT_TX_PUBLISHED",
	StatePayoutTxPublishedMsgSent:             "PAYOUT_TX_PUBLISHED_MSG_SENT",
	StatePayoutTxPublishedMsgReceived:         "PAYOUT_TX_PUBLISHED_MSG_RECEIVED",
	StateCompleted:                            "COMPLETED",
	StateMessageSendingFailed:                 "MESSAGE_SENDING_FAILED",
	StateFailed:                               "FAILED",
}

// Phase returns the coarse phase the state belongs to.
func (s TradeState) Phase() TradePhase {
	phase, ok := statePhases[s]
	if !ok {
		return PhaseInit
	}
	return phase
}

func (s TradeState) String() string {
	name, ok := stateNames[s]
	if !ok {
		return "UNDEFINED"
	}
	return name
}

// TradeRole identifies which of the four roles this party plays in a trade.
// Task chains are selected from a lookup table keyed by (message type, role)
// instead of parallel type hierarchies.
type TradeRole int

const (
	OffererAsBuyer TradeRole = iota
	OffererAsSeller
	TakerAsBuyer
	TakerAsSeller
)

func (r TradeRole) IsOfferer() bool {
	return r == OffererAsBuyer || r == OffererAsSeller
}

func (r TradeRole) IsBuyer() bool {
	return r == OffererAsBuyer || r == TakerAsBuyer
}

func (r TradeRole) String() string {
	switch r {
	case OffererAsBuyer:
		return "OFFERER_AS_BUYER"
	case OffererAsSeller:
		return "OFFERER_AS_SELLER"
	case TakerAsBuyer:
		return "TAKER_AS_BUYER"
	case TakerAsSeller:
		return "TAKER_AS_SELLER"
	default:
		return "UNDEFINED"
	}
}
