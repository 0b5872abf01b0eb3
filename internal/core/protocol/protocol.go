// Package protocol implements the trade protocol engine: the per-trade task
// chains negotiating contract, deposit and payout between offerer and taker,
// the ephemeral process model feeding them, and the balance fallback covering
// lost deposit notifications.
package protocol

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
	"github.com/escrownet/escrowd/internal/core/protocol/taskrunner"
)

// TradeProtocol drives one trade through its task chains. All entry points,
// inbound messages, user actions and the balance fallback, serialize on the
// per-trade lock; gateways invoke their callbacks on the calling goroutine so
// a chain runs to rest before the lock is released.
type TradeProtocol struct {
	mu    sync.Mutex
	trade *domain.Trade
	model *ProcessModel

	interceptor taskrunner.Interceptor
}

// NewTradeProtocol binds a trade to its process model and service provider.
func NewTradeProtocol(trade *domain.Trade, model *ProcessModel, provider *Provider) *TradeProtocol {
	p := &TradeProtocol{trade: trade, model: model}
	model.ApplyProvider(provider)
	model.SetLocker(&p.mu)
	return p
}

// Trade exposes the underlying trade aggregate.
func (p *TradeProtocol) Trade() *domain.Trade { return p.trade }

// Model exposes the process model, primarily for inspection in tests.
func (p *TradeProtocol) Model() *ProcessModel { return p.model }

// SetTaskInterceptor installs a pre-task hook applied to every subsequent
// chain. Used by tests to halt execution at a given task.
func (p *TradeProtocol) SetTaskInterceptor(i taskrunner.Interceptor) {
	p.interceptor = i
}

func (p *TradeProtocol) base() taskBase {
	return taskBase{trade: p.trade, model: p.model}
}

// HandleMessage dispatches an inbound message onto the chain registered for
// its type and the trade's role. Redeliveries of the last processed message
// are acknowledged without re-running the chain, so inbound handling stays
// safe under at-least-once delivery.
func (p *TradeProtocol) HandleMessage(msg ports.TradeMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.trade.HasProcessedMessage(msg.GetMessageID()) {
		log.Debugf("trade %s: duplicate message %s ignored", p.trade.ID, msg.GetMessageID())
		p.model.Transport().RemoveMailboxEntry(msg.GetMessageID())
		return nil
	}
	if p.trade.IsTerminal() {
		return fmt.Errorf("%w: trade %s is %s", domain.ErrTradeTerminal, p.trade.ID, p.trade.State)
	}

	chain, err := p.chainFor(msg)
	if err != nil {
		return err
	}
	return p.runChain(msg, chain)
}

// OnTakeOffer starts the taker's side of the handshake: fee payment, the
// take announcement and the deposit contribution exchange.
func (p *TradeProtocol) OnTakeOffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.trade.Role.IsOfferer() {
		return fmt.Errorf("%w: take offer is a taker action", ErrUnexpectedMessage)
	}
	return p.runChain(nil, []taskrunner.Task{
		&VerifyOffererAccount{p.base()},
		&CreateTakeOfferFeeTx{p.base()},
		&SendTakeOfferRequest{p.base()},
		&CreateTakerAddressEntries{p.base()},
		&CreateTakerDepositTxInputs{p.base()},
		&SendPayDepositRequest{p.base()},
	})
}

// OnFiatPaymentStarted is the buyer's confirmation that the off-chain payment
// was initiated.
func (p *TradeProtocol) OnFiatPaymentStarted() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.trade.Role.IsBuyer() {
		return fmt.Errorf("%w: fiat payment started is a buyer action", ErrUnexpectedMessage)
	}
	return p.runChain(nil, []taskrunner.Task{
		&CreateAndSignPayoutTx{p.base()},
		&SendFiatTransferStartedMessage{p.base()},
	})
}

// OnFiatPaymentReceived is the seller's confirmation that the off-chain
// payment arrived; it releases the escrow.
func (p *TradeProtocol) OnFiatPaymentReceived() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.trade.Role.IsBuyer() {
		return fmt.Errorf("%w: fiat payment received is a seller action", ErrUnexpectedMessage)
	}
	return p.runChain(nil, []taskrunner.Task{
		&SignAndPublishPayoutTx{p.base()},
		&SendPayoutTxPublishedMessage{p.base()},
		&CompleteTrade{p.base()},
	})
}

// chainFor resolves the task chain for an inbound message. Each message type
// is valid for exactly one side of the trade; buyer and seller variants share
// the chains wherever the steps do not depend on who pays fiat.
func (p *TradeProtocol) chainFor(msg ports.TradeMessage) ([]taskrunner.Task, error) {
	role := p.trade.Role
	switch msg.(type) {
	case *TakeOfferRequest:
		if !role.IsOfferer() {
			return nil, p.unexpected(msg)
		}
		return []taskrunner.Task{
			&ProcessTakeOfferRequest{p.base()},
			&VerifyTakerAccount{p.base()},
			&VerifyTakeOfferFeePayment{p.base()},
			&ReserveOpenOffer{p.base()},
		}, nil
	case *PayDepositRequest:
		if !role.IsOfferer() {
			return nil, p.unexpected(msg)
		}
		return []taskrunner.Task{
			&ProcessPayDepositRequest{p.base()},
			&CreateAndSignContract{p.base()},
			&CreateOffererDepositTxInputs{p.base()},
			&PrepareDepositTx{p.base()},
			&SetupDepositBalanceListener{p.base()},
			&SendPublishDepositTxRequest{p.base()},
		}, nil
	case *PublishDepositTxRequest:
		if role.IsOfferer() {
			return nil, p.unexpected(msg)
		}
		return []taskrunner.Task{
			&ProcessPublishDepositTxRequest{p.base()},
			&VerifyAndSignContract{p.base()},
			&SignAndPublishDepositTx{p.base()},
			&SendDepositTxPublishedMessage{p.base()},
		}, nil
	case *DepositTxPublishedMessage:
		if !role.IsOfferer() {
			return nil, p.unexpected(msg)
		}
		return []taskrunner.Task{
			&ProcessDepositTxPublishedMessage{p.base()},
		}, nil
	case *FiatTransferStartedMessage:
		if role.IsBuyer() {
			return nil, p.unexpected(msg)
		}
		return []taskrunner.Task{
			&ProcessFiatTransferStartedMessage{p.base()},
		}, nil
	case *PayoutTxPublishedMessage:
		if !role.IsBuyer() {
			return nil, p.unexpected(msg)
		}
		return []taskrunner.Task{
			&ProcessPayoutTxPublishedMessage{p.base()},
			&CompleteTrade{p.base()},
		}, nil
	default:
		return nil, p.unexpected(msg)
	}
}

func (p *TradeProtocol) unexpected(msg ports.TradeMessage) error {
	return fmt.Errorf("%w: %T for role %s", ErrUnexpectedMessage, msg, p.trade.Role)
}

// runChain executes the tasks in sequence under the already held lock. On
// success the inbound message, if any, is recorded for duplicate detection;
// on failure the reason is attached to the trade and the updated state is
// persisted either way.
func (p *TradeProtocol) runChain(msg ports.TradeMessage, tasks []taskrunner.Task) error {
	p.model.TradeMessage = msg

	var chainErr error
	runner := taskrunner.New(
		func() {
			if msg != nil {
				p.trade.MarkMessageProcessed(msg.GetMessageID())
			}
			p.model.Registry().RequestPersistence(p.trade.ID)
		},
		func(err error) {
			chainErr = err
			p.trade.AppendErrorMessage(err.Error())
			p.model.Registry().RequestPersistence(p.trade.ID)
			log.WithError(err).Warnf("trade %s: task chain aborted", p.trade.ID)
		},
		tasks...,
	)
	if p.interceptor != nil {
		runner.SetInterceptor(p.interceptor)
	}
	runner.Start()
	return chainErr
}
