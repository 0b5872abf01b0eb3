package protocol

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
)

// setupDepositBalanceListener installs the balance fallback for a lost
// deposit-published notification. Once the offerer's reserved funds leave the
// dedicated address the deposit transaction must have been broadcast, so the
// trade is advanced as if the message had arrived. The fallback fires at most
// once and stands down as soon as the real acknowledgement is seen.
func setupDepositBalanceListener(trade *domain.Trade, model *ProcessModel) error {
	entry, err := model.Wallet().GetOrCreateAddressEntry(trade.ID, ports.AddressContextReservedFunds)
	if err != nil {
		return err
	}

	l := &depositBalanceListener{trade: trade, model: model}
	l.unsubscribe = model.Wallet().SubscribeBalance(entry.Address, l.onBalanceChanged)
	return nil
}

type depositBalanceListener struct {
	trade *domain.Trade
	model *ProcessModel

	mu          sync.Mutex
	unsubscribe func()
	stopped     bool
}

func (l *depositBalanceListener) stop() {
	l.mu.Lock()
	unsub := l.unsubscribe
	l.stopped = true
	l.unsubscribe = nil
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (l *depositBalanceListener) onBalanceChanged(balance uint64) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	locker := l.model.Locker()
	locker.Lock()
	defer locker.Unlock()

	switch l.trade.State {
	case domain.StateOffererReceivedDepositTxPublishedMsg,
		domain.StateTakerSentDepositTxPublishedMsg,
		domain.StateDepositSeenInNetwork:
		// Acknowledged through the regular channel, the fallback is obsolete.
		l.stop()
		return
	}
	if l.trade.IsTerminal() || l.trade.Phase() > domain.PhaseDepositPublished {
		l.stop()
		return
	}
	if balance != 0 {
		return
	}

	// Reserved funds moved: the deposit tx is in the network even though the
	// published notification never arrived.
	phaseBefore := l.trade.Phase()
	if err := l.trade.DepositSeenInNetwork(); err != nil {
		log.WithError(err).Warnf("balance fallback for trade %s", l.trade.ID)
		return
	}
	log.Infof("trade %s: deposit detected via balance fallback", l.trade.ID)

	if l.trade.Role.IsOfferer() {
		if err := l.model.Offers().CloseOpenOffer(context.Background(), l.trade.ID); err != nil {
			log.WithError(err).Warnf("closing open offer %s after balance fallback", l.trade.ID)
		}
	}
	if phaseBefore < domain.PhaseDepositRequested {
		// The handshake never got far enough to trust the counterparty data,
		// hand the trade over for manual inspection.
		if err := l.model.Registry().AddTradeToFailedTrades(context.Background(), l.trade.ID); err != nil {
			log.WithError(err).Warnf("moving trade %s to failed trades", l.trade.ID)
		}
	}
	l.model.Registry().RequestPersistence(l.trade.ID)
	l.stop()
}
