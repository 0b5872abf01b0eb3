package application

import (
	"context"
	"fmt"

	"sync"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
	"github.com/escrownet/escrowd/internal/core/protocol"
)

// TradeManager creates trades, routes inbound protocol messages to the
// per-trade protocol instance and owns persistence of the trade aggregates.
// It implements the protocol's TradeRegistry callback surface.
type TradeManager struct {
	tradeRepo domain.TradeRepository
	offers    *OpenOfferManager
	wallet    ports.WalletGateway
	transport ports.TransportGateway
	priceFeed ports.PriceFeed
	filter    protocol.BanFilter
	keyRing   *protocol.KeyRing

	accountID      string
	paymentAccount domain.PaymentAccountPayload

	mu     sync.Mutex
	active map[string]*protocol.TradeProtocol
}

// NewTradeManager wires the manager to its collaborators and subscribes it
// to the transport's inbound dispatch.
func NewTradeManager(
	tradeRepo domain.TradeRepository,
	offers *OpenOfferManager,
	wallet ports.WalletGateway,
	transport ports.TransportGateway,
	priceFeed ports.PriceFeed,
	filter protocol.BanFilter,
	keyRing *protocol.KeyRing,
	accountID string,
	paymentAccount domain.PaymentAccountPayload,
) *TradeManager {
	m := &TradeManager{
		tradeRepo:      tradeRepo,
		offers:         offers,
		wallet:         wallet,
		transport:      transport,
		priceFeed:      priceFeed,
		filter:         filter,
		keyRing:        keyRing,
		accountID:      accountID,
		paymentAccount: paymentAccount,
		active:         make(map[string]*protocol.TradeProtocol),
	}
	transport.RegisterHandler(m.onMessage)
	return m
}

func (m *TradeManager) provider() *protocol.Provider {
	return &protocol.Provider{
		Wallet:    m.wallet,
		Transport: m.transport,
		PriceFeed: m.priceFeed,
		Filter:    m.filter,
		Offers:    m.offers,
		Registry:  m,
		KeyRing:   m.keyRing,
	}
}

func (m *TradeManager) newProtocol(trade *domain.Trade, offer *domain.Offer) *protocol.TradeProtocol {
	model := protocol.NewProcessModel(trade.ID, m.accountID, m.paymentAccount)
	model.Offer = offer
	p := protocol.NewTradeProtocol(trade, model, m.provider())
	m.mu.Lock()
	m.active[trade.ID] = p
	m.mu.Unlock()
	return p
}

func (m *TradeManager) getProtocol(tradeID string) (*protocol.TradeProtocol, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[tradeID]
	return p, ok
}

// takerRole derives this party's role when taking an offer: the taker is the
// counterparty of the offer's direction.
func takerRole(direction domain.OfferDirection) domain.TradeRole {
	if direction == domain.OfferSell {
		return domain.TakerAsBuyer
	}
	return domain.TakerAsSeller
}

func offererRole(direction domain.OfferDirection) domain.TradeRole {
	if direction == domain.OfferSell {
		return domain.OffererAsSeller
	}
	return domain.OffererAsBuyer
}

// TakeOffer creates the taker-side trade for an offer known from the book
// and starts the handshake.
func (m *TradeManager) TakeOffer(
	ctx context.Context, offer *domain.Offer, amount uint64, price decimal.Decimal,
) (*domain.Trade, error) {
	if err := offer.ValidateTakeAmount(amount); err != nil {
		return nil, err
	}
	if _, exists := m.getProtocol(offer.ID); exists {
		return nil, fmt.Errorf("trade %s already in progress", offer.ID)
	}

	trade := domain.NewTrade(offer.ID, takerRole(offer.Direction), amount, price)
	trade.SecurityDeposit = offer.SecurityDeposit
	trade.CurrencyCode = offer.CurrencyCode
	trade.PaymentMethod = offer.PaymentMethod
	trade.PeerAddress = offer.OffererNodeAddress

	if err := m.tradeRepo.AddTrade(ctx, trade); err != nil {
		return nil, err
	}
	p := m.newProtocol(trade, offer)
	if err := p.OnTakeOffer(); err != nil {
		return trade, err
	}
	return trade, nil
}

// ConfirmFiatPaymentStarted is the buyer's user action after initiating the
// off-chain payment.
func (m *TradeManager) ConfirmFiatPaymentStarted(tradeID string) error {
	p, ok := m.getProtocol(tradeID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTradeNotFound, tradeID)
	}
	return p.OnFiatPaymentStarted()
}

// ConfirmFiatPaymentReceived is the seller's user action after the off-chain
// payment arrived; it releases the escrow.
func (m *TradeManager) ConfirmFiatPaymentReceived(tradeID string) error {
	p, ok := m.getProtocol(tradeID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTradeNotFound, tradeID)
	}
	return p.OnFiatPaymentReceived()
}

// GetTrade returns the persisted trade with the given id.
func (m *TradeManager) GetTrade(ctx context.Context, tradeID string) (*domain.Trade, error) {
	return m.tradeRepo.GetTrade(ctx, tradeID)
}

// ListTrades returns all trades stored in the repository.
func (m *TradeManager) ListTrades(ctx context.Context) ([]*domain.Trade, error) {
	return m.tradeRepo.GetAllTrades(ctx)
}

// ListFailedTrades returns the trades evicted by a terminal failure.
func (m *TradeManager) ListFailedTrades(ctx context.Context) ([]*domain.Trade, error) {
	return m.tradeRepo.GetTradesByPhase(ctx, domain.PhaseFailed)
}

// RequestPersistence writes the in-memory trade aggregate through to the
// repository. Implements protocol.TradeRegistry.
func (m *TradeManager) RequestPersistence(tradeID string) {
	p, ok := m.getProtocol(tradeID)
	if !ok {
		return
	}
	err := m.tradeRepo.UpdateTrade(
		context.Background(), tradeID,
		func(*domain.Trade) (*domain.Trade, error) {
			return p.Trade(), nil
		},
	)
	if err != nil {
		log.WithError(err).Errorf("persisting trade %s", tradeID)
	}
}

// AddTradeToFailedTrades marks the trade failed, persists it and retires its
// protocol instance. Implements protocol.TradeRegistry.
func (m *TradeManager) AddTradeToFailedTrades(ctx context.Context, tradeID string) error {
	p, ok := m.getProtocol(tradeID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTradeNotFound, tradeID)
	}
	trade := p.Trade()
	trade.Fail("evicted to failed trades")

	err := m.tradeRepo.UpdateTrade(ctx, tradeID, func(*domain.Trade) (*domain.Trade, error) {
		return trade, nil
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.active, tradeID)
	m.mu.Unlock()
	log.Warnf("trade %s moved to failed trades", tradeID)
	return nil
}

// RestorePendingTrades recreates protocol instances for non-terminal trades
// found in the repository at startup.
func (m *TradeManager) RestorePendingTrades(ctx context.Context) error {
	trades, err := m.tradeRepo.GetAllTrades(ctx)
	if err != nil {
		return err
	}
	for _, trade := range trades {
		if trade.IsTerminal() {
			continue
		}
		if _, exists := m.getProtocol(trade.ID); exists {
			continue
		}
		offer, err := m.offers.GetOffer(ctx, trade.ID)
		if err != nil {
			log.WithError(err).Warnf("restoring trade %s without its offer", trade.ID)
			offer = nil
		}
		m.newProtocol(trade, offer)
		log.Infof("restored pending trade %s in state %s", trade.ID, trade.State)
	}
	return nil
}

// onMessage is the transport dispatch entry. A TakeOfferRequest for one of
// this node's open offers lazily creates the offerer-side trade; any other
// message must match a known trade.
func (m *TradeManager) onMessage(msg ports.TradeMessage, sender domain.NodeAddress) {
	p, ok := m.getProtocol(msg.GetTradeID())
	if !ok {
		if _, isTake := msg.(*protocol.TakeOfferRequest); !isTake {
			log.Warnf("message %T for unknown trade %s from %s dropped", msg, msg.GetTradeID(), sender)
			return
		}
		created, err := m.createOffererTrade(context.Background(), msg.GetTradeID(), sender)
		if err != nil {
			log.WithError(err).Warnf("rejecting take of offer %s", msg.GetTradeID())
			return
		}
		p = created
	}
	if err := p.HandleMessage(msg); err != nil {
		log.WithError(err).Warnf("trade %s: handling %T", msg.GetTradeID(), msg)
	}
}

func (m *TradeManager) createOffererTrade(
	ctx context.Context, offerID string, taker domain.NodeAddress,
) (*protocol.TradeProtocol, error) {
	offer, err := m.offers.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.State != domain.OfferStateOpen {
		return nil, domain.ErrOfferNotOpen
	}

	trade := domain.NewTrade(offer.ID, offererRole(offer.Direction), offer.Amount, offer.Price)
	trade.SecurityDeposit = offer.SecurityDeposit
	trade.CurrencyCode = offer.CurrencyCode
	trade.PaymentMethod = offer.PaymentMethod
	trade.PeerAddress = taker

	if err := m.tradeRepo.AddTrade(ctx, trade); err != nil {
		return nil, err
	}
	return m.newProtocol(trade, offer), nil
}
