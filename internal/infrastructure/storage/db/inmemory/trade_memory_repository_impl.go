package inmemory

import (
	"context"
	"sync"

	"github.com/escrownet/escrowd/internal/core/domain"
)

type tradeRepositoryImpl struct {
	mu     sync.RWMutex
	trades map[string]*domain.Trade
}

// NewTradeRepositoryImpl returns an in-memory TradeRepository, used by tests
// and as the default when no datadir is configured.
func NewTradeRepositoryImpl() domain.TradeRepository {
	return &tradeRepositoryImpl{trades: make(map[string]*domain.Trade)}
}

// snapshot stores a copy, so the caller's live aggregate and the repository
// content do not alias each other. Mirrors the serialization boundary of the
// persistent repository.
func snapshot(trade *domain.Trade) *domain.Trade {
	cp := *trade
	return &cp
}

func (t *tradeRepositoryImpl) AddTrade(_ context.Context, trade *domain.Trade) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.trades[trade.ID]; ok {
		return nil
	}
	t.trades[trade.ID] = snapshot(trade)
	return nil
}

func (t *tradeRepositoryImpl) GetTrade(_ context.Context, tradeID string) (*domain.Trade, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	trade, ok := t.trades[tradeID]
	if !ok {
		return nil, domain.ErrTradeNotFound
	}
	return trade, nil
}

func (t *tradeRepositoryImpl) GetAllTrades(_ context.Context) ([]*domain.Trade, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	trades := make([]*domain.Trade, 0, len(t.trades))
	for _, trade := range t.trades {
		trades = append(trades, trade)
	}
	return trades, nil
}

func (t *tradeRepositoryImpl) GetTradesByPhase(
	_ context.Context, phase domain.TradePhase,
) ([]*domain.Trade, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	trades := make([]*domain.Trade, 0)
	for _, trade := range t.trades {
		if trade.Phase() == phase {
			trades = append(trades, trade)
		}
	}
	return trades, nil
}

func (t *tradeRepositoryImpl) UpdateTrade(
	_ context.Context,
	tradeID string,
	updateFn func(t *domain.Trade) (*domain.Trade, error),
) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	currentTrade, ok := t.trades[tradeID]
	if !ok {
		return domain.ErrTradeNotFound
	}
	updatedTrade, err := updateFn(currentTrade)
	if err != nil {
		return err
	}
	t.trades[tradeID] = snapshot(updatedTrade)
	return nil
}

func (t *tradeRepositoryImpl) DeleteTrade(_ context.Context, tradeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.trades[tradeID]; !ok {
		return domain.ErrTradeNotFound
	}
	delete(t.trades, tradeID)
	return nil
}
