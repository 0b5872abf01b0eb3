package dbbadger

import (
	"context"
	"sync"

	"github.com/timshannon/badgerhold/v4"

	"github.com/escrownet/escrowd/internal/core/domain"
)

type tradeRepositoryImpl struct {
	db *DbManager

	// serializes read-modify-write cycles across UpdateTrade callers
	mu sync.Mutex
}

// NewTradeRepositoryImpl returns a badger-backed TradeRepository.
func NewTradeRepositoryImpl(db *DbManager) domain.TradeRepository {
	return &tradeRepositoryImpl{db: db}
}

func (t *tradeRepositoryImpl) AddTrade(_ context.Context, trade *domain.Trade) error {
	err := t.db.TradeStore.Insert(trade.ID, trade)
	if err == badgerhold.ErrKeyExists {
		return nil
	}
	return err
}

func (t *tradeRepositoryImpl) GetTrade(_ context.Context, tradeID string) (*domain.Trade, error) {
	return t.getTrade(tradeID)
}

func (t *tradeRepositoryImpl) GetAllTrades(_ context.Context) ([]*domain.Trade, error) {
	return t.findTrades(nil)
}

func (t *tradeRepositoryImpl) GetTradesByPhase(
	_ context.Context, phase domain.TradePhase,
) ([]*domain.Trade, error) {
	trades, err := t.findTrades(nil)
	if err != nil {
		return nil, err
	}
	filtered := make([]*domain.Trade, 0, len(trades))
	for _, trade := range trades {
		if trade.Phase() == phase {
			filtered = append(filtered, trade)
		}
	}
	return filtered, nil
}

func (t *tradeRepositoryImpl) UpdateTrade(
	_ context.Context,
	tradeID string,
	updateFn func(t *domain.Trade) (*domain.Trade, error),
) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	currentTrade, err := t.getTrade(tradeID)
	if err != nil {
		return err
	}

	updatedTrade, err := updateFn(currentTrade)
	if err != nil {
		return err
	}

	return t.db.TradeStore.Update(tradeID, updatedTrade)
}

func (t *tradeRepositoryImpl) DeleteTrade(_ context.Context, tradeID string) error {
	err := t.db.TradeStore.Delete(tradeID, &domain.Trade{})
	if isNotFound(err) {
		return domain.ErrTradeNotFound
	}
	return err
}

func (t *tradeRepositoryImpl) getTrade(tradeID string) (*domain.Trade, error) {
	var trade domain.Trade
	if err := t.db.TradeStore.Get(tradeID, &trade); err != nil {
		if isNotFound(err) {
			return nil, domain.ErrTradeNotFound
		}
		return nil, err
	}
	return &trade, nil
}

func (t *tradeRepositoryImpl) findTrades(query *badgerhold.Query) ([]*domain.Trade, error) {
	var trades []domain.Trade
	if err := t.db.TradeStore.Find(&trades, query); err != nil {
		return nil, err
	}
	result := make([]*domain.Trade, 0, len(trades))
	for i := range trades {
		result = append(result, &trades[i])
	}
	return result, nil
}
