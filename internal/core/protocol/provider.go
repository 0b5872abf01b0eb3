package protocol

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
)

// KeyRing holds this party's signature key. The serialized compressed public
// key doubles as the pubkey ring exchanged with the counterparty and pinned
// inside the contract.
type KeyRing struct {
	signingKey *btcec.PrivateKey
}

// NewKeyRing wraps an existing signing key.
func NewKeyRing(key *btcec.PrivateKey) *KeyRing {
	return &KeyRing{signingKey: key}
}

// GenerateKeyRing creates a key ring with a fresh signing key.
func GenerateKeyRing() (*KeyRing, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeyRing{signingKey: key}, nil
}

// SigningKey returns the private signature key.
func (k *KeyRing) SigningKey() *btcec.PrivateKey {
	return k.signingKey
}

// PubKeyRing returns the serialized compressed public key.
func (k *KeyRing) PubKeyRing() []byte {
	return k.signingKey.PubKey().SerializeCompressed()
}

// BanFilter is consulted before accepting counterparty data. Implementations
// are fed from developer-signed broadcast filter payloads.
type BanFilter interface {
	// IsPaymentAccountBanned matches the hash of a payment-account payload
	// against the active filter, returning a human-readable reason on match.
	IsPaymentAccountBanned(hash []byte) (bool, string)
	// IsNodeBanned matches a node address against the active filter.
	IsNodeBanned(addr domain.NodeAddress) (bool, string)
}

// OfferService is the open-offer collaborator consumed by protocol tasks.
type OfferService interface {
	// ReserveOpenOffer marks the offer as taken so it stops matching.
	ReserveOpenOffer(ctx context.Context, offerID string) error
	// CloseOpenOffer removes the offer from the open set for good.
	CloseOpenOffer(ctx context.Context, offerID string) error
	// ReopenOffer returns a reserved offer to the open set after an aborted
	// handshake.
	ReopenOffer(ctx context.Context, offerID string) error
}

// TradeRegistry is the trade-manager surface the protocol calls back into.
type TradeRegistry interface {
	// RequestPersistence asks the manager to persist the trade's current
	// in-memory state.
	RequestPersistence(tradeID string)
	// AddTradeToFailedTrades evicts the trade into the failed collection.
	AddTradeToFailedTrades(ctx context.Context, tradeID string) error
}

// Provider bundles the weak references to the domain services the protocol
// depends on. It is injected once into the process model when all dependent
// services are ready; the model never owns any of them.
type Provider struct {
	Wallet    ports.WalletGateway
	Transport ports.TransportGateway
	PriceFeed ports.PriceFeed
	Filter    BanFilter
	Offers    OfferService
	Registry  TradeRegistry
	KeyRing   *KeyRing
}
