package application

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/escrownet/escrowd/internal/core/domain"
)

// ErrInvalidFilterSignature is thrown when a broadcast filter payload is not
// signed by the pinned publisher key.
var ErrInvalidFilterSignature = errors.New("filter payload signature is invalid")

// FilterPayload is the broadcast ban list. Like the trade contract it is
// signed over its canonical JSON form, so the field order is fixed and no
// map-typed field is allowed.
type FilterPayload struct {
	BannedPaymentAccountHashes []string `json:"bannedPaymentAccountHashes"`
	BannedNodeAddresses        []string `json:"bannedNodeAddresses"`
	UpdatedAt                  int64    `json:"updatedAt"`
}

// Marshal returns the canonical JSON serialization of the payload.
func (p *FilterPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// SignFilterPayload signs the canonical payload bytes with the publisher key.
func SignFilterPayload(p *FilterPayload, key *btcec.PrivateKey) ([]byte, error) {
	buf, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("serializing filter payload: %w", err)
	}
	sig := ecdsa.Sign(key, chainhash.DoubleHashB(buf))
	return sig.Serialize(), nil
}

// FilterService holds the active ban filter and answers the protocol's
// ban checks. Only payloads carrying a valid signature from the pinned
// publisher key are accepted; a newer payload replaces the active one.
type FilterService struct {
	publisherPubKey *btcec.PublicKey

	mu             sync.RWMutex
	active         *FilterPayload
	bannedAccounts map[string]struct{}
	bannedNodes    map[domain.NodeAddress]struct{}
}

// NewFilterService pins the publisher public key (serialized compressed
// form) the broadcast payloads must be signed with.
func NewFilterService(publisherPubKey []byte) (*FilterService, error) {
	pk, err := btcec.ParsePubKey(publisherPubKey)
	if err != nil {
		return nil, fmt.Errorf("parsing filter publisher pubkey: %w", err)
	}
	return &FilterService{
		publisherPubKey: pk,
		bannedAccounts:  make(map[string]struct{}),
		bannedNodes:     make(map[domain.NodeAddress]struct{}),
	}, nil
}

// NewNoopFilterService returns a filter with no pinned publisher key. It
// bans nothing and rejects every payload. Used when no key is configured.
func NewNoopFilterService() *FilterService {
	return &FilterService{
		bannedAccounts: make(map[string]struct{}),
		bannedNodes:    make(map[domain.NodeAddress]struct{}),
	}
}

// ApplyFilter verifies and activates a broadcast filter payload. Payloads
// older than the active one are discarded.
func (s *FilterService) ApplyFilter(payload *FilterPayload, signature []byte) error {
	if s.publisherPubKey == nil {
		return errors.New("no filter publisher key pinned")
	}
	buf, err := payload.Marshal()
	if err != nil {
		return fmt.Errorf("serializing filter payload: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return fmt.Errorf("parsing filter signature: %w", err)
	}
	if !sig.Verify(chainhash.DoubleHashB(buf), s.publisherPubKey) {
		return ErrInvalidFilterSignature
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && payload.UpdatedAt <= s.active.UpdatedAt {
		return nil
	}

	accounts := make(map[string]struct{}, len(payload.BannedPaymentAccountHashes))
	for _, h := range payload.BannedPaymentAccountHashes {
		accounts[h] = struct{}{}
	}
	nodes := make(map[domain.NodeAddress]struct{}, len(payload.BannedNodeAddresses))
	for _, addr := range payload.BannedNodeAddresses {
		nodes[domain.NodeAddress(addr)] = struct{}{}
	}
	s.active = payload
	s.bannedAccounts = accounts
	s.bannedNodes = nodes
	log.Infof(
		"filter updated: %d banned accounts, %d banned nodes",
		len(accounts), len(nodes),
	)
	return nil
}

// IsPaymentAccountBanned matches the hash of a payment-account payload
// against the active filter.
func (s *FilterService) IsPaymentAccountBanned(hash []byte) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.bannedAccounts[hex.EncodeToString(hash)]; ok {
		return true, "payment account is listed in the active filter"
	}
	return false, ""
}

// IsNodeBanned matches a node address against the active filter.
func (s *FilterService) IsNodeBanned(addr domain.NodeAddress) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.bannedNodes[addr]; ok {
		return true, fmt.Sprintf("node %s is listed in the active filter", addr)
	}
	return false, ""
}
