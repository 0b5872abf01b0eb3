package domain

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	json "github.com/goccy/go-json"
)

// Contract is the immutable value both parties sign once the handshake data
// is complete. Its canonical JSON form is the exact byte sequence both
// signatures are computed over, so serialization must be deterministic and
// stable across versions: fields are encoded in declaration order and no
// map-typed field is allowed here.
type Contract struct {
	OfferID          string          `json:"offerId"`
	TradeAmount      uint64          `json:"tradeAmount"`
	TradePrice       string          `json:"tradePrice"`
	SecurityDeposit  uint64          `json:"securityDeposit"`
	CurrencyCode     string          `json:"currencyCode"`
	PaymentMethod    string          `json:"paymentMethod"`
	TakeOfferFeeTxID string          `json:"takeOfferFeeTxId"`
	ArbitratorPubKey []byte          `json:"arbitratorPubKey,omitempty"`

	OffererNodeAddress NodeAddress `json:"offererNodeAddress"`
	TakerNodeAddress   NodeAddress `json:"takerNodeAddress"`

	OffererAccountID string `json:"offererAccountId"`
	TakerAccountID   string `json:"takerAccountId"`

	OffererPaymentAccount PaymentAccountPayload `json:"offererPaymentAccount"`
	TakerPaymentAccount   PaymentAccountPayload `json:"takerPaymentAccount"`

	OffererPubKeyRing []byte `json:"offererPubKeyRing"`
	TakerPubKeyRing   []byte `json:"takerPubKeyRing"`

	OffererMultiSigPubKey []byte `json:"offererMultiSigPubKey"`
	TakerMultiSigPubKey   []byte `json:"takerMultiSigPubKey"`

	OffererPayoutAddress string `json:"offererPayoutAddress"`
	TakerPayoutAddress   string `json:"takerPayoutAddress"`
}

// Marshal returns the canonical JSON serialization of the contract.
func (c *Contract) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Hash returns the double-SHA256 of the canonical serialization.
func (c *Contract) Hash() ([]byte, error) {
	buf, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	return chainhash.DoubleHashB(buf), nil
}

// Equal compares two contracts by their canonical bytes.
func (c *Contract) Equal(other *Contract) bool {
	if other == nil {
		return false
	}
	a, errA := c.Marshal()
	b, errB := other.Marshal()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// SignContract signs the canonical contract bytes with the given key and
// returns the canonical JSON and the DER-encoded signature.
func SignContract(c *Contract, key *btcec.PrivateKey) (contractJSON, signature []byte, err error) {
	contractJSON, err = c.Marshal()
	if err != nil {
		return nil, nil, fmt.Errorf("serializing contract: %w", err)
	}
	sig := ecdsa.Sign(key, chainhash.DoubleHashB(contractJSON))
	return contractJSON, sig.Serialize(), nil
}

// VerifyContractSignature checks the DER signature against the canonical
// contract bytes and the serialized compressed public key.
func VerifyContractSignature(contractJSON, signature, pubKey []byte) error {
	pk, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return fmt.Errorf("parsing signer pubkey: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return fmt.Errorf("parsing contract signature: %w", err)
	}
	if !sig.Verify(chainhash.DoubleHashB(contractJSON), pk) {
		return ErrInvalidContractSignature
	}
	return nil
}
