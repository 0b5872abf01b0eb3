package domain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	json "github.com/goccy/go-json"
)

// PaymentAccountPayload carries the off-chain payment details one party
// exposes to the counterparty during the handshake. It travels inside
// protocol messages and is embedded in the contract.
type PaymentAccountPayload struct {
	ID            string `json:"id"`
	PaymentMethod string `json:"paymentMethod"`
	CountryCode   string `json:"countryCode"`
	HolderName    string `json:"holderName"`
	AccountNr     string `json:"accountNr"`
}

// IsEmpty reports whether the payload misses the fields required to receive
// a payment.
func (p PaymentAccountPayload) IsEmpty() bool {
	return p.ID == "" || p.PaymentMethod == "" || p.AccountNr == ""
}

// Hash returns the double-SHA256 of the canonical serialization, used by the
// ban filter to match blacklisted accounts without comparing raw details.
func (p PaymentAccountPayload) Hash() ([]byte, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("serializing payment account: %w", err)
	}
	return chainhash.DoubleHashB(buf), nil
}
