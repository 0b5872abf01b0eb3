package application

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func newSignedFilter(
	t *testing.T, key *btcec.PrivateKey, payload *FilterPayload,
) []byte {
	t.Helper()
	sig, err := SignFilterPayload(payload, key)
	require.NoError(t, err)
	return sig
}

func TestApplyFilterBansListedEntries(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	svc, err := NewFilterService(key.PubKey().SerializeCompressed())
	require.NoError(t, err)

	accountHash := []byte("banned-account-payload-hash")
	payload := &FilterPayload{
		BannedPaymentAccountHashes: []string{hex.EncodeToString(accountHash)},
		BannedNodeAddresses:        []string{"evil-node:9735"},
		UpdatedAt:                  100,
	}
	require.NoError(t, svc.ApplyFilter(payload, newSignedFilter(t, key, payload)))

	banned, reason := svc.IsPaymentAccountBanned(accountHash)
	require.True(t, banned)
	require.NotEmpty(t, reason)

	banned, _ = svc.IsNodeBanned("evil-node:9735")
	require.True(t, banned)
	banned, _ = svc.IsNodeBanned("honest-node:9735")
	require.False(t, banned)
	banned, _ = svc.IsPaymentAccountBanned([]byte("other-account"))
	require.False(t, banned)
}

func TestApplyFilterRejectsWrongSigner(t *testing.T) {
	publisherKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	rogueKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	svc, err := NewFilterService(publisherKey.PubKey().SerializeCompressed())
	require.NoError(t, err)

	payload := &FilterPayload{
		BannedNodeAddresses: []string{"evil-node:9735"},
		UpdatedAt:           100,
	}
	err = svc.ApplyFilter(payload, newSignedFilter(t, rogueKey, payload))
	require.ErrorIs(t, err, ErrInvalidFilterSignature)

	// The rogue payload must not have taken effect.
	banned, _ := svc.IsNodeBanned("evil-node:9735")
	require.False(t, banned)
}

func TestApplyFilterDiscardsStalePayload(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	svc, err := NewFilterService(key.PubKey().SerializeCompressed())
	require.NoError(t, err)

	current := &FilterPayload{
		BannedNodeAddresses: []string{"evil-node:9735"},
		UpdatedAt:           200,
	}
	require.NoError(t, svc.ApplyFilter(current, newSignedFilter(t, key, current)))

	// An older, correctly signed payload cannot roll the filter back.
	stale := &FilterPayload{UpdatedAt: 100}
	require.NoError(t, svc.ApplyFilter(stale, newSignedFilter(t, key, stale)))

	banned, _ := svc.IsNodeBanned("evil-node:9735")
	require.True(t, banned)
}

func TestNoopFilterService(t *testing.T) {
	svc := NewNoopFilterService()

	banned, _ := svc.IsNodeBanned("any-node:9735")
	require.False(t, banned)
	banned, _ = svc.IsPaymentAccountBanned([]byte("any-account"))
	require.False(t, banned)

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	payload := &FilterPayload{UpdatedAt: 1}
	require.Error(t, svc.ApplyFilter(payload, newSignedFilter(t, key, payload)))
}
