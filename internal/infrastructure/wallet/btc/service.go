// Package btcwallet implements the trade wallet gateway on top of btcd
// primitives: per-trade address entries, 2-of-2 multisig escrow scripts,
// deposit and payout transaction construction and signing, and per-address
// balance notification driven by observed network transactions.
package btcwallet

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/escrownet/escrowd/internal/core/ports"
)

var (
	// ErrInsufficientFunds is returned when coin selection cannot cover the
	// requested amount.
	ErrInsufficientFunds = errors.New("insufficient wallet funds")
	// ErrAddressEntryNotFound is returned for lookups of entries that were
	// never created.
	ErrAddressEntryNotFound = errors.New("address entry not found")
)

// flat miner fee charged per transaction this wallet builds
const txFee = 1_000

// Broadcaster publishes raw transactions to the Bitcoin network.
type Broadcaster interface {
	Broadcast(rawTx []byte) (txID string, err error)
}

type utxo struct {
	outPoint wire.OutPoint
	value    uint64
	pkScript []byte
	parent   []byte
	// address is the balance-tracking label; it moves to the trade's
	// reserved-funds address once the coin is reserved. key stays the
	// original spending key.
	address  string
	key      *btcec.PrivateKey
	reserved bool
}

type addressEntry struct {
	ports.AddressEntry
	key *btcec.PrivateKey
}

// Service is the btcd-based wallet gateway.
type Service struct {
	params      *chaincfg.Params
	broadcaster Broadcaster
	feeAddress  string
	feeAmount   uint64

	mu       sync.Mutex
	entries  map[string]*addressEntry
	keys     map[string]*btcec.PrivateKey
	utxos    []*utxo
	seenTxs  map[string]struct{}
	subs     map[string]map[int]func(uint64)
	nextSub  int
	balances map[string]uint64
}

var _ ports.WalletGateway = (*Service)(nil)

// NewService returns a wallet for the given network. The fee address and
// amount parametrize the take-offer fee payment.
func NewService(
	params *chaincfg.Params, broadcaster Broadcaster,
	feeAddress string, feeAmount uint64,
) *Service {
	return &Service{
		params:      params,
		broadcaster: broadcaster,
		feeAddress:  feeAddress,
		feeAmount:   feeAmount,
		entries:     make(map[string]*addressEntry),
		keys:        make(map[string]*btcec.PrivateKey),
		seenTxs:     make(map[string]struct{}),
		subs:        make(map[string]map[int]func(uint64)),
		balances:    make(map[string]uint64),
	}
}

func entryKey(tradeID string, ctx ports.AddressContext) string {
	return tradeID + "/" + string(ctx)
}

func (s *Service) newAddress() (string, *btcec.PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return "", nil, err
	}
	pubKeyHash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, s.params)
	if err != nil {
		return "", nil, err
	}
	return addr.EncodeAddress(), key, nil
}

// GetOrCreateAddressEntry returns the dedicated entry for the trade and
// context, deriving a fresh key and address on first use.
func (s *Service) GetOrCreateAddressEntry(
	tradeID string, ctx ports.AddressContext,
) (ports.AddressEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(tradeID, ctx)
	if entry, ok := s.entries[key]; ok {
		return entry.AddressEntry, nil
	}

	address, priv, err := s.newAddress()
	if err != nil {
		return ports.AddressEntry{}, fmt.Errorf("deriving address: %w", err)
	}
	entry := &addressEntry{
		AddressEntry: ports.AddressEntry{
			TradeID: tradeID,
			Context: ctx,
			Address: address,
			PubKey:  priv.PubKey().SerializeCompressed(),
		},
		key: priv,
	}
	s.entries[key] = entry
	s.keys[address] = priv
	return entry.AddressEntry, nil
}

// GetAddressEntry returns the entry if it exists.
func (s *Service) GetAddressEntry(
	tradeID string, ctx ports.AddressContext,
) (ports.AddressEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryKey(tradeID, ctx)]
	if !ok {
		return ports.AddressEntry{}, false
	}
	return entry.AddressEntry, true
}

// ReceiveFunds credits the wallet with a synthetic funding output. Used by
// tests and regtest simulations in place of a chain sync.
func (s *Service) ReceiveFunds(value uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address, key, err := s.newAddress()
	if err != nil {
		return "", err
	}
	s.keys[address] = key

	pkScript, err := payToAddrScript(address, s.params)
	if err != nil {
		return "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: ^uint32(0)}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(value), pkScript))

	rawTx, err := serializeTx(tx)
	if err != nil {
		return "", err
	}
	txHash := tx.TxHash()
	s.utxos = append(s.utxos, &utxo{
		outPoint: wire.OutPoint{Hash: txHash, Index: 0},
		value:    value,
		pkScript: pkScript,
		parent:   rawTx,
		address:  address,
		key:      key,
	})
	s.creditLocked(address, value)
	return txHash.String(), nil
}

// selectUtxos reserves unspent outputs covering the amount. Accumulate-first
// selection; dedicated coin selection policy is out of scope.
func (s *Service) selectUtxos(amount uint64) ([]*utxo, uint64, error) {
	var selected []*utxo
	var total uint64
	for _, u := range s.utxos {
		if u.reserved {
			continue
		}
		selected = append(selected, u)
		total += u.value
		if total >= amount {
			break
		}
	}
	if total < amount {
		return nil, 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, total, amount)
	}
	for _, u := range selected {
		u.reserved = true
	}
	return selected, total, nil
}

// PayTakeOfferFee builds, signs and broadcasts the take-offer fee payment.
func (s *Service) PayTakeOfferFee(tradeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	selected, total, err := s.selectUtxos(s.feeAmount + txFee)
	if err != nil {
		return "", err
	}

	feeScript, err := payToAddrScript(s.feeAddress, s.params)
	if err != nil {
		return "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range selected {
		tx.AddTxIn(wire.NewTxIn(&u.outPoint, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(int64(s.feeAmount), feeScript))
	if change := total - s.feeAmount - txFee; change > 0 {
		changeAddress, changeKey, err := s.newAddress()
		if err != nil {
			return "", err
		}
		s.keys[changeAddress] = changeKey
		changeScript, err := payToAddrScript(changeAddress, s.params)
		if err != nil {
			return "", err
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	for i, u := range selected {
		sigScript, err := txscript.SignatureScript(
			tx, i, u.pkScript, txscript.SigHashAll, u.key, true,
		)
		if err != nil {
			return "", fmt.Errorf("signing fee tx input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	rawTx, err := serializeTx(tx)
	if err != nil {
		return "", err
	}
	txID, err := s.broadcaster.Broadcast(rawTx)
	if err != nil {
		return "", fmt.Errorf("broadcasting fee tx: %w", err)
	}
	s.applyTxLocked(tx, rawTx)
	log.Debugf("trade %s: take offer fee paid with tx %s", tradeID, txID)
	return txID, nil
}

// CreateDepositTxInputs selects and reserves wallet funds covering this
// party's side of the deposit. The change, if any, returns to a fresh
// address of this wallet.
func (s *Service) CreateDepositTxInputs(
	tradeID string, amount uint64,
) (*ports.DepositTxInputs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	selected, total, err := s.selectUtxos(amount + txFee)
	if err != nil {
		return nil, err
	}

	inputs := make([]ports.RawTransactionInput, 0, len(selected))
	for _, u := range selected {
		inputs = append(inputs, ports.RawTransactionInput{
			ParentTransaction: u.parent,
			Index:             u.outPoint.Index,
			Value:             u.value,
		})
	}

	result := &ports.DepositTxInputs{RawInputs: inputs}
	if change := total - amount - txFee; change > 0 {
		changeAddress, changeKey, err := s.newAddress()
		if err != nil {
			return nil, err
		}
		s.keys[changeAddress] = changeKey
		result.ChangeOutputValue = change
		result.ChangeOutputAddress = changeAddress
	}

	// Tie the reserved coins to the trade so the balance fallback can watch
	// them leaving the wallet.
	entry, ok := s.entries[entryKey(tradeID, ports.AddressContextReservedFunds)]
	if !ok {
		address, key, err := s.newAddress()
		if err != nil {
			return nil, err
		}
		entry = &addressEntry{
			AddressEntry: ports.AddressEntry{
				TradeID: tradeID,
				Context: ports.AddressContextReservedFunds,
				Address: address,
				PubKey:  key.PubKey().SerializeCompressed(),
			},
			key: key,
		}
		s.entries[entryKey(tradeID, ports.AddressContextReservedFunds)] = entry
		s.keys[address] = key
	}
	var reservedTotal uint64
	for _, u := range selected {
		u.address = entry.Address
		reservedTotal += u.value
	}
	s.setBalanceLocked(entry.Address, reservedTotal)

	return result, nil
}

// buildDepositTx assembles the unsigned deposit transaction: both parties'
// inputs in offerer-then-taker order, the multisig escrow output first, then
// the change outputs.
func (s *Service) buildDepositTx(params ports.DepositTxParams) (*wire.MsgTx, []byte, error) {
	redeemScript, err := MultiSigRedeemScript(params.OffererMultiSigPubKey, params.TakerMultiSigPubKey)
	if err != nil {
		return nil, nil, err
	}
	scriptAddr, err := btcutil.NewAddressScriptHash(redeemScript, s.params)
	if err != nil {
		return nil, nil, err
	}
	escrowScript, err := txscript.PayToAddrScript(scriptAddr)
	if err != nil {
		return nil, nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range append(
		append([]ports.RawTransactionInput{}, params.OffererInputs...),
		params.TakerInputs...,
	) {
		outPoint, err := inputOutPoint(in)
		if err != nil {
			return nil, nil, err
		}
		tx.AddTxIn(wire.NewTxIn(outPoint, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(int64(params.EscrowAmount), escrowScript))

	for _, change := range []struct {
		value   uint64
		address string
	}{
		{params.OffererChangeOutputValue, params.OffererChangeOutputAddress},
		{params.TakerChangeOutputValue, params.TakerChangeOutputAddress},
	} {
		if change.value == 0 || change.address == "" {
			continue
		}
		script, err := payToAddrScript(change.address, s.params)
		if err != nil {
			return nil, nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(change.value), script))
	}
	return tx, redeemScript, nil
}

// signOwnedInputs attaches signature scripts for every input this wallet
// holds the key for, leaving foreign inputs untouched.
func (s *Service) signOwnedInputs(tx *wire.MsgTx) error {
	for i, txIn := range tx.TxIn {
		if len(txIn.SignatureScript) > 0 {
			continue
		}
		u := s.findUtxo(txIn.PreviousOutPoint)
		if u == nil || u.key == nil {
			continue
		}
		sigScript, err := txscript.SignatureScript(
			tx, i, u.pkScript, txscript.SigHashAll, u.key, true,
		)
		if err != nil {
			return fmt.Errorf("signing deposit input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}
	return nil
}

func (s *Service) findUtxo(outPoint wire.OutPoint) *utxo {
	for _, u := range s.utxos {
		if u.outPoint == outPoint {
			return u
		}
	}
	return nil
}

// PrepareDepositTx builds the deposit transaction and signs this party's
// inputs, returning the partially signed serialization.
func (s *Service) PrepareDepositTx(
	_ string, params ports.DepositTxParams,
) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, _, err := s.buildDepositTx(params)
	if err != nil {
		return nil, fmt.Errorf("building deposit tx: %w", err)
	}
	if err := s.signOwnedInputs(tx); err != nil {
		return nil, err
	}
	return serializeTx(tx)
}

// SignAndPublishDepositTx finishes the partially signed deposit transaction
// with this party's signatures and broadcasts it.
func (s *Service) SignAndPublishDepositTx(
	tradeID string, preparedTx []byte, _ ports.DepositTxParams, cb ports.TxCallback,
) {
	s.mu.Lock()

	tx, err := deserializeTx(preparedTx)
	if err != nil {
		s.mu.Unlock()
		cb(nil, fmt.Errorf("decoding prepared deposit tx: %w", err))
		return
	}
	if err := s.signOwnedInputs(tx); err != nil {
		s.mu.Unlock()
		cb(nil, err)
		return
	}
	rawTx, err := serializeTx(tx)
	if err != nil {
		s.mu.Unlock()
		cb(nil, err)
		return
	}
	s.mu.Unlock()

	txID, err := s.broadcaster.Broadcast(rawTx)
	if err != nil {
		cb(nil, fmt.Errorf("broadcasting deposit tx: %w", err))
		return
	}

	s.mu.Lock()
	if s.applyTxLocked(tx, rawTx) {
		s.registerEscrowOutput(tradeID, tx)
	}
	s.mu.Unlock()

	cb(&ports.TxResult{TxID: txID, RawTx: rawTx}, nil)
}

// registerEscrowOutput tracks the multisig output so the payout can spend it.
func (s *Service) registerEscrowOutput(tradeID string, tx *wire.MsgTx) {
	if len(tx.TxOut) == 0 {
		return
	}
	entry, ok := s.entries[entryKey(tradeID, ports.AddressContextMultiSig)]
	address := ""
	if ok {
		address = entry.Address
	}
	s.utxos = append(s.utxos, &utxo{
		outPoint: wire.OutPoint{Hash: tx.TxHash(), Index: 0},
		value:    uint64(tx.TxOut[0].Value),
		pkScript: tx.TxOut[0].PkScript,
		address:  address,
		reserved: true,
	})
}

// buildPayoutTx assembles the payout transaction spending the escrow output.
// Deterministic on both sides: offerer output first.
func (s *Service) buildPayoutTx(params ports.PayoutParams) (*wire.MsgTx, []byte, error) {
	redeemScript, err := MultiSigRedeemScript(params.OffererMultiSigPubKey, params.TakerMultiSigPubKey)
	if err != nil {
		return nil, nil, err
	}
	depositHash, err := chainhash.NewHashFromStr(params.DepositTxID)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing deposit tx id: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: *depositHash, Index: 0}, nil, nil))

	for _, out := range []struct {
		value   uint64
		address string
	}{
		{params.OffererPayoutAmount, params.OffererPayoutAddress},
		{params.TakerPayoutAmount, params.TakerPayoutAddress},
	} {
		script, err := payToAddrScript(out.address, s.params)
		if err != nil {
			return nil, nil, err
		}
		value := out.value
		if value > txFee/2 {
			value -= txFee / 2
		}
		tx.AddTxOut(wire.NewTxOut(int64(value), script))
	}
	return tx, redeemScript, nil
}

func (s *Service) multiSigKey(tradeID string) (*btcec.PrivateKey, error) {
	entry, ok := s.entries[entryKey(tradeID, ports.AddressContextMultiSig)]
	if !ok {
		return nil, fmt.Errorf("%w: %s multisig", ErrAddressEntryNotFound, tradeID)
	}
	return entry.key, nil
}

// CreateAndSignPayoutTx builds the payout transaction and returns this
// party's signature over its escrow input.
func (s *Service) CreateAndSignPayoutTx(
	tradeID string, params ports.PayoutParams,
) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, redeemScript, err := s.buildPayoutTx(params)
	if err != nil {
		return nil, fmt.Errorf("building payout tx: %w", err)
	}
	key, err := s.multiSigKey(tradeID)
	if err != nil {
		return nil, err
	}
	signature, err := txscript.RawTxInSignature(tx, 0, redeemScript, txscript.SigHashAll, key)
	if err != nil {
		return nil, fmt.Errorf("signing payout tx: %w", err)
	}
	return signature, nil
}

// SignAndPublishPayoutTx rebuilds the payout transaction, attaches both
// signatures in redeem-script order and broadcasts it.
func (s *Service) SignAndPublishPayoutTx(
	tradeID string, params ports.PayoutParams, peerSignature []byte, cb ports.TxCallback,
) {
	s.mu.Lock()

	tx, redeemScript, err := s.buildPayoutTx(params)
	if err != nil {
		s.mu.Unlock()
		cb(nil, fmt.Errorf("building payout tx: %w", err))
		return
	}
	key, err := s.multiSigKey(tradeID)
	if err != nil {
		s.mu.Unlock()
		cb(nil, err)
		return
	}
	ownSignature, err := txscript.RawTxInSignature(tx, 0, redeemScript, txscript.SigHashAll, key)
	if err != nil {
		s.mu.Unlock()
		cb(nil, fmt.Errorf("signing payout tx: %w", err))
		return
	}

	sigScript, err := payoutSignatureScript(
		redeemScript,
		key.PubKey().SerializeCompressed(), ownSignature,
		params, peerSignature,
	)
	if err != nil {
		s.mu.Unlock()
		cb(nil, err)
		return
	}
	tx.TxIn[0].SignatureScript = sigScript

	rawTx, err := serializeTx(tx)
	if err != nil {
		s.mu.Unlock()
		cb(nil, err)
		return
	}
	s.mu.Unlock()

	txID, err := s.broadcaster.Broadcast(rawTx)
	if err != nil {
		cb(nil, fmt.Errorf("broadcasting payout tx: %w", err))
		return
	}

	s.mu.Lock()
	s.applyTxLocked(tx, rawTx)
	s.mu.Unlock()

	cb(&ports.TxResult{TxID: txID, RawTx: rawTx}, nil)
}

// AddTransactionToWallet registers an externally received transaction: the
// wallet learns its id, credits outputs paying to watched addresses and
// debits any of its own coins the transaction spends.
func (s *Service) AddTransactionToWallet(rawTx []byte) (string, error) {
	tx, err := deserializeTx(rawTx)
	if err != nil {
		return "", fmt.Errorf("decoding transaction: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyTxLocked(tx, rawTx)
	return tx.TxHash().String(), nil
}

// applyTxLocked applies a confirmed transaction to the wallet state exactly
// once: spent coins leave, outputs paying to addresses this wallet holds keys
// for come back as spendable utxos. Broadcast paths and externally received
// transactions funnel through here so change outputs are never lost. Caller
// holds the lock; reports whether the transaction was new.
func (s *Service) applyTxLocked(tx *wire.MsgTx, rawTx []byte) bool {
	txID := tx.TxHash().String()
	if _, seen := s.seenTxs[txID]; seen {
		return false
	}
	s.seenTxs[txID] = struct{}{}
	s.spendLocked(tx)
	s.creditOutputsLocked(tx, rawTx)
	return true
}

// creditOutputsLocked registers outputs paying to addresses this wallet holds
// keys for. Caller holds the lock.
func (s *Service) creditOutputsLocked(tx *wire.MsgTx, rawTx []byte) {
	txHash := tx.TxHash()
	for i, txOut := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(txOut.PkScript, s.params)
		if err != nil || len(addrs) != 1 {
			continue
		}
		address := addrs[0].EncodeAddress()
		key, ok := s.keys[address]
		if !ok {
			continue
		}
		s.utxos = append(s.utxos, &utxo{
			outPoint: wire.OutPoint{Hash: txHash, Index: uint32(i)},
			value:    uint64(txOut.Value),
			pkScript: txOut.PkScript,
			parent:   rawTx,
			address:  address,
			key:      key,
		})
		s.creditLocked(address, uint64(txOut.Value))
	}
}

// spendLocked removes the utxos consumed by the transaction and pushes the
// resulting balance changes to subscribers. Caller holds the lock.
func (s *Service) spendLocked(tx *wire.MsgTx) {
	debits := make(map[string]uint64)
	remaining := s.utxos[:0]
	for _, u := range s.utxos {
		spent := false
		for _, txIn := range tx.TxIn {
			if txIn.PreviousOutPoint == u.outPoint {
				spent = true
				break
			}
		}
		if spent {
			debits[u.address] += u.value
			continue
		}
		remaining = append(remaining, u)
	}
	s.utxos = remaining
	for address, value := range debits {
		balance := s.balances[address]
		if value >= balance {
			balance = 0
		} else {
			balance -= value
		}
		s.setBalanceLocked(address, balance)
	}
}

func (s *Service) creditLocked(address string, value uint64) {
	s.setBalanceLocked(address, s.balances[address]+value)
}

func (s *Service) setBalanceLocked(address string, balance uint64) {
	s.balances[address] = balance
	callbacks := make([]func(uint64), 0, len(s.subs[address]))
	for _, cb := range s.subs[address] {
		callbacks = append(callbacks, cb)
	}
	// Notify outside the lock, subscribers may call back into the wallet.
	go func() {
		for _, cb := range callbacks {
			cb(balance)
		}
	}()
}

// GetBalance returns the tracked balance of a wallet address.
func (s *Service) GetBalance(address string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[address]
}

// SubscribeBalance notifies on every balance change of the address.
func (s *Service) SubscribeBalance(
	address string, onChange func(balance uint64),
) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[address] == nil {
		s.subs[address] = make(map[int]func(uint64))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[address][id] = onChange
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[address], id)
	}
}

// MultiSigRedeemScript builds the canonical 2-of-2 multisig redeem script
// for the two parties' pubkeys. Keys are ordered lexicographically so both
// sides derive the identical script independently.
func MultiSigRedeemScript(pubKeyA, pubKeyB []byte) ([]byte, error) {
	a := pubKeyA
	b := pubKeyB
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	addrs := make([]*btcutil.AddressPubKey, 0, 2)
	for _, pub := range [][]byte{a, b} {
		addr, err := btcutil.NewAddressPubKey(pub, &chaincfg.MainNetParams)
		if err != nil {
			return nil, fmt.Errorf("parsing multisig pubkey: %w", err)
		}
		addrs = append(addrs, addr)
	}
	return txscript.MultiSigScript(addrs, 2)
}

// payoutSignatureScript assembles OP_FALSE <sig> <sig> <redeemScript> with
// the signatures ordered to match the pubkey order inside the script.
func payoutSignatureScript(
	redeemScript, ownPubKey, ownSignature []byte,
	params ports.PayoutParams, peerSignature []byte,
) ([]byte, error) {
	peerPubKey := params.OffererMultiSigPubKey
	if bytes.Equal(ownPubKey, peerPubKey) {
		peerPubKey = params.TakerMultiSigPubKey
	}

	first, second := ownSignature, peerSignature
	if bytes.Compare(ownPubKey, peerPubKey) > 0 {
		first, second = peerSignature, ownSignature
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_FALSE)
	builder.AddData(first)
	builder.AddData(second)
	builder.AddData(redeemScript)
	return builder.Script()
}

func inputOutPoint(in ports.RawTransactionInput) (*wire.OutPoint, error) {
	parent, err := deserializeTx(in.ParentTransaction)
	if err != nil {
		return nil, fmt.Errorf("decoding parent transaction: %w", err)
	}
	return &wire.OutPoint{Hash: parent.TxHash(), Index: in.Index}, nil
}

func payToAddrScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("decoding address %s: %w", address, err)
	}
	return txscript.PayToAddrScript(addr)
}

// TxID computes the transaction id of a serialized transaction.
func TxID(rawTx []byte) (string, error) {
	tx, err := deserializeTx(rawTx)
	if err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeTx(rawTx []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, err
	}
	return tx, nil
}
