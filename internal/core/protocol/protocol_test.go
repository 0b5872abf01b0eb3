package protocol

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
)

func testTxID(rawTx []byte) string {
	return "tx:" + string(rawTx)
}

type fakeWallet struct {
	prefix string

	mu      sync.Mutex
	entries map[string]ports.AddressEntry
	subs    map[string]map[int]func(uint64)
	nextSub int

	feePaid       int
	inputsCreated int

	createInputsErr   error
	publishDepositErr error
}

func newFakeWallet(prefix string) *fakeWallet {
	return &fakeWallet{
		prefix:  prefix,
		entries: make(map[string]ports.AddressEntry),
		subs:    make(map[string]map[int]func(uint64)),
	}
}

func (w *fakeWallet) entryKey(tradeID string, ctx ports.AddressContext) string {
	return tradeID + "/" + string(ctx)
}

func (w *fakeWallet) GetOrCreateAddressEntry(tradeID string, ctx ports.AddressContext) (ports.AddressEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := w.entryKey(tradeID, ctx)
	if entry, ok := w.entries[key]; ok {
		return entry, nil
	}
	entry := ports.AddressEntry{
		TradeID: tradeID,
		Context: ctx,
		Address: w.prefix + "-" + string(ctx) + "-addr",
		PubKey:  []byte(w.prefix + "-" + string(ctx) + "-pub"),
	}
	w.entries[key] = entry
	return entry, nil
}

func (w *fakeWallet) GetAddressEntry(tradeID string, ctx ports.AddressContext) (ports.AddressEntry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.entries[w.entryKey(tradeID, ctx)]
	return entry, ok
}

func (w *fakeWallet) PayTakeOfferFee(string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.feePaid++
	return w.prefix + "-fee-tx", nil
}

func (w *fakeWallet) CreateDepositTxInputs(_ string, amount uint64) (*ports.DepositTxInputs, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createInputsErr != nil {
		return nil, w.createInputsErr
	}
	w.inputsCreated++
	return &ports.DepositTxInputs{
		RawInputs: []ports.RawTransactionInput{
			{ParentTransaction: []byte(w.prefix + "-funding"), Index: 0, Value: amount + 5_000},
		},
		ChangeOutputValue:   5_000,
		ChangeOutputAddress: w.prefix + "-change",
	}, nil
}

func (w *fakeWallet) PrepareDepositTx(tradeID string, _ ports.DepositTxParams) ([]byte, error) {
	return []byte("prepared:" + tradeID), nil
}

func (w *fakeWallet) SignAndPublishDepositTx(
	tradeID string, preparedTx []byte, _ ports.DepositTxParams, cb ports.TxCallback,
) {
	if w.publishDepositErr != nil {
		cb(nil, w.publishDepositErr)
		return
	}
	if len(preparedTx) == 0 {
		cb(nil, errors.New("empty prepared tx"))
		return
	}
	rawTx := []byte("deposit:" + tradeID)
	cb(&ports.TxResult{TxID: testTxID(rawTx), RawTx: rawTx}, nil)
}

func (w *fakeWallet) CreateAndSignPayoutTx(string, ports.PayoutParams) ([]byte, error) {
	return []byte(w.prefix + "-payout-sig"), nil
}

func (w *fakeWallet) SignAndPublishPayoutTx(
	tradeID string, _ ports.PayoutParams, peerSignature []byte, cb ports.TxCallback,
) {
	if len(peerSignature) == 0 {
		cb(nil, errors.New("missing peer payout signature"))
		return
	}
	rawTx := []byte("payout:" + tradeID)
	cb(&ports.TxResult{TxID: testTxID(rawTx), RawTx: rawTx}, nil)
}

func (w *fakeWallet) AddTransactionToWallet(rawTx []byte) (string, error) {
	return testTxID(rawTx), nil
}

func (w *fakeWallet) GetBalance(string) uint64 { return 0 }

func (w *fakeWallet) SubscribeBalance(address string, onChange func(uint64)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.subs[address] == nil {
		w.subs[address] = make(map[int]func(uint64))
	}
	id := w.nextSub
	w.nextSub++
	w.subs[address][id] = onChange
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs[address], id)
	}
}

func (w *fakeWallet) notifyBalance(address string, balance uint64) {
	w.mu.Lock()
	var callbacks []func(uint64)
	for _, cb := range w.subs[address] {
		callbacks = append(callbacks, cb)
	}
	w.mu.Unlock()
	for _, cb := range callbacks {
		cb(balance)
	}
}

func (w *fakeWallet) subscriberCount(address string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs[address])
}

type fakeFilter struct {
	bannedAccounts map[string]string
	bannedNodes    map[domain.NodeAddress]string
}

func newFakeFilter() *fakeFilter {
	return &fakeFilter{
		bannedAccounts: make(map[string]string),
		bannedNodes:    make(map[domain.NodeAddress]string),
	}
}

func (f *fakeFilter) IsPaymentAccountBanned(hash []byte) (bool, string) {
	reason, ok := f.bannedAccounts[hex.EncodeToString(hash)]
	return ok, reason
}

func (f *fakeFilter) IsNodeBanned(addr domain.NodeAddress) (bool, string) {
	reason, ok := f.bannedNodes[addr]
	return ok, reason
}

type fakeOffers struct {
	offer        *domain.Offer
	reserveCalls int
	closeCalls   int
	reopenCalls  int
}

func (f *fakeOffers) ReserveOpenOffer(context.Context, string) error {
	f.reserveCalls++
	return f.offer.Reserve()
}

func (f *fakeOffers) CloseOpenOffer(context.Context, string) error {
	f.closeCalls++
	return f.offer.Close()
}

func (f *fakeOffers) ReopenOffer(context.Context, string) error {
	f.reopenCalls++
	return f.offer.Reopen()
}

type fakeRegistry struct {
	mu        sync.Mutex
	persisted map[string]int
	failed    []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{persisted: make(map[string]int)}
}

func (r *fakeRegistry) RequestPersistence(tradeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted[tradeID]++
}

func (r *fakeRegistry) AddTradeToFailedTrades(_ context.Context, tradeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, tradeID)
	return nil
}

func (r *fakeRegistry) failedTrades() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.failed...)
}

type fakePriceFeed struct {
	price decimal.Decimal
	err   error
}

func (f *fakePriceFeed) GetMarketPrice(string) (decimal.Decimal, error) {
	return f.price, f.err
}

// stubTransport acknowledges sends locally without a peer, optionally failing
// the first n sends.
type stubTransport struct {
	addr           domain.NodeAddress
	faults         int
	sent           []ports.TradeMessage
	mailboxRemoved []string
}

func (s *stubTransport) deliver(msg ports.TradeMessage, cb ports.SendCallbacks) {
	if s.faults > 0 {
		s.faults--
		cb.OnFault(errors.New("peer unreachable"))
		return
	}
	s.sent = append(s.sent, msg)
	cb.OnArrived()
}

func (s *stubTransport) SendDirectMessage(
	_ domain.NodeAddress, _ []byte, msg ports.TradeMessage, cb ports.SendCallbacks,
) {
	s.deliver(msg, cb)
}

func (s *stubTransport) SendMailboxMessage(
	_ domain.NodeAddress, _ []byte, msg ports.TradeMessage, cb ports.SendCallbacks,
) {
	s.deliver(msg, cb)
}

func (s *stubTransport) RemoveMailboxEntry(messageID string) {
	s.mailboxRemoved = append(s.mailboxRemoved, messageID)
}

func (s *stubTransport) RegisterHandler(ports.MessageHandler) {}

func (s *stubTransport) Address() domain.NodeAddress { return s.addr }

const (
	tradeAmount     = uint64(1_000_000)
	securityDeposit = uint64(100_000)
)

type offererFixture struct {
	protocol  *TradeProtocol
	trade     *domain.Trade
	model     *ProcessModel
	wallet    *fakeWallet
	transport *stubTransport
	offers    *fakeOffers
	filter    *fakeFilter
	registry  *fakeRegistry
	feed      *fakePriceFeed
	offer     *domain.Offer

	takerKey  *KeyRing
	takerAddr domain.NodeAddress
	takerAcct domain.PaymentAccountPayload
}

func newOffererFixture(t *testing.T) *offererFixture {
	t.Helper()

	offererKey, err := GenerateKeyRing()
	require.NoError(t, err)
	takerKey, err := GenerateKeyRing()
	require.NoError(t, err)

	offer := domain.NewOffer(
		uuid.NewString(), domain.OfferSell, tradeAmount, decimal.NewFromInt(100),
		decimal.NewFromFloat(0.01), "USD", "SEPA",
		"offerer-node", offererKey.PubKeyRing(),
	)
	offer.SecurityDeposit = securityDeposit

	trade := domain.NewTrade(offer.ID, domain.OffererAsSeller, offer.Amount, offer.Price)
	trade.SecurityDeposit = securityDeposit
	trade.CurrencyCode = offer.CurrencyCode
	trade.PaymentMethod = offer.PaymentMethod

	offererAcct := domain.PaymentAccountPayload{
		ID: "of-pay-acct", PaymentMethod: "SEPA", CountryCode: "DE",
		HolderName: "Alice Offerer", AccountNr: "DE02100100109307118603",
	}
	takerAcct := domain.PaymentAccountPayload{
		ID: "tk-pay-acct", PaymentMethod: "SEPA", CountryCode: "AT",
		HolderName: "Bob Taker", AccountNr: "AT483200000012345864",
	}

	model := NewProcessModel(offer.ID, "of-acct", offererAcct)
	model.Offer = offer

	fx := &offererFixture{
		trade:     trade,
		model:     model,
		wallet:    newFakeWallet("of"),
		transport: &stubTransport{addr: "offerer-node"},
		offers:    &fakeOffers{offer: offer},
		filter:    newFakeFilter(),
		registry:  newFakeRegistry(),
		feed:      &fakePriceFeed{price: decimal.NewFromInt(100)},
		offer:     offer,
		takerKey:  takerKey,
		takerAddr: "taker-node",
		takerAcct: takerAcct,
	}
	fx.protocol = NewTradeProtocol(trade, model, &Provider{
		Wallet:    fx.wallet,
		Transport: fx.transport,
		PriceFeed: fx.feed,
		Filter:    fx.filter,
		Offers:    fx.offers,
		Registry:  fx.registry,
		KeyRing:   offererKey,
	})
	return fx
}

func (fx *offererFixture) takeOfferMsg() *TakeOfferRequest {
	return &TakeOfferRequest{
		MessageMeta:      NewMessageMeta(fx.trade.ID, fx.takerAddr),
		TakerPubKeyRing:  fx.takerKey.PubKeyRing(),
		TradeAmount:      tradeAmount,
		TradePrice:       "100",
		TakeOfferFeeTxID: "tk-fee-tx",
	}
}

func (fx *offererFixture) payDepositMsg() *PayDepositRequest {
	return &PayDepositRequest{
		MessageMeta:      NewMessageMeta(fx.trade.ID, fx.takerAddr),
		TradeAmount:      tradeAmount,
		TradePrice:       "100",
		TakeOfferFeeTxID: "tk-fee-tx",

		TakerPaymentAccount: fx.takerAcct,
		TakerAccountID:      "tk-acct",
		TakerPubKeyRing:     fx.takerKey.PubKeyRing(),
		TakerMultiSigPubKey: []byte("tk-multisig-pub"),
		TakerRawInputs: []ports.RawTransactionInput{
			{ParentTransaction: []byte("tk-funding"), Index: 1, Value: securityDeposit + 5_000},
		},
		TakerChangeOutputValue:   5_000,
		TakerChangeOutputAddress: "tk-change",
		TakerPayoutAddress:       "tk-payout-addr",
	}
}

func (fx *offererFixture) processTakeOffer(t *testing.T) {
	t.Helper()
	require.NoError(t, fx.protocol.HandleMessage(fx.takeOfferMsg()))
	require.Equal(t, domain.StateTakeOfferRequested, fx.trade.State)
	require.Equal(t, domain.OfferStateReserved, fx.offer.State)
}

func TestOffererRejectsBannedTakerAccount(t *testing.T) {
	fx := newOffererFixture(t)
	fx.processTakeOffer(t)

	hash, err := fx.takerAcct.Hash()
	require.NoError(t, err)
	fx.filter.bannedAccounts[hex.EncodeToString(hash)] = "chargeback fraud"

	err = fx.protocol.HandleMessage(fx.payDepositMsg())
	require.ErrorIs(t, err, ErrAccountBanned)
	require.Contains(t, fx.trade.ErrorMessage, "chargeback fraud")

	require.Equal(t, domain.StateTakeOfferRequested, fx.trade.State)
	require.True(t, fx.model.Peer.PaymentAccount.IsEmpty())
	require.Empty(t, fx.model.Peer.MultiSigPubKey)
	require.Empty(t, fx.model.Peer.RawInputs)
}

func TestOffererRejectsBannedTakerNode(t *testing.T) {
	fx := newOffererFixture(t)
	fx.processTakeOffer(t)
	fx.filter.bannedNodes[fx.takerAddr] = "spam node"

	err := fx.protocol.HandleMessage(fx.payDepositMsg())
	require.ErrorIs(t, err, ErrNodeBanned)
	require.Equal(t, domain.StateTakeOfferRequested, fx.trade.State)
}

func TestOffererRejectsPriceOutsideTolerance(t *testing.T) {
	fx := newOffererFixture(t)
	fx.offer.UseMarketPrice = true
	fx.feed.price = decimal.NewFromInt(100)

	// 5% above the market reference with a 1% tolerance.
	takeOffer := fx.takeOfferMsg()
	takeOffer.TradePrice = "105"
	require.NoError(t, fx.protocol.HandleMessage(takeOffer))

	msg := fx.payDepositMsg()
	msg.TradePrice = "105"

	err := fx.protocol.HandleMessage(msg)
	require.ErrorIs(t, err, domain.ErrPriceOutOfTolerance)
	require.Equal(t, domain.StateTakeOfferRequested, fx.trade.State)
	require.True(t, fx.model.Peer.PaymentAccount.IsEmpty())
}

func TestOffererAcceptsPriceAtToleranceBoundary(t *testing.T) {
	fx := newOffererFixture(t)
	fx.offer.UseMarketPrice = true
	fx.feed.price = decimal.NewFromInt(100)

	takeOffer := fx.takeOfferMsg()
	takeOffer.TradePrice = "101"
	require.NoError(t, fx.protocol.HandleMessage(takeOffer))

	msg := fx.payDepositMsg()
	msg.TradePrice = "101"
	require.NoError(t, fx.protocol.HandleMessage(msg))
	require.Equal(t, domain.StateOffererSentPublishDepositTxRequest, fx.trade.State)
}

func TestOffererRejectsIncompletePayDepositRequest(t *testing.T) {
	fx := newOffererFixture(t)
	fx.processTakeOffer(t)

	msg := fx.payDepositMsg()
	msg.TakerPayoutAddress = ""

	err := fx.protocol.HandleMessage(msg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "takerPayoutAddress")

	// A rejected message must not leave partial peer data behind.
	require.True(t, fx.model.Peer.PaymentAccount.IsEmpty())
	require.Empty(t, fx.model.Peer.AccountID)
	require.Empty(t, fx.model.Peer.MultiSigPubKey)
	require.Empty(t, fx.model.Peer.RawInputs)
	require.Empty(t, fx.model.Peer.PayoutAddress)
	require.Equal(t, domain.StateTakeOfferRequested, fx.trade.State)
}

func TestOffererWalletFailureReopensOffer(t *testing.T) {
	fx := newOffererFixture(t)
	fx.processTakeOffer(t)
	fx.wallet.createInputsErr = errors.New("insufficient wallet funds")

	err := fx.protocol.HandleMessage(fx.payDepositMsg())
	require.Error(t, err)
	require.Contains(t, err.Error(), "reserving deposit funds")

	// The offer must be matchable again and the trade must record why the
	// handshake was abandoned.
	require.Equal(t, 1, fx.offers.reopenCalls)
	require.Equal(t, domain.OfferStateOpen, fx.offer.State)
	require.Equal(t, domain.StateMessageSendingFailed, fx.trade.State)
	require.Contains(t, fx.trade.ErrorMessage, "insufficient wallet funds")
}

func TestOffererRejectsChangedTradeTerms(t *testing.T) {
	fx := newOffererFixture(t)
	fx.processTakeOffer(t)

	msg := fx.payDepositMsg()
	msg.TradeAmount = tradeAmount / 2

	err := fx.protocol.HandleMessage(msg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "trade terms differ")
	require.Equal(t, domain.StateTakeOfferRequested, fx.trade.State)
}

func TestOffererDepositExchangeHappyPath(t *testing.T) {
	fx := newOffererFixture(t)
	fx.processTakeOffer(t)

	require.NoError(t, fx.protocol.HandleMessage(fx.payDepositMsg()))
	require.Equal(t, domain.StateOffererSentPublishDepositTxRequest, fx.trade.State)

	require.NotNil(t, fx.trade.Contract)
	require.NotEmpty(t, fx.trade.OffererContractSignature)
	require.NoError(t, domain.VerifyContractSignature(
		fx.trade.ContractJSON,
		fx.trade.OffererContractSignature,
		fx.trade.Contract.OffererPubKeyRing,
	))

	require.Len(t, fx.transport.sent, 1)
	reply, ok := fx.transport.sent[0].(*PublishDepositTxRequest)
	require.True(t, ok)
	require.Equal(t, fx.trade.ID, reply.GetTradeID())
	require.Equal(t, []byte("prepared:"+fx.trade.ID), reply.PreparedDepositTx)
	require.Equal(t, fx.trade.OffererContractSignature, reply.OffererContractSignature)

	// Reserved funds listener must be armed for the balance fallback.
	entry, ok := fx.wallet.GetAddressEntry(fx.trade.ID, ports.AddressContextReservedFunds)
	require.True(t, ok)
	require.Equal(t, 1, fx.wallet.subscriberCount(entry.Address))
}

func TestDuplicatePayDepositRequestIgnored(t *testing.T) {
	fx := newOffererFixture(t)
	fx.processTakeOffer(t)

	msg := fx.payDepositMsg()
	require.NoError(t, fx.protocol.HandleMessage(msg))
	sentBefore := len(fx.transport.sent)
	stateBefore := fx.trade.State

	require.NoError(t, fx.protocol.HandleMessage(msg))
	require.Equal(t, stateBefore, fx.trade.State)
	require.Len(t, fx.transport.sent, sentBefore)
}

func TestTransportFaultThenRetrySucceeds(t *testing.T) {
	fx := newOffererFixture(t)
	fx.processTakeOffer(t)
	fx.transport.faults = 1

	msg := fx.payDepositMsg()
	err := fx.protocol.HandleMessage(msg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "peer unreachable")
	// The failed send must not advance past the received state so the
	// exchange can be retried.
	require.Equal(t, domain.StateOffererReceivedPayDepositRequest, fx.trade.State)
	require.Contains(t, fx.trade.ErrorMessage, "PublishDepositTxRequest")
	signatureBefore := fx.trade.OffererContractSignature

	require.NoError(t, fx.protocol.HandleMessage(msg))
	require.Equal(t, domain.StateOffererSentPublishDepositTxRequest, fx.trade.State)
	require.Len(t, fx.transport.sent, 1)
	// The retry reuses the contract signed on the first attempt.
	require.Equal(t, signatureBefore, fx.trade.OffererContractSignature)
}

func TestUnexpectedMessageForRole(t *testing.T) {
	fx := newOffererFixture(t)
	err := fx.protocol.HandleMessage(&PublishDepositTxRequest{
		MessageMeta: NewMessageMeta(fx.trade.ID, fx.takerAddr),
	})
	require.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestTradeIDMismatchRejected(t *testing.T) {
	fx := newOffererFixture(t)
	msg := fx.takeOfferMsg()
	msg.TradeID = uuid.NewString()
	err := fx.protocol.HandleMessage(msg)
	require.ErrorIs(t, err, ErrTradeIDMismatch)
}

func TestBalanceFallbackAdvancesTrade(t *testing.T) {
	fx := newOffererFixture(t)
	fx.processTakeOffer(t)
	require.NoError(t, fx.protocol.HandleMessage(fx.payDepositMsg()))

	entry, ok := fx.wallet.GetAddressEntry(fx.trade.ID, ports.AddressContextReservedFunds)
	require.True(t, ok)

	// Funds still sitting on the reserved address: nothing happens.
	fx.wallet.notifyBalance(entry.Address, securityDeposit)
	require.Equal(t, domain.StateOffererSentPublishDepositTxRequest, fx.trade.State)

	// Reserved funds moved out: the deposit must be in the network.
	fx.wallet.notifyBalance(entry.Address, 0)
	require.Equal(t, domain.StateDepositSeenInNetwork, fx.trade.State)
	require.Equal(t, 1, fx.offers.closeCalls)
	require.Equal(t, domain.OfferStateClosed, fx.offer.State)
	require.Empty(t, fx.registry.failedTrades())
	require.Zero(t, fx.wallet.subscriberCount(entry.Address))

	// The fallback fires at most once.
	fx.wallet.notifyBalance(entry.Address, 0)
	require.Equal(t, domain.StateDepositSeenInNetwork, fx.trade.State)
	require.Equal(t, 1, fx.offers.closeCalls)
}

func TestBalanceFallbackEvictsEarlyTrade(t *testing.T) {
	fx := newOffererFixture(t)
	fx.processTakeOffer(t)

	// Listener armed while the handshake is still in its initial phase.
	require.NoError(t, setupDepositBalanceListener(fx.trade, fx.model))
	entry, ok := fx.wallet.GetAddressEntry(fx.trade.ID, ports.AddressContextReservedFunds)
	require.True(t, ok)

	fx.wallet.notifyBalance(entry.Address, 0)
	require.Equal(t, domain.StateDepositSeenInNetwork, fx.trade.State)
	require.Equal(t, []string{fx.trade.ID}, fx.registry.failedTrades())
}

func TestBalanceFallbackStandsDownAfterAck(t *testing.T) {
	fx := newOffererFixture(t)
	fx.processTakeOffer(t)
	require.NoError(t, fx.protocol.HandleMessage(fx.payDepositMsg()))

	// Simulate the regular acknowledgement arriving first.
	require.NoError(t, fx.trade.AdvanceState(domain.StateOffererReceivedDepositTxPublishedMsg))

	entry, _ := fx.wallet.GetAddressEntry(fx.trade.ID, ports.AddressContextReservedFunds)
	fx.wallet.notifyBalance(entry.Address, 0)
	require.Equal(t, domain.StateOffererReceivedDepositTxPublishedMsg, fx.trade.State)
	require.Zero(t, fx.offers.closeCalls)
	require.Zero(t, fx.wallet.subscriberCount(entry.Address))
}

// msgHub queues messages between two in-process parties and pumps them after
// the sending chain came to rest, the way the asynchronous transport behaves
// without the risk of the two per-trade locks meeting head-on.
type msgHub struct {
	mu       sync.Mutex
	handlers map[domain.NodeAddress]ports.MessageHandler
	queue    []queuedMsg
	mailbox  map[string]ports.TradeMessage
}

type queuedMsg struct {
	to   domain.NodeAddress
	from domain.NodeAddress
	msg  ports.TradeMessage
}

func newMsgHub() *msgHub {
	return &msgHub{
		handlers: make(map[domain.NodeAddress]ports.MessageHandler),
		mailbox:  make(map[string]ports.TradeMessage),
	}
}

func (h *msgHub) enqueue(to, from domain.NodeAddress, msg ports.TradeMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queue = append(h.queue, queuedMsg{to: to, from: from, msg: msg})
}

func (h *msgHub) flush(t *testing.T) {
	t.Helper()
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.mu.Unlock()
			return
		}
		next := h.queue[0]
		h.queue = h.queue[1:]
		handler := h.handlers[next.to]
		h.mu.Unlock()

		require.NotNil(t, handler, "no handler registered for %s", next.to)
		handler(next.msg, next.from)
	}
}

type hubTransport struct {
	hub  *msgHub
	addr domain.NodeAddress
}

func (tr *hubTransport) SendDirectMessage(
	peer domain.NodeAddress, _ []byte, msg ports.TradeMessage, cb ports.SendCallbacks,
) {
	tr.hub.enqueue(peer, tr.addr, msg)
	cb.OnArrived()
}

func (tr *hubTransport) SendMailboxMessage(
	peer domain.NodeAddress, _ []byte, msg ports.TradeMessage, cb ports.SendCallbacks,
) {
	tr.hub.mu.Lock()
	tr.hub.mailbox[msg.GetMessageID()] = msg
	tr.hub.mu.Unlock()
	tr.hub.enqueue(peer, tr.addr, msg)
	cb.OnArrived()
}

func (tr *hubTransport) RemoveMailboxEntry(messageID string) {
	tr.hub.mu.Lock()
	defer tr.hub.mu.Unlock()
	delete(tr.hub.mailbox, messageID)
}

func (tr *hubTransport) RegisterHandler(handler ports.MessageHandler) {
	tr.hub.mu.Lock()
	defer tr.hub.mu.Unlock()
	tr.hub.handlers[tr.addr] = handler
}

func (tr *hubTransport) Address() domain.NodeAddress { return tr.addr }

func TestFullTradeHappyPath(t *testing.T) {
	hub := newMsgHub()

	offererKey, err := GenerateKeyRing()
	require.NoError(t, err)
	takerKey, err := GenerateKeyRing()
	require.NoError(t, err)

	offer := domain.NewOffer(
		uuid.NewString(), domain.OfferSell, tradeAmount, decimal.NewFromInt(100),
		decimal.NewFromFloat(0.01), "USD", "SEPA",
		"offerer-node", offererKey.PubKeyRing(),
	)
	offer.SecurityDeposit = securityDeposit

	newTrade := func(role domain.TradeRole) *domain.Trade {
		trade := domain.NewTrade(offer.ID, role, offer.Amount, offer.Price)
		trade.SecurityDeposit = offer.SecurityDeposit
		trade.CurrencyCode = offer.CurrencyCode
		trade.PaymentMethod = offer.PaymentMethod
		return trade
	}

	offererTrade := newTrade(domain.OffererAsSeller)
	takerTrade := newTrade(domain.TakerAsBuyer)
	takerTrade.PeerAddress = "offerer-node"

	offererModel := NewProcessModel(offer.ID, "of-acct", domain.PaymentAccountPayload{
		ID: "of-pay-acct", PaymentMethod: "SEPA", CountryCode: "DE",
		HolderName: "Alice Offerer", AccountNr: "DE02100100109307118603",
	})
	offererModel.Offer = offer
	takerModel := NewProcessModel(offer.ID, "tk-acct", domain.PaymentAccountPayload{
		ID: "tk-pay-acct", PaymentMethod: "SEPA", CountryCode: "AT",
		HolderName: "Bob Taker", AccountNr: "AT483200000012345864",
	})
	takerModel.Offer = offer

	offers := &fakeOffers{offer: offer}
	filter := newFakeFilter()

	offererTransport := &hubTransport{hub: hub, addr: "offerer-node"}
	takerTransport := &hubTransport{hub: hub, addr: "taker-node"}

	offererProto := NewTradeProtocol(offererTrade, offererModel, &Provider{
		Wallet:    newFakeWallet("of"),
		Transport: offererTransport,
		PriceFeed: &fakePriceFeed{price: decimal.NewFromInt(100)},
		Filter:    filter,
		Offers:    offers,
		Registry:  newFakeRegistry(),
		KeyRing:   offererKey,
	})
	takerProto := NewTradeProtocol(takerTrade, takerModel, &Provider{
		Wallet:    newFakeWallet("tk"),
		Transport: takerTransport,
		PriceFeed: &fakePriceFeed{price: decimal.NewFromInt(100)},
		Filter:    filter,
		Offers:    offers,
		Registry:  newFakeRegistry(),
		KeyRing:   takerKey,
	})

	offererTransport.RegisterHandler(func(msg ports.TradeMessage, _ domain.NodeAddress) {
		require.NoError(t, offererProto.HandleMessage(msg))
	})
	takerTransport.RegisterHandler(func(msg ports.TradeMessage, _ domain.NodeAddress) {
		require.NoError(t, takerProto.HandleMessage(msg))
	})

	// Take the offer and run the whole deposit exchange.
	require.NoError(t, takerProto.OnTakeOffer())
	hub.flush(t)

	require.Equal(t, domain.StateTakerSentDepositTxPublishedMsg, takerTrade.State)
	require.Equal(t, domain.StateOffererReceivedDepositTxPublishedMsg, offererTrade.State)
	require.Equal(t, domain.OfferStateClosed, offer.State)

	// Both parties hold the identical contract with both valid signatures.
	require.True(t, offererTrade.Contract.Equal(takerTrade.Contract))
	require.Equal(t, offererTrade.ContractJSON, takerTrade.ContractJSON)
	require.True(t, offererTrade.IsContractSigned())
	require.True(t, takerTrade.IsContractSigned())
	for _, trade := range []*domain.Trade{offererTrade, takerTrade} {
		require.NoError(t, domain.VerifyContractSignature(
			trade.ContractJSON, trade.OffererContractSignature, trade.Contract.OffererPubKeyRing,
		))
		require.NoError(t, domain.VerifyContractSignature(
			trade.ContractJSON, trade.TakerContractSignature, trade.Contract.TakerPubKeyRing,
		))
	}
	require.NotEmpty(t, takerTrade.DepositTxID)
	require.Equal(t, takerTrade.DepositTxID, offererTrade.DepositTxID)

	// Buyer starts the fiat payment.
	require.NoError(t, takerProto.OnFiatPaymentStarted())
	hub.flush(t)
	require.Equal(t, domain.StateFiatPaymentStartedMsgSent, takerTrade.State)
	require.Equal(t, domain.StateFiatPaymentStartedMsgReceived, offererTrade.State)

	// Seller confirms receipt and releases the escrow.
	require.NoError(t, offererProto.OnFiatPaymentReceived())
	hub.flush(t)

	require.Equal(t, domain.StateCompleted, offererTrade.State)
	require.Equal(t, domain.StateCompleted, takerTrade.State)
	require.NotEmpty(t, offererTrade.PayoutTxID)
	require.Equal(t, offererTrade.PayoutTxID, takerTrade.PayoutTxID)
	require.NotZero(t, offererTrade.CompletedAt)

	// Every mailbox message was acknowledged and removed.
	require.Empty(t, hub.mailbox)
}

func TestFullTradePriceDriftAborts(t *testing.T) {
	hub := newMsgHub()

	offererKey, err := GenerateKeyRing()
	require.NoError(t, err)
	takerKey, err := GenerateKeyRing()
	require.NoError(t, err)

	offer := domain.NewOffer(
		uuid.NewString(), domain.OfferSell, tradeAmount, decimal.NewFromInt(100),
		decimal.NewFromFloat(0.01), "USD", "SEPA",
		"offerer-node", offererKey.PubKeyRing(),
	)
	offer.SecurityDeposit = securityDeposit
	offer.UseMarketPrice = true

	offererTrade := domain.NewTrade(offer.ID, domain.OffererAsSeller, offer.Amount, offer.Price)
	offererTrade.SecurityDeposit = securityDeposit
	offererTrade.CurrencyCode = offer.CurrencyCode
	offererTrade.PaymentMethod = offer.PaymentMethod

	// Taker negotiated at 105 while the offerer's feed reports 100: a 5%
	// drift against a 1% tolerance.
	takerTrade := domain.NewTrade(offer.ID, domain.TakerAsBuyer, offer.Amount, decimal.NewFromInt(105))
	takerTrade.SecurityDeposit = securityDeposit
	takerTrade.CurrencyCode = offer.CurrencyCode
	takerTrade.PaymentMethod = offer.PaymentMethod
	takerTrade.PeerAddress = "offerer-node"

	offererModel := NewProcessModel(offer.ID, "of-acct", domain.PaymentAccountPayload{
		ID: "of-pay-acct", PaymentMethod: "SEPA", HolderName: "Alice", AccountNr: "DE1", CountryCode: "DE",
	})
	offererModel.Offer = offer
	takerModel := NewProcessModel(offer.ID, "tk-acct", domain.PaymentAccountPayload{
		ID: "tk-pay-acct", PaymentMethod: "SEPA", HolderName: "Bob", AccountNr: "AT1", CountryCode: "AT",
	})
	takerModel.Offer = offer

	offers := &fakeOffers{offer: offer}
	offererTransport := &hubTransport{hub: hub, addr: "offerer-node"}
	takerTransport := &hubTransport{hub: hub, addr: "taker-node"}

	offererProto := NewTradeProtocol(offererTrade, offererModel, &Provider{
		Wallet:    newFakeWallet("of"),
		Transport: offererTransport,
		PriceFeed: &fakePriceFeed{price: decimal.NewFromInt(100)},
		Filter:    newFakeFilter(),
		Offers:    offers,
		Registry:  newFakeRegistry(),
		KeyRing:   offererKey,
	})
	takerProto := NewTradeProtocol(takerTrade, takerModel, &Provider{
		Wallet:    newFakeWallet("tk"),
		Transport: takerTransport,
		PriceFeed: &fakePriceFeed{price: decimal.NewFromInt(105)},
		Filter:    newFakeFilter(),
		Offers:    offers,
		Registry:  newFakeRegistry(),
		KeyRing:   takerKey,
	})

	var offererErr error
	offererTransport.RegisterHandler(func(msg ports.TradeMessage, _ domain.NodeAddress) {
		if err := offererProto.HandleMessage(msg); err != nil {
			offererErr = err
		}
	})
	takerTransport.RegisterHandler(func(msg ports.TradeMessage, _ domain.NodeAddress) {
		require.NoError(t, takerProto.HandleMessage(msg))
	})

	require.NoError(t, takerProto.OnTakeOffer())
	hub.flush(t)

	require.ErrorIs(t, offererErr, domain.ErrPriceOutOfTolerance)
	// No contract, no deposit: the trade never left the request phase.
	require.Nil(t, offererTrade.Contract)
	require.Empty(t, offererTrade.DepositTxID)
	require.Equal(t, domain.StateTakeOfferRequested, offererTrade.State)
	require.Contains(t, offererTrade.ErrorMessage, "tolerance")
}
