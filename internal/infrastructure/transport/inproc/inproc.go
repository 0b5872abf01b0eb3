// Package inproc provides an in-process implementation of the transport
// gateway: a hub routing messages between nodes of the same process, with
// mailbox storage for offline recipients. It backs tests and single-process
// simulations; wire framing and encryption are out of its scope.
package inproc

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/escrownet/escrowd/internal/core/domain"
	"github.com/escrownet/escrowd/internal/core/ports"
)

// ErrPeerNotReachable is reported through OnFault when the recipient of a
// direct message is not connected.
var ErrPeerNotReachable = errors.New("peer not reachable")

const inboxSize = 64

type inbound struct {
	msg    ports.TradeMessage
	sender domain.NodeAddress
}

// Hub routes messages between the gateways connected to it and stores
// mailbox entries for recipients that are offline.
type Hub struct {
	mu        sync.Mutex
	nodes     map[domain.NodeAddress]*Gateway
	mailboxes map[domain.NodeAddress]map[string]ports.TradeMessage
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		nodes:     make(map[domain.NodeAddress]*Gateway),
		mailboxes: make(map[domain.NodeAddress]map[string]ports.TradeMessage),
	}
}

// Connect registers a node under the given address and returns its gateway.
// Pending mailbox entries are delivered once the node registers a handler.
func (h *Hub) Connect(addr domain.NodeAddress) *Gateway {
	g := &Gateway{
		hub:   h,
		addr:  addr,
		inbox: make(chan inbound, inboxSize),
		quit:  make(chan struct{}),
	}
	h.mu.Lock()
	h.nodes[addr] = g
	h.mu.Unlock()

	go g.dispatchLoop()
	return g
}

func (h *Hub) lookup(addr domain.NodeAddress) (*Gateway, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.nodes[addr]
	return g, ok
}

func (h *Hub) storeMailbox(recipient domain.NodeAddress, msg ports.TradeMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mailboxes[recipient] == nil {
		h.mailboxes[recipient] = make(map[string]ports.TradeMessage)
	}
	h.mailboxes[recipient][msg.GetMessageID()] = msg
}

func (h *Hub) removeMailbox(recipient domain.NodeAddress, messageID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mailboxes[recipient], messageID)
}

func (h *Hub) pendingMailbox(recipient domain.NodeAddress) []ports.TradeMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	pending := make([]ports.TradeMessage, 0, len(h.mailboxes[recipient]))
	for _, msg := range h.mailboxes[recipient] {
		pending = append(pending, msg)
	}
	return pending
}

func (h *Hub) disconnect(addr domain.NodeAddress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, addr)
}

// Gateway is one node's connection to the hub. Inbound messages are
// dispatched in arrival order on a dedicated goroutine.
type Gateway struct {
	hub   *Hub
	addr  domain.NodeAddress
	inbox chan inbound
	quit  chan struct{}

	mu      sync.Mutex
	handler ports.MessageHandler
}

var _ ports.TransportGateway = (*Gateway)(nil)

func (g *Gateway) dispatchLoop() {
	for {
		select {
		case in := <-g.inbox:
			g.mu.Lock()
			handler := g.handler
			g.mu.Unlock()
			if handler == nil {
				log.Warnf("inproc %s: no handler, dropping %T", g.addr, in.msg)
				continue
			}
			handler(in.msg, in.sender)
		case <-g.quit:
			return
		}
	}
}

func (g *Gateway) enqueue(msg ports.TradeMessage, sender domain.NodeAddress) {
	select {
	case g.inbox <- inbound{msg: msg, sender: sender}:
	case <-g.quit:
	}
}

// SendDirectMessage delivers to an online peer; an unreachable peer is
// reported through OnFault.
func (g *Gateway) SendDirectMessage(
	peer domain.NodeAddress, _ []byte, msg ports.TradeMessage, cb ports.SendCallbacks,
) {
	target, ok := g.hub.lookup(peer)
	if !ok {
		if cb.OnFault != nil {
			cb.OnFault(ErrPeerNotReachable)
		}
		return
	}
	target.enqueue(msg, g.addr)
	if cb.OnArrived != nil {
		cb.OnArrived()
	}
}

// SendMailboxMessage stores the message for the peer and additionally
// delivers it right away when the peer is online. The entry stays stored
// until the recipient acknowledges it with RemoveMailboxEntry.
func (g *Gateway) SendMailboxMessage(
	peer domain.NodeAddress, _ []byte, msg ports.TradeMessage, cb ports.SendCallbacks,
) {
	g.hub.storeMailbox(peer, msg)
	if target, ok := g.hub.lookup(peer); ok {
		target.enqueue(msg, g.addr)
	}
	if cb.OnArrived != nil {
		cb.OnArrived()
	}
}

// RemoveMailboxEntry acknowledges-and-deletes a processed mailbox item of
// this node.
func (g *Gateway) RemoveMailboxEntry(messageID string) {
	g.hub.removeMailbox(g.addr, messageID)
}

// RegisterHandler subscribes to inbound dispatch and replays any mailbox
// entries stored while the node was offline.
func (g *Gateway) RegisterHandler(handler ports.MessageHandler) {
	g.mu.Lock()
	g.handler = handler
	g.mu.Unlock()

	for _, msg := range g.hub.pendingMailbox(g.addr) {
		g.enqueue(msg, msg.GetSenderAddress())
	}
}

// Address returns this node's own address.
func (g *Gateway) Address() domain.NodeAddress { return g.addr }

// Close disconnects the node from the hub; stored mailbox entries survive
// for a later reconnect.
func (g *Gateway) Close() {
	g.hub.disconnect(g.addr)
	close(g.quit)
}
