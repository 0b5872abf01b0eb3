package ports

import "github.com/escrownet/escrowd/internal/core/domain"

// TradeMessage is any typed, already-deserialized protocol message. The
// transport layer owns the wire framing and encryption; the engine only sees
// values carrying a trade id for correlation and the sender's address.
type TradeMessage interface {
	GetMessageID() string
	GetTradeID() string
	GetSenderAddress() domain.NodeAddress
}

// SendCallbacks report the outcome of an asynchronous send. Exactly one of
// the two is invoked per send; there is no other completion signal.
type SendCallbacks struct {
	OnArrived func()
	OnFault   func(err error)
}

// MessageHandler receives inbound messages dispatched by the transport.
type MessageHandler func(msg TradeMessage, sender domain.NodeAddress)

// TransportGateway is the asynchronous, encrypted peer-to-peer message
// transport with no reliable delivery guarantee.
type TransportGateway interface {
	// SendDirectMessage delivers to an online peer.
	SendDirectMessage(
		peer domain.NodeAddress, peerPubKeyRing []byte,
		msg TradeMessage, cb SendCallbacks,
	)
	// SendMailboxMessage queues for a possibly-offline peer; the mailbox
	// entry stays stored until removed by the recipient.
	SendMailboxMessage(
		peer domain.NodeAddress, peerPubKeyRing []byte,
		msg TradeMessage, cb SendCallbacks,
	)
	// RemoveMailboxEntry acknowledges-and-deletes a processed mailbox item.
	RemoveMailboxEntry(messageID string)
	// RegisterHandler subscribes to inbound message dispatch.
	RegisterHandler(handler MessageHandler)
	// Address returns this node's own address.
	Address() domain.NodeAddress
}
