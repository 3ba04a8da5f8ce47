// Package core provides the message schema, wire encoding, error taxonomy
// and directory registry shared by haggle buyers and sellers.
package core

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
)

// MessageType identifies the kind of a framed haggle payload.
type MessageType byte

const (
	MsgHello        MessageType = 0x01
	MsgEnvelope     MessageType = 0x02
	MsgAnnouncement MessageType = 0x03
)

// ProtocolVersion is the current haggle wire-protocol version.
const ProtocolVersion = "1.0.0"

const (
	// Topic tags every message of the book negotiation exchange.
	Topic = "negotiation-books"

	// ServiceType is the capability sellers advertise in the directory.
	ServiceType = "book-selling"
)

// Reason codes carried by refuse, cancel and confirm messages.
const (
	ReasonItemNotFound      = "item not found"
	ReasonInsufficientStock = "insufficient stock"
	ReasonStockExhausted    = "stock exhausted"
	ReasonSaleCompleted     = "sale completed"
)

// Encoder is implemented by every framed haggle payload.
type Encoder interface {
	Encode() ([]byte, error)
	MsgType() MessageType
}

// Performative tags a message with its intent.
type Performative byte

const (
	PerformativeUnknown Performative = iota
	RequestForQuote
	Propose
	Accept
	Reject
	Refuse
	Confirm
	Cancel
)

var performativeNames = map[Performative]string{
	RequestForQuote: "request-for-quote",
	Propose:         "propose",
	Accept:          "accept",
	Reject:          "reject",
	Refuse:          "refuse",
	Confirm:         "confirm",
	Cancel:          "cancel",
}

func (p Performative) String() string {
	if s, ok := performativeNames[p]; ok {
		return s
	}
	return "unknown"
}

// ------------------------------------------------------------------ messages

// Message is one addressed negotiation message. Content fields are
// interpreted according to the performative (see Validate).
type Message struct {
	Performative   Performative
	Sender         string
	Receivers      []string
	Topic          string
	ConversationID string

	Title    string
	Quantity int
	Price    decimal.Decimal
	Final    bool   // seller's last offer
	Reason   string // reason or outcome code

	Timestamp int64 // Unix nanoseconds
}

func (m *Message) MsgType() MessageType { return MsgEnvelope }

// NewMessage builds a message from sender to receivers on the negotiation topic.
func NewMessage(p Performative, sender, conversationID string, receivers ...string) Message {
	return Message{
		Performative:   p,
		Sender:         sender,
		Receivers:      append([]string(nil), receivers...),
		Topic:          Topic,
		ConversationID: conversationID,
		Timestamp:      now(),
	}
}

// Reply builds a message addressed back to m's sender within the same conversation.
func (m *Message) Reply(p Performative, sender string) Message {
	r := NewMessage(p, sender, m.ConversationID, m.Sender)
	r.Topic = m.Topic
	return r
}

// Validate checks that the content fields required by the performative are
// present and well formed. Failures wrap ErrMalformedMessage.
func (m *Message) Validate() error {
	if m.Sender == "" {
		return xerrors.Errorf("%s: missing sender: %w", m.Performative, ErrMalformedMessage)
	}
	if m.ConversationID == "" {
		return xerrors.Errorf("%s from %s: missing conversation id: %w", m.Performative, m.Sender, ErrMalformedMessage)
	}
	switch m.Performative {
	case RequestForQuote:
		if m.Title == "" {
			return xerrors.Errorf("request-for-quote from %s: missing title: %w", m.Sender, ErrMalformedMessage)
		}
		if m.Quantity <= 0 {
			return xerrors.Errorf("request-for-quote from %s: quantity %d: %w", m.Sender, m.Quantity, ErrMalformedMessage)
		}
	case Propose:
		if !m.Price.IsPositive() {
			return xerrors.Errorf("propose from %s: price %s: %w", m.Sender, m.Price, ErrMalformedMessage)
		}
		if m.Quantity <= 0 {
			return xerrors.Errorf("propose from %s: quantity %d: %w", m.Sender, m.Quantity, ErrMalformedMessage)
		}
	case Accept, Reject:
		if m.Price.IsNegative() {
			return xerrors.Errorf("%s from %s: price %s: %w", m.Performative, m.Sender, m.Price, ErrMalformedMessage)
		}
	case Refuse, Cancel:
		if m.Reason == "" {
			return xerrors.Errorf("%s from %s: missing reason: %w", m.Performative, m.Sender, ErrMalformedMessage)
		}
	case Confirm:
		if !m.Price.IsPositive() {
			return xerrors.Errorf("confirm from %s: price %s: %w", m.Sender, m.Price, ErrMalformedMessage)
		}
	default:
		return xerrors.Errorf("performative %d from %s: %w", m.Performative, m.Sender, ErrMalformedMessage)
	}
	return nil
}

// Hello introduces an agent on a freshly opened connection.
type Hello struct {
	AgentID  string
	Services []string
	Version  string
}

func (m *Hello) MsgType() MessageType { return MsgHello }

// ServiceAnnouncement advertises a directory entry to connected peers.
type ServiceAnnouncement struct {
	AgentID     string
	ServiceType string
	Name        string
	Timestamp   int64
	TTL         int64 // seconds; 0 = indefinite
}

func (m *ServiceAnnouncement) MsgType() MessageType { return MsgAnnouncement }

// now returns current time as Unix nanoseconds.
func now() int64 { return time.Now().UnixNano() }
