// Package negotiation implements quote matching and the alternating-offer
// concession state machines of buyers and sellers.
//
// Engines are plain single-threaded values: each inbound message is handled
// in one call that returns the replies to send. The owning actor supplies
// messages one at a time, so no engine state is ever locked.
package negotiation

import (
	"time"

	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
)

// MaxRounds caps the round counter of every session.
const MaxRounds = 5

var (
	// ErrNoSession is returned for negotiation messages that match no session.
	ErrNoSession = xerrors.New("no negotiation session")
	// ErrUnexpectedMessage is returned for messages that do not fit the
	// current state. They are dropped without consuming a round.
	ErrUnexpectedMessage = xerrors.New("unexpected message")
)

// Role is the side of a session.
type Role int

const (
	RoleBuyer Role = iota
	RoleSeller
)

func (r Role) String() string {
	if r == RoleSeller {
		return "seller"
	}
	return "buyer"
}

// Outcome is the state of a session.
type Outcome int

const (
	Negotiating Outcome = iota
	Accepted            // buyer accepted, sale not yet settled
	Rejected
	Sold      // sale committed and confirmed
	Cancelled // commit failed at the seller
)

var outcomeNames = [...]string{"negotiating", "accepted", "rejected", "sold", "cancelled"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Terminal reports whether no further negotiation message can change the outcome.
func (o Outcome) Terminal() bool {
	return o == Rejected || o == Sold || o == Cancelled
}

// Session is one bilateral concession dialogue.
type Session struct {
	Counterparty string
	Conversation string
	Role         Role
	Title        string
	Quantity     int

	Offer decimal.Decimal // last price this side sent
	Limit decimal.Decimal // buyer maximum or seller floor
	Round int

	Outcome Outcome
	// AgreedPrice is set only from the counterpart's accept or confirm.
	AgreedPrice decimal.Decimal
	Final       bool // seller's final offer has been sent

	Offers       []decimal.Decimal // prices this side sent, in order
	LastActivity time.Time
}

func (s *Session) advance() {
	if s.Round < MaxRounds {
		s.Round++
	}
}

func (s *Session) send(price decimal.Decimal) {
	s.Offer = price
	s.Offers = append(s.Offers, price)
}

func (s *Session) clone() Session {
	c := *s
	c.Offers = append([]decimal.Decimal(nil), s.Offers...)
	return c
}

// Hooks observe session lifecycle events. Nil fields are skipped.
type Hooks struct {
	OnOpen  func(s Session)
	OnClose func(s Session)
}

func (h Hooks) open(s *Session) {
	if h.OnOpen != nil {
		h.OnOpen(s.clone())
	}
}

func (h Hooks) close(s *Session) {
	if h.OnClose != nil {
		h.OnClose(s.clone())
	}
}

type options struct {
	clk   clock.Clock
	hooks Hooks
}

// Option configures an engine.
type Option func(*options)

// WithClock sets the clock used for session activity timestamps.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(o *options) { o.hooks = h }
}

func buildOptions(opts []Option) options {
	o := options{clk: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ------------------------------------------------------------------ concession arithmetic

var (
	buyerOpening     = decimal.RequireFromString("0.7")
	buyerTolerance   = decimal.RequireFromString("1.15")
	buyerConcession  = decimal.RequireFromString("0.15")
	sellerConcession = decimal.RequireFromString("0.2")
)

// OpeningOffer is the buyer's first counter-offer: 70% of the quote,
// never above max.
func OpeningOffer(quote, max decimal.Decimal) decimal.Decimal {
	return decimal.Min(quote.Mul(buyerOpening), max)
}

// BuyerConcede moves offer 15% of the way toward the seller's price,
// never above max.
func BuyerConcede(offer, sellerPrice, max decimal.Decimal) decimal.Decimal {
	next := offer.Add(buyerConcession.Mul(sellerPrice.Sub(offer)))
	return decimal.Min(next, max)
}

// WithinTolerance reports whether the seller's price is at most 15% above offer.
func WithinTolerance(sellerPrice, offer decimal.Decimal) bool {
	return sellerPrice.LessThanOrEqual(offer.Mul(buyerTolerance))
}

// SellerConcede moves offer 20% of the way toward the buyer's price. The
// result never drops below floor and never rises above offer.
func SellerConcede(offer, buyerPrice, floor decimal.Decimal) decimal.Decimal {
	next := offer.Sub(sellerConcession.Mul(offer.Sub(buyerPrice)))
	next = decimal.Max(next, floor)
	return decimal.Min(next, offer)
}
