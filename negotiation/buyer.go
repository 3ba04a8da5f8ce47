package negotiation

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/core"
)

var log = logging.Logger("haggle/negotiation")

// Request is a buyer's purchase intent. It is immutable once a Buyer starts.
type Request struct {
	Title    string
	Quantity int
	MaxPrice decimal.Decimal
}

// Validate checks title, quantity > 0 and max price > 0.
func (r Request) Validate() error {
	if r.Title == "" {
		return xerrors.New("request: empty title")
	}
	if r.Quantity <= 0 {
		return xerrors.Errorf("request %q: quantity %d must be positive", r.Title, r.Quantity)
	}
	if !r.MaxPrice.IsPositive() {
		return xerrors.Errorf("request %q: max price %s must be positive", r.Title, r.MaxPrice)
	}
	return nil
}

// Buyer drives one Request from quote collection through settlement.
type Buyer struct {
	id   string
	req  Request
	opts options

	conv    string // active conversation; empty when idle
	quotes  QuoteBook
	refused map[string]string // seller -> reason for the active conversation
	session *Session
}

// NewBuyer returns an idle buyer engine for req.
func NewBuyer(id string, req Request, opts ...Option) (*Buyer, error) {
	if id == "" {
		return nil, xerrors.New("buyer: empty id")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &Buyer{id: id, req: req, opts: buildOptions(opts)}, nil
}

// ID returns the buyer's agent id.
func (b *Buyer) ID() string { return b.id }

// Request returns the purchase intent.
func (b *Buyer) Request() Request { return b.req }

// Conversation returns the active conversation id, or "".
func (b *Buyer) Conversation() string { return b.conv }

// Active reports whether a conversation is collecting quotes or negotiating.
// While active the buyer must not broadcast again.
func (b *Buyer) Active() bool {
	if b.conv == "" {
		return false
	}
	return b.session == nil || !b.session.Outcome.Terminal()
}

// Collecting reports whether quotes are being collected.
func (b *Buyer) Collecting() bool { return b.conv != "" && b.session == nil }

// Done reports whether the buyer reached a terminal outcome.
func (b *Buyer) Done() bool { return b.session != nil && b.session.Outcome.Terminal() }

// RequestForQuote opens a collection phase under convID and returns the
// request-for-quote addressed to sellers.
func (b *Buyer) RequestForQuote(convID string, sellers []string) (core.Message, error) {
	if b.Active() {
		return core.Message{}, xerrors.Errorf("buyer %s: conversation %s still active: %w", b.id, b.conv, ErrUnexpectedMessage)
	}
	if len(sellers) == 0 {
		return core.Message{}, core.ErrDiscoveryEmpty
	}
	b.conv = convID
	b.quotes.Reset()
	b.refused = make(map[string]string)
	b.session = nil

	m := core.NewMessage(core.RequestForQuote, b.id, convID, sellers...)
	m.Title = b.req.Title
	m.Quantity = b.req.Quantity
	return m, nil
}

// AbandonCollection ends a collection phase that produced no session.
func (b *Buyer) AbandonCollection() {
	if !b.Collecting() {
		return
	}
	log.Infow("abandoning quote collection", "buyer", b.id, "conversation", b.conv,
		"quotes", b.quotes.Len(), "refusals", len(b.refused))
	b.conv = ""
	b.quotes.Reset()
	b.refused = nil
}

// OfferQuote records q if it offers at least the requested quantity.
func (b *Buyer) OfferQuote(q Quote) bool {
	if q.Quantity < b.req.Quantity {
		log.Debugw("discarding quote with insufficient quantity", "buyer", b.id, "seller", q.Seller,
			"quantity", q.Quantity, "want", b.req.Quantity)
		return false
	}
	b.quotes.Offer(q)
	return true
}

// Quotes returns the number of sellers quoted in the active collection.
func (b *Buyer) Quotes() int { return b.quotes.Len() }

// Refusals returns the reasons sellers gave in the active collection.
func (b *Buyer) Refusals() map[string]string {
	out := make(map[string]string, len(b.refused))
	for k, v := range b.refused {
		out[k] = v
	}
	return out
}

// SelectSeller picks the cheapest quote and returns the opening
// counter-offer. It returns false while no quote qualifies.
func (b *Buyer) SelectSeller() (core.Message, bool) {
	if !b.Collecting() {
		return core.Message{}, false
	}
	q, ok := b.quotes.Best(b.req.Quantity)
	if !ok {
		return core.Message{}, false
	}

	s := &Session{
		Counterparty: q.Seller,
		Conversation: b.conv,
		Role:         RoleBuyer,
		Title:        b.req.Title,
		Quantity:     b.req.Quantity,
		Limit:        b.req.MaxPrice,
		LastActivity: b.opts.clk.Now(),
	}
	s.send(OpeningOffer(q.Price, b.req.MaxPrice))
	b.session = s
	b.opts.hooks.open(s)

	log.Infow("selected seller", "buyer", b.id, "seller", q.Seller, "quote", q.Price,
		"offer", s.Offer, "conversation", b.conv)
	return b.propose(), true
}

// Session returns a snapshot of the active session.
func (b *Buyer) Session() (Session, bool) {
	if b.session == nil {
		return Session{}, false
	}
	return b.session.clone(), true
}

// Handle processes one inbound message and returns the replies to send.
// Malformed or out-of-place messages return an error and leave all state
// unchanged.
func (b *Buyer) Handle(msg core.Message) ([]core.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if b.conv == "" || msg.ConversationID != b.conv {
		return nil, xerrors.Errorf("%s from %s in conversation %q: %w", msg.Performative, msg.Sender, msg.ConversationID, ErrNoSession)
	}
	if b.session == nil {
		return nil, b.collect(msg)
	}
	return b.negotiate(msg)
}

func (b *Buyer) collect(msg core.Message) error {
	switch msg.Performative {
	case core.Propose:
		b.OfferQuote(Quote{Seller: msg.Sender, Price: msg.Price, Quantity: msg.Quantity})
		return nil
	case core.Refuse:
		b.refused[msg.Sender] = msg.Reason
		log.Infow("seller refused", "buyer", b.id, "seller", msg.Sender, "reason", msg.Reason)
		return nil
	default:
		return xerrors.Errorf("%s from %s while collecting quotes: %w", msg.Performative, msg.Sender, ErrUnexpectedMessage)
	}
}

func (b *Buyer) negotiate(msg core.Message) ([]core.Message, error) {
	s := b.session
	if msg.Sender != s.Counterparty {
		// late quote from an unselected seller
		return nil, xerrors.Errorf("%s from %s, negotiating with %s: %w", msg.Performative, msg.Sender, s.Counterparty, ErrUnexpectedMessage)
	}

	switch s.Outcome {
	case Negotiating:
		return b.concede(s, msg)
	case Accepted:
		return nil, b.settle(s, msg)
	default:
		return nil, xerrors.Errorf("%s from %s after %s: %w", msg.Performative, msg.Sender, s.Outcome, ErrUnexpectedMessage)
	}
}

func (b *Buyer) concede(s *Session, msg core.Message) ([]core.Message, error) {
	switch msg.Performative {
	case core.Accept:
		s.advance()
		s.LastActivity = b.opts.clk.Now()
		s.Outcome = Accepted
		if msg.Price.IsPositive() {
			s.AgreedPrice = msg.Price
		}
		log.Infow("seller accepted offer", "buyer", b.id, "seller", s.Counterparty, "price", s.Offer, "round", s.Round)
		return nil, nil

	case core.Propose:
		s.advance()
		s.LastActivity = b.opts.clk.Now()
		p := msg.Price

		if p.GreaterThan(s.Limit) {
			s.Outcome = Rejected
			log.Infow("rejecting offer above maximum", "buyer", b.id, "seller", s.Counterparty,
				"price", p, "max", s.Limit, "round", s.Round)
			b.opts.hooks.close(s)
			r := b.reply(core.Reject)
			r.Price = p
			r.Reason = core.ErrPriceAboveMaximum.Error()
			return []core.Message{r}, nil
		}

		if s.Round >= MaxRounds || WithinTolerance(p, s.Offer) {
			s.Outcome = Accepted
			log.Infow("accepting offer", "buyer", b.id, "seller", s.Counterparty, "price", p,
				"offer", s.Offer, "round", s.Round, "final", msg.Final)
			r := b.reply(core.Accept)
			r.Price = p
			return []core.Message{r}, nil
		}

		s.send(BuyerConcede(s.Offer, p, s.Limit))
		log.Debugw("counter-offer", "buyer", b.id, "seller", s.Counterparty, "theirs", p, "ours", s.Offer, "round", s.Round)
		return []core.Message{b.propose()}, nil

	case core.Cancel, core.Refuse:
		s.advance()
		s.Outcome = Cancelled
		b.opts.hooks.close(s)
		log.Warnw("seller ended negotiation", "buyer", b.id, "seller", s.Counterparty, "reason", msg.Reason)
		return nil, nil

	default:
		return nil, xerrors.Errorf("%s from %s while negotiating: %w", msg.Performative, msg.Sender, ErrUnexpectedMessage)
	}
}

func (b *Buyer) settle(s *Session, msg core.Message) error {
	switch msg.Performative {
	case core.Confirm:
		s.AgreedPrice = msg.Price
		s.Outcome = Sold
		s.LastActivity = b.opts.clk.Now()
		b.opts.hooks.close(s)
		log.Infow("purchase confirmed", "buyer", b.id, "seller", s.Counterparty, "title", s.Title,
			"quantity", s.Quantity, "price", s.AgreedPrice, "rounds", s.Round)
		return nil
	case core.Cancel:
		s.Outcome = Cancelled
		s.LastActivity = b.opts.clk.Now()
		b.opts.hooks.close(s)
		log.Warnw("purchase cancelled", "buyer", b.id, "seller", s.Counterparty, "reason", msg.Reason)
		return nil
	default:
		return xerrors.Errorf("%s from %s while awaiting settlement: %w", msg.Performative, msg.Sender, ErrUnexpectedMessage)
	}
}

// Err maps a terminal outcome to its error. Sold returns nil.
func (b *Buyer) Err() error {
	if b.session == nil {
		return nil
	}
	switch b.session.Outcome {
	case Rejected:
		return core.ErrPriceAboveMaximum
	case Cancelled:
		return core.ErrStockExhaustedAtCommit
	default:
		return nil
	}
}

func (b *Buyer) propose() core.Message {
	m := b.reply(core.Propose)
	m.Title = b.session.Title
	m.Quantity = b.session.Quantity
	m.Price = b.session.Offer
	return m
}

func (b *Buyer) reply(p core.Performative) core.Message {
	return core.NewMessage(p, b.id, b.session.Conversation, b.session.Counterparty)
}
