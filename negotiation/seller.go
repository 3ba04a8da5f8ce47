package negotiation

import (
	"sort"
	"time"

	"golang.org/x/xerrors"

	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/inventory"
)

type sessionKey struct {
	buyer, conv string
}

// Seller answers requests for quotes and negotiates against one inventory.
type Seller struct {
	id    string
	store *inventory.Store
	opts  options

	sessions map[sessionKey]*Session
}

// NewSeller returns a seller engine owning store.
func NewSeller(id string, store *inventory.Store, opts ...Option) (*Seller, error) {
	if id == "" {
		return nil, xerrors.New("seller: empty id")
	}
	if store == nil {
		return nil, xerrors.Errorf("seller %s: nil inventory", id)
	}
	return &Seller{
		id:       id,
		store:    store,
		opts:     buildOptions(opts),
		sessions: make(map[sessionKey]*Session),
	}, nil
}

// ID returns the seller's agent id.
func (s *Seller) ID() string { return s.id }

// Stock returns the inventory item for title.
func (s *Seller) Stock(title string) (inventory.Item, bool) { return s.store.Get(title) }

// Items returns the full inventory.
func (s *Seller) Items() []inventory.Item { return s.store.Items() }

// Sessions returns snapshots of the open sessions ordered by buyer and conversation.
func (s *Seller) Sessions() []Session {
	out := make([]Session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		out = append(out, ss.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Counterparty != out[j].Counterparty {
			return out[i].Counterparty < out[j].Counterparty
		}
		return out[i].Conversation < out[j].Conversation
	})
	return out
}

// Handle processes one inbound message and returns the replies to send.
// Malformed or out-of-place messages return an error and leave all state
// unchanged.
func (s *Seller) Handle(msg core.Message) ([]core.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.Performative == core.RequestForQuote {
		return s.quote(msg)
	}

	key := sessionKey{buyer: msg.Sender, conv: msg.ConversationID}
	ss, ok := s.sessions[key]
	if !ok {
		return nil, xerrors.Errorf("%s from %s in conversation %q: %w", msg.Performative, msg.Sender, msg.ConversationID, ErrNoSession)
	}

	var (
		out []core.Message
		err error
	)
	switch msg.Performative {
	case core.Accept:
		s.begin(ss)
		out, err = s.commit(ss, msg)
	case core.Propose:
		s.begin(ss)
		out = s.concede(ss, msg)
	case core.Reject:
		s.begin(ss)
		ss.Outcome = Rejected
		log.Infow("buyer rejected", "seller", s.id, "buyer", ss.Counterparty, "offer", ss.Offer, "round", ss.Round)
	default:
		return nil, xerrors.Errorf("%s from %s: %w", msg.Performative, msg.Sender, ErrUnexpectedMessage)
	}

	if ss.Outcome.Terminal() {
		s.opts.hooks.close(ss)
		delete(s.sessions, key)
	}
	return out, err
}

func (s *Seller) quote(msg core.Message) ([]core.Message, error) {
	key := sessionKey{buyer: msg.Sender, conv: msg.ConversationID}
	if ss, ok := s.sessions[key]; ok && ss.Round > 0 {
		return nil, xerrors.Errorf("request-for-quote from %s: conversation %s already negotiating: %w", msg.Sender, msg.ConversationID, ErrUnexpectedMessage)
	}

	it, err := s.store.CheckAvailability(msg.Title, msg.Quantity)
	if err != nil {
		reason := core.ReasonItemNotFound
		if xerrors.Is(err, core.ErrInsufficientStock) {
			reason = core.ReasonInsufficientStock
		}
		log.Infow("refusing quote", "seller", s.id, "buyer", msg.Sender, "title", msg.Title,
			"quantity", msg.Quantity, "reason", reason)
		r := msg.Reply(core.Refuse, s.id)
		r.Title = msg.Title
		r.Reason = reason
		return []core.Message{r}, nil
	}

	ss := &Session{
		Counterparty: msg.Sender,
		Conversation: msg.ConversationID,
		Role:         RoleSeller,
		Title:        msg.Title,
		Quantity:     msg.Quantity,
		Limit:        it.Floor,
		LastActivity: s.opts.clk.Now(),
	}
	ss.send(it.Price)
	s.sessions[key] = ss

	log.Debugw("quoting", "seller", s.id, "buyer", msg.Sender, "title", it.Title, "price", it.Price, "stock", it.Quantity)
	r := msg.Reply(core.Propose, s.id)
	r.Title = it.Title
	r.Price = it.Price
	r.Quantity = it.Quantity
	return []core.Message{r}, nil
}

// begin consumes a round; the first buyer message opens the dialogue.
func (s *Seller) begin(ss *Session) {
	if ss.Round == 0 {
		s.opts.hooks.open(ss)
	}
	ss.advance()
	ss.LastActivity = s.opts.clk.Now()
}

func (s *Seller) concede(ss *Session, msg core.Message) []core.Message {
	candidate := SellerConcede(ss.Offer, msg.Price, ss.Limit)

	r := msg.Reply(core.Propose, s.id)
	r.Title = ss.Title
	r.Quantity = ss.Quantity

	if ss.Round >= MaxRounds || candidate.Equal(ss.Limit) {
		ss.send(ss.Limit)
		ss.Final = true
		r.Final = true
		log.Infow("final offer", "seller", s.id, "buyer", ss.Counterparty, "price", ss.Offer, "round", ss.Round)
	} else {
		ss.send(candidate)
		log.Debugw("counter-offer", "seller", s.id, "buyer", ss.Counterparty, "theirs", msg.Price, "ours", ss.Offer, "round", ss.Round)
	}
	r.Price = ss.Offer
	return []core.Message{r}
}

func (s *Seller) commit(ss *Session, msg core.Message) ([]core.Message, error) {
	if msg.Price.IsPositive() && !msg.Price.Equal(ss.Offer) {
		log.Warnw("accepted price differs from last offer, committing last offer",
			"seller", s.id, "buyer", ss.Counterparty, "accepted", msg.Price, "offer", ss.Offer)
	}

	sale, err := s.store.Commit(ss.Title, ss.Quantity, ss.Offer)
	if err != nil {
		ss.Outcome = Cancelled
		log.Warnw("sale cancelled", "seller", s.id, "buyer", ss.Counterparty, "title", ss.Title, "error", err)
		r := msg.Reply(core.Cancel, s.id)
		r.Title = ss.Title
		r.Reason = core.ReasonStockExhausted
		if !xerrors.Is(err, core.ErrStockExhaustedAtCommit) {
			return []core.Message{r}, xerrors.Errorf("commit for %s: %w", ss.Counterparty, err)
		}
		return []core.Message{r}, nil
	}

	ss.Outcome = Sold
	ss.AgreedPrice = ss.Offer
	log.Infow("sale completed", "seller", s.id, "buyer", ss.Counterparty, "title", sale.Title,
		"quantity", sale.Quantity, "price", sale.Price, "rounds", ss.Round)

	r := msg.Reply(core.Confirm, s.id)
	r.Title = sale.Title
	r.Quantity = sale.Quantity
	r.Price = sale.Price
	r.Reason = core.ReasonSaleCompleted
	return []core.Message{r}, nil
}

// ExpireQuotes drops quotes that no buyer followed up within ttl and
// returns how many were dropped. Sessions in negotiation never expire.
func (s *Seller) ExpireQuotes(ttl time.Duration) int {
	cutoff := s.opts.clk.Now().Add(-ttl)
	n := 0
	for k, ss := range s.sessions {
		if ss.Round == 0 && ss.LastActivity.Before(cutoff) {
			delete(s.sessions, k)
			n++
		}
	}
	return n
}
