package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/negotiation"
)

// Result is how a buyer's negotiation ended.
type Result struct {
	Buyer   string
	Outcome negotiation.Outcome
	Seller  string
	Price   decimal.Decimal // agreed price, set only when Outcome is Sold
	Rounds  int
	Err     error // ErrPriceAboveMaximum or ErrStockExhaustedAtCommit
}

// Buyer discovers sellers, collects quotes and negotiates one Request.
type Buyer struct {
	engine *negotiation.Buyer
	tr     Transport
	dir    Directory
	opts   options

	window *clock.Timer // quote collection deadline
}

// NewBuyer builds a buyer actor for req.
func NewBuyer(id string, req negotiation.Request, tr Transport, dir Directory, opts ...Option) (*Buyer, error) {
	o := buildOptions(opts)
	if o.buyer.DiscoveryAttempts < 1 {
		return nil, xerrors.Errorf("buyer %s: discovery attempts %d must be positive", id, o.buyer.DiscoveryAttempts)
	}
	engine, err := negotiation.NewBuyer(id, req,
		negotiation.WithClock(o.clk),
		negotiation.WithHooks(o.obs.SessionHooks(negotiation.RoleBuyer)))
	if err != nil {
		return nil, err
	}
	return &Buyer{engine: engine, tr: tr, dir: dir, opts: o}, nil
}

// ID returns the buyer's agent id.
func (b *Buyer) ID() string { return b.engine.ID() }

// Run drives the buyer until its negotiation reaches a terminal outcome or
// ctx is cancelled.
func (b *Buyer) Run(ctx context.Context) (Result, error) {
	cfg := b.opts.buyer
	log.Infow("buyer started", "buyer", b.ID(), "title", b.engine.Request().Title,
		"quantity", b.engine.Request().Quantity, "max", b.engine.Request().MaxPrice)

	discover := b.opts.clk.Ticker(cfg.DiscoveryInterval)
	defer discover.Stop()
	poll := b.opts.clk.Ticker(cfg.QuotePollInterval)
	defer poll.Stop()

	windowC := b.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			b.stopWindow()
			return b.result(), ctx.Err()

		case <-discover.C:
			if c := b.cycle(ctx); c != nil {
				windowC = c
			}

		case <-poll.C:
			if b.selectSeller(ctx) {
				windowC = nil
			}

		case <-windowC:
			windowC = nil
			b.window = nil
			b.engine.AbandonCollection()

		case msg, ok := <-b.tr.Inbox():
			if !ok {
				b.stopWindow()
				return b.result(), xerrors.Errorf("buyer %s: %w", b.ID(), ErrInboxClosed)
			}
			replies, err := b.engine.Handle(msg)
			if err != nil {
				dropped(b.opts.obs, b.ID(), msg, err)
				continue
			}
			sendAll(ctx, b.tr, b.ID(), replies)
		}

		if b.engine.Done() {
			b.stopWindow()
			res := b.result()
			log.Infow("buyer finished", "buyer", b.ID(), "outcome", res.Outcome, "seller", res.Seller,
				"price", res.Price, "rounds", res.Rounds)
			return res, nil
		}
	}
}

// cycle runs one periodic discovery step. It does nothing while a
// conversation is active. It returns the quote window channel when a
// request-for-quote went out.
func (b *Buyer) cycle(ctx context.Context) <-chan time.Time {
	if b.engine.Active() {
		log.Debugw("conversation active, skipping discovery", "buyer", b.ID(), "conversation", b.engine.Conversation())
		return nil
	}
	if !b.findSellersAndBroadcast(ctx) {
		return nil
	}
	t := b.opts.clk.Timer(b.opts.buyer.QuoteWindow)
	b.window = t
	return t.C
}

// findSellersAndBroadcast searches the directory with bounded retries and
// sends one request-for-quote to every seller found.
func (b *Buyer) findSellersAndBroadcast(ctx context.Context) bool {
	cfg := b.opts.buyer

	var sellers []core.ServiceEntry
	for attempt := 1; attempt <= cfg.DiscoveryAttempts; attempt++ {
		sellers = b.dir.Search(core.ServiceType)
		if len(sellers) > 0 {
			break
		}
		if attempt == cfg.DiscoveryAttempts {
			break
		}
		log.Debugw("no sellers yet, retrying", "buyer", b.ID(), "attempt", attempt)
		select {
		case <-b.opts.clk.After(cfg.DiscoveryRetryDelay):
		case <-ctx.Done():
			return false
		}
	}
	if len(sellers) == 0 {
		log.Warnw("discovery failed", "buyer", b.ID(), "attempts", cfg.DiscoveryAttempts, "error", core.ErrDiscoveryEmpty)
		b.opts.obs.DiscoveryEmpty(b.ID())
		return false
	}

	ids := make([]string, 0, len(sellers))
	for _, s := range sellers {
		ids = append(ids, s.AgentID)
	}
	rfq, err := b.engine.RequestForQuote(uuid.NewString(), ids)
	if err != nil {
		log.Warnw("cannot request quotes", "buyer", b.ID(), "error", err)
		return false
	}
	log.Infow("requesting quotes", "buyer", b.ID(), "sellers", ids, "conversation", rfq.ConversationID)
	if err := b.tr.Send(ctx, rfq); err != nil {
		// sellers that did receive it may still answer
		log.Warnw("request-for-quote partially failed", "buyer", b.ID(), "error", err)
	}
	return true
}

func (b *Buyer) selectSeller(ctx context.Context) bool {
	first, ok := b.engine.SelectSeller()
	if !ok {
		return false
	}
	b.stopWindow()
	sendAll(ctx, b.tr, b.ID(), []core.Message{first})
	return true
}

func (b *Buyer) stopWindow() {
	if b.window != nil {
		b.window.Stop()
		b.window = nil
	}
}

func (b *Buyer) result() Result {
	res := Result{Buyer: b.ID(), Outcome: negotiation.Negotiating}
	s, ok := b.engine.Session()
	if !ok {
		return res
	}
	res.Outcome = s.Outcome
	res.Seller = s.Counterparty
	res.Rounds = s.Round
	res.Err = b.engine.Err()
	if s.Outcome == negotiation.Sold {
		res.Price = s.AgreedPrice
	}
	return res
}
