package agent

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/inventory"
	"github.com/olserra/haggle/negotiation"
)

// Seller registers in the directory and answers buyers from one inventory.
type Seller struct {
	engine *negotiation.Seller
	tr     Transport
	reg    Registrar
	opts   options

	queries chan func()
}

// NewSeller builds a seller actor. The store is owned by the actor from
// now on; read it through Stock or Inventory.
func NewSeller(id string, store *inventory.Store, tr Transport, reg Registrar, opts ...Option) (*Seller, error) {
	o := buildOptions(opts)
	engine, err := negotiation.NewSeller(id, store,
		negotiation.WithClock(o.clk),
		negotiation.WithHooks(o.obs.SessionHooks(negotiation.RoleSeller)))
	if err != nil {
		return nil, err
	}
	return &Seller{
		engine:  engine,
		tr:      tr,
		reg:     reg,
		opts:    o,
		queries: make(chan func()),
	}, nil
}

// ID returns the seller's agent id.
func (s *Seller) ID() string { return s.engine.ID() }

// Run registers the seller and serves buyers until ctx is cancelled. The
// directory entry is withdrawn on return.
func (s *Seller) Run(ctx context.Context) error {
	entry := core.ServiceEntry{AgentID: s.ID(), ServiceType: core.ServiceType, Name: s.ID()}
	s.reg.Register(entry, 0)
	defer s.reg.Deregister(entry.AgentID, entry.ServiceType)

	log.Infow("seller started", "seller", s.ID(), "items", len(s.engine.Items()))

	sweep := s.opts.clk.Ticker(s.opts.seller.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infow("seller stopped", "seller", s.ID())
			return nil

		case msg, ok := <-s.tr.Inbox():
			if !ok {
				return xerrors.Errorf("seller %s: %w", s.ID(), ErrInboxClosed)
			}
			replies, err := s.engine.Handle(msg)
			if err != nil && len(replies) == 0 {
				dropped(s.opts.obs, s.ID(), msg, err)
				continue
			}
			if err != nil {
				log.Errorw("handling message", "seller", s.ID(), "from", msg.Sender, "error", err)
			}
			sendAll(ctx, s.tr, s.ID(), replies)

		case <-sweep.C:
			if n := s.engine.ExpireQuotes(s.opts.seller.QuoteTTL); n > 0 {
				log.Debugw("expired unselected quotes", "seller", s.ID(), "count", n)
			}

		case q := <-s.queries:
			q()
		}
	}
}

// Stock returns the current item for title, read inside the actor.
func (s *Seller) Stock(ctx context.Context, title string) (inventory.Item, bool, error) {
	var (
		it inventory.Item
		ok bool
	)
	err := s.query(ctx, func() { it, ok = s.engine.Stock(title) })
	return it, ok, err
}

// Inventory returns every item, read inside the actor.
func (s *Seller) Inventory(ctx context.Context) ([]inventory.Item, error) {
	var items []inventory.Item
	err := s.query(ctx, func() { items = s.engine.Items() })
	return items, err
}

// Sessions returns the open sessions, read inside the actor.
func (s *Seller) Sessions(ctx context.Context) ([]negotiation.Session, error) {
	var out []negotiation.Session
	err := s.query(ctx, func() { out = s.engine.Sessions() })
	return out, err
}

func (s *Seller) query(ctx context.Context, f func()) error {
	done := make(chan struct{})
	select {
	case s.queries <- func() { f(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
