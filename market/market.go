// Package market runs sellers and buyers in one process over the in-memory
// bus and a shared directory.
package market

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/agent"
	"github.com/olserra/haggle/bus"
	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/inventory"
	"github.com/olserra/haggle/negotiation"
)

var log = logging.Logger("haggle/market")

// ErrNotStarted is returned by PlaceOrder before Start or after the market stopped.
var ErrNotStarted = xerrors.New("market not running")

// Market owns the bus, the directory and every actor attached to them.
type Market struct {
	bus  *bus.Bus
	dir  *core.DiscoveryRegistry
	opts []agent.Option

	mu      sync.Mutex
	sellers []*agent.Seller
	g       *errgroup.Group
	ctx     context.Context
}

// New creates an empty market. opts apply to every actor it starts.
func New(opts ...agent.Option) *Market {
	return &Market{
		bus:  bus.New(),
		dir:  core.NewDiscoveryRegistry(),
		opts: opts,
	}
}

// Directory returns the shared directory.
func (m *Market) Directory() *core.DiscoveryRegistry { return m.dir }

// AddSeller attaches a seller with the given opening inventory. Sellers added
// after Start begin serving immediately.
func (m *Market) AddSeller(name string, items []inventory.Item) (*agent.Seller, error) {
	store, err := inventory.New(items...)
	if err != nil {
		return nil, xerrors.Errorf("seller %q: %w", name, err)
	}
	ep, err := m.bus.Attach(name)
	if err != nil {
		return nil, err
	}
	s, err := agent.NewSeller(name, store, ep, m.dir, m.opts...)
	if err != nil {
		m.bus.Detach(name)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sellers = append(m.sellers, s)
	if m.g != nil {
		m.g.Go(func() error { return s.Run(m.ctx) })
	}
	return s, nil
}

// Sellers returns the sellers in the order they were added.
func (m *Market) Sellers() []*agent.Seller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*agent.Seller(nil), m.sellers...)
}

// Start runs every seller until ctx is cancelled. Wait returns the first
// actor error.
func (m *Market) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.g != nil {
		return
	}
	m.g, m.ctx = errgroup.WithContext(ctx)
	for _, s := range m.sellers {
		s := s
		m.g.Go(func() error { return s.Run(m.ctx) })
	}
	log.Infow("market started", "sellers", len(m.sellers))
}

// Wait blocks until every actor has returned.
func (m *Market) Wait() error {
	m.mu.Lock()
	g := m.g
	m.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Order is a running buyer.
type Order struct {
	Buyer   string
	Request negotiation.Request

	done chan struct{}
	res  agent.Result
	err  error
}

// Done is closed once the buyer finished.
func (o *Order) Done() <-chan struct{} { return o.done }

// Wait blocks until the buyer finished or ctx is done.
func (o *Order) Wait(ctx context.Context) (agent.Result, error) {
	select {
	case <-o.done:
		return o.res, o.err
	case <-ctx.Done():
		return agent.Result{Buyer: o.Buyer}, ctx.Err()
	}
}

// PlaceOrder starts a buyer named buyer-<ulid> for req. The buyer runs until
// it reaches a terminal outcome, ctx is cancelled or the market stops.
func (m *Market) PlaceOrder(ctx context.Context, req negotiation.Request) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	mctx := m.ctx
	m.mu.Unlock()
	if mctx == nil || mctx.Err() != nil {
		return nil, ErrNotStarted
	}

	id := NewBuyerID()
	ep, err := m.bus.Attach(id)
	if err != nil {
		return nil, err
	}
	b, err := agent.NewBuyer(id, req, ep, m.dir, m.opts...)
	if err != nil {
		m.bus.Detach(id)
		return nil, err
	}

	o := &Order{Buyer: id, Request: req, done: make(chan struct{})}
	bctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(o.done)
		defer m.bus.Detach(id)
		defer cancel()
		stop := context.AfterFunc(mctx, cancel)
		defer stop()

		o.res, o.err = b.Run(bctx)
		log.Infow("order finished", "buyer", id, "title", req.Title,
			"outcome", o.res.Outcome, "seller", o.res.Seller, "price", o.res.Price, "error", o.err)
	}()
	log.Infow("order placed", "buyer", id, "title", req.Title, "quantity", req.Quantity, "max", req.MaxPrice)
	return o, nil
}

// NewBuyerID returns a unique, time-sortable buyer name.
func NewBuyerID() string {
	return "buyer-" + ulid.Make().String()
}
