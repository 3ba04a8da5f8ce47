// Package agent runs haggle buyers and sellers as actors.
//
// Each actor is one goroutine that owns its negotiation engine. It reacts to
// inbox messages and to its own timers, and it talks to the outside world only
// through the Transport, Directory and Registrar interfaces below, so the
// same actor runs over the in-process bus or over libp2p.
package agent

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/negotiation"
)

var log = logging.Logger("haggle/agent")

// ErrInboxClosed is returned by Run when the transport closes the inbox.
var ErrInboxClosed = xerrors.New("inbox closed")

// Transport carries addressed messages for one agent.
type Transport interface {
	Send(ctx context.Context, msg core.Message) error
	Inbox() <-chan core.Message
}

// Directory answers service searches.
type Directory interface {
	Search(serviceType string) []core.ServiceEntry
}

// Registrar publishes and withdraws directory entries.
type Registrar interface {
	Register(entry core.ServiceEntry, ttl time.Duration)
	Deregister(agentID, serviceType string)
}

// Observer receives actor events. The metrics package provides one.
type Observer interface {
	SessionHooks(role negotiation.Role) negotiation.Hooks
	DiscoveryEmpty(agentID string)
	Dropped(agentID string, err error)
}

type nopObserver struct{}

func (nopObserver) SessionHooks(negotiation.Role) negotiation.Hooks { return negotiation.Hooks{} }
func (nopObserver) DiscoveryEmpty(string)                          {}
func (nopObserver) Dropped(string, error)                          {}

// BuyerConfig holds buyer timing.
type BuyerConfig struct {
	DiscoveryInterval   time.Duration
	DiscoveryAttempts   int
	DiscoveryRetryDelay time.Duration
	QuotePollInterval   time.Duration
	QuoteWindow         time.Duration
}

// DefaultBuyerConfig returns the standard buyer timing.
func DefaultBuyerConfig() BuyerConfig {
	return BuyerConfig{
		DiscoveryInterval:   10 * time.Second,
		DiscoveryAttempts:   3,
		DiscoveryRetryDelay: time.Second,
		QuotePollInterval:   5 * time.Second,
		QuoteWindow:         30 * time.Second,
	}
}

// SellerConfig holds seller timing.
type SellerConfig struct {
	QuoteTTL      time.Duration
	SweepInterval time.Duration
}

// DefaultSellerConfig returns the standard seller timing.
func DefaultSellerConfig() SellerConfig {
	return SellerConfig{
		QuoteTTL:      2 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

type options struct {
	clk    clock.Clock
	obs    Observer
	buyer  BuyerConfig
	seller SellerConfig
}

// Option configures an actor.
type Option func(*options)

// WithClock sets the clock driving the actor's timers.
func WithClock(clk clock.Clock) Option { return func(o *options) { o.clk = clk } }

// WithObserver installs an event observer.
func WithObserver(obs Observer) Option { return func(o *options) { o.obs = obs } }

// WithBuyerConfig overrides buyer timing.
func WithBuyerConfig(c BuyerConfig) Option { return func(o *options) { o.buyer = c } }

// WithSellerConfig overrides seller timing.
func WithSellerConfig(c SellerConfig) Option { return func(o *options) { o.seller = c } }

func buildOptions(opts []Option) options {
	o := options{
		clk:    clock.New(),
		obs:    nopObserver{},
		buyer:  DefaultBuyerConfig(),
		seller: DefaultSellerConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func sendAll(ctx context.Context, tr Transport, agentID string, msgs []core.Message) {
	for _, m := range msgs {
		if err := tr.Send(ctx, m); err != nil {
			log.Warnw("send failed", "agent", agentID, "performative", m.Performative,
				"to", m.Receivers, "error", err)
		}
	}
}

// dropped logs and reports a message the engine refused.
func dropped(obs Observer, agentID string, msg core.Message, err error) {
	if xerrors.Is(err, core.ErrMalformedMessage) {
		log.Warnw("dropping malformed message", "agent", agentID, "from", msg.Sender, "error", err)
		obs.Dropped(agentID, err)
		return
	}
	log.Debugw("dropping message", "agent", agentID, "from", msg.Sender,
		"performative", msg.Performative, "error", err)
}
