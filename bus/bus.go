// Package bus is an in-process message bus for haggle agents, suitable for
// tests, examples and the single-process market.
//
// Every attached agent owns an unbounded FIFO inbox, so delivery between any
// ordered pair of agents is reliable and in send order.
package bus

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/internal/mailbox"
)

var log = logging.Logger("haggle/bus")

// ErrUnknownAgent is returned when a receiver is not attached.
var ErrUnknownAgent = xerrors.New("unknown agent")

// Bus routes messages between attached endpoints.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint // keyed by agentID
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{endpoints: make(map[string]*Endpoint)}
}

// Attach creates the endpoint for agentID.
func (b *Bus) Attach(agentID string) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[agentID]; ok {
		return nil, xerrors.Errorf("bus: agent %q already attached", agentID)
	}
	ep := &Endpoint{id: agentID, bus: b, box: mailbox.New[core.Message]()}
	b.endpoints[agentID] = ep
	return ep, nil
}

// Detach removes agentID and closes its inbox.
func (b *Bus) Detach(agentID string) {
	b.mu.Lock()
	ep, ok := b.endpoints[agentID]
	delete(b.endpoints, agentID)
	b.mu.Unlock()
	if ok {
		ep.box.Close()
	}
}

// deliver puts msg in the inbox of every receiver. Failures for one
// receiver do not stop delivery to the others.
func (b *Bus) deliver(ctx context.Context, msg core.Message) error {
	if len(msg.Receivers) == 0 {
		return xerrors.Errorf("bus: %s from %s has no receivers", msg.Performative, msg.Sender)
	}

	var errs error
	for _, to := range msg.Receivers {
		b.mu.RLock()
		ep, ok := b.endpoints[to]
		b.mu.RUnlock()
		if !ok {
			errs = multierr.Append(errs, xerrors.Errorf("bus: deliver to %q: %w", to, ErrUnknownAgent))
			continue
		}
		m := msg
		m.Receivers = append([]string(nil), msg.Receivers...)
		if err := ep.box.Put(ctx, m); err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("bus: deliver to %q: %w", to, err))
		}
	}
	if errs != nil {
		log.Debugw("delivery failed", "performative", msg.Performative, "from", msg.Sender, "error", errs)
	}
	return errs
}

// Endpoint is one agent's attachment to the bus.
type Endpoint struct {
	id  string
	bus *Bus
	box *mailbox.Mailbox[core.Message]
}

// ID returns the attached agent id.
func (e *Endpoint) ID() string { return e.id }

// Send delivers msg to its receivers.
func (e *Endpoint) Send(ctx context.Context, msg core.Message) error {
	return e.bus.deliver(ctx, msg)
}

// Inbox returns the agent's inbound messages in arrival order.
func (e *Endpoint) Inbox() <-chan core.Message { return e.box.Out() }
