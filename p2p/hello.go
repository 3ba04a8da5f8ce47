package p2p

import (
	"context"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/core"
)

const helloTimeout = 10 * time.Second

// Hello exchanges agent ids and offered services with pid. The remote agent
// becomes addressable by Send, and each service it offers is added to the
// local directory for one announce TTL.
func (ah *AgentHost) Hello(ctx context.Context, pid peer.ID) (*core.Hello, error) {
	s, err := ah.h.NewStream(ctx, pid, HelloProtocol)
	if err != nil {
		return nil, xerrors.Errorf("hello: open stream: %w", err)
	}
	defer s.Close()

	deadline := time.Now().Add(helloTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.SetDeadline(deadline)

	if err := writeMsg(s, ah.hello()); err != nil {
		return nil, xerrors.Errorf("hello: write: %w", err)
	}
	resp, err := readHello(s)
	if err != nil {
		return nil, xerrors.Errorf("hello: %w", err)
	}
	ah.welcome(resp, pid)
	return resp, nil
}

// handleHello answers an inbound hello with our own.
func (ah *AgentHost) handleHello(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(helloTimeout))

	remote := s.Conn().RemotePeer()
	req, err := readHello(s)
	if err != nil {
		log.Warnw("hello: bad request", "peer", remote, "error", err)
		_ = s.Reset()
		return
	}
	ah.welcome(req, remote)

	if err := writeMsg(s, ah.hello()); err != nil {
		log.Warnw("hello: write response", "peer", remote, "error", err)
	}
}

func (ah *AgentHost) hello() *core.Hello {
	ah.mu.RLock()
	services := make([]string, 0, len(ah.services))
	for svc := range ah.services {
		services = append(services, svc)
	}
	ah.mu.RUnlock()
	sort.Strings(services)

	return &core.Hello{AgentID: ah.agentID, Services: services, Version: core.ProtocolVersion}
}

func (ah *AgentHost) welcome(h *core.Hello, pid peer.ID) {
	ah.learn(h.AgentID, pid)
	for _, svc := range h.Services {
		ah.directory.Register(core.ServiceEntry{AgentID: h.AgentID, ServiceType: svc, Name: h.AgentID}, ah.cfg.AnnounceTTL)
	}
	log.Debugw("hello", "agent", h.AgentID, "peer", pid, "services", h.Services, "version", h.Version)
}

func readHello(s network.Stream) (*core.Hello, error) {
	msgType, data, err := readMsg(s)
	if err != nil {
		return nil, err
	}
	if msgType != core.MsgHello {
		return nil, xerrors.Errorf("expected hello, got frame type 0x%02x: %w", msgType, core.ErrMalformedMessage)
	}
	h, err := core.DecodeHello(data)
	if err != nil {
		return nil, err
	}
	if h.AgentID == "" {
		return nil, xerrors.Errorf("hello without agent id: %w", core.ErrMalformedMessage)
	}
	return h, nil
}
