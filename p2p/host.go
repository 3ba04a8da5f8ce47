// Package p2p provides a libp2p-backed transport and directory for haggle
// agents.
//
// Each node wraps a libp2p host serving two protocols:
//
//	/haggle/msg/1.0.0    long-lived stream per peer carrying negotiation messages
//	/haggle/hello/1.0.0  request/response exchange of agent ids and services
//
// Directory entries travel as gossipsub announcements on /haggle/directory/1.0.0.
// Every payload is framed with core.Frame:
//
//	[4-byte big-endian length] [1-byte MessageType] [N-byte protobuf payload]
package p2p

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/internal/mailbox"
)

var log = logging.Logger("haggle/p2p")

const (
	// MsgProtocol carries framed core.Message values.
	MsgProtocol protocol.ID = "/haggle/msg/1.0.0"
	// HelloProtocol exchanges core.Hello on connect.
	HelloProtocol protocol.ID = "/haggle/hello/1.0.0"
	// DirectoryTopic is the gossipsub topic for service announcements.
	DirectoryTopic = "/haggle/directory/1.0.0"

	maxFrameSize = 4 * 1024 * 1024
)

// ErrUnknownPeer is returned when no peer is known for a receiver.
var ErrUnknownPeer = xerrors.New("no peer known for agent")

// Config configures an AgentHost.
type Config struct {
	ListenAddrs      []string
	AnnounceInterval time.Duration
	AnnounceTTL      time.Duration
	// Dropped is called for inbound payloads that do not decode.
	Dropped func(agentID string, err error)
}

// DefaultConfig listens on a random local TCP port.
func DefaultConfig() Config {
	return Config{
		ListenAddrs:      []string{"/ip4/127.0.0.1/tcp/0"},
		AnnounceInterval: 20 * time.Second,
		AnnounceTTL:      time.Minute,
	}
}

// AgentHost is one haggle agent on a libp2p host. It implements the agent
// package's Transport, Directory and Registrar interfaces.
type AgentHost struct {
	h       host.Host
	agentID string
	cfg     Config

	directory *core.DiscoveryRegistry
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	inbox     *mailbox.Mailbox[core.Message]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	known      map[string]peer.ID // agentID -> peer
	streams    map[peer.ID]*outStream
	services   map[string]struct{}
	announcing map[string]context.CancelFunc // keyed by service type
}

type outStream struct {
	mu sync.Mutex
	s  network.Stream
}

// NewHost creates a host for agentID and joins the directory topic.
func NewHost(ctx context.Context, agentID string, cfg Config) (*AgentHost, error) {
	if agentID == "" {
		return nil, xerrors.New("p2p: empty agent id")
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = DefaultConfig().ListenAddrs
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultConfig().AnnounceInterval
	}
	if cfg.AnnounceTTL <= 0 {
		cfg.AnnounceTTL = DefaultConfig().AnnounceTTL
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, xerrors.Errorf("p2p: create host: %w", err)
	}

	hctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(hctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, xerrors.Errorf("p2p: gossipsub: %w", err)
	}
	topic, err := ps.Join(DirectoryTopic)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, xerrors.Errorf("p2p: join %s: %w", DirectoryTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		_ = topic.Close()
		_ = h.Close()
		return nil, xerrors.Errorf("p2p: subscribe %s: %w", DirectoryTopic, err)
	}

	ah := &AgentHost{
		h:          h,
		agentID:    agentID,
		cfg:        cfg,
		directory:  core.NewDiscoveryRegistry(),
		topic:      topic,
		sub:        sub,
		inbox:      mailbox.New[core.Message](),
		ctx:        hctx,
		cancel:     cancel,
		known:      map[string]peer.ID{agentID: h.ID()},
		streams:    make(map[peer.ID]*outStream),
		services:   make(map[string]struct{}),
		announcing: make(map[string]context.CancelFunc),
	}
	h.SetStreamHandler(MsgProtocol, ah.handleMsgStream)
	h.SetStreamHandler(HelloProtocol, ah.handleHello)

	ah.directory.StartEvictionLoop(hctx, cfg.AnnounceInterval)
	ah.wg.Add(1)
	go ah.readAnnouncements()

	log.Infow("host started", "agent", agentID, "peer", h.ID(), "addrs", h.Addrs())
	return ah, nil
}

// Close shuts down the host. Pending inbound messages are discarded.
func (ah *AgentHost) Close() error {
	ah.mu.Lock()
	for svc, stop := range ah.announcing {
		stop()
		delete(ah.announcing, svc)
	}
	ah.mu.Unlock()

	ah.sub.Cancel()
	topicErr := ah.topic.Close()
	ah.cancel()

	ah.mu.Lock()
	for pid, st := range ah.streams {
		_ = st.s.Close()
		delete(ah.streams, pid)
	}
	ah.mu.Unlock()

	ah.wg.Wait()
	ah.inbox.Close()
	return multierr.Combine(topicErr, ah.h.Close())
}

// AgentID returns the agent this host speaks for.
func (ah *AgentHost) AgentID() string { return ah.agentID }

// PeerID returns the underlying libp2p peer.ID.
func (ah *AgentHost) PeerID() peer.ID { return ah.h.ID() }

// AddrInfo returns the peer.AddrInfo that peers can use to connect to us.
func (ah *AgentHost) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: ah.h.ID(), Addrs: ah.h.Addrs()}
}

// Connect establishes a libp2p connection to a peer.
func (ah *AgentHost) Connect(ctx context.Context, info peer.AddrInfo) error {
	return ah.h.Connect(ctx, info)
}

// Connected reports whether a live connection to pid exists.
func (ah *AgentHost) Connected(pid peer.ID) bool {
	return ah.h.Network().Connectedness(pid) == network.Connected
}

// Directory returns the host's local view of the directory.
func (ah *AgentHost) Directory() *core.DiscoveryRegistry { return ah.directory }

// ------------------------------------------------------------------ agent.Transport

// Inbox returns inbound messages in arrival order.
func (ah *AgentHost) Inbox() <-chan core.Message { return ah.inbox.Out() }

// Send delivers msg to each receiver over its peer's message stream.
func (ah *AgentHost) Send(ctx context.Context, msg core.Message) error {
	if len(msg.Receivers) == 0 {
		return xerrors.Errorf("p2p: %s from %s has no receivers", msg.Performative, msg.Sender)
	}
	var errs error
	for _, to := range msg.Receivers {
		if to == ah.agentID {
			errs = multierr.Append(errs, ah.inbox.Put(ctx, msg))
			continue
		}
		pid, ok := ah.peerFor(to)
		if !ok {
			errs = multierr.Append(errs, xerrors.Errorf("p2p: send to %q: %w", to, ErrUnknownPeer))
			continue
		}
		if err := ah.sendTo(ctx, pid, &msg); err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("p2p: send to %q: %w", to, err))
		}
	}
	return errs
}

// sendTo writes one frame on the peer's long-lived stream, reopening it once
// if the previous stream broke.
func (ah *AgentHost) sendTo(ctx context.Context, pid peer.ID, msg *core.Message) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var st *outStream
		st, err = ah.stream(ctx, pid)
		if err != nil {
			return err
		}
		st.mu.Lock()
		err = writeMsg(st.s, msg)
		st.mu.Unlock()
		if err == nil {
			return nil
		}
		log.Debugw("message stream broken, reopening", "peer", pid, "error", err)
		ah.dropStream(pid, st)
	}
	return err
}

func (ah *AgentHost) stream(ctx context.Context, pid peer.ID) (*outStream, error) {
	ah.mu.RLock()
	st, ok := ah.streams[pid]
	ah.mu.RUnlock()
	if ok {
		return st, nil
	}

	s, err := ah.h.NewStream(ctx, pid, MsgProtocol)
	if err != nil {
		return nil, xerrors.Errorf("open stream: %w", err)
	}

	ah.mu.Lock()
	defer ah.mu.Unlock()
	if existing, ok := ah.streams[pid]; ok {
		_ = s.Close()
		return existing, nil
	}
	st = &outStream{s: s}
	ah.streams[pid] = st
	return st, nil
}

func (ah *AgentHost) dropStream(pid peer.ID, st *outStream) {
	ah.mu.Lock()
	if ah.streams[pid] == st {
		delete(ah.streams, pid)
	}
	ah.mu.Unlock()
	_ = st.s.Reset()
}

func (ah *AgentHost) peerFor(agentID string) (peer.ID, bool) {
	ah.mu.RLock()
	defer ah.mu.RUnlock()
	pid, ok := ah.known[agentID]
	return pid, ok
}

func (ah *AgentHost) learn(agentID string, pid peer.ID) {
	if agentID == "" {
		return
	}
	ah.mu.Lock()
	defer ah.mu.Unlock()
	if ah.known[agentID] != pid {
		ah.known[agentID] = pid
		log.Debugw("learned peer", "agent", agentID, "peer", pid)
	}
}

// ------------------------------------------------------------------ agent.Directory / agent.Registrar

// Search returns the live entries offering serviceType.
func (ah *AgentHost) Search(serviceType string) []core.ServiceEntry {
	return ah.directory.Search(serviceType)
}

// Register records entry locally and republishes it to the directory topic
// until Deregister. ttl is ignored for the local copy; remote copies expire
// after the configured announce TTL unless refreshed.
func (ah *AgentHost) Register(entry core.ServiceEntry, _ time.Duration) {
	ah.directory.Register(entry, 0)

	ah.mu.Lock()
	ah.services[entry.ServiceType] = struct{}{}
	if stop, ok := ah.announcing[entry.ServiceType]; ok {
		stop()
	}
	actx, stop := context.WithCancel(ah.ctx)
	ah.announcing[entry.ServiceType] = stop
	ah.mu.Unlock()

	ah.wg.Add(1)
	go ah.announceLoop(actx, entry)
}

// Deregister withdraws the entry locally and tells peers to drop it.
func (ah *AgentHost) Deregister(agentID, serviceType string) {
	ah.directory.Deregister(agentID, serviceType)

	ah.mu.Lock()
	delete(ah.services, serviceType)
	stop, ok := ah.announcing[serviceType]
	delete(ah.announcing, serviceType)
	ah.mu.Unlock()
	if !ok {
		return
	}
	stop()

	ann := core.BuildAnnouncement(core.ServiceEntry{AgentID: agentID, ServiceType: serviceType}, 0)
	ann.TTL = -1
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ah.publish(ctx, ann); err != nil {
		log.Debugw("publishing withdrawal", "agent", agentID, "error", err)
	}
}

func (ah *AgentHost) announceLoop(ctx context.Context, entry core.ServiceEntry) {
	defer ah.wg.Done()

	t := time.NewTicker(ah.cfg.AnnounceInterval)
	defer t.Stop()
	for {
		if err := ah.publish(ctx, core.BuildAnnouncement(entry, ah.cfg.AnnounceTTL)); err != nil && ctx.Err() == nil {
			log.Warnw("announcing service", "agent", entry.AgentID, "service", entry.ServiceType, "error", err)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
}

func (ah *AgentHost) publish(ctx context.Context, ann *core.ServiceAnnouncement) error {
	payload, err := ann.Encode()
	if err != nil {
		return err
	}
	return ah.topic.Publish(ctx, core.Frame(ann.MsgType(), payload))
}

func (ah *AgentHost) readAnnouncements() {
	defer ah.wg.Done()
	for {
		m, err := ah.sub.Next(ah.ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == ah.h.ID() {
			continue
		}
		msgType, payload, err := core.Unframe(m.Data)
		if err == nil && msgType != core.MsgAnnouncement {
			err = xerrors.Errorf("unexpected frame type 0x%02x on %s: %w", msgType, DirectoryTopic, core.ErrMalformedMessage)
		}
		var ann *core.ServiceAnnouncement
		if err == nil {
			ann, err = core.DecodeServiceAnnouncement(payload)
		}
		if err != nil {
			ah.dropped(err)
			continue
		}

		if ann.TTL < 0 {
			ah.directory.Deregister(ann.AgentID, ann.ServiceType)
			log.Debugw("directory entry withdrawn", "agent", ann.AgentID, "service", ann.ServiceType)
			continue
		}
		ah.learn(ann.AgentID, m.GetFrom())
		ah.directory.RegisterAnnouncement(ann)
	}
}

// ------------------------------------------------------------------ incoming messages

func (ah *AgentHost) handleMsgStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	for {
		msgType, data, err := readMsg(s)
		if err != nil {
			if !xerrors.Is(err, io.EOF) && ah.ctx.Err() == nil {
				log.Debugw("message stream closed", "peer", remote, "error", err)
			}
			return
		}
		if msgType != core.MsgEnvelope {
			ah.dropped(xerrors.Errorf("unexpected frame type 0x%02x from %s: %w", msgType, remote, core.ErrMalformedMessage))
			continue
		}
		msg, err := core.DecodeMessage(data)
		if err != nil {
			ah.dropped(err)
			continue
		}
		ah.learn(msg.Sender, remote)
		if err := ah.inbox.Put(ah.ctx, *msg); err != nil {
			return
		}
	}
}

func (ah *AgentHost) dropped(err error) {
	log.Warnw("dropping inbound payload", "agent", ah.agentID, "error", err)
	if ah.cfg.Dropped != nil {
		ah.cfg.Dropped(ah.agentID, err)
	}
}

// ------------------------------------------------------------------ wire I/O

// writeMsg serialises msg and writes a framed packet to w.
func writeMsg(w io.Writer, msg core.Encoder) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(core.Frame(msg.MsgType(), payload))
	return err
}

// readMsg reads one framed haggle payload from r.
func readMsg(r io.Reader) (core.MessageType, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, xerrors.Errorf("readMsg header: %w", err)
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n < 1 || n > maxFrameSize {
		return 0, nil, xerrors.Errorf("readMsg: invalid length %d: %w", n, core.ErrMalformedMessage)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, xerrors.Errorf("readMsg body: %w", err)
	}
	return core.MessageType(body[0]), body[1:], nil
}
