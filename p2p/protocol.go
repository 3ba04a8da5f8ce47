package p2p

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/core"
)

// ConnectAndHello connects to a peer by AddrInfo and exchanges hellos.
func ConnectAndHello(ctx context.Context, h *AgentHost, info peer.AddrInfo) (*core.Hello, error) {
	if err := h.Connect(ctx, info); err != nil {
		return nil, xerrors.Errorf("connect %s: %w", info.ID, err)
	}
	resp, err := h.Hello(ctx, info.ID)
	if err != nil {
		return nil, xerrors.Errorf("hello %s: %w", info.ID, err)
	}
	return resp, nil
}

// ParsePeers parses full peer multiaddrs such as
// /ip4/127.0.0.1/tcp/4001/p2p/12D3KooW... into AddrInfos, merging
// addresses of the same peer.
func ParsePeers(addrs []string) ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo
	index := make(map[peer.ID]int)
	for _, s := range addrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, xerrors.Errorf("parsing peer address %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, xerrors.Errorf("peer address %q: %w", s, err)
		}
		if i, ok := index[info.ID]; ok {
			out[i].Addrs = append(out[i].Addrs, info.Addrs...)
			continue
		}
		index[info.ID] = len(out)
		out = append(out, *info)
	}
	return out, nil
}

// FullAddrs returns the host's listen addresses with its /p2p component,
// suitable for ParsePeers on another node.
func (ah *AgentHost) FullAddrs() []string {
	info := ah.AddrInfo()
	maddrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		log.Warnw("building p2p addresses", "error", err)
		return nil
	}
	out := make([]string, len(maddrs))
	for i, m := range maddrs {
		out[i] = m.String()
	}
	return out
}
