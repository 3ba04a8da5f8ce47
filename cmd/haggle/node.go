package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/agent"
	"github.com/olserra/haggle/config"
	"github.com/olserra/haggle/coordinator"
	"github.com/olserra/haggle/inventory"
	"github.com/olserra/haggle/market"
	"github.com/olserra/haggle/metrics"
	"github.com/olserra/haggle/p2p"
)

var listenFlag = &cli.StringSliceFlag{
	Name:  "listen",
	Usage: "libp2p listen multiaddr (repeatable), defaults to P2P.ListenAddresses",
}

var connectFlag = &cli.StringSliceFlag{
	Name:  "connect",
	Usage: "peer multiaddr with /p2p/ component (repeatable)",
}

var sellerCmd = &cli.Command{
	Name:  "seller",
	Usage: "Run one seller on the libp2p network",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "name",
			Usage:    "seller agent id",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  "item",
			Usage: "inventory entry Title:Qty:Price:Floor (repeatable); defaults to the configured seller of the same name",
		},
		listenFlag,
		connectFlag,
	},
	Action: func(cctx *cli.Context) error {
		cfg := loadedConfig(cctx)
		name := cctx.String("name")

		items, err := sellerItems(cfg, name, cctx.StringSlice("item"))
		if err != nil {
			return err
		}
		store, err := inventory.New(items...)
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cctx)
		defer stop()

		rec := metrics.New()
		if err := serveMetrics(ctx, cfg, rec); err != nil {
			return err
		}
		h, err := newHost(ctx, cctx, cfg, name, rec)
		if err != nil {
			return err
		}
		defer h.Close() //nolint:errcheck

		peers, err := p2p.ParsePeers(cctx.StringSlice("connect"))
		if err != nil {
			return err
		}

		s, err := agent.NewSeller(name, store, h, h,
			agent.WithObserver(rec),
			agent.WithSellerConfig(cfg.SellerConfig()))
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return s.Run(gctx) })
		g.Go(func() error {
			keepConnected(gctx, h, peers, time.Duration(cfg.P2P.AnnounceInterval))
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}

		fmt.Println("final inventory:")
		for _, it := range store.Items() {
			fmt.Printf("  %s\n", it)
		}
		for _, sale := range store.Sales() {
			fmt.Printf("  sold %d x %q for %s\n", sale.Quantity, sale.Title, color.GreenString(sale.Price.StringFixed(2)))
		}
		return nil
	},
}

var buyerCmd = &cli.Command{
	Name:  "buyer",
	Usage: "Buy one title from sellers on the libp2p network",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "title",
			Required: true,
		},
		&cli.IntFlag{
			Name:  "quantity",
			Value: 1,
		},
		&cli.StringFlag{
			Name:     "max-price",
			Usage:    "highest acceptable unit price",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "buyer agent id (default buyer-<ulid>)",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "give up after this long (0 waits forever)",
			Value: 2 * time.Minute,
		},
		listenFlag,
		connectFlag,
	},
	Action: func(cctx *cli.Context) error {
		cfg := loadedConfig(cctx)
		req, err := coordinator.ParseOrder(cctx.String("title"), fmt.Sprint(cctx.Int("quantity")), cctx.String("max-price"))
		if err != nil {
			return err
		}
		name := cctx.String("name")
		if name == "" {
			name = market.NewBuyerID()
		}
		peers, err := p2p.ParsePeers(cctx.StringSlice("connect"))
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			return xerrors.New("--connect is required to reach sellers")
		}

		ctx, stop := signalContext(cctx)
		defer stop()
		if d := cctx.Duration("timeout"); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}

		rec := metrics.New()
		if err := serveMetrics(ctx, cfg, rec); err != nil {
			return err
		}
		h, err := newHost(ctx, cctx, cfg, name, rec)
		if err != nil {
			return err
		}
		defer h.Close() //nolint:errcheck

		for _, info := range peers {
			hello, err := p2p.ConnectAndHello(ctx, h, info)
			if err != nil {
				log.Warnw("peer unreachable", "peer", info.ID, "error", err)
				continue
			}
			log.Infow("connected", "agent", hello.AgentID, "services", hello.Services)
		}

		b, err := agent.NewBuyer(name, req, h, h,
			agent.WithObserver(rec),
			agent.WithBuyerConfig(cfg.BuyerConfig()))
		if err != nil {
			return err
		}
		res, err := b.Run(ctx)
		coordinator.PrintResult(os.Stdout, res, err)
		if err != nil && !xerrors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func newHost(ctx context.Context, cctx *cli.Context, cfg *config.Config, name string, rec *metrics.Recorder) (*p2p.AgentHost, error) {
	listen := cctx.StringSlice("listen")
	if len(listen) == 0 {
		listen = cfg.P2P.ListenAddresses
	}
	h, err := p2p.NewHost(ctx, name, p2p.Config{
		ListenAddrs:      listen,
		AnnounceInterval: time.Duration(cfg.P2P.AnnounceInterval),
		AnnounceTTL:      time.Duration(cfg.P2P.AnnounceTTL),
		Dropped:          rec.Dropped,
	})
	if err != nil {
		return nil, err
	}
	for _, a := range h.FullAddrs() {
		fmt.Printf("%s listening on %s\n", name, a)
	}
	return h, nil
}

// sellerItems returns the --item entries, or the configured inventory of the
// seller called name.
func sellerItems(cfg *config.Config, name string, entries []string) ([]inventory.Item, error) {
	if len(entries) > 0 {
		items := make([]inventory.Item, 0, len(entries))
		for _, e := range entries {
			it, err := inventory.ParseEntry(e)
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
		return items, nil
	}
	for _, s := range cfg.Sellers {
		if s.Name == name {
			return s.Items, nil
		}
	}
	return nil, xerrors.Errorf("seller %q has no --item entries and is not in the config", name)
}

// keepConnected dials peers that are not connected, now and on every tick.
func keepConnected(ctx context.Context, h *p2p.AgentHost, peers []peer.AddrInfo, every time.Duration) {
	if len(peers) == 0 {
		return
	}
	dial := func() {
		for _, info := range peers {
			if h.Connected(info.ID) {
				continue
			}
			if _, err := p2p.ConnectAndHello(ctx, h, info); err != nil {
				log.Debugw("peer unreachable", "peer", info.ID, "error", err)
			}
		}
	}
	dial()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			dial()
		case <-ctx.Done():
			return
		}
	}
}
