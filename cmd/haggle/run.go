package main

import (
	"context"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/agent"
	"github.com/olserra/haggle/coordinator"
	"github.com/olserra/haggle/market"
	"github.com/olserra/haggle/metrics"
	"github.com/olserra/haggle/negotiation"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Run the configured sellers in-process and place orders",
	Description: `Without --order an interactive console asks for orders.
With --order every order is placed at once and the command exits when all
of them finished.`,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "order",
			Usage: "place an order as Title:Qty:Max (repeatable)",
		},
		&cli.DurationFlag{
			Name:  "order-timeout",
			Usage: "give up on an order after this long (0 waits forever)",
			Value: 2 * time.Minute,
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg := loadedConfig(cctx)
		if len(cfg.Sellers) == 0 {
			return xerrors.New("no sellers configured")
		}

		var orders []negotiation.Request
		for _, spec := range cctx.StringSlice("order") {
			req, err := coordinator.ParseOrderSpec(spec)
			if err != nil {
				return err
			}
			orders = append(orders, req)
		}

		ctx, stop := signalContext(cctx)
		defer stop()

		rec := metrics.New()
		if err := serveMetrics(ctx, cfg, rec); err != nil {
			return err
		}

		m := market.New(
			agent.WithObserver(rec),
			agent.WithBuyerConfig(cfg.BuyerConfig()),
			agent.WithSellerConfig(cfg.SellerConfig()),
		)
		for _, s := range cfg.Sellers {
			if _, err := m.AddSeller(s.Name, s.Items); err != nil {
				return err
			}
		}
		m.Start(ctx)
		defer func() {
			stop()
			if err := m.Wait(); err != nil {
				log.Errorw("market stopped", "error", err)
			}
		}()

		if len(orders) == 0 {
			con := coordinator.NewConsole(m, os.Stdout)
			con.Timeout = cctx.Duration("order-timeout")
			return con.Run(ctx)
		}

		wctx, cancel := ctx, func() {}
		if d := cctx.Duration("order-timeout"); d > 0 {
			wctx, cancel = context.WithTimeout(ctx, d)
		}
		defer cancel()

		var g errgroup.Group
		for _, req := range orders {
			o, err := m.PlaceOrder(wctx, req)
			if err != nil {
				return err
			}
			g.Go(func() error {
				res, err := o.Wait(wctx)
				coordinator.PrintResult(os.Stdout, res, err)
				return nil
			})
		}
		return g.Wait()
	},
}
