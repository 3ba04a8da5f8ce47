package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/olserra/haggle/config"
	"github.com/olserra/haggle/core"
	"github.com/olserra/haggle/metrics"
)

var log = logging.Logger("haggle")

const cfgKey = "config"

func main() {
	app := &cli.App{
		Name:    "haggle",
		Usage:   "Decentralized book marketplace with price negotiation",
		Version: core.ProtocolVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				EnvVars: []string{"HAGGLE_CONFIG"},
				Value:   config.DefaultPath,
				Usage:   "path to the TOML configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override Log.Level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "also write logs to this file",
			},
			&cli.StringFlag{
				Name:  "metrics-listen",
				Usage: "serve Prometheus metrics on this address, e.g. 127.0.0.1:9464",
			},
		},
		Before: func(cctx *cli.Context) error {
			cfg, err := config.Load(cctx.String("config"))
			if err != nil {
				return err
			}
			if cctx.IsSet("log-level") {
				cfg.Log.Level = cctx.String("log-level")
			}
			if cctx.IsSet("log-file") {
				cfg.Log.File = cctx.String("log-file")
			}
			if cctx.IsSet("metrics-listen") {
				cfg.Metrics.ListenAddress = cctx.String("metrics-listen")
			}
			if err := core.SetupLogging(cfg.LogConfig()); err != nil {
				return err
			}
			cctx.App.Metadata[cfgKey] = cfg
			return nil
		},
		Commands: []*cli.Command{
			runCmd,
			sellerCmd,
			buyerCmd,
			configCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

func loadedConfig(cctx *cli.Context) *config.Config {
	if cfg, ok := cctx.App.Metadata[cfgKey].(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cctx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
}

// serveMetrics starts the metrics endpoint when one is configured and stops
// it when ctx is done.
func serveMetrics(ctx context.Context, cfg *config.Config, rec *metrics.Recorder) error {
	addr := cfg.Metrics.ListenAddress
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Infow("serving metrics", "addr", addr)
	return nil
}
