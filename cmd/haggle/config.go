package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/olserra/haggle/config"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Inspect haggle configuration",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "Print the default configuration",
			Action: func(cctx *cli.Context) error {
				return config.Default().Encode(os.Stdout)
			},
		},
		{
			Name:  "show",
			Usage: "Print the effective configuration after file and flags",
			Action: func(cctx *cli.Context) error {
				return loadedConfig(cctx).Encode(os.Stdout)
			},
		},
	},
}
