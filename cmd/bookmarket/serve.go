package main

import (
	cli "github.com/urfave/cli/v2"

	"github.com/R3E-Network/textbook_market/internal/app/runtime"
)

var serveCmd = &cli.Command{
	Name:    "serve",
	Aliases: []string{"s"},
	Usage:   "Run the HTTP API and the commit sweeper",
	Action: func(c *cli.Context) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		application, err := runtime.NewApplication(c.Context, cfg, log)
		if err != nil {
			return err
		}
		log.WithField("env", cfg.Env).Info("starting bookmarket")
		if err := application.Run(c.Context); err != nil {
			return err
		}
		log.Info("bookmarket stopped")
		return nil
	},
}
