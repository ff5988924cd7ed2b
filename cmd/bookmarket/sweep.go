package main

import (
	"context"
	"encoding/json"

	cli "github.com/urfave/cli/v2"

	"github.com/R3E-Network/textbook_market/internal/app/runtime"
)

var sweepCmd = &cli.Command{
	Name:  "sweep",
	Usage: "Run one commit window sweep and exit",
	Action: func(c *cli.Context) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		application, err := runtime.NewApplication(c.Context, cfg, log)
		if err != nil {
			return err
		}
		defer application.Shutdown(context.Background())

		result, err := application.App().Sweeper.RunOnce(c.Context)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}
