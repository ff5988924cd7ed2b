// Command bookmarket runs the textbook marketplace API and its maintenance
// tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v2"

	"github.com/R3E-Network/textbook_market/internal/config"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

const serviceName = "bookmarket"

func main() {
	app := &cli.App{
		Name:        serviceName,
		Usage:       "textbook marketplace service",
		Description: fmt.Sprintf("For help on any individual command run <%v COMMAND -h>", serviceName),
		Commands: cli.Commands{
			serveCmd,
			migrateCmd,
			sweepCmd,
			quoteCmd,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v: %v\n", serviceName, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the root logger.
func bootstrap() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, log, nil
}
