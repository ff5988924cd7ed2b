package main

import (
	"database/sql"
	"fmt"

	cli "github.com/urfave/cli/v2"

	"github.com/R3E-Network/textbook_market/internal/app/runtime"
	"github.com/R3E-Network/textbook_market/internal/platform/migrations"
)

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "Manage the PostgreSQL schema",
	Subcommands: cli.Commands{
		{
			Name:  "up",
			Usage: "Apply all pending migrations",
			Action: func(c *cli.Context) error {
				return withDatabase(c, func(db *sql.DB) error {
					return migrations.Up(db)
				})
			},
		},
		{
			Name:  "down",
			Usage: "Roll back migrations",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "steps", Value: 1, Usage: "number of migrations to roll back"},
			},
			Action: func(c *cli.Context) error {
				return withDatabase(c, func(db *sql.DB) error {
					return migrations.Down(db, c.Int("steps"))
				})
			},
		},
		{
			Name:  "version",
			Usage: "Print the current schema version",
			Action: func(c *cli.Context) error {
				return withDatabase(c, func(db *sql.DB) error {
					version, dirty, err := migrations.Version(db)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "version=%d dirty=%t\n", version, dirty)
					return nil
				})
			},
		},
	},
}

func withDatabase(c *cli.Context, fn func(db *sql.DB) error) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	db, err := runtime.OpenDatabase(c.Context, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := fn(db); err != nil {
		return err
	}
	log.Info("migration command completed")
	return nil
}
