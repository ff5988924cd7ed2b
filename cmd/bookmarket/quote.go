package main

import (
	"context"
	"encoding/json"

	cli "github.com/urfave/cli/v2"

	courierDomain "github.com/R3E-Network/textbook_market/internal/app/domain/courier"
	"github.com/R3E-Network/textbook_market/internal/app/runtime"
	"github.com/R3E-Network/textbook_market/internal/app/services/courier"
)

var quoteCmd = &cli.Command{
	Name:  "quote",
	Usage: "Print delivery quotes between two addresses",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "from-province", Required: true},
		&cli.StringFlag{Name: "from-postal"},
		&cli.StringFlag{Name: "from-city"},
		&cli.StringFlag{Name: "to-province", Required: true},
		&cli.StringFlag{Name: "to-postal"},
		&cli.StringFlag{Name: "to-city"},
		&cli.Float64Flag{Name: "weight", Value: 1, Usage: "parcel weight in kg"},
	},
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

		quotes, err := application.App().Courier.Quotes(c.Context, courier.QuoteRequest{
			From: courierDomain.Address{
				City:       c.String("from-city"),
				Province:   c.String("from-province"),
				PostalCode: c.String("from-postal"),
			},
			To: courierDomain.Address{
				City:       c.String("to-city"),
				Province:   c.String("to-province"),
				PostalCode: c.String("to-postal"),
			},
			Parcel: courierDomain.Parcel{WeightKG: c.Float64("weight")},
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(quotes)
	},
}
