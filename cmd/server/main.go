// Command server runs the webhook delivery engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:    "server",
		Usage:   "Webhook delivery engine for the pharmacy platform",
		Version: "1.0.0",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServe(ctx, cmd.Bool("migrate"))
		},
		Flags: []cli.Flag{migrateFlag()},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the HTTP API, dispatcher and background sweeps",
				Flags: []cli.Flag{migrateFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runServe(ctx, cmd.Bool("migrate"))
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply database migrations and exit",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runMigrate(ctx)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "migrate",
		Value: true,
		Usage: "Apply database migrations before serving",
	}
}
