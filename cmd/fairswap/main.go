package main

import (
	"fmt"
	"log"
	"os"

	"github.com/brojonat/fairswap/service/config"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "fairswap",
		Usage: "FairSwap indexer operator CLI",
		Description: `A command-line tool for inspecting and operating the FairSwap indexer.

Use this CLI to query the projection, rewind the checkpoint, decode program
instructions and follow projection events.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			{
				Name:  "db",
				Usage: "Projection database commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					listOffersCommand(),
					listProposalsCommand(),
					listSwapsCommand(),
					statsCommand(),
				},
			},
			{
				Name:  "checkpoint",
				Usage: "Inspect or rewind the indexer checkpoint",
				Subcommands: []*cli.Command{
					checkpointGetCommand(),
					checkpointSetCommand(),
				},
			},
			decodeCommand(),
			{
				Name:  "events",
				Usage: "Projection event streaming commands",
				Subcommands: []*cli.Command{
					tailCommand(),
				},
			},
			versionCommand(),
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC URL",
				EnvVars: []string{"SOLANA_RPC_URL"},
				Value:   "https://api.devnet.solana.com",
			},
			&cli.StringFlag{
				Name:    "program-id",
				Usage:   "FairSwap program ID",
				EnvVars: []string{"PROGRAM_ID"},
				Value:   config.DefaultProgramID,
			},
			&cli.StringFlag{
				Name:    "idl",
				Usage:   "Path to the program IDL",
				EnvVars: []string{"IDL_PATH"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("fairswap CLI\n")
			fmt.Printf("  Version: %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", date)
			return nil
		},
	}
}
