package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
)

var indexerIDFlag = &cli.StringFlag{
	Name:    "indexer-id",
	Usage:   "Checkpoint key of the indexer",
	EnvVars: []string{"INDEXER_ID"},
	Value:   "fair_swap",
}

type checkpointView struct {
	IndexerID string  `json:"indexer_id"`
	Slot      uint64  `json:"slot"`
	Previous  *uint64 `json:"previous,omitempty"`
}

func checkpointGetCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "Show the last processed slot",
		Flags: []cli.Flag{indexerIDFlag},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			id := c.String("indexer-id")
			slot, err := store.GetLastProcessedSlot(c.Context, id)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(checkpointView{IndexerID: id, Slot: slot})
			}
			fmt.Printf("Indexer:   %s\n", id)
			fmt.Printf("Last Slot: %d\n", slot)
			return nil
		},
	}
}

func checkpointSetCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "Overwrite the last processed slot",
		ArgsUsage: "SLOT",
		Description: `Rewind (or advance) the checkpoint. The indexer resumes after SLOT on its
next tick. Rewinding is safe: replayed instructions are idempotent.
Advancing skips every program transaction up to SLOT.

Stop the indexer first; a running indexer may overwrite the value.

Example:
  fairswap checkpoint set 0`,
		Flags: []cli.Flag{
			indexerIDFlag,
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Allow moving the checkpoint forward",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: slot")
			}
			slot, err := strconv.ParseUint(c.Args().First(), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid slot %q: %w", c.Args().First(), err)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			id := c.String("indexer-id")
			previous, err := store.GetLastProcessedSlot(c.Context, id)
			if err != nil {
				return err
			}
			if slot > previous && !c.Bool("force") {
				return fmt.Errorf("slot %d is ahead of the checkpoint %d and would skip history (use --force)", slot, previous)
			}
			if err := store.SetLastProcessedSlot(c.Context, id, slot); err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(checkpointView{IndexerID: id, Slot: slot, Previous: &previous})
			}
			fmt.Fprintf(os.Stderr, "Checkpoint %s moved from %d to %d\n", id, previous, slot)
			return nil
		},
	}
}
