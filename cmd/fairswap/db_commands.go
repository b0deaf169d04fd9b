package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/fairswap/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending schema migrations",
		Action: func(c *cli.Context) error {
			pool, err := getPool(c)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(c.Context, pool); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			fmt.Fprintln(os.Stderr, "Migrations applied")
			return nil
		},
	}
}

func listOffersCommand() *cli.Command {
	return &cli.Command{
		Name:  "offers",
		Usage: "List offers, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (active, cancelled, completed)",
			},
			&cli.StringFlag{
				Name:  "seller",
				Usage: "Filter by seller address",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   50,
				Usage:   "Maximum number of offers",
			},
			jqFlag,
		},
		Action: func(c *cli.Context) error {
			status := db.OfferStatus(c.String("status"))
			switch status {
			case "", db.OfferActive, db.OfferCancelled, db.OfferCompleted:
			default:
				return fmt.Errorf("invalid status %q", status)
			}
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			offers, err := store.ListOffers(c.Context, db.ListOffersParams{
				Status: status,
				Seller: c.String("seller"),
				Limit:  c.Int("limit"),
			})
			if err != nil {
				return fmt.Errorf("failed to list offers: %w", err)
			}
			if offers, err = filterItems(offers, filters); err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(offers)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SELLER\tOFFER ID\tSTATUS\tGIVE\tWANT\tALT\tSLOT")
			for _, o := range offers {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d %s\t%d %s\t%t\t%d\n",
					o.Seller,
					o.OfferID,
					o.Status,
					o.TokenAmountA, shortAddress(o.TokenMintA),
					o.TokenAmountB, shortAddress(o.TokenMintB),
					o.AllowAlternatives,
					o.Slot,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d offers\n", len(offers))
			return nil
		},
	}
}

func listProposalsCommand() *cli.Command {
	return &cli.Command{
		Name:  "proposals",
		Usage: "List proposals, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, accepted, withdrawn)",
			},
			&cli.StringFlag{
				Name:  "buyer",
				Usage: "Filter by buyer address",
			},
			&cli.StringFlag{
				Name:  "offer",
				Usage: "Filter by offer as SELLER/OFFER_ID",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   50,
				Usage:   "Maximum number of proposals",
			},
			jqFlag,
		},
		Action: func(c *cli.Context) error {
			status := db.ProposalStatus(c.String("status"))
			switch status {
			case "", db.ProposalPending, db.ProposalAccepted, db.ProposalWithdrawn:
			default:
				return fmt.Errorf("invalid status %q", status)
			}
			params := db.ListProposalsParams{
				Status: status,
				Buyer:  c.String("buyer"),
				Limit:  c.Int("limit"),
			}
			if ref := c.String("offer"); ref != "" {
				seller, offerID, err := parseOfferRef(ref)
				if err != nil {
					return err
				}
				params.OfferSeller = seller
				params.OfferID = &offerID
			}
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			proposals, err := store.ListProposals(c.Context, params)
			if err != nil {
				return fmt.Errorf("failed to list proposals: %w", err)
			}
			if proposals, err = filterItems(proposals, filters); err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(proposals)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BUYER\tPROPOSAL ID\tOFFER\tSTATUS\tPROPOSED\tSLOT")
			for _, p := range proposals {
				fmt.Fprintf(w, "%s\t%d\t%s/%d\t%s\t%d %s\t%d\n",
					p.Buyer,
					p.ProposalID,
					shortAddress(p.OfferSeller), p.OfferID,
					p.Status,
					p.ProposedAmount, shortAddress(p.ProposedMint),
					p.Slot,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d proposals\n", len(proposals))
			return nil
		},
	}
}

func listSwapsCommand() *cli.Command {
	return &cli.Command{
		Name:  "swaps",
		Usage: "List executed swaps, most recent first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "participant",
				Aliases: []string{"p"},
				Usage:   "Filter by buyer or seller address",
			},
			&cli.StringFlag{
				Name:    "signature",
				Aliases: []string{"s"},
				Usage:   "Only swaps recorded by this transaction",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   50,
				Usage:   "Maximum number of swaps",
			},
			jqFlag,
		},
		Action: func(c *cli.Context) error {
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			swaps, err := store.ListSwaps(c.Context, db.ListSwapsParams{
				Participant: c.String("participant"),
				Signature:   c.String("signature"),
				Limit:       c.Int("limit"),
			})
			if err != nil {
				return fmt.Errorf("failed to list swaps: %w", err)
			}
			if swaps, err = filterItems(swaps, filters); err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(swaps)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EXECUTED\tSELLER\tBUYER\tOFFER ID\tPROPOSAL\tA\tB\tSIGNATURE\tIX")
			for _, s := range swaps {
				proposal := "-"
				if s.ProposalID != nil {
					proposal = strconv.FormatUint(*s.ProposalID, 10)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d %s\t%d %s\t%s\t%d\n",
					s.ExecutedAt.Format(time.RFC3339),
					shortAddress(s.Seller),
					shortAddress(s.Buyer),
					s.OfferID,
					proposal,
					s.TokenAAmount, shortAddress(s.TokenAMint),
					s.TokenBAmount, shortAddress(s.TokenBMint),
					s.Signature, s.InstructionIndex,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d swaps\n", len(swaps))
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show projection totals",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			stats, err := store.Stats(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(stats)
			}

			fmt.Printf("Total Swaps:       %d\n", stats.TotalSwaps)
			fmt.Printf("Active Offers:     %d\n", stats.ActiveOffers)
			fmt.Printf("Completed Offers:  %d\n", stats.CompletedOffers)
			fmt.Printf("Cancelled Offers:  %d\n", stats.CancelledOffers)
			fmt.Printf("Pending Proposals: %d\n", stats.PendingProposals)
			return nil
		},
	}
}

func getPool(c *cli.Context) (*pgxpool.Pool, error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		// Try environment variable directly if flag not found
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}
	return db.Connect(c.Context, dbURL)
}

func getStore(c *cli.Context) (*db.Store, func(), error) {
	pool, err := getPool(c)
	if err != nil {
		return nil, nil, err
	}
	return db.NewStore(pool, nil), pool.Close, nil
}

// parseOfferRef parses "SELLER/OFFER_ID".
func parseOfferRef(ref string) (string, uint64, error) {
	i := strings.LastIndex(ref, "/")
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid offer reference %q (want SELLER/OFFER_ID)", ref)
	}
	offerID, err := strconv.ParseUint(ref[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid offer id in %q: %w", ref, err)
	}
	return ref[:i], offerID, nil
}

// shortAddress abbreviates a base58 address for table output.
func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:4] + ".." + addr[len(addr)-4:]
}

// Helper function to output JSON
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
