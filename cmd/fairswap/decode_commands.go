package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/brojonat/fairswap/service/decoder"
	"github.com/brojonat/fairswap/service/idl"
	"github.com/brojonat/fairswap/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/urfave/cli/v2"
)

// decodedInstruction is the printable form of a decoded instruction.
type decodedInstruction struct {
	Index    int               `json:"index"`
	Kind     string            `json:"kind"`
	Args     map[string]any    `json:"args,omitempty"`
	Accounts map[string]string `json:"accounts,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func decodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "decode",
		Usage: "Decode FairSwap instruction data or a transaction's program instructions",
		Description: `Decode with the same decoder the indexer uses.

Either pass raw instruction data with its accounts in instruction order:
  fairswap decode --data 3QJmV3... --account OFFER --account VAULT ...

or fetch a confirmed transaction and decode every top-level instruction
addressed to the program:
  fairswap decode --signature 5h6x...`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "Instruction data (base58, or hex with --encoding hex)",
			},
			&cli.StringFlag{
				Name:  "encoding",
				Value: "base58",
				Usage: "Encoding of --data (base58, hex)",
			},
			&cli.StringSliceFlag{
				Name:    "account",
				Aliases: []string{"a"},
				Usage:   "Instruction account address, in order (repeatable)",
			},
			&cli.StringFlag{
				Name:    "signature",
				Aliases: []string{"s"},
				Usage:   "Transaction signature to fetch and decode",
			},
		},
		Action: func(c *cli.Context) error {
			data, signature := c.String("data"), c.String("signature")
			if (data == "") == (signature == "") {
				return fmt.Errorf("exactly one of --data or --signature is required")
			}

			schema, err := idl.LoadFromCandidates(c.String("idl"))
			if err != nil {
				return fmt.Errorf("failed to load IDL (set --idl or IDL_PATH): %w", err)
			}
			dec, err := decoder.New(schema)
			if err != nil {
				return err
			}

			var decoded []decodedInstruction
			if data != "" {
				raw, err := decodeData(data, c.String("encoding"))
				if err != nil {
					return err
				}
				accounts, err := parseAccounts(c.StringSlice("account"))
				if err != nil {
					return err
				}
				ix, err := dec.Decode(raw, accounts)
				if err != nil {
					return err
				}
				decoded = append(decoded, describeInstruction(0, ix))
			} else {
				decoded, err = decodeTransaction(c, dec, signature)
				if err != nil {
					return err
				}
			}

			if c.Bool("json") {
				return outputJSON(decoded)
			}
			printDecoded(decoded)
			return nil
		},
	}
}

func decodeTransaction(c *cli.Context, dec *decoder.Decoder, signature string) ([]decodedInstruction, error) {
	sig, err := solanago.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	programID, err := solanago.PublicKeyFromBase58(c.String("program-id"))
	if err != nil {
		return nil, fmt.Errorf("invalid program id: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := solana.NewClient(solana.NewRPCClient(c.String("rpc-url")), "cli", solana.Options{}, nil, logger)
	tx, err := client.FetchTransaction(c.Context, sig)
	if err != nil {
		return nil, err
	}
	if tx.Failed() {
		fmt.Fprintf(os.Stderr, "warning: transaction failed on chain: %s\n", *tx.Err)
	}

	var out []decodedInstruction
	for _, raw := range tx.ProgramInstructions(programID) {
		ix, err := dec.Decode(raw.Data, raw.Accounts)
		if err != nil {
			out = append(out, decodedInstruction{Index: raw.Index, Kind: "unknown", Error: err.Error()})
			continue
		}
		out = append(out, describeInstruction(raw.Index, ix))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("transaction %s has no instructions for program %s", signature, programID)
	}
	return out, nil
}

func decodeData(s, encoding string) ([]byte, error) {
	switch encoding {
	case "base58":
		raw, err := base58.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base58 data: %w", err)
		}
		return raw, nil
	case "hex":
		raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q (want base58 or hex)", encoding)
	}
}

func parseAccounts(addrs []string) ([]solanago.PublicKey, error) {
	var errs []error
	keys := make([]solanago.PublicKey, 0, len(addrs))
	for i, a := range addrs {
		pk, err := solanago.PublicKeyFromBase58(a)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %d %q: %w", i, a, err))
			continue
		}
		keys = append(keys, pk)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return keys, nil
}

func describeInstruction(index int, ix decoder.Instruction) decodedInstruction {
	out := decodedInstruction{
		Index:    index,
		Kind:     ix.Kind().String(),
		Accounts: make(map[string]string),
	}
	for role, pk := range ix.Roles() {
		out.Accounts[role] = pk.String()
	}
	switch v := ix.(type) {
	case *decoder.InitializeOffer:
		out.Args = map[string]any{
			"offer_id":           v.OfferID,
			"token_amount_a":     v.TokenAmountA,
			"token_mint_b":       v.TokenMintB.String(),
			"token_amount_b":     v.TokenAmountB,
			"allow_alternatives": v.AllowAlternatives,
		}
	case *decoder.SubmitProposal:
		out.Args = map[string]any{
			"proposal_id":     v.ProposalID,
			"proposed_amount": v.ProposedAmount,
		}
	}
	return out
}

func printDecoded(decoded []decodedInstruction) {
	for _, d := range decoded {
		fmt.Printf("Instruction #%d: %s\n", d.Index, d.Kind)
		if d.Error != "" {
			fmt.Printf("  Error: %s\n\n", d.Error)
			continue
		}
		for _, k := range sortedKeys(d.Args) {
			fmt.Printf("  %-22s %v\n", k+":", d.Args[k])
		}
		for _, role := range decoder.AccountLayout(kindByName(d.Kind)) {
			if addr, ok := d.Accounts[role]; ok {
				fmt.Printf("  %-22s %s\n", role+":", addr)
			}
		}
		fmt.Println()
	}
}

func kindByName(name string) decoder.Kind {
	for _, k := range decoder.Kinds {
		if k.String() == name {
			return k
		}
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
