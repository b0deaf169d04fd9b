package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/fairswap/service/events"
	natspkg "github.com/brojonat/fairswap/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stream projection events from NATS JetStream",
		Description: `Follow the FAIRSWAP stream. Events are published on
fairswap.<entity>.<action>, for example fairswap.offer.created.

Examples:
  fairswap events tail
  fairswap events tail --entity swap --json
  fairswap events tail --entity proposal --action accepted --from-start
  fairswap events tail --jq '.offer.seller == "7xKX..."'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "entity",
				Usage: "Only events for this entity (offer, proposal, swap)",
			},
			&cli.StringFlag{
				Name:  "action",
				Usage: "Only events with this action (requires --entity)",
			},
			&cli.BoolFlag{
				Name:  "from-start",
				Usage: "Replay every retained event instead of only new ones",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "fairswap-cli",
			},
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "Exit after this many matching events (0 = run until interrupted)",
			},
			jqFlag,
		},
		Action: func(c *cli.Context) error {
			entity, action := c.String("entity"), c.String("action")
			if action != "" && entity == "" {
				return fmt.Errorf("--action requires --entity")
			}
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			subject := natspkg.FilterSubject(entity, action)
			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: jetstream.DeliverNewPolicy,
			}
			if c.Bool("from-start") {
				consumerConfig.DeliverPolicy = jetstream.DeliverAllPolicy
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Subscribing to: %s\n", subject)
				fmt.Fprintf(os.Stderr, "   NATS: %s\n", c.String("nats-url"))
				fmt.Fprintf(os.Stderr, "\nWaiting for events... (Ctrl-C to exit)\n\n")
			}

			msgChan := make(chan jetstream.Msg, 10)
			consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-ctx.Done():
				}
			})
			if err != nil {
				return fmt.Errorf("failed to start consuming: %w", err)
			}
			defer consumeCtx.Stop()

			return tailEvents(ctx, msgChan, filters, c.Int("count"), jsonOutput)
		},
	}
}

// tailEvents prints matching events until ctx is done or limit events have
// been printed.
func tailEvents(ctx context.Context, msgs <-chan jetstream.Msg, filters jqFilters, limit int, jsonOutput bool) error {
	count := 0
	for {
		select {
		case msg := <-msgs:
			ev, err := natspkg.DecodeEvent(msg.Data())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event on %s: %v\n", msg.Subject(), err)
				_ = msg.Ack()
				continue
			}
			_ = msg.Ack()

			ok, err := eventMatches(ev, filters)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			count++
			if jsonOutput {
				data, _ := json.Marshal(ev)
				fmt.Println(string(data))
			} else {
				printEvent(ev)
			}
			if limit > 0 && count >= limit {
				return nil
			}

		case <-ctx.Done():
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\nReceived %d events\n", count)
			}
			return nil
		}
	}
}

func eventMatches(ev *events.Event, filters jqFilters) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	v, err := toJQValue(ev)
	if err != nil {
		return false, fmt.Errorf("failed to prepare event for jq: %w", err)
	}
	return filters.match(v), nil
}

func printEvent(ev *events.Event) {
	fmt.Printf("%s  %-19s slot=%d sig=%s#%d\n",
		ev.PublishedAt.Format(time.RFC3339), ev.Type, ev.Slot, ev.Signature, ev.InstructionIndex)
	switch {
	case ev.Swap != nil:
		s := ev.Swap
		fmt.Printf("    offer %s/%d  %d %s -> %s, %d %s -> %s\n",
			s.Seller, s.OfferID,
			s.TokenAAmount, shortAddress(s.TokenAMint), shortAddress(s.Buyer),
			s.TokenBAmount, shortAddress(s.TokenBMint), shortAddress(s.Seller))
	case ev.Proposal != nil:
		p := ev.Proposal
		fmt.Printf("    proposal %s/%d on offer %s/%d  %d %s  [%s]\n",
			p.Buyer, p.ProposalID, p.OfferSeller, p.OfferID,
			p.ProposedAmount, shortAddress(p.ProposedMint), p.Status)
	case ev.Offer != nil:
		o := ev.Offer
		fmt.Printf("    offer %s/%d  %d %s for %d %s  [%s]\n",
			o.Seller, o.OfferID,
			o.TokenAmountA, shortAddress(o.TokenMintA),
			o.TokenAmountB, shortAddress(o.TokenMintB), o.Status)
	}
}
