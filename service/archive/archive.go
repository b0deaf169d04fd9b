// Package archive appends executed swaps to ClickHouse for analytics.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/brojonat/fairswap/service/events"
)

const createTable = `
CREATE TABLE IF NOT EXISTS fairswap_swaps (
	signature         String,
	instruction_index UInt32,
	slot              UInt64,
	executed_at       DateTime64(3, 'UTC'),
	offer_id          UInt64,
	proposal_id       Nullable(UInt64),
	seller            String,
	buyer             String,
	token_a_mint      String,
	token_a_amount    UInt64,
	token_b_mint      String,
	token_b_amount    UInt64,
	archived_at       DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(archived_at)
ORDER BY (signature, instruction_index)`

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// execer is the subset of driver.Conn the archive uses.
type execer interface {
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

// SwapArchive is an events.Sink that writes swap.executed events to
// ClickHouse. Other event types are ignored. ReplacingMergeTree collapses
// rows re-sent for a replayed instruction.
type SwapArchive struct {
	conn   execer
	logger *slog.Logger
}

// Open connects to ClickHouse and creates the swaps table if needed.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*SwapArchive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return newSwapArchive(ctx, conn, logger)
}

func newSwapArchive(ctx context.Context, conn execer, logger *slog.Logger) (*SwapArchive, error) {
	if err := conn.Exec(ctx, createTable); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create swaps table: %w", err)
	}
	logger.Info("ClickHouse swap archive initialized")
	return &SwapArchive{conn: conn, logger: logger}, nil
}

var _ execer = (driver.Conn)(nil)

// Name implements events.Sink.
func (a *SwapArchive) Name() string { return "clickhouse" }

// Publish archives the swap carried by a swap.executed event.
func (a *SwapArchive) Publish(ctx context.Context, ev *events.Event) error {
	if ev.Type != events.SwapExecuted || ev.Swap == nil {
		return nil
	}
	s := ev.Swap
	err := a.conn.Exec(ctx, `
		INSERT INTO fairswap_swaps (
			signature, instruction_index, slot, executed_at, offer_id, proposal_id, seller, buyer,
			token_a_mint, token_a_amount, token_b_mint, token_b_amount, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Signature, uint32(s.InstructionIndex), s.Slot, s.ExecutedAt.UTC(), s.OfferID, s.ProposalID, s.Seller, s.Buyer,
		s.TokenAMint, s.TokenAAmount, s.TokenBMint, s.TokenBAmount, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive swap %s: %w", s.Signature, err)
	}
	a.logger.DebugContext(ctx, "archived swap", "signature", s.Signature)
	return nil
}

// Close closes the connection.
func (a *SwapArchive) Close() error {
	return a.conn.Close()
}
