package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/brojonat/fairswap/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrSlotOutOfRange is returned for a slot that does not fit a BIGINT column.
	ErrSlotOutOfRange = errors.New("slot out of range")
)

const pgErrUniqueViolation = "23505"

// Store is the Postgres-backed projection and checkpoint store.
// It exclusively owns the offers, proposals, swaps and indexer_state rows.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no query metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferActive    OfferStatus = "active"
	OfferCancelled OfferStatus = "cancelled"
	OfferCompleted OfferStatus = "completed"
)

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalWithdrawn ProposalStatus = "withdrawn"
)

// Provenance identifies the on-chain instruction that produced a row.
type Provenance struct {
	Signature        string    `json:"signature"`
	InstructionIndex int       `json:"instruction_index"`
	Slot             uint64    `json:"slot"`
	BlockTime        time.Time `json:"block_time"`
}

// Offer is a seller's standing offer to trade asset A for asset B.
type Offer struct {
	ID                int64       `json:"id"`
	OfferID           uint64      `json:"offer_id"`
	Seller            string      `json:"seller"`
	OfferAccount      string      `json:"offer_account"`
	TokenMintA        string      `json:"token_mint_a"`
	TokenAmountA      uint64      `json:"token_amount_a"`
	TokenMintB        string      `json:"token_mint_b"`
	TokenAmountB      uint64      `json:"token_amount_b"`
	AllowAlternatives bool        `json:"allow_alternatives"`
	Status            OfferStatus `json:"status"`
	Provenance
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Proposal is a buyer's counter-offer against an offer.
type Proposal struct {
	ID              int64          `json:"id"`
	ProposalID      uint64         `json:"proposal_id"`
	Buyer           string         `json:"buyer"`
	OfferSeller     string         `json:"offer_seller"`
	OfferID         uint64         `json:"offer_id"`
	ProposalAccount string         `json:"proposal_account"`
	ProposedMint    string         `json:"proposed_mint"`
	ProposedAmount  uint64         `json:"proposed_amount"`
	Status          ProposalStatus `json:"status"`
	Provenance
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Swap is a completed exchange.
type Swap struct {
	ID               int64     `json:"id"`
	OfferID          uint64    `json:"offer_id"`
	ProposalID       *uint64   `json:"proposal_id,omitempty"`
	Buyer            string    `json:"buyer"`
	Seller           string    `json:"seller"`
	TokenAMint       string    `json:"token_a_mint"`
	TokenAAmount     uint64    `json:"token_a_amount"`
	TokenBMint       string    `json:"token_b_mint"`
	TokenBAmount     uint64    `json:"token_b_amount"`
	Signature        string    `json:"signature"`
	InstructionIndex int       `json:"instruction_index"`
	Slot             uint64    `json:"slot"`
	ExecutedAt       time.Time `json:"executed_at"`
}

// Stats summarizes the projection.
type Stats struct {
	TotalSwaps       int64 `json:"total_swaps"`
	ActiveOffers     int64 `json:"active_offers"`
	CompletedOffers  int64 `json:"completed_offers"`
	CancelledOffers  int64 `json:"cancelled_offers"`
	PendingProposals int64 `json:"pending_proposals"`
}

// Stats counts rows by state.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	start := time.Now()
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM swaps),
			(SELECT COUNT(*) FROM offers WHERE status = 'active'),
			(SELECT COUNT(*) FROM offers WHERE status = 'completed'),
			(SELECT COUNT(*) FROM offers WHERE status = 'cancelled'),
			(SELECT COUNT(*) FROM proposals WHERE status = 'pending')`,
	).Scan(&st.TotalSwaps, &st.ActiveOffers, &st.CompletedOffers, &st.CancelledOffers, &st.PendingProposals)
	s.observe("stats", "all", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return &st, nil
}

func (s *Store) observe(operation, table string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

func formatU64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseU64(column, v string) (uint64, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: invalid u64 %q: %w", column, v, err)
	}
	return n, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// slotParam converts a slot for a BIGINT column. Real slots are far below
// math.MaxInt64, but the conversion must never wrap to a negative value.
func slotParam(slot uint64) (int64, error) {
	if slot > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", ErrSlotOutOfRange, slot)
	}
	return int64(slot), nil
}
