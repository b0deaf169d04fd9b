package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const swapColumns = `id, offer_id, proposal_id, buyer, seller,
	token_a_mint, token_a_amount, token_b_mint, token_b_amount,
	signature, instruction_index, slot, executed_at`

// CreateSwapParams contains the parameters for recording a swap.
type CreateSwapParams struct {
	OfferID      uint64
	ProposalID   *uint64
	Buyer        string
	Seller       string
	TokenAMint   string
	TokenAAmount uint64
	TokenBMint   string
	TokenBAmount uint64
	Signature    string
	// InstructionIndex is the position of the completing instruction in its
	// transaction. One transaction may complete several offers.
	InstructionIndex int
	Slot             uint64
	ExecutedAt       time.Time
}

// ErrSwapConflict is returned when an offer leaves the active state but its
// completing instruction already has a swap row.
var ErrSwapConflict = errors.New("swap already recorded for instruction")

func swapConflict(p CreateSwapParams) error {
	return fmt.Errorf("%w: %s#%d", ErrSwapConflict, p.Signature, p.InstructionIndex)
}

// ListSwapsParams filters ListSwaps. Participant matches buyer or seller.
type ListSwapsParams struct {
	Participant string
	Signature   string
	Limit       int
}

// insertSwap records a swap. A swap already recorded for the same instruction
// is left untouched and created is false.
func insertSwap(ctx context.Context, q querier, p CreateSwapParams) (swap *Swap, created bool, err error) {
	slot, err := slotParam(p.Slot)
	if err != nil {
		return nil, false, err
	}
	var proposalID *string
	if p.ProposalID != nil {
		v := formatU64(*p.ProposalID)
		proposalID = &v
	}
	executedAt := p.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	swap, err = scanSwap(q.QueryRow(ctx, `
		INSERT INTO swaps (
			offer_id, proposal_id, buyer, seller,
			token_a_mint, token_a_amount, token_b_mint, token_b_amount,
			signature, instruction_index, slot, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (signature, instruction_index) DO NOTHING
		RETURNING `+swapColumns,
		formatU64(p.OfferID), proposalID, p.Buyer, p.Seller,
		p.TokenAMint, formatU64(p.TokenAAmount), p.TokenBMint, formatU64(p.TokenBAmount),
		p.Signature, p.InstructionIndex, slot, executedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert swap %s: %w", p.Signature, err)
	}
	return swap, true, nil
}

// ListSwaps returns swaps most recent first.
func (s *Store) ListSwaps(ctx context.Context, p ListSwapsParams) ([]*Swap, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+swapColumns+` FROM swaps
		WHERE ($1::text = '' OR buyer = $1 OR seller = $1)
		  AND ($2::text = '' OR signature = $2)
		ORDER BY executed_at DESC, id DESC
		LIMIT $3`,
		p.Participant, p.Signature, limit,
	)
	if err != nil {
		s.observe("list", "swaps", start, err)
		return nil, fmt.Errorf("failed to list swaps: %w", err)
	}
	swaps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Swap, error) {
		return scanSwap(row)
	})
	s.observe("list", "swaps", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list swaps: %w", err)
	}
	return swaps, nil
}

func scanSwap(row pgx.Row) (*Swap, error) {
	var (
		sw                        Swap
		offerID, amountA, amountB string
		proposalID                *string
		slot                      int64
	)
	err := row.Scan(
		&sw.ID, &offerID, &proposalID, &sw.Buyer, &sw.Seller,
		&sw.TokenAMint, &amountA, &sw.TokenBMint, &amountB,
		&sw.Signature, &sw.InstructionIndex, &slot, &sw.ExecutedAt,
	)
	if err != nil {
		return nil, err
	}
	if sw.OfferID, err = parseU64("offer_id", offerID); err != nil {
		return nil, err
	}
	if proposalID != nil {
		id, err := parseU64("proposal_id", *proposalID)
		if err != nil {
			return nil, err
		}
		sw.ProposalID = &id
	}
	if sw.TokenAAmount, err = parseU64("token_a_amount", amountA); err != nil {
		return nil, err
	}
	if sw.TokenBAmount, err = parseU64("token_b_amount", amountB); err != nil {
		return nil, err
	}
	sw.Slot = uint64(slot)
	return &sw, nil
}
