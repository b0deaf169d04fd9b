package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const offerColumns = `id, offer_id, seller, offer_account, token_mint_a, token_amount_a,
	token_mint_b, token_amount_b, allow_alternatives, status,
	signature, instruction_index, slot, block_time, created_at, updated_at`

// CreateOfferParams contains the parameters for creating an offer.
type CreateOfferParams struct {
	OfferID           uint64
	Seller            string
	OfferAccount      string
	TokenMintA        string
	TokenAmountA      uint64
	TokenMintB        string
	TokenAmountB      uint64
	AllowAlternatives bool
	Provenance        Provenance
}

// ListOffersParams filters ListOffers. Zero values match everything.
type ListOffersParams struct {
	Status OfferStatus
	Seller string
	Limit  int
}

// CreateOffer inserts an active offer. If an offer with the same
// (seller, offer_id), offer account, or provenance already exists nothing is
// written and created is false.
func (s *Store) CreateOffer(ctx context.Context, p CreateOfferParams) (offer *Offer, created bool, err error) {
	slot, err := slotParam(p.Provenance.Slot)
	if err != nil {
		return nil, false, err
	}
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO offers (
			offer_id, seller, offer_account, token_mint_a, token_amount_a,
			token_mint_b, token_amount_b, allow_alternatives, status,
			signature, instruction_index, slot, block_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', $9, $10, $11, $12)
		ON CONFLICT DO NOTHING
		RETURNING `+offerColumns,
		formatU64(p.OfferID), p.Seller, p.OfferAccount, p.TokenMintA, formatU64(p.TokenAmountA),
		p.TokenMintB, formatU64(p.TokenAmountB), p.AllowAlternatives,
		p.Provenance.Signature, p.Provenance.InstructionIndex, slot, nullableTime(p.Provenance.BlockTime),
	)
	offer, err = scanOffer(row)
	s.observe("insert", "offers", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create offer %s/%d: %w", p.Seller, p.OfferID, err)
	}
	return offer, true, nil
}

// GetOffer looks an offer up by its natural key.
func (s *Store) GetOffer(ctx context.Context, seller string, offerID uint64) (*Offer, error) {
	start := time.Now()
	offer, err := scanOffer(s.pool.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE seller = $1 AND offer_id = $2`,
		seller, formatU64(offerID),
	))
	s.observe("select", "offers", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer %s/%d: %w", seller, offerID, err)
	}
	return offer, nil
}

// GetOfferByAccount looks an offer up by its on-chain account address.
func (s *Store) GetOfferByAccount(ctx context.Context, account string) (*Offer, error) {
	start := time.Now()
	offer, err := scanOffer(s.pool.QueryRow(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE offer_account = $1`, account,
	))
	s.observe("select", "offers", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer by account %s: %w", account, err)
	}
	return offer, nil
}

// CancelOffer moves an active offer to cancelled. It returns changed=false
// if the offer was not active.
func (s *Store) CancelOffer(ctx context.Context, id int64) (offer *Offer, changed bool, err error) {
	start := time.Now()
	offer, err = scanOffer(s.pool.QueryRow(ctx, `
		UPDATE offers SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING `+offerColumns, id,
	))
	s.observe("update", "offers", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to cancel offer %d: %w", id, err)
	}
	return offer, true, nil
}

// CompleteOfferParams contains the parameters for a direct swap.
type CompleteOfferParams struct {
	OfferRowID int64
	Swap       CreateSwapParams
}

// CompleteOffer atomically moves an active offer to completed and records
// the swap. Nothing is written if the offer is not active.
func (s *Store) CompleteOffer(ctx context.Context, p CompleteOfferParams) (offer *Offer, swap *Swap, changed bool, err error) {
	start := time.Now()
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		offer, err = completeOffer(ctx, tx, p.OfferRowID)
		if err != nil {
			return err
		}
		var created bool
		swap, created, err = insertSwap(ctx, tx, p.Swap)
		if err == nil && !created {
			err = swapConflict(p.Swap)
		}
		return err
	})
	s.observe("complete", "offers", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to complete offer %d: %w", p.OfferRowID, err)
	}
	return offer, swap, true, nil
}

func completeOffer(ctx context.Context, q querier, id int64) (*Offer, error) {
	return scanOffer(q.QueryRow(ctx, `
		UPDATE offers SET status = 'completed', updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING `+offerColumns, id,
	))
}

// ListOffers returns offers newest first.
func (s *Store) ListOffers(ctx context.Context, p ListOffersParams) ([]*Offer, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE ($1::text = '' OR status = $1) AND ($2::text = '' OR seller = $2)
		ORDER BY slot DESC, id DESC
		LIMIT $3`,
		string(p.Status), p.Seller, limit,
	)
	if err != nil {
		s.observe("list", "offers", start, err)
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	offers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Offer, error) {
		return scanOffer(row)
	})
	s.observe("list", "offers", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	return offers, nil
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var (
		o                                 Offer
		offerID, amountA, amountB, status string
		slot                              int64
		blockTime                         *time.Time
	)
	err := row.Scan(
		&o.ID, &offerID, &o.Seller, &o.OfferAccount, &o.TokenMintA, &amountA,
		&o.TokenMintB, &amountB, &o.AllowAlternatives, &status,
		&o.Signature, &o.InstructionIndex, &slot, &blockTime, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if o.OfferID, err = parseU64("offer_id", offerID); err != nil {
		return nil, err
	}
	if o.TokenAmountA, err = parseU64("token_amount_a", amountA); err != nil {
		return nil, err
	}
	if o.TokenAmountB, err = parseU64("token_amount_b", amountB); err != nil {
		return nil, err
	}
	o.Status = OfferStatus(status)
	o.Slot = uint64(slot)
	o.BlockTime = timeOrZero(blockTime)
	return &o, nil
}
