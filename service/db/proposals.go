package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const proposalColumns = `id, proposal_id, buyer, offer_seller, offer_id, proposal_account,
	proposed_mint, proposed_amount, status,
	signature, instruction_index, slot, block_time, created_at, updated_at`

// CreateProposalParams contains the parameters for creating a proposal.
type CreateProposalParams struct {
	ProposalID      uint64
	Buyer           string
	OfferSeller     string
	OfferID         uint64
	ProposalAccount string
	ProposedMint    string
	ProposedAmount  uint64
	Provenance      Provenance
}

// ListProposalsParams filters ListProposals. Zero values match everything;
// OfferSeller and OfferID filter together.
type ListProposalsParams struct {
	Status      ProposalStatus
	Buyer       string
	OfferSeller string
	OfferID     *uint64
	Limit       int
}

// CreateProposal inserts a pending proposal. If the proposal already exists
// nothing is written and created is false.
func (s *Store) CreateProposal(ctx context.Context, p CreateProposalParams) (proposal *Proposal, created bool, err error) {
	slot, err := slotParam(p.Provenance.Slot)
	if err != nil {
		return nil, false, err
	}
	start := time.Now()
	proposal, err = scanProposal(s.pool.QueryRow(ctx, `
		INSERT INTO proposals (
			proposal_id, buyer, offer_seller, offer_id, proposal_account,
			proposed_mint, proposed_amount, status,
			signature, instruction_index, slot, block_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
		RETURNING `+proposalColumns,
		formatU64(p.ProposalID), p.Buyer, p.OfferSeller, formatU64(p.OfferID), p.ProposalAccount,
		p.ProposedMint, formatU64(p.ProposedAmount),
		p.Provenance.Signature, p.Provenance.InstructionIndex, slot, nullableTime(p.Provenance.BlockTime),
	))
	s.observe("insert", "proposals", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create proposal %d on offer %s/%d: %w", p.ProposalID, p.OfferSeller, p.OfferID, err)
	}
	return proposal, true, nil
}

// GetProposalByAccount looks a proposal up by its on-chain account address.
func (s *Store) GetProposalByAccount(ctx context.Context, account string) (*Proposal, error) {
	start := time.Now()
	proposal, err := scanProposal(s.pool.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE proposal_account = $1`, account,
	))
	s.observe("select", "proposals", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal by account %s: %w", account, err)
	}
	return proposal, nil
}

// FindPendingProposal returns the oldest pending proposal of buyer on the
// given offer.
func (s *Store) FindPendingProposal(ctx context.Context, offerSeller string, offerID uint64, buyer string) (*Proposal, error) {
	start := time.Now()
	proposal, err := scanProposal(s.pool.QueryRow(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE offer_seller = $1 AND offer_id = $2 AND buyer = $3 AND status = 'pending'
		ORDER BY slot, id
		LIMIT 1`,
		offerSeller, formatU64(offerID), buyer,
	))
	s.observe("select", "proposals", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending proposal: %w", err)
	}
	return proposal, nil
}

// WithdrawProposal moves a pending proposal to withdrawn. It returns
// changed=false if the proposal was not pending.
func (s *Store) WithdrawProposal(ctx context.Context, id int64) (proposal *Proposal, changed bool, err error) {
	start := time.Now()
	proposal, err = scanProposal(s.pool.QueryRow(ctx, `
		UPDATE proposals SET status = 'withdrawn', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+proposalColumns, id,
	))
	s.observe("update", "proposals", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to withdraw proposal %d: %w", id, err)
	}
	return proposal, true, nil
}

// AcceptProposalParams contains the parameters for accepting a proposal.
type AcceptProposalParams struct {
	ProposalRowID int64
	OfferRowID    int64
	Swap          CreateSwapParams
}

// AcceptResult describes the rows changed by AcceptProposal.
type AcceptResult struct {
	Applied  bool
	Proposal *Proposal
	// Offer is nil if the offer was no longer active.
	Offer     *Offer
	Swap      *Swap
	Withdrawn []*Proposal
}

// AcceptProposal settles an offer against one proposal in a single
// transaction: the proposal becomes accepted, the swap is recorded, the
// offer becomes completed and every other pending proposal on the offer is
// withdrawn. Nothing is written if the proposal is not pending.
func (s *Store) AcceptProposal(ctx context.Context, p AcceptProposalParams) (*AcceptResult, error) {
	start := time.Now()
	res := &AcceptResult{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		res.Proposal, err = scanProposal(tx.QueryRow(ctx, `
			UPDATE proposals SET status = 'accepted', updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
			RETURNING `+proposalColumns, p.ProposalRowID,
		))
		if err != nil {
			return err
		}

		res.Offer, err = completeOffer(ctx, tx, p.OfferRowID)
		if errors.Is(err, pgx.ErrNoRows) {
			res.Offer = nil
		} else if err != nil {
			return err
		}

		var created bool
		res.Swap, created, err = insertSwap(ctx, tx, p.Swap)
		if err != nil {
			return err
		}
		if !created {
			return swapConflict(p.Swap)
		}

		rows, err := tx.Query(ctx, `
			UPDATE proposals SET status = 'withdrawn', updated_at = NOW()
			WHERE offer_seller = $1 AND offer_id = $2 AND status = 'pending' AND id <> $3
			RETURNING `+proposalColumns,
			res.Proposal.OfferSeller, formatU64(res.Proposal.OfferID), p.ProposalRowID,
		)
		if err != nil {
			return err
		}
		res.Withdrawn, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Proposal, error) {
			return scanProposal(row)
		})
		return err
	})
	s.observe("accept", "proposals", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return &AcceptResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to accept proposal %d: %w", p.ProposalRowID, err)
	}
	res.Applied = true
	return res, nil
}

// ListProposals returns proposals newest first.
func (s *Store) ListProposals(ctx context.Context, p ListProposalsParams) ([]*Proposal, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	offerID := ""
	if p.OfferID != nil {
		offerID = formatU64(*p.OfferID)
	}
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE ($1::text = '' OR status = $1)
		  AND ($2::text = '' OR buyer = $2)
		  AND ($3::text = '' OR offer_seller = $3)
		  AND ($4::text = '' OR offer_id = $4)
		ORDER BY slot DESC, id DESC
		LIMIT $5`,
		string(p.Status), p.Buyer, p.OfferSeller, offerID, limit,
	)
	if err != nil {
		s.observe("list", "proposals", start, err)
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	proposals, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Proposal, error) {
		return scanProposal(row)
	})
	s.observe("list", "proposals", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	return proposals, nil
}

func scanProposal(row pgx.Row) (*Proposal, error) {
	var (
		p                           Proposal
		proposalID, offerID, amount string
		status                      string
		slot                        int64
		blockTime                   *time.Time
	)
	err := row.Scan(
		&p.ID, &proposalID, &p.Buyer, &p.OfferSeller, &offerID, &p.ProposalAccount,
		&p.ProposedMint, &amount, &status,
		&p.Signature, &p.InstructionIndex, &slot, &blockTime, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.ProposalID, err = parseU64("proposal_id", proposalID); err != nil {
		return nil, err
	}
	if p.OfferID, err = parseU64("offer_id", offerID); err != nil {
		return nil, err
	}
	if p.ProposedAmount, err = parseU64("proposed_amount", amount); err != nil {
		return nil, err
	}
	p.Status = ProposalStatus(status)
	p.Slot = uint64(slot)
	p.BlockTime = timeOrZero(blockTime)
	return &p, nil
}
