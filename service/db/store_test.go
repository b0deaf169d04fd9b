package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sigCounter atomic.Int64

func prov(slot uint64) Provenance {
	return Provenance{
		Signature: fmt.Sprintf("sig-%d", sigCounter.Add(1)),
		Slot:      slot,
		BlockTime: time.Unix(1700000000+int64(slot), 0).UTC(),
	}
}

func createOffer(t *testing.T, s *Store, seller string, offerID uint64) *Offer {
	t.Helper()
	offer, created, err := s.CreateOffer(context.Background(), CreateOfferParams{
		OfferID:           offerID,
		Seller:            seller,
		OfferAccount:      fmt.Sprintf("offer-%s-%d", seller, offerID),
		TokenMintA:        "mintA",
		TokenAmountA:      1,
		TokenMintB:        "mintB",
		TokenAmountB:      18_000_000_000_000_000_000,
		AllowAlternatives: true,
		Provenance:        prov(100 + offerID),
	})
	require.NoError(t, err)
	require.True(t, created)
	return offer
}

func createProposal(t *testing.T, s *Store, offer *Offer, buyer string, proposalID uint64) *Proposal {
	t.Helper()
	p, created, err := s.CreateProposal(context.Background(), CreateProposalParams{
		ProposalID:      proposalID,
		Buyer:           buyer,
		OfferSeller:     offer.Seller,
		OfferID:         offer.OfferID,
		ProposalAccount: fmt.Sprintf("proposal-%s-%d-%s-%d", offer.Seller, offer.OfferID, buyer, proposalID),
		ProposedMint:    "mintC",
		ProposedAmount:  500,
		Provenance:      prov(200 + proposalID),
	})
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func TestMigrate_Idempotent(t *testing.T) {
	newTestStore(t)
	require.NoError(t, Migrate(context.Background(), testPool))
}

func TestCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	slot, err := s.GetLastProcessedSlot(ctx, "fair_swap")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), slot)

	slot, err = s.GetLastProcessedSlot(ctx, "never-written")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), slot, "unset key reads as zero")

	require.NoError(t, s.SetLastProcessedSlot(ctx, "fair_swap", 350_000_123))
	slot, err = s.GetLastProcessedSlot(ctx, "fair_swap")
	require.NoError(t, err)
	assert.Equal(t, uint64(350_000_123), slot)

	require.NoError(t, s.SetLastProcessedSlot(ctx, "other", 5))
	slot, err = s.GetLastProcessedSlot(ctx, "fair_swap")
	require.NoError(t, err)
	assert.Equal(t, uint64(350_000_123), slot, "keys are independent")
}

func TestCreateOffer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	offer := createOffer(t, s, "seller1", 1)
	assert.Equal(t, OfferActive, offer.Status)
	assert.Equal(t, uint64(18_000_000_000_000_000_000), offer.TokenAmountB, "u64 amounts round-trip")
	assert.Equal(t, uint64(101), offer.Slot)
	assert.False(t, offer.BlockTime.IsZero())

	t.Run("same natural key is a no-op", func(t *testing.T) {
		again, created, err := s.CreateOffer(ctx, CreateOfferParams{
			OfferID:      1,
			Seller:       "seller1",
			OfferAccount: "some-other-account",
			TokenMintA:   "x",
			TokenMintB:   "y",
			Provenance:   prov(999),
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Nil(t, again)
	})

	t.Run("same provenance is a no-op", func(t *testing.T) {
		_, created, err := s.CreateOffer(ctx, CreateOfferParams{
			OfferID:      2,
			Seller:       "seller1",
			OfferAccount: "acct-2",
			Provenance:   offer.Provenance,
		})
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("lookups", func(t *testing.T) {
		got, err := s.GetOffer(ctx, "seller1", 1)
		require.NoError(t, err)
		assert.Equal(t, offer.ID, got.ID)

		got, err = s.GetOfferByAccount(ctx, offer.OfferAccount)
		require.NoError(t, err)
		assert.Equal(t, offer.ID, got.ID)

		_, err = s.GetOffer(ctx, "seller1", 42)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetOfferByAccount(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCancelOffer_OnlyFromActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	offer := createOffer(t, s, "seller1", 1)

	cancelled, changed, err := s.CancelOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, OfferCancelled, cancelled.Status)

	_, changed, err = s.CancelOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.False(t, changed, "second cancel is a no-op")

	_, _, changed, err = s.CompleteOffer(ctx, CompleteOfferParams{
		OfferRowID: offer.ID,
		Swap:       CreateSwapParams{OfferID: 1, Buyer: "b", Seller: "seller1", Signature: "sig-late", Slot: 500},
	})
	require.NoError(t, err)
	assert.False(t, changed, "cancelled offer cannot complete")

	swaps, err := s.ListSwaps(ctx, ListSwapsParams{Signature: "sig-late"})
	require.NoError(t, err)
	assert.Empty(t, swaps, "no swap written when offer is not active")
}

func TestCompleteOffer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	offer := createOffer(t, s, "seller1", 1)

	params := CompleteOfferParams{
		OfferRowID: offer.ID,
		Swap: CreateSwapParams{
			OfferID:      1,
			Buyer:        "buyer1",
			Seller:       "seller1",
			TokenAMint:   "mintA",
			TokenAAmount: 1,
			TokenBMint:   "mintB",
			TokenBAmount: offer.TokenAmountB,
			Signature:    "swap-sig",
			Slot:         300,
			ExecutedAt:   time.Unix(1700000300, 0).UTC(),
		},
	}
	completed, swap, changed, err := s.CompleteOffer(ctx, params)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, OfferCompleted, completed.Status)
	require.NotNil(t, swap)
	assert.Nil(t, swap.ProposalID)
	assert.Equal(t, "buyer1", swap.Buyer)

	_, _, changed, err = s.CompleteOffer(ctx, params)
	require.NoError(t, err)
	assert.False(t, changed, "replay is a no-op")

	swaps, err := s.ListSwaps(ctx, ListSwapsParams{Participant: "buyer1"})
	require.NoError(t, err)
	assert.Len(t, swaps, 1)
}

func TestCompleteOffer_SeveralInOneTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := createOffer(t, s, "seller1", 1)
	second := createOffer(t, s, "seller2", 1)

	swapAt := func(offer *Offer, index int) CompleteOfferParams {
		return CompleteOfferParams{
			OfferRowID: offer.ID,
			Swap: CreateSwapParams{
				OfferID:          offer.OfferID,
				Buyer:            "buyer1",
				Seller:           offer.Seller,
				TokenAMint:       offer.TokenMintA,
				TokenAAmount:     offer.TokenAmountA,
				TokenBMint:       offer.TokenMintB,
				TokenBAmount:     offer.TokenAmountB,
				Signature:        "batch-sig",
				InstructionIndex: index,
				Slot:             300,
			},
		}
	}

	for i, offer := range []*Offer{first, second} {
		_, swap, changed, err := s.CompleteOffer(ctx, swapAt(offer, i))
		require.NoError(t, err)
		require.True(t, changed)
		assert.Equal(t, i, swap.InstructionIndex)
		assert.Equal(t, offer.Seller, swap.Seller)
	}

	swaps, err := s.ListSwaps(ctx, ListSwapsParams{Signature: "batch-sig"})
	require.NoError(t, err)
	assert.Len(t, swaps, 2, "one swap per completed offer")

	third := createOffer(t, s, "seller3", 1)
	_, _, _, err = s.CompleteOffer(ctx, swapAt(third, 0))
	assert.ErrorIs(t, err, ErrSwapConflict)
	got, err := s.GetOffer(ctx, "seller3", 1)
	require.NoError(t, err)
	assert.Equal(t, OfferActive, got.Status, "conflicting swap rolls the completion back")
}

func TestSlotParam_RejectsOverflow(t *testing.T) {
	v, err := slotParam(math.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), v)

	_, err = slotParam(math.MaxInt64 + 1)
	assert.ErrorIs(t, err, ErrSlotOutOfRange)

	// Rejected before any query is sent.
	err = (&Store{}).SetLastProcessedSlot(context.Background(), "fair_swap", math.MaxUint64)
	assert.ErrorIs(t, err, ErrSlotOutOfRange)
}

func TestAcceptProposal_WithdrawsSiblings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	offer := createOffer(t, s, "seller1", 1)
	other := createOffer(t, s, "seller2", 1)

	winner := createProposal(t, s, offer, "buyerA", 1)
	createProposal(t, s, offer, "buyerB", 1)
	createProposal(t, s, offer, "buyerC", 7)
	unrelated := createProposal(t, s, other, "buyerB", 1)

	pid := winner.ProposalID
	res, err := s.AcceptProposal(ctx, AcceptProposalParams{
		ProposalRowID: winner.ID,
		OfferRowID:    offer.ID,
		Swap: CreateSwapParams{
			OfferID:      offer.OfferID,
			ProposalID:   &pid,
			Buyer:        "buyerA",
			Seller:       "seller1",
			TokenAMint:   offer.TokenMintA,
			TokenAAmount: offer.TokenAmountA,
			TokenBMint:   winner.ProposedMint,
			TokenBAmount: winner.ProposedAmount,
			Signature:    "accept-sig",
			Slot:         400,
		},
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, ProposalAccepted, res.Proposal.Status)
	require.NotNil(t, res.Offer)
	assert.Equal(t, OfferCompleted, res.Offer.Status)
	require.NotNil(t, res.Swap)
	require.NotNil(t, res.Swap.ProposalID)
	assert.Equal(t, uint64(1), *res.Swap.ProposalID)
	assert.Len(t, res.Withdrawn, 2)

	accepted := ProposalAccepted
	list, err := s.ListProposals(ctx, ListProposalsParams{OfferSeller: "seller1", OfferID: &offer.OfferID, Status: accepted})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListProposals(ctx, ListProposalsParams{OfferSeller: "seller1", OfferID: &offer.OfferID, Status: ProposalWithdrawn})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	got, err := s.GetProposalByAccount(ctx, unrelated.ProposalAccount)
	require.NoError(t, err)
	assert.Equal(t, ProposalPending, got.Status, "proposals on other offers are untouched")

	res, err = s.AcceptProposal(ctx, AcceptProposalParams{ProposalRowID: winner.ID, OfferRowID: offer.ID})
	require.NoError(t, err)
	assert.False(t, res.Applied, "replay is a no-op")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalSwaps)
	assert.Equal(t, int64(1), stats.ActiveOffers)
	assert.Equal(t, int64(1), stats.CompletedOffers)
	assert.Equal(t, int64(1), stats.PendingProposals)
}

func TestProposalLookupsAndWithdraw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	offer := createOffer(t, s, "seller1", 1)
	first := createProposal(t, s, offer, "buyerA", 1)
	createProposal(t, s, offer, "buyerA", 2)

	_, created, err := s.CreateProposal(ctx, CreateProposalParams{
		ProposalID:      1,
		Buyer:           "buyerA",
		OfferSeller:     "seller1",
		OfferID:         1,
		ProposalAccount: "elsewhere",
		ProposedMint:    "m",
		Provenance:      prov(900),
	})
	require.NoError(t, err)
	assert.False(t, created, "duplicate natural key is a no-op")

	pending, err := s.FindPendingProposal(ctx, "seller1", 1, "buyerA")
	require.NoError(t, err)
	assert.Equal(t, first.ID, pending.ID, "oldest pending first")

	withdrawn, changed, err := s.WithdrawProposal(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ProposalWithdrawn, withdrawn.Status)

	_, changed, err = s.WithdrawProposal(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	pending, err = s.FindPendingProposal(ctx, "seller1", 1, "buyerA")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pending.ProposalID)

	_, err = s.FindPendingProposal(ctx, "seller1", 1, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOffers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createOffer(t, s, "seller1", 1)
	o2 := createOffer(t, s, "seller1", 2)
	createOffer(t, s, "seller2", 3)
	_, _, err := s.CancelOffer(ctx, o2.ID)
	require.NoError(t, err)

	all, err := s.ListOffers(ctx, ListOffersParams{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[0].OfferID, "newest first")

	active, err := s.ListOffers(ctx, ListOffersParams{Status: OfferActive, Seller: "seller1"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, uint64(1), active[0].OfferID)
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("failed to create offer: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, IsUniqueViolation(wrapped))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsUniqueViolation(errors.New("connection reset")))
	assert.False(t, IsUniqueViolation(nil))
}
