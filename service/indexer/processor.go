// Package indexer projects FairSwap program instructions into the store.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/fairswap/service/db"
	"github.com/brojonat/fairswap/service/decoder"
	"github.com/brojonat/fairswap/service/events"
	"github.com/brojonat/fairswap/service/metrics"
	"github.com/brojonat/fairswap/service/resolver"
	solanago "github.com/gagliardetto/solana-go"
)

// ErrTransient marks failures of chain reads made while processing. The
// poll loop aborts the tick on these so the transaction is retried.
var ErrTransient = errors.New("transient chain error")

// errGap is returned by handlers whose referenced offer or proposal is
// unknown. Process reports it as OutcomeSkipped.
var errGap = errors.New("reference not found")

// Outcome is the result of processing one instruction.
type Outcome string

const (
	// OutcomeApplied means the projection changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the change was already applied or the state had
	// already moved on.
	OutcomeNoop Outcome = "noop"
	// OutcomeSkipped means a referenced offer or proposal is unknown.
	OutcomeSkipped Outcome = "skipped"
)

// Store is the projection store used by the Processor.
type Store interface {
	CreateOffer(ctx context.Context, p db.CreateOfferParams) (*db.Offer, bool, error)
	GetOffer(ctx context.Context, seller string, offerID uint64) (*db.Offer, error)
	GetOfferByAccount(ctx context.Context, account string) (*db.Offer, error)
	CancelOffer(ctx context.Context, id int64) (*db.Offer, bool, error)
	CompleteOffer(ctx context.Context, p db.CompleteOfferParams) (*db.Offer, *db.Swap, bool, error)

	CreateProposal(ctx context.Context, p db.CreateProposalParams) (*db.Proposal, bool, error)
	GetProposalByAccount(ctx context.Context, account string) (*db.Proposal, error)
	FindPendingProposal(ctx context.Context, offerSeller string, offerID uint64, buyer string) (*db.Proposal, error)
	WithdrawProposal(ctx context.Context, id int64) (*db.Proposal, bool, error)
	AcceptProposal(ctx context.Context, p db.AcceptProposalParams) (*db.AcceptResult, error)
}

// OfferResolver maps an offer account address to the offer's natural key.
type OfferResolver interface {
	ResolveOffer(ctx context.Context, account solanago.PublicKey) (resolver.OfferKey, error)
	Remember(ctx context.Context, account solanago.PublicKey, key resolver.OfferKey)
}

// EventPublisher receives the events of each applied change.
type EventPublisher interface {
	Publish(ctx context.Context, evs []*events.Event)
}

// Processor applies decoded instructions to the projection. Every handler is
// idempotent: replaying an instruction yields OutcomeNoop.
type Processor struct {
	store     Store
	resolver  OfferResolver
	publisher EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewProcessor creates a Processor. publisher and m may be nil.
func NewProcessor(store Store, res OfferResolver, publisher EventPublisher, m *metrics.Metrics, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		resolver:  res,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Process applies one instruction. Only store failures and ErrTransient are
// returned as errors; missing references are logged and skipped.
func (p *Processor) Process(ctx context.Context, ix decoder.Instruction, prov db.Provenance) (Outcome, error) {
	var (
		outcome Outcome
		evs     []*events.Event
		err     error
	)
	switch ix := ix.(type) {
	case *decoder.InitializeOffer:
		outcome, evs, err = p.initializeOffer(ctx, ix, prov)
	case *decoder.CancelOffer:
		outcome, evs, err = p.cancelOffer(ctx, ix, prov)
	case *decoder.ExecuteSwap:
		outcome, evs, err = p.executeSwap(ctx, ix, prov)
	case *decoder.SubmitProposal:
		outcome, evs, err = p.submitProposal(ctx, ix, prov)
	case *decoder.AcceptProposal:
		outcome, evs, err = p.acceptProposal(ctx, ix, prov)
	case *decoder.WithdrawProposal:
		outcome, evs, err = p.withdrawProposal(ctx, ix, prov)
	default:
		return "", fmt.Errorf("unhandled instruction type %T", ix)
	}
	if errors.Is(err, errGap) {
		outcome, err = OutcomeSkipped, nil
	}

	status := string(outcome)
	if err != nil {
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.RecordInstruction(ix.Kind().String(), status)
	}
	if err != nil {
		return "", fmt.Errorf("%s at %s#%d: %w", ix.Kind(), prov.Signature, prov.InstructionIndex, err)
	}

	p.logger.DebugContext(ctx, "processed instruction",
		"kind", ix.Kind().String(),
		"outcome", string(outcome),
		"signature", prov.Signature,
		"instruction_index", prov.InstructionIndex,
		"slot", prov.Slot,
	)
	if p.publisher != nil && len(evs) > 0 {
		p.publisher.Publish(ctx, evs)
	}
	return outcome, nil
}

func (p *Processor) initializeOffer(ctx context.Context, ix *decoder.InitializeOffer, prov db.Provenance) (Outcome, []*events.Event, error) {
	offer, created, err := p.store.CreateOffer(ctx, db.CreateOfferParams{
		OfferID:           ix.OfferID,
		Seller:            ix.Seller.String(),
		OfferAccount:      ix.Offer.String(),
		TokenMintA:        ix.TokenMintA.String(),
		TokenAmountA:      ix.TokenAmountA,
		TokenMintB:        ix.TokenMintB.String(),
		TokenAmountB:      ix.TokenAmountB,
		AllowAlternatives: ix.AllowAlternatives,
		Provenance:        prov,
	})
	if err != nil {
		return "", nil, err
	}
	p.resolver.Remember(ctx, ix.Offer, resolver.OfferKey{Seller: ix.Seller, OfferID: ix.OfferID})
	if !created {
		return OutcomeNoop, nil, nil
	}
	p.logger.InfoContext(ctx, "offer created",
		"seller", offer.Seller,
		"offer_id", offer.OfferID,
		"signature", prov.Signature,
	)
	return OutcomeApplied, []*events.Event{newEvent(events.OfferCreated, prov, offer, nil, nil)}, nil
}

func (p *Processor) cancelOffer(ctx context.Context, ix *decoder.CancelOffer, prov db.Provenance) (Outcome, []*events.Event, error) {
	offer, err := p.findOffer(ctx, ix.Offer, prov)
	if err != nil {
		return "", nil, err
	}
	if offer.Seller != ix.Seller.String() {
		p.logger.WarnContext(ctx, "cancel signer is not the offer seller, skipping",
			"offer_account", ix.Offer.String(),
			"seller", offer.Seller,
			"signer", ix.Seller.String(),
			"signature", prov.Signature,
		)
		return OutcomeSkipped, nil, nil
	}

	cancelled, changed, err := p.store.CancelOffer(ctx, offer.ID)
	if err != nil {
		return "", nil, err
	}
	if !changed {
		return OutcomeNoop, nil, nil
	}
	p.logger.InfoContext(ctx, "offer cancelled",
		"seller", cancelled.Seller,
		"offer_id", cancelled.OfferID,
		"signature", prov.Signature,
	)
	return OutcomeApplied, []*events.Event{newEvent(events.OfferCancelled, prov, cancelled, nil, nil)}, nil
}

func (p *Processor) executeSwap(ctx context.Context, ix *decoder.ExecuteSwap, prov db.Provenance) (Outcome, []*events.Event, error) {
	offer, err := p.findOffer(ctx, ix.Offer, prov)
	if err != nil {
		return "", nil, err
	}
	if offer.Seller != ix.Seller.String() {
		p.logger.WarnContext(ctx, "swap seller does not match offer, skipping",
			"offer_account", ix.Offer.String(),
			"seller", offer.Seller,
			"instruction_seller", ix.Seller.String(),
			"signature", prov.Signature,
		)
		return OutcomeSkipped, nil, nil
	}

	completed, swap, changed, err := p.store.CompleteOffer(ctx, db.CompleteOfferParams{
		OfferRowID: offer.ID,
		Swap: db.CreateSwapParams{
			OfferID:          offer.OfferID,
			Buyer:            ix.Buyer.String(),
			Seller:           offer.Seller,
			TokenAMint:       offer.TokenMintA,
			TokenAAmount:     offer.TokenAmountA,
			TokenBMint:       offer.TokenMintB,
			TokenBAmount:     offer.TokenAmountB,
			Signature:        prov.Signature,
			InstructionIndex: prov.InstructionIndex,
			Slot:             prov.Slot,
			ExecutedAt:       prov.BlockTime,
		},
	})
	if err != nil {
		return "", nil, err
	}
	if !changed {
		return OutcomeNoop, nil, nil
	}
	p.logger.InfoContext(ctx, "swap executed",
		"seller", completed.Seller,
		"offer_id", completed.OfferID,
		"buyer", ix.Buyer.String(),
		"signature", prov.Signature,
	)
	evs := []*events.Event{newEvent(events.OfferCompleted, prov, completed, nil, nil)}
	if swap != nil {
		evs = append(evs, newEvent(events.SwapExecuted, prov, completed, nil, swap))
	}
	return OutcomeApplied, evs, nil
}

func (p *Processor) submitProposal(ctx context.Context, ix *decoder.SubmitProposal, prov db.Provenance) (Outcome, []*events.Event, error) {
	key, err := p.resolveOffer(ctx, ix.Offer, prov)
	if err != nil {
		return "", nil, err
	}

	proposal, created, err := p.store.CreateProposal(ctx, db.CreateProposalParams{
		ProposalID:      ix.ProposalID,
		Buyer:           ix.Buyer.String(),
		OfferSeller:     key.Seller.String(),
		OfferID:         key.OfferID,
		ProposalAccount: ix.Proposal.String(),
		ProposedMint:    ix.ProposedMint.String(),
		ProposedAmount:  ix.ProposedAmount,
		Provenance:      prov,
	})
	if err != nil {
		return "", nil, err
	}
	if !created {
		return OutcomeNoop, nil, nil
	}
	p.logger.InfoContext(ctx, "proposal submitted",
		"offer_seller", proposal.OfferSeller,
		"offer_id", proposal.OfferID,
		"buyer", proposal.Buyer,
		"proposal_id", proposal.ProposalID,
		"signature", prov.Signature,
	)
	return OutcomeApplied, []*events.Event{newEvent(events.ProposalSubmitted, prov, nil, proposal, nil)}, nil
}

func (p *Processor) acceptProposal(ctx context.Context, ix *decoder.AcceptProposal, prov db.Provenance) (Outcome, []*events.Event, error) {
	key, err := p.resolveOffer(ctx, ix.Offer, prov)
	if err != nil {
		return "", nil, err
	}
	offer, err := p.store.GetOffer(ctx, key.Seller.String(), key.OfferID)
	if errors.Is(err, db.ErrNotFound) {
		p.logger.WarnContext(ctx, "offer not in projection, skipping accept",
			"offer_seller", key.Seller.String(),
			"offer_id", key.OfferID,
			"signature", prov.Signature,
		)
		return OutcomeSkipped, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	proposal, err := p.store.GetProposalByAccount(ctx, ix.Proposal.String())
	if errors.Is(err, db.ErrNotFound) {
		proposal, err = p.store.FindPendingProposal(ctx, offer.Seller, offer.OfferID, ix.Buyer.String())
	}
	if errors.Is(err, db.ErrNotFound) {
		p.logger.WarnContext(ctx, "proposal not in projection, skipping accept",
			"proposal_account", ix.Proposal.String(),
			"offer_seller", offer.Seller,
			"offer_id", offer.OfferID,
			"buyer", ix.Buyer.String(),
			"signature", prov.Signature,
		)
		return OutcomeSkipped, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if proposal.OfferSeller != offer.Seller || proposal.OfferID != offer.OfferID {
		p.logger.WarnContext(ctx, "proposal belongs to another offer, skipping accept",
			"proposal_account", proposal.ProposalAccount,
			"signature", prov.Signature,
		)
		return OutcomeSkipped, nil, nil
	}

	proposalID := proposal.ProposalID
	res, err := p.store.AcceptProposal(ctx, db.AcceptProposalParams{
		ProposalRowID: proposal.ID,
		OfferRowID:    offer.ID,
		Swap: db.CreateSwapParams{
			OfferID:          offer.OfferID,
			ProposalID:       &proposalID,
			Buyer:            proposal.Buyer,
			Seller:           offer.Seller,
			TokenAMint:       offer.TokenMintA,
			TokenAAmount:     offer.TokenAmountA,
			TokenBMint:       proposal.ProposedMint,
			TokenBAmount:     proposal.ProposedAmount,
			Signature:        prov.Signature,
			InstructionIndex: prov.InstructionIndex,
			Slot:             prov.Slot,
			ExecutedAt:       prov.BlockTime,
		},
	})
	if err != nil {
		return "", nil, err
	}
	if !res.Applied {
		return OutcomeNoop, nil, nil
	}
	p.logger.InfoContext(ctx, "proposal accepted",
		"offer_seller", offer.Seller,
		"offer_id", offer.OfferID,
		"buyer", res.Proposal.Buyer,
		"proposal_id", res.Proposal.ProposalID,
		"withdrawn", len(res.Withdrawn),
		"signature", prov.Signature,
	)

	evs := []*events.Event{newEvent(events.ProposalAccepted, prov, nil, res.Proposal, nil)}
	if res.Offer != nil {
		evs = append(evs, newEvent(events.OfferCompleted, prov, res.Offer, nil, nil))
	} else {
		p.logger.WarnContext(ctx, "accepted proposal on an offer that was not active",
			"offer_seller", offer.Seller,
			"offer_id", offer.OfferID,
			"status", string(offer.Status),
			"signature", prov.Signature,
		)
	}
	if res.Swap != nil {
		evs = append(evs, newEvent(events.SwapExecuted, prov, res.Offer, res.Proposal, res.Swap))
	}
	for _, w := range res.Withdrawn {
		evs = append(evs, newEvent(events.ProposalWithdrawn, prov, nil, w, nil))
	}
	return OutcomeApplied, evs, nil
}

func (p *Processor) withdrawProposal(ctx context.Context, ix *decoder.WithdrawProposal, prov db.Provenance) (Outcome, []*events.Event, error) {
	proposal, err := p.store.GetProposalByAccount(ctx, ix.Proposal.String())
	if errors.Is(err, db.ErrNotFound) {
		p.logger.WarnContext(ctx, "proposal not in projection, skipping withdraw",
			"proposal_account", ix.Proposal.String(),
			"buyer", ix.Buyer.String(),
			"signature", prov.Signature,
		)
		return OutcomeSkipped, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if proposal.Buyer != ix.Buyer.String() {
		p.logger.WarnContext(ctx, "withdraw signer is not the proposal buyer, skipping",
			"proposal_account", proposal.ProposalAccount,
			"buyer", proposal.Buyer,
			"signer", ix.Buyer.String(),
			"signature", prov.Signature,
		)
		return OutcomeSkipped, nil, nil
	}

	withdrawn, changed, err := p.store.WithdrawProposal(ctx, proposal.ID)
	if err != nil {
		return "", nil, err
	}
	if !changed {
		return OutcomeNoop, nil, nil
	}
	p.logger.InfoContext(ctx, "proposal withdrawn",
		"offer_seller", withdrawn.OfferSeller,
		"offer_id", withdrawn.OfferID,
		"buyer", withdrawn.Buyer,
		"proposal_id", withdrawn.ProposalID,
		"signature", prov.Signature,
	)
	return OutcomeApplied, []*events.Event{newEvent(events.ProposalWithdrawn, prov, nil, withdrawn, nil)}, nil
}

// findOffer loads the offer stored at account, falling back to the resolver
// for offers recorded under another address. It returns errGap if the offer
// is unknown.
func (p *Processor) findOffer(ctx context.Context, account solanago.PublicKey, prov db.Provenance) (*db.Offer, error) {
	offer, err := p.store.GetOfferByAccount(ctx, account.String())
	if err == nil {
		return offer, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	key, err := p.resolveOffer(ctx, account, prov)
	if err != nil {
		return nil, err
	}
	offer, err = p.store.GetOffer(ctx, key.Seller.String(), key.OfferID)
	if errors.Is(err, db.ErrNotFound) {
		p.logger.WarnContext(ctx, "offer not in projection, skipping",
			"offer_account", account.String(),
			"offer_seller", key.Seller.String(),
			"offer_id", key.OfferID,
			"signature", prov.Signature,
		)
		return nil, errGap
	}
	return offer, err
}

// resolveOffer returns errGap for unresolvable accounts and wraps every other
// failure in ErrTransient.
func (p *Processor) resolveOffer(ctx context.Context, account solanago.PublicKey, prov db.Provenance) (resolver.OfferKey, error) {
	key, err := p.resolver.ResolveOffer(ctx, account)
	if err == nil {
		return key, nil
	}
	if errors.Is(err, resolver.ErrUnresolved) {
		p.logger.WarnContext(ctx, "offer account unresolved, skipping",
			"offer_account", account.String(),
			"signature", prov.Signature,
			"error", err,
		)
		return resolver.OfferKey{}, errGap
	}
	return resolver.OfferKey{}, fmt.Errorf("%w: %w", ErrTransient, err)
}

func newEvent(t events.Type, prov db.Provenance, offer *db.Offer, proposal *db.Proposal, swap *db.Swap) *events.Event {
	return &events.Event{
		Type:             t,
		Signature:        prov.Signature,
		InstructionIndex: prov.InstructionIndex,
		Slot:             prov.Slot,
		BlockTime:        prov.BlockTime,
		Offer:            offer,
		Proposal:         proposal,
		Swap:             swap,
	}
}
