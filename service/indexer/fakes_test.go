package indexer

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/fairswap/service/db"
	"github.com/brojonat/fairswap/service/decoder"
	"github.com/brojonat/fairswap/service/events"
	"github.com/brojonat/fairswap/service/idl"
	natspkg "github.com/brojonat/fairswap/service/nats"
	"github.com/brojonat/fairswap/service/resolver"
	"github.com/brojonat/fairswap/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

var programID = solanago.MustPublicKeyFromBase58("GUijjz5VNLUkPSw9KKvH5ntUNoJuSDbWQDXZSrQgx9fW")

// memStore is an in-memory Store and Checkpoints with the same transition
// rules as the Postgres store.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	offers      []*db.Offer
	proposals   []*db.Proposal
	swaps       []*db.Swap
	checkpoints map[string]uint64
	failOn      map[string]error
}

func newMemStore() *memStore {
	return &memStore{checkpoints: make(map[string]uint64), failOn: make(map[string]error)}
}

func (s *memStore) fail(op string) error {
	return s.failOn[op]
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) GetLastProcessedSlot(_ context.Context, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetLastProcessedSlot"); err != nil {
		return 0, err
	}
	return s.checkpoints[key], nil
}

func (s *memStore) SetLastProcessedSlot(_ context.Context, key string, slot uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SetLastProcessedSlot"); err != nil {
		return err
	}
	s.checkpoints[key] = slot
	return nil
}

func (s *memStore) CreateOffer(_ context.Context, p db.CreateOfferParams) (*db.Offer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateOffer"); err != nil {
		return nil, false, err
	}
	for _, o := range s.offers {
		if (o.Seller == p.Seller && o.OfferID == p.OfferID) || o.OfferAccount == p.OfferAccount ||
			(o.Signature == p.Provenance.Signature && o.InstructionIndex == p.Provenance.InstructionIndex) {
			return nil, false, nil
		}
	}
	o := &db.Offer{
		ID:                s.id(),
		OfferID:           p.OfferID,
		Seller:            p.Seller,
		OfferAccount:      p.OfferAccount,
		TokenMintA:        p.TokenMintA,
		TokenAmountA:      p.TokenAmountA,
		TokenMintB:        p.TokenMintB,
		TokenAmountB:      p.TokenAmountB,
		AllowAlternatives: p.AllowAlternatives,
		Status:            db.OfferActive,
		Provenance:        p.Provenance,
	}
	s.offers = append(s.offers, o)
	cp := *o
	return &cp, true, nil
}

func (s *memStore) GetOffer(_ context.Context, seller string, offerID uint64) (*db.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.offers {
		if o.Seller == seller && o.OfferID == offerID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memStore) GetOfferByAccount(_ context.Context, account string) (*db.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetOfferByAccount"); err != nil {
		return nil, err
	}
	for _, o := range s.offers {
		if o.OfferAccount == account {
			cp := *o
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memStore) offerByID(id int64) *db.Offer {
	for _, o := range s.offers {
		if o.ID == id {
			return o
		}
	}
	return nil
}

func (s *memStore) CancelOffer(_ context.Context, id int64) (*db.Offer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CancelOffer"); err != nil {
		return nil, false, err
	}
	o := s.offerByID(id)
	if o == nil || o.Status != db.OfferActive {
		return nil, false, nil
	}
	o.Status = db.OfferCancelled
	cp := *o
	return &cp, true, nil
}

func (s *memStore) swapRecorded(p db.CreateSwapParams) bool {
	for _, sw := range s.swaps {
		if sw.Signature == p.Signature && sw.InstructionIndex == p.InstructionIndex {
			return true
		}
	}
	return false
}

func (s *memStore) insertSwap(p db.CreateSwapParams) *db.Swap {
	sw := &db.Swap{
		ID:               s.id(),
		OfferID:          p.OfferID,
		ProposalID:       p.ProposalID,
		Buyer:            p.Buyer,
		Seller:           p.Seller,
		TokenAMint:       p.TokenAMint,
		TokenAAmount:     p.TokenAAmount,
		TokenBMint:       p.TokenBMint,
		TokenBAmount:     p.TokenBAmount,
		Signature:        p.Signature,
		InstructionIndex: p.InstructionIndex,
		Slot:             p.Slot,
		ExecutedAt:       p.ExecutedAt,
	}
	s.swaps = append(s.swaps, sw)
	cp := *sw
	return &cp
}

func (s *memStore) CompleteOffer(_ context.Context, p db.CompleteOfferParams) (*db.Offer, *db.Swap, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CompleteOffer"); err != nil {
		return nil, nil, false, err
	}
	o := s.offerByID(p.OfferRowID)
	if o == nil || o.Status != db.OfferActive {
		return nil, nil, false, nil
	}
	if s.swapRecorded(p.Swap) {
		return nil, nil, false, db.ErrSwapConflict
	}
	o.Status = db.OfferCompleted
	swap := s.insertSwap(p.Swap)
	cp := *o
	return &cp, swap, true, nil
}

func (s *memStore) CreateProposal(_ context.Context, p db.CreateProposalParams) (*db.Proposal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateProposal"); err != nil {
		return nil, false, err
	}
	for _, pr := range s.proposals {
		if (pr.OfferSeller == p.OfferSeller && pr.OfferID == p.OfferID && pr.Buyer == p.Buyer && pr.ProposalID == p.ProposalID) ||
			pr.ProposalAccount == p.ProposalAccount ||
			(pr.Signature == p.Provenance.Signature && pr.InstructionIndex == p.Provenance.InstructionIndex) {
			return nil, false, nil
		}
	}
	pr := &db.Proposal{
		ID:              s.id(),
		ProposalID:      p.ProposalID,
		Buyer:           p.Buyer,
		OfferSeller:     p.OfferSeller,
		OfferID:         p.OfferID,
		ProposalAccount: p.ProposalAccount,
		ProposedMint:    p.ProposedMint,
		ProposedAmount:  p.ProposedAmount,
		Status:          db.ProposalPending,
		Provenance:      p.Provenance,
	}
	s.proposals = append(s.proposals, pr)
	cp := *pr
	return &cp, true, nil
}

func (s *memStore) GetProposalByAccount(_ context.Context, account string) (*db.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pr := range s.proposals {
		if pr.ProposalAccount == account {
			cp := *pr
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memStore) FindPendingProposal(_ context.Context, offerSeller string, offerID uint64, buyer string) (*db.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pr := range s.proposals {
		if pr.OfferSeller == offerSeller && pr.OfferID == offerID && pr.Buyer == buyer && pr.Status == db.ProposalPending {
			cp := *pr
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memStore) WithdrawProposal(_ context.Context, id int64) (*db.Proposal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("WithdrawProposal"); err != nil {
		return nil, false, err
	}
	for _, pr := range s.proposals {
		if pr.ID == id && pr.Status == db.ProposalPending {
			pr.Status = db.ProposalWithdrawn
			cp := *pr
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *memStore) AcceptProposal(_ context.Context, p db.AcceptProposalParams) (*db.AcceptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AcceptProposal"); err != nil {
		return nil, err
	}
	var accepted *db.Proposal
	for _, pr := range s.proposals {
		if pr.ID == p.ProposalRowID && pr.Status == db.ProposalPending {
			accepted = pr
		}
	}
	if accepted == nil {
		return &db.AcceptResult{}, nil
	}
	if s.swapRecorded(p.Swap) {
		return nil, db.ErrSwapConflict
	}
	accepted.Status = db.ProposalAccepted
	res := &db.AcceptResult{Applied: true}
	cp := *accepted
	res.Proposal = &cp

	if o := s.offerByID(p.OfferRowID); o != nil && o.Status == db.OfferActive {
		o.Status = db.OfferCompleted
		oc := *o
		res.Offer = &oc
	}
	res.Swap = s.insertSwap(p.Swap)
	for _, pr := range s.proposals {
		if pr.OfferSeller == accepted.OfferSeller && pr.OfferID == accepted.OfferID &&
			pr.Status == db.ProposalPending && pr.ID != accepted.ID {
			pr.Status = db.ProposalWithdrawn
			wc := *pr
			res.Withdrawn = append(res.Withdrawn, &wc)
		}
	}
	return res, nil
}

func (s *memStore) offer(t *testing.T, seller solanago.PublicKey, offerID uint64) *db.Offer {
	t.Helper()
	o, err := s.GetOffer(context.Background(), seller.String(), offerID)
	require.NoError(t, err)
	return o
}

func (s *memStore) proposalStatuses() map[string]db.ProposalStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]db.ProposalStatus, len(s.proposals))
	for _, pr := range s.proposals {
		out[pr.Buyer] = pr.Status
	}
	return out
}

// fakeChain serves a fixed transaction history and account set.
type fakeChain struct {
	mu         sync.Mutex
	slot       uint64
	txs        []*solana.Transaction
	accounts   map[solanago.PublicKey]*solana.AccountInfo
	slotErr    error
	listErr    error
	fetchErr   map[solanago.Signature]error
	accountErr error
	nextSig    uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		accounts: make(map[solanago.PublicKey]*solana.AccountInfo),
		fetchErr: make(map[solanago.Signature]error),
	}
}

// addTx appends a transaction at slot and moves the chain height to it.
func (c *fakeChain) addTx(slot uint64, failed bool, ixs ...solana.Instruction) *solana.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSig++
	var sig solanago.Signature
	binary.LittleEndian.PutUint64(sig[:], c.nextSig)
	for i := range ixs {
		ixs[i].Index = i
	}
	tx := &solana.Transaction{
		Signature:    sig,
		Slot:         slot,
		BlockTime:    time.Unix(1700000000+int64(slot), 0).UTC(),
		Instructions: ixs,
	}
	if failed {
		msg := "custom program error: 0x1771"
		tx.Err = &msg
	}
	c.txs = append(c.txs, tx)
	c.slot = max(c.slot, slot)
	return tx
}

func (c *fakeChain) CurrentSlot(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot, c.slotErr
}

func (c *fakeChain) ListSignaturesSince(_ context.Context, program solanago.PublicKey, afterSlot uint64, limit int) ([]solana.SignatureInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	var out []solana.SignatureInfo
	for _, tx := range c.txs {
		if tx.Slot <= afterSlot || len(tx.ProgramInstructions(program)) == 0 {
			continue
		}
		out = append(out, solana.SignatureInfo{Signature: tx.Signature, Slot: tx.Slot, BlockTime: tx.BlockTime, Err: tx.Err})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *fakeChain) FetchTransaction(_ context.Context, signature solanago.Signature) (*solana.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fetchErr[signature]; err != nil {
		return nil, err
	}
	for _, tx := range c.txs {
		if tx.Signature == signature {
			return tx, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", solana.ErrTransactionNotFound, signature)
}

func (c *fakeChain) FetchAccount(_ context.Context, address solanago.PublicKey) (*solana.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accountErr != nil {
		return nil, c.accountErr
	}
	info, ok := c.accounts[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", solana.ErrAccountNotFound, address)
	}
	return info, nil
}

// recordingPublisher is the NATS mock sink behind a real Fanout.
type recordingPublisher struct {
	*natspkg.MockPublisher
}

func (r *recordingPublisher) types() []events.Type {
	evs := r.GetPublishedEvents()
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// harness wires the real decoder, resolver, processor and poller to the fakes.
type harness struct {
	store     *memStore
	chain     *fakeChain
	publisher *recordingPublisher
	decoder   *decoder.Decoder
	processor *Processor
	poller    *Poller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	schema, err := idl.Load(filepath.Join("..", "idl", "testdata", idl.FileName))
	require.NoError(t, err)
	dec, err := decoder.New(schema)
	require.NoError(t, err)

	h := &harness{
		store:     newMemStore(),
		chain:     newFakeChain(),
		publisher: &recordingPublisher{natspkg.NewMockPublisher()},
		decoder:   dec,
	}
	logger := slog.Default()
	res := resolver.New(h.store, h.chain, dec, programID, nil, nil, logger)
	fanout := events.NewFanout([]events.Sink{h.publisher.MockPublisher}, nil, logger)
	h.processor = NewProcessor(h.store, res, fanout, nil, logger)
	h.poller = NewPoller(PollerConfig{
		IndexerID:    "fair_swap",
		ProgramID:    programID,
		PollInterval: 10 * time.Millisecond,
		BatchLimit:   100,
	}, h.chain, h.store, dec, h.processor, nil, logger)
	return h
}

func (h *harness) tick(t *testing.T) TickResult {
	t.Helper()
	res, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	return res
}

func (h *harness) checkpoint() uint64 {
	slot, _ := h.store.GetLastProcessedSlot(context.Background(), "fair_swap")
	return slot
}

func newKey() solanago.PublicKey {
	return solanago.NewWallet().PublicKey()
}

// buildIx encodes an instruction whose accounts follow kind's layout, with
// the given roles bound and every other position filled with a fresh key.
func buildIx(t *testing.T, kind decoder.Kind, args any, roles map[string]solanago.PublicKey) solana.Instruction {
	t.Helper()
	layout := decoder.AccountLayout(kind)
	accounts := make([]solanago.PublicKey, len(layout))
	for i, role := range layout {
		if pk, ok := roles[role]; ok {
			accounts[i] = pk
		} else {
			accounts[i] = newKey()
		}
	}
	data, err := decoder.EncodeInstruction(kind, args)
	require.NoError(t, err)
	return solana.Instruction{ProgramID: programID, Accounts: accounts, Data: data}
}

type offerFixture struct {
	account solanago.PublicKey
	seller  solanago.PublicKey
	mintA   solanago.PublicKey
	mintB   solanago.PublicKey
	id      uint64
}

func newOfferFixture(id uint64) offerFixture {
	return offerFixture{account: newKey(), seller: newKey(), mintA: newKey(), mintB: newKey(), id: id}
}

func initializeOfferIx(t *testing.T, o offerFixture) solana.Instruction {
	return buildIx(t, decoder.KindInitializeOffer, decoder.InitializeOfferArgs{
		OfferID:           o.id,
		TokenAmountA:      1_000,
		TokenMintB:        o.mintB,
		TokenAmountB:      2_000,
		AllowAlternatives: true,
	}, map[string]solanago.PublicKey{
		decoder.RoleOffer:      o.account,
		decoder.RoleSeller:     o.seller,
		decoder.RoleTokenMintA: o.mintA,
	})
}

func cancelOfferIx(t *testing.T, o offerFixture) solana.Instruction {
	return buildIx(t, decoder.KindCancelOffer, nil, map[string]solanago.PublicKey{
		decoder.RoleOffer:  o.account,
		decoder.RoleSeller: o.seller,
	})
}

func executeSwapIx(t *testing.T, o offerFixture, buyer solanago.PublicKey) solana.Instruction {
	return buildIx(t, decoder.KindExecuteSwap, nil, map[string]solanago.PublicKey{
		decoder.RoleOffer:  o.account,
		decoder.RoleSeller: o.seller,
		decoder.RoleBuyer:  buyer,
	})
}

type proposalFixture struct {
	account solanago.PublicKey
	buyer   solanago.PublicKey
	mint    solanago.PublicKey
	id      uint64
	amount  uint64
}

func newProposalFixture(id, amount uint64) proposalFixture {
	return proposalFixture{account: newKey(), buyer: newKey(), mint: newKey(), id: id, amount: amount}
}

func submitProposalIx(t *testing.T, o offerFixture, p proposalFixture) solana.Instruction {
	return buildIx(t, decoder.KindSubmitProposal, decoder.SubmitProposalArgs{
		ProposalID:     p.id,
		ProposedAmount: p.amount,
	}, map[string]solanago.PublicKey{
		decoder.RoleOffer:        o.account,
		decoder.RoleProposal:     p.account,
		decoder.RoleProposedMint: p.mint,
		decoder.RoleBuyer:        p.buyer,
	})
}

func acceptProposalIx(t *testing.T, o offerFixture, p proposalFixture) solana.Instruction {
	return buildIx(t, decoder.KindAcceptProposal, nil, map[string]solanago.PublicKey{
		decoder.RoleOffer:        o.account,
		decoder.RoleProposal:     p.account,
		decoder.RoleSeller:       o.seller,
		decoder.RoleBuyerAccount: p.buyer,
	})
}

func withdrawProposalIx(t *testing.T, p proposalFixture) solana.Instruction {
	return buildIx(t, decoder.KindWithdrawProposal, nil, map[string]solanago.PublicKey{
		decoder.RoleProposal: p.account,
		decoder.RoleBuyer:    p.buyer,
	})
}

// recordingResolver never resolves and records Remember calls.
type recordingResolver struct {
	remembered map[solanago.PublicKey]resolver.OfferKey
}

func (r *recordingResolver) ResolveOffer(_ context.Context, account solanago.PublicKey) (resolver.OfferKey, error) {
	return resolver.OfferKey{}, fmt.Errorf("%w: %s", resolver.ErrUnresolved, account)
}

func (r *recordingResolver) Remember(_ context.Context, account solanago.PublicKey, key resolver.OfferKey) {
	if r.remembered == nil {
		r.remembered = make(map[solanago.PublicKey]resolver.OfferKey)
	}
	r.remembered[account] = key
}
