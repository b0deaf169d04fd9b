package decoder

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/brojonat/fairswap/service/idl"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	schema, err := idl.Load(filepath.Join("..", "idl", "testdata", idl.FileName))
	require.NoError(t, err)
	d, err := New(schema)
	require.NoError(t, err)
	return d
}

func accounts(n int) []solana.PublicKey {
	out := make([]solana.PublicKey, n)
	for i := range out {
		out[i] = solana.NewWallet().PublicKey()
	}
	return out
}

func TestDecode_InitializeOffer(t *testing.T) {
	d := newTestDecoder(t)
	mintB := solana.NewWallet().PublicKey()
	data, err := EncodeInstruction(KindInitializeOffer, InitializeOfferArgs{
		OfferID:           42,
		TokenAmountA:      1,
		TokenMintB:        mintB,
		TokenAmountB:      5_000_000_000,
		AllowAlternatives: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{41, 143, 90, 114, 58, 124, 142, 87}, data[:8])
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(data[8:16]))

	accts := accounts(8)
	ix, err := d.Decode(data, accts)
	require.NoError(t, err)

	got, ok := ix.(*InitializeOffer)
	require.True(t, ok, "expected *InitializeOffer, got %T", ix)
	assert.Equal(t, KindInitializeOffer, got.Kind())
	assert.Equal(t, uint64(42), got.OfferID)
	assert.Equal(t, uint64(1), got.TokenAmountA)
	assert.Equal(t, mintB, got.TokenMintB)
	assert.Equal(t, uint64(5_000_000_000), got.TokenAmountB)
	assert.True(t, got.AllowAlternatives)
	assert.Equal(t, accts[0], got.Offer)
	assert.Equal(t, accts[3], got.TokenMintA)
	assert.Equal(t, accts[4], got.Seller)

	roles := got.Roles()
	assert.Len(t, roles, 8)
	assert.Equal(t, accts[1], roles[RoleVault])
	assert.Equal(t, accts[7], roles[RoleRent])
}

func TestDecode_RoleMapping(t *testing.T) {
	d := newTestDecoder(t)

	tests := []struct {
		kind  Kind
		args  any
		check func(t *testing.T, ix Instruction, accts []solana.PublicKey)
	}{
		{
			kind: KindCancelOffer,
			check: func(t *testing.T, ix Instruction, accts []solana.PublicKey) {
				c := ix.(*CancelOffer)
				assert.Equal(t, accts[0], c.Offer)
				assert.Equal(t, accts[3], c.Seller)
			},
		},
		{
			kind: KindExecuteSwap,
			check: func(t *testing.T, ix Instruction, accts []solana.PublicKey) {
				e := ix.(*ExecuteSwap)
				assert.Equal(t, accts[0], e.Offer)
				assert.Equal(t, accts[5], e.Buyer)
				assert.Equal(t, accts[6], e.Seller)
			},
		},
		{
			kind: KindSubmitProposal,
			args: SubmitProposalArgs{ProposalID: 7, ProposedAmount: 900},
			check: func(t *testing.T, ix Instruction, accts []solana.PublicKey) {
				s := ix.(*SubmitProposal)
				assert.Equal(t, uint64(7), s.ProposalID)
				assert.Equal(t, uint64(900), s.ProposedAmount)
				assert.Equal(t, accts[0], s.Offer)
				assert.Equal(t, accts[1], s.Proposal)
				assert.Equal(t, accts[4], s.ProposedMint)
				assert.Equal(t, accts[5], s.Buyer)
			},
		},
		{
			kind: KindAcceptProposal,
			check: func(t *testing.T, ix Instruction, accts []solana.PublicKey) {
				a := ix.(*AcceptProposal)
				assert.Equal(t, accts[0], a.Offer)
				assert.Equal(t, accts[1], a.Proposal)
				assert.Equal(t, accts[6], a.Seller)
				assert.Equal(t, accts[7], a.Buyer)
			},
		},
		{
			kind: KindWithdrawProposal,
			check: func(t *testing.T, ix Instruction, accts []solana.PublicKey) {
				w := ix.(*WithdrawProposal)
				assert.Equal(t, accts[0], w.Proposal)
				assert.Equal(t, accts[3], w.Buyer)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			data, err := EncodeInstruction(tt.kind, tt.args)
			require.NoError(t, err)
			accts := accounts(len(AccountLayout(tt.kind)))

			ix, err := d.Decode(data, accts)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ix.Kind())
			tt.check(t, ix, accts)
		})
	}
}

func TestDecode_NotDecodable(t *testing.T) {
	d := newTestDecoder(t)

	full, err := EncodeInstruction(KindInitializeOffer, InitializeOfferArgs{OfferID: 1})
	require.NoError(t, err)
	cancel, err := EncodeInstruction(KindCancelOffer, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		data     []byte
		accounts []solana.PublicKey
	}{
		{"empty", nil, accounts(8)},
		{"short discriminator", []byte{41, 143, 90}, accounts(8)},
		{"unknown discriminator", []byte{1, 2, 3, 4, 5, 6, 7, 8}, accounts(8)},
		{"truncated args", full[:len(full)-1], accounts(8)},
		{"too few accounts", full, accounts(7)},
		{"cancel without accounts", cancel, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix, err := d.Decode(tt.data, tt.accounts)
			assert.ErrorIs(t, err, ErrNotDecodable)
			assert.Nil(t, ix)
		})
	}
}

func TestDecode_TrailingDataAndAccountsIgnored(t *testing.T) {
	d := newTestDecoder(t)
	data, err := EncodeInstruction(KindSubmitProposal, SubmitProposalArgs{ProposalID: 3, ProposedAmount: 10})
	require.NoError(t, err)
	data = append(data, 0xff, 0xee)

	ix, err := d.Decode(data, accounts(11))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ix.(*SubmitProposal).ProposalID)
}

func TestNew_RejectsMismatchedIDL(t *testing.T) {
	schema, err := idl.Load(filepath.Join("..", "idl", "testdata", idl.FileName))
	require.NoError(t, err)

	// swap two accounts of cancel_offer
	ix, ok := schema.Instruction("cancel_offer")
	require.True(t, ok)
	ix.Accounts[0], ix.Accounts[1] = ix.Accounts[1], ix.Accounts[0]

	_, err = New(schema)
	assert.ErrorContains(t, err, "cancel_offer")
}

func TestNew_RejectsMissingInstruction(t *testing.T) {
	schema, err := idl.Load(filepath.Join("..", "idl", "testdata", idl.FileName))
	require.NoError(t, err)
	schema.Instructions = schema.Instructions[:5]

	_, err = New(schema)
	assert.ErrorContains(t, err, "withdraw_proposal")
}

func TestNew_LegacyIDL(t *testing.T) {
	schema, err := idl.Load(filepath.Join("..", "idl", "testdata", "fair_swap_legacy.json"))
	require.NoError(t, err)
	d, err := New(schema)
	require.NoError(t, err)

	data, err := EncodeInstruction(KindExecuteSwap, nil)
	require.NoError(t, err)
	kind, ok := d.Identify(data)
	assert.True(t, ok)
	assert.Equal(t, KindExecuteSwap, kind)
}

func TestDecodeOfferAccount(t *testing.T) {
	d := newTestDecoder(t)
	seller := solana.NewWallet().PublicKey()
	mintA := solana.NewWallet().PublicKey()

	data, err := EncodeOfferAccount(OfferAccountData{
		OfferID:      99,
		Seller:       seller,
		TokenMintA:   mintA,
		TokenAmountA: 1,
		TokenAmountB: 250,
		Bump:         254,
	})
	require.NoError(t, err)
	// offer id lives at bytes 8..16
	assert.Equal(t, uint64(99), binary.LittleEndian.Uint64(data[8:16]))

	acct, err := d.DecodeOfferAccount(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), acct.OfferID)
	assert.Equal(t, seller, acct.Seller)
	assert.Equal(t, mintA, acct.TokenMintA)
	assert.Equal(t, uint64(250), acct.TokenAmountB)
	assert.Equal(t, uint8(254), acct.Bump)

	_, err = d.DecodeOfferAccount(data[:20])
	assert.ErrorIs(t, err, ErrNotDecodable)

	bad := append([]byte{}, data...)
	bad[0] ^= 0xff
	_, err = d.DecodeOfferAccount(bad)
	assert.ErrorIs(t, err, ErrNotDecodable)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "accept_proposal", KindAcceptProposal.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
