// Package decoder turns raw FairSwap instruction data into typed instructions.
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/brojonat/fairswap/service/idl"
	"github.com/gagliardetto/solana-go"
	"github.com/near/borsh-go"
)

// ErrNotDecodable is returned for instruction data the decoder does not
// understand. It is an expected outcome: callers log and skip.
var ErrNotDecodable = errors.New("instruction not decodable")

const discriminatorLen = 8

// InitializeOfferArgs is the borsh payload of initialize_offer.
type InitializeOfferArgs struct {
	OfferID           uint64
	TokenAmountA      uint64
	TokenMintB        [32]byte
	TokenAmountB      uint64
	AllowAlternatives bool
}

// SubmitProposalArgs is the borsh payload of submit_proposal.
type SubmitProposalArgs struct {
	ProposalID     uint64
	ProposedAmount uint64
}

// Decoder recognizes the six FairSwap instructions by discriminator.
// It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	kinds        map[[discriminatorLen]byte]Kind
	offerAccount []byte
}

// New builds a Decoder from the program IDL. It fails when the IDL is
// missing an instruction or disagrees with the compiled-in account and
// argument layouts.
func New(schema *idl.IDL) (*Decoder, error) {
	if schema == nil {
		return nil, fmt.Errorf("idl is required")
	}

	d := &Decoder{kinds: make(map[[discriminatorLen]byte]Kind, len(Kinds))}
	var errs []error
	for _, kind := range Kinds {
		ix, ok := schema.Instruction(kind.String())
		if !ok {
			errs = append(errs, fmt.Errorf("idl is missing instruction %s", kind))
			continue
		}
		if err := checkLayout(kind, ix); err != nil {
			errs = append(errs, err)
			continue
		}
		var key [discriminatorLen]byte
		copy(key[:], ix.Discriminator)
		if prev, dup := d.kinds[key]; dup {
			errs = append(errs, fmt.Errorf("instructions %s and %s share discriminator %x", prev, kind, key))
			continue
		}
		d.kinds[key] = kind
	}

	if acct, ok := schema.Account("Offer"); ok {
		d.offerAccount = acct.Discriminator
	} else {
		d.offerAccount = idl.AccountDiscriminator("Offer")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("idl does not match decoder layout: %w", errors.Join(errs...))
	}
	return d, nil
}

func checkLayout(kind Kind, ix *idl.Instruction) error {
	if len(ix.Discriminator) != discriminatorLen {
		return fmt.Errorf("%s: discriminator must be %d bytes", kind, discriminatorLen)
	}

	names := make([]string, len(ix.Accounts))
	for i, a := range ix.Accounts {
		names[i] = a.Name
	}
	if !slices.Equal(names, accountLayouts[kind]) {
		return fmt.Errorf("%s: account order %v, want %v", kind, names, accountLayouts[kind])
	}

	args := make([]string, len(ix.Args))
	for i, a := range ix.Args {
		args[i] = a.Name
	}
	want := argLayouts[kind]
	if len(args) != len(want) || (len(want) > 0 && !slices.Equal(args, want)) {
		return fmt.Errorf("%s: args %v, want %v", kind, args, want)
	}
	return nil
}

// Identify returns the kind for data's discriminator without decoding it.
func (d *Decoder) Identify(data []byte) (Kind, bool) {
	if len(data) < discriminatorLen {
		return 0, false
	}
	var key [discriminatorLen]byte
	copy(key[:], data[:discriminatorLen])
	kind, ok := d.kinds[key]
	return kind, ok
}

// Decode decodes one instruction. accounts is the instruction's own account
// list, already resolved to addresses, in instruction order. Trailing
// accounts and trailing payload bytes beyond the declared layout are ignored.
func (d *Decoder) Decode(data []byte, accounts []solana.PublicKey) (Instruction, error) {
	if len(data) < discriminatorLen {
		return nil, fmt.Errorf("%w: data is %d bytes, shorter than discriminator", ErrNotDecodable, len(data))
	}
	kind, ok := d.Identify(data)
	if !ok {
		return nil, fmt.Errorf("%w: unknown discriminator %x", ErrNotDecodable, data[:discriminatorLen])
	}

	payload := data[discriminatorLen:]
	if len(payload) < argSizes[kind] {
		return nil, fmt.Errorf("%w: %s args need %d bytes, got %d", ErrNotDecodable, kind, argSizes[kind], len(payload))
	}
	if len(accounts) < len(accountLayouts[kind]) {
		return nil, fmt.Errorf("%w: %s needs %d accounts, got %d", ErrNotDecodable, kind, len(accountLayouts[kind]), len(accounts))
	}

	b := base{kind: kind, accounts: slices.Clone(accounts)}
	at := func(role string) solana.PublicKey {
		pk, _ := b.Account(role)
		return pk
	}

	switch kind {
	case KindInitializeOffer:
		var args InitializeOfferArgs
		if err := borsh.Deserialize(&args, payload[:argSizes[kind]]); err != nil {
			return nil, fmt.Errorf("%w: %s args: %v", ErrNotDecodable, kind, err)
		}
		return &InitializeOffer{
			base:              b,
			OfferID:           args.OfferID,
			TokenAmountA:      args.TokenAmountA,
			TokenMintB:        solana.PublicKeyFromBytes(args.TokenMintB[:]),
			TokenAmountB:      args.TokenAmountB,
			AllowAlternatives: args.AllowAlternatives,
			Offer:             at(RoleOffer),
			Seller:            at(RoleSeller),
			TokenMintA:        at(RoleTokenMintA),
		}, nil

	case KindCancelOffer:
		return &CancelOffer{base: b, Offer: at(RoleOffer), Seller: at(RoleSeller)}, nil

	case KindExecuteSwap:
		return &ExecuteSwap{base: b, Offer: at(RoleOffer), Buyer: at(RoleBuyer), Seller: at(RoleSeller)}, nil

	case KindSubmitProposal:
		var args SubmitProposalArgs
		if err := borsh.Deserialize(&args, payload[:argSizes[kind]]); err != nil {
			return nil, fmt.Errorf("%w: %s args: %v", ErrNotDecodable, kind, err)
		}
		return &SubmitProposal{
			base:           b,
			ProposalID:     args.ProposalID,
			ProposedAmount: args.ProposedAmount,
			Offer:          at(RoleOffer),
			Proposal:       at(RoleProposal),
			ProposedMint:   at(RoleProposedMint),
			Buyer:          at(RoleBuyer),
		}, nil

	case KindAcceptProposal:
		return &AcceptProposal{
			base:     b,
			Offer:    at(RoleOffer),
			Proposal: at(RoleProposal),
			Seller:   at(RoleSeller),
			Buyer:    at(RoleBuyerAccount),
		}, nil

	case KindWithdrawProposal:
		return &WithdrawProposal{base: b, Proposal: at(RoleProposal), Buyer: at(RoleBuyer)}, nil
	}

	return nil, fmt.Errorf("%w: unhandled kind %s", ErrNotDecodable, kind)
}

// OfferAccount is the on-chain state of an offer PDA.
type OfferAccount struct {
	OfferID           uint64
	Seller            solana.PublicKey
	TokenMintA        solana.PublicKey
	TokenAmountA      uint64
	TokenMintB        solana.PublicKey
	TokenAmountB      uint64
	AllowAlternatives bool
	Bump              uint8
}

// OfferAccountData is the borsh layout of an Offer account after its
// discriminator.
type OfferAccountData struct {
	OfferID           uint64
	Seller            [32]byte
	TokenMintA        [32]byte
	TokenAmountA      uint64
	TokenMintB        [32]byte
	TokenAmountB      uint64
	AllowAlternatives bool
	Bump              uint8
}

const offerAccountSize = 8 + 32 + 32 + 8 + 32 + 8 + 1 + 1

// DecodeOfferAccount decodes the data of an Offer account.
func (d *Decoder) DecodeOfferAccount(data []byte) (*OfferAccount, error) {
	if len(data) < discriminatorLen+offerAccountSize {
		return nil, fmt.Errorf("%w: offer account is %d bytes", ErrNotDecodable, len(data))
	}
	if !bytes.Equal(data[:discriminatorLen], d.offerAccount) {
		return nil, fmt.Errorf("%w: not an offer account (discriminator %x)", ErrNotDecodable, data[:discriminatorLen])
	}
	var raw OfferAccountData
	if err := borsh.Deserialize(&raw, data[discriminatorLen:discriminatorLen+offerAccountSize]); err != nil {
		return nil, fmt.Errorf("%w: offer account: %v", ErrNotDecodable, err)
	}
	return &OfferAccount{
		OfferID:           raw.OfferID,
		Seller:            solana.PublicKeyFromBytes(raw.Seller[:]),
		TokenMintA:        solana.PublicKeyFromBytes(raw.TokenMintA[:]),
		TokenAmountA:      raw.TokenAmountA,
		TokenMintB:        solana.PublicKeyFromBytes(raw.TokenMintB[:]),
		TokenAmountB:      raw.TokenAmountB,
		AllowAlternatives: raw.AllowAlternatives,
		Bump:              raw.Bump,
	}, nil
}
