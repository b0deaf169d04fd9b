package decoder

import (
	"github.com/gagliardetto/solana-go"
)

// Kind identifies one of the FairSwap program instructions.
type Kind int

const (
	KindInitializeOffer Kind = iota + 1
	KindCancelOffer
	KindExecuteSwap
	KindSubmitProposal
	KindAcceptProposal
	KindWithdrawProposal
)

// Kinds lists every recognized instruction kind.
var Kinds = []Kind{
	KindInitializeOffer,
	KindCancelOffer,
	KindExecuteSwap,
	KindSubmitProposal,
	KindAcceptProposal,
	KindWithdrawProposal,
}

// String returns the on-chain instruction name.
func (k Kind) String() string {
	switch k {
	case KindInitializeOffer:
		return "initialize_offer"
	case KindCancelOffer:
		return "cancel_offer"
	case KindExecuteSwap:
		return "execute_swap"
	case KindSubmitProposal:
		return "submit_proposal"
	case KindAcceptProposal:
		return "accept_proposal"
	case KindWithdrawProposal:
		return "withdraw_proposal"
	default:
		return "unknown"
	}
}

// Account role names. The same role name always denotes the same party or
// account across instruction kinds.
const (
	RoleOffer                = "offer"
	RoleVault                = "vault"
	RoleSellerTokenAccount   = "seller_token_account"
	RoleTokenMintA           = "token_mint_a"
	RoleSeller               = "seller"
	RoleTokenProgram         = "token_program"
	RoleSystemProgram        = "system_program"
	RoleRent                 = "rent"
	RoleBuyerTokenAccount    = "buyer_token_account"
	RoleBuyerReceiveAccount  = "buyer_receive_account"
	RoleBuyer                = "buyer"
	RoleProposal             = "proposal"
	RoleProposalVault        = "proposal_vault"
	RoleProposedMint         = "proposed_mint"
	RoleOfferVault           = "offer_vault"
	RoleSellerReceiveAccount = "seller_receive_account"
	RoleBuyerAccount         = "buyer_account"
)

// accountLayouts is the positional account order of each instruction, as
// declared by the program's Accounts structs.
var accountLayouts = map[Kind][]string{
	KindInitializeOffer: {
		RoleOffer, RoleVault, RoleSellerTokenAccount, RoleTokenMintA,
		RoleSeller, RoleTokenProgram, RoleSystemProgram, RoleRent,
	},
	KindCancelOffer: {
		RoleOffer, RoleVault, RoleSellerTokenAccount, RoleSeller, RoleTokenProgram,
	},
	KindExecuteSwap: {
		RoleOffer, RoleVault, RoleBuyerTokenAccount, RoleSellerTokenAccount,
		RoleBuyerReceiveAccount, RoleBuyer, RoleSeller, RoleTokenProgram, RoleSystemProgram,
	},
	KindSubmitProposal: {
		RoleOffer, RoleProposal, RoleProposalVault, RoleBuyerTokenAccount,
		RoleProposedMint, RoleBuyer, RoleTokenProgram, RoleSystemProgram, RoleRent,
	},
	KindAcceptProposal: {
		RoleOffer, RoleProposal, RoleOfferVault, RoleProposalVault,
		RoleSellerReceiveAccount, RoleBuyerReceiveAccount, RoleSeller, RoleBuyerAccount, RoleTokenProgram,
	},
	KindWithdrawProposal: {
		RoleProposal, RoleProposalVault, RoleBuyerTokenAccount, RoleBuyer, RoleTokenProgram,
	},
}

// argLayouts names the borsh-encoded arguments of each instruction, in order.
var argLayouts = map[Kind][]string{
	KindInitializeOffer:  {"offer_id", "token_amount_a", "token_mint_b", "token_amount_b", "allow_alternatives"},
	KindCancelOffer:      nil,
	KindExecuteSwap:      nil,
	KindSubmitProposal:   {"proposal_id", "proposed_amount"},
	KindAcceptProposal:   nil,
	KindWithdrawProposal: nil,
}

// argSizes is the encoded size of each instruction's fixed-width arguments.
var argSizes = map[Kind]int{
	KindInitializeOffer:  8 + 8 + 32 + 8 + 1,
	KindCancelOffer:      0,
	KindExecuteSwap:      0,
	KindSubmitProposal:   8 + 8,
	KindAcceptProposal:   0,
	KindWithdrawProposal: 0,
}

// AccountLayout returns the role names of kind's accounts by position.
func AccountLayout(kind Kind) []string {
	layout := accountLayouts[kind]
	out := make([]string, len(layout))
	copy(out, layout)
	return out
}

// Instruction is a decoded FairSwap instruction. The set of implementations
// is closed; switch on the concrete type to handle each kind.
type Instruction interface {
	Kind() Kind
	// Roles maps each role name to the account at its position.
	Roles() map[string]solana.PublicKey
	// Account returns the address bound to role.
	Account(role string) (solana.PublicKey, bool)

	sealed()
}

type base struct {
	kind     Kind
	accounts []solana.PublicKey
}

func (b base) Kind() Kind { return b.kind }

func (b base) Roles() map[string]solana.PublicKey {
	layout := accountLayouts[b.kind]
	roles := make(map[string]solana.PublicKey, len(layout))
	for i, role := range layout {
		if i < len(b.accounts) {
			roles[role] = b.accounts[i]
		}
	}
	return roles
}

func (b base) Account(role string) (solana.PublicKey, bool) {
	for i, r := range accountLayouts[b.kind] {
		if r == role && i < len(b.accounts) {
			return b.accounts[i], true
		}
	}
	return solana.PublicKey{}, false
}

func (base) sealed() {}

// InitializeOffer creates an offer escrowing TokenAmountA of TokenMintA in
// exchange for TokenAmountB of TokenMintB.
type InitializeOffer struct {
	base
	OfferID           uint64
	TokenAmountA      uint64
	TokenMintB        solana.PublicKey
	TokenAmountB      uint64
	AllowAlternatives bool

	Offer      solana.PublicKey
	Seller     solana.PublicKey
	TokenMintA solana.PublicKey
}

// CancelOffer returns the escrow to the seller and closes the offer.
type CancelOffer struct {
	base
	Offer  solana.PublicKey
	Seller solana.PublicKey
}

// ExecuteSwap fills an offer at its requested terms.
type ExecuteSwap struct {
	base
	Offer  solana.PublicKey
	Buyer  solana.PublicKey
	Seller solana.PublicKey
}

// SubmitProposal escrows an alternative asset against an offer.
type SubmitProposal struct {
	base
	ProposalID     uint64
	ProposedAmount uint64

	Offer        solana.PublicKey
	Proposal     solana.PublicKey
	ProposedMint solana.PublicKey
	Buyer        solana.PublicKey
}

// AcceptProposal settles an offer against one of its proposals.
type AcceptProposal struct {
	base
	Offer    solana.PublicKey
	Proposal solana.PublicKey
	Seller   solana.PublicKey
	Buyer    solana.PublicKey
}

// WithdrawProposal returns a proposal's escrow to its buyer.
type WithdrawProposal struct {
	base
	Proposal solana.PublicKey
	Buyer    solana.PublicKey
}
