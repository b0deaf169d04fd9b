package solana

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// SignatureInfo is one entry of a program's signature history.
type SignatureInfo struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime time.Time
	Err       *string // nil if the transaction succeeded
}

// Failed reports whether the transaction was executed with an error.
func (s SignatureInfo) Failed() bool { return s.Err != nil }

// Transaction is a confirmed transaction with its account keys resolved.
// This is our domain model, independent of the RPC response format.
type Transaction struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime time.Time
	Err       *string

	// AccountKeys are the static message keys followed by the keys loaded
	// from address lookup tables (writable, then readonly).
	AccountKeys  []solana.PublicKey
	Instructions []Instruction
}

// Failed reports whether the transaction was executed with an error.
func (t *Transaction) Failed() bool { return t.Err != nil }

// ProgramInstructions returns the top-level instructions addressed to program.
func (t *Transaction) ProgramInstructions(program solana.PublicKey) []Instruction {
	var out []Instruction
	for _, ix := range t.Instructions {
		if ix.ProgramID.Equals(program) {
			out = append(out, ix)
		}
	}
	return out
}

// Instruction is a top-level instruction with its accounts resolved.
type Instruction struct {
	Index     int
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
}

// AccountInfo is the raw state of an account.
type AccountInfo struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}
