package solana

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// signatureToDomain converts an RPC TransactionSignature to a SignatureInfo.
func signatureToDomain(sig *rpc.TransactionSignature) SignatureInfo {
	info := SignatureInfo{
		Signature: sig.Signature,
		Slot:      sig.Slot,
	}
	if sig.BlockTime != nil {
		info.BlockTime = sig.BlockTime.Time()
	}
	if sig.Err != nil {
		errMsg := fmt.Sprintf("transaction failed: %v", sig.Err)
		info.Err = &errMsg
	}
	return info
}

// parseTransactionFromResult resolves a GetTransactionResult into a
// Transaction. Instruction account indices are mapped through the full
// account key list, so versioned transactions using lookup tables resolve
// the same way legacy ones do.
func parseTransactionFromResult(signature solana.Signature, result *rpc.GetTransactionResult) (*Transaction, error) {
	if result.Transaction == nil {
		return nil, fmt.Errorf("%w: transaction %s has no body", ErrMalformedTransaction, signature)
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode transaction %s: %v", ErrMalformedTransaction, signature, err)
	}

	txn := &Transaction{
		Signature: signature,
		Slot:      result.Slot,
	}
	if result.BlockTime != nil {
		txn.BlockTime = result.BlockTime.Time()
	} else {
		txn.BlockTime = time.Time{}
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	if result.Meta != nil {
		if result.Meta.Err != nil {
			errMsg := fmt.Sprintf("transaction failed: %v", result.Meta.Err)
			txn.Err = &errMsg
		}
		keys = append(keys, result.Meta.LoadedAddresses.Writable...)
		keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)
	}
	txn.AccountKeys = keys

	txn.Instructions = make([]Instruction, 0, len(tx.Message.Instructions))
	for i, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("%w: instruction %d: program index %d out of range (%d keys)", ErrMalformedTransaction, i, inst.ProgramIDIndex, len(keys))
		}
		accounts := make([]solana.PublicKey, len(inst.Accounts))
		for j, idx := range inst.Accounts {
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("%w: instruction %d: account index %d out of range (%d keys)", ErrMalformedTransaction, i, idx, len(keys))
			}
			accounts[j] = keys[idx]
		}
		txn.Instructions = append(txn.Instructions, Instruction{
			Index:     i,
			ProgramID: keys[inst.ProgramIDIndex],
			Accounts:  accounts,
			Data:      []byte(inst.Data),
		})
	}

	return txn, nil
}
