package decoder

import (
	"fmt"

	"github.com/brojonat/fairswap/service/idl"
	"github.com/near/borsh-go"
)

// EncodeInstruction produces instruction data for kind: the Anchor
// discriminator followed by the borsh-encoded args. args must be nil for
// kinds without arguments. Used by tooling and tests to build payloads.
func EncodeInstruction(kind Kind, args any) ([]byte, error) {
	data := idl.InstructionDiscriminator(kind.String())
	if args == nil {
		if argSizes[kind] != 0 {
			return nil, fmt.Errorf("%s requires args", kind)
		}
		return data, nil
	}
	payload, err := borsh.Serialize(args)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s args: %w", kind, err)
	}
	return append(data, payload...), nil
}

// EncodeOfferAccount produces Offer account data with its discriminator.
func EncodeOfferAccount(acct OfferAccountData) ([]byte, error) {
	payload, err := borsh.Serialize(acct)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize offer account: %w", err)
	}
	return append(idl.AccountDiscriminator("Offer"), payload...), nil
}
