package idl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AnchorIDL(t *testing.T) {
	doc, err := Load(filepath.Join("testdata", FileName))
	require.NoError(t, err)

	assert.Equal(t, "fair_swap", doc.ProgramName())
	assert.Equal(t, "GUijjz5VNLUkPSw9KKvH5ntUNoJuSDbWQDXZSrQgx9fW", doc.Address)
	assert.Len(t, doc.Instructions, 6)

	ix, ok := doc.Instruction("initialize_offer")
	require.True(t, ok)
	assert.Equal(t, []byte{41, 143, 90, 114, 58, 124, 142, 87}, ix.Discriminator)
	assert.Equal(t, "offer", ix.Accounts[0].Name)
	assert.Equal(t, "seller", ix.Accounts[4].Name)
	require.Len(t, ix.Args, 5)
	assert.Equal(t, "allow_alternatives", ix.Args[4].Name)

	offer, ok := doc.Account("Offer")
	require.True(t, ok)
	assert.Equal(t, []byte{215, 88, 60, 71, 170, 162, 73, 229}, offer.Discriminator)
}

func TestLoad_LegacyIDLComputesDiscriminators(t *testing.T) {
	doc, err := Load(filepath.Join("testdata", "fair_swap_legacy.json"))
	require.NoError(t, err)

	assert.Equal(t, "fair_swap", doc.ProgramName())

	ix, ok := doc.Instruction("accept_proposal")
	require.True(t, ok, "camelCase names should be normalized")
	assert.Equal(t, []byte{33, 190, 130, 178, 27, 12, 168, 238}, ix.Discriminator)
	assert.Equal(t, "buyer_account", ix.Accounts[7].Name)

	proposal, ok := doc.Account("Proposal")
	require.True(t, ok)
	assert.Equal(t, []byte{26, 94, 189, 187, 116, 136, 53, 33}, proposal.Discriminator)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`{"instructions": []}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"instructions":[{"name":"x","discriminator":[1,2,3]}]}`))
	assert.ErrorContains(t, err, "8 bytes")
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(present, []byte(`{}`), 0o644))

	path, err := Find([]string{filepath.Join(dir, "missing.json"), dir, present})
	require.NoError(t, err)
	assert.Equal(t, present, path)

	_, err = Find([]string{filepath.Join(dir, "missing.json")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCandidates_ExplicitOnly(t *testing.T) {
	assert.Equal(t, []string{"/etc/fairswap/idl.json"}, Candidates("/etc/fairswap/idl.json"))

	c := Candidates("")
	assert.Contains(t, c, filepath.Join("target", "idl", FileName))
	assert.NotContains(t, c, "")
}

func TestLoadFromCandidates_MissingExplicitPath(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", FileName))
	require.NoError(t, err)

	// A valid IDL is discoverable from the working directory.
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "idl"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "idl", FileName), data, 0o644))

	_, err = LoadFromCandidates("")
	require.NoError(t, err)

	_, err = LoadFromCandidates(filepath.Join(dir, "typo.json"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorContains(t, err, "typo.json")
}

func TestSnakeCase(t *testing.T) {
	assert.Equal(t, "seller_token_account", SnakeCase("sellerTokenAccount"))
	assert.Equal(t, "token_mint_a", SnakeCase("tokenMintA"))
	assert.Equal(t, "initialize_offer", SnakeCase("initialize_offer"))
}

func TestInstructionDiscriminator(t *testing.T) {
	assert.Equal(t, []byte{92, 203, 223, 40, 92, 89, 53, 119}, InstructionDiscriminator("cancel_offer"))
	assert.Equal(t, InstructionDiscriminator("cancel_offer"), InstructionDiscriminator("cancelOffer"))
}
