// Package idl loads the Anchor interface definition of the FairSwap program.
//
// The indexer refuses to start without it: instruction discriminators and
// account orderings are read from the IDL and cross-checked against the
// decoder's compiled-in layout before any transaction is processed.
package idl

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// FileName is the IDL file emitted by `anchor build` for the program.
const FileName = "fair_swap.json"

// ErrNotFound is returned by Find when no candidate path holds an IDL file.
var ErrNotFound = errors.New("idl file not found")

// IDL is the subset of the Anchor IDL document the indexer relies on.
// Both the 0.30+ layout (snake_case names, explicit discriminators) and the
// legacy layout (camelCase names, implicit discriminators) are accepted.
type IDL struct {
	Address      string        `json:"address"`
	Metadata     Metadata      `json:"metadata"`
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	Instructions []Instruction `json:"instructions"`
	Accounts     []AccountDef  `json:"accounts"`

	// Path is where the document was loaded from.
	Path string `json:"-"`
}

// Metadata holds the program identity in 0.30+ IDLs.
type Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Instruction describes one program instruction.
type Instruction struct {
	Name          string       `json:"name"`
	Discriminator []byte       `json:"-"`
	Accounts      []AccountRef `json:"accounts"`
	Args          []Field      `json:"args"`
}

// AccountRef is a positional account slot of an instruction.
type AccountRef struct {
	Name string `json:"name"`
}

// Field is a named, typed instruction argument.
type Field struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

// AccountDef describes a program-owned account type.
type AccountDef struct {
	Name          string `json:"name"`
	Discriminator []byte `json:"-"`
}

// rawDiscriminator decodes a JSON number array; encoding/json would expect
// base64 for a []byte.
type rawDiscriminator []int

func (d rawDiscriminator) bytes() ([]byte, error) {
	if len(d) == 0 {
		return nil, nil
	}
	if len(d) != 8 {
		return nil, fmt.Errorf("discriminator must be 8 bytes, got %d", len(d))
	}
	out := make([]byte, len(d))
	for i, v := range d {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("discriminator byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func (ix *Instruction) UnmarshalJSON(data []byte) error {
	type alias Instruction
	aux := struct {
		*alias
		Discriminator rawDiscriminator `json:"discriminator"`
	}{alias: (*alias)(ix)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	disc, err := aux.Discriminator.bytes()
	if err != nil {
		return fmt.Errorf("instruction %s: %w", ix.Name, err)
	}
	ix.Name = SnakeCase(ix.Name)
	if disc == nil {
		disc = InstructionDiscriminator(ix.Name)
	}
	ix.Discriminator = disc
	for i := range ix.Accounts {
		ix.Accounts[i].Name = SnakeCase(ix.Accounts[i].Name)
	}
	for i := range ix.Args {
		ix.Args[i].Name = SnakeCase(ix.Args[i].Name)
	}
	return nil
}

func (a *AccountDef) UnmarshalJSON(data []byte) error {
	type alias AccountDef
	aux := struct {
		*alias
		Discriminator rawDiscriminator `json:"discriminator"`
	}{alias: (*alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	disc, err := aux.Discriminator.bytes()
	if err != nil {
		return fmt.Errorf("account %s: %w", a.Name, err)
	}
	if disc == nil {
		disc = AccountDiscriminator(a.Name)
	}
	a.Discriminator = disc
	return nil
}

// ProgramName returns the program name from whichever layout the IDL uses.
func (d *IDL) ProgramName() string {
	if d.Metadata.Name != "" {
		return d.Metadata.Name
	}
	return d.Name
}

// Instruction returns the named instruction definition.
func (d *IDL) Instruction(name string) (*Instruction, bool) {
	for i := range d.Instructions {
		if d.Instructions[i].Name == name {
			return &d.Instructions[i], true
		}
	}
	return nil, false
}

// Account returns the named account type definition.
func (d *IDL) Account(name string) (*AccountDef, bool) {
	for i := range d.Accounts {
		if d.Accounts[i].Name == name {
			return &d.Accounts[i], true
		}
	}
	return nil, false
}

// Parse decodes an IDL document.
func Parse(data []byte) (*IDL, error) {
	var doc IDL
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse idl: %w", err)
	}
	if len(doc.Instructions) == 0 {
		return nil, fmt.Errorf("idl declares no instructions")
	}
	return &doc, nil
}

// Load reads and parses the IDL at path.
func Load(path string) (*IDL, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read idl %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

// Candidates lists the paths searched for the IDL, in order. An explicit path
// is the only candidate, so a mistyped IDL_PATH never loads another file.
func Candidates(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	var paths []string
	paths = append(paths,
		filepath.Join("target", "idl", FileName),
		filepath.Join("idl", FileName),
		filepath.Join("..", "target", "idl", FileName),
		filepath.Join("..", "..", "target", "idl", FileName),
	)
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "idl", FileName))
	}
	return paths
}

// Find returns the first candidate path that exists.
func Find(candidates []string) (string, error) {
	for _, p := range candidates {
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (searched: %s)", ErrNotFound, strings.Join(candidates, ", "))
}

// LoadFromCandidates finds and loads the IDL. If explicit is set it must
// exist.
func LoadFromCandidates(explicit string) (*IDL, error) {
	path, err := Find(Candidates(explicit))
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// InstructionDiscriminator is Anchor's sha256("global:<name>")[:8].
func InstructionDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + SnakeCase(name)))
	return sum[:8]
}

// AccountDiscriminator is Anchor's sha256("account:<Name>")[:8].
func AccountDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("account:" + name))
	return sum[:8]
}

// SnakeCase converts legacy camelCase IDL names ("sellerTokenAccount") to the
// snake_case used by newer IDLs. Names already in snake_case are unchanged.
func SnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
