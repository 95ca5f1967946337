package classifier

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

// Selector is the 4-byte function selector at the head of call-data.
type Selector [types.SelectorLength]byte

func (s Selector) Hex() string {
	return hexutil.Encode(s[:])
}

// SelectorFromSignature returns keccak256(signature)[:4], e.g. "swap(uint256)" -> 0x94b918de.
func SelectorFromSignature(methodSignature string) Selector {
	var sel Selector
	copy(sel[:], crypto.Keccak256([]byte(methodSignature))[:types.SelectorLength])
	return sel
}

// ParseSelector decodes a 0x-prefixed 4-byte selector.
func ParseSelector(s string) (Selector, error) {
	var sel Selector
	b, err := hexutil.Decode(s)
	if err != nil {
		return sel, fmt.Errorf("could not decode selector %q: %w", s, err)
	}
	if len(b) != types.SelectorLength {
		return sel, fmt.Errorf("selector %q must be %d bytes", s, types.SelectorLength)
	}
	copy(sel[:], b)
	return sel, nil
}

// MatchMode decides how call-data is compared against a selector.
type MatchMode int

const (
	// MatchExact requires the whole call-data to be the selector (zero-argument calls).
	MatchExact MatchMode = iota
	// MatchPrefix requires call-data[:4] to be the selector (calls with encoded arguments).
	MatchPrefix
)

func (m MatchMode) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	}
	return fmt.Sprintf("MatchMode(%d)", int(m))
}

// modeForSignature picks exact matching for methods without parameters.
func modeForSignature(methodSignature string) MatchMode {
	if strings.HasSuffix(methodSignature, "()") {
		return MatchExact
	}
	return MatchPrefix
}

// SelectorEntry maps one selector to one action.
type SelectorEntry struct {
	Selector Selector
	Kind     types.ActionKind
	Mode     MatchMode
}

func (e SelectorEntry) matches(input []byte) bool {
	switch e.Mode {
	case MatchExact:
		return len(input) == types.SelectorLength && bytes.Equal(input, e.Selector[:])
	case MatchPrefix:
		return len(input) >= types.SelectorLength && bytes.Equal(input[:types.SelectorLength], e.Selector[:])
	}
	return false
}

// SelectorTable is a fixed selector -> action mapping. Selectors are unique within a table.
type SelectorTable struct {
	entries map[Selector]SelectorEntry
}

func NewSelectorTable(entries ...SelectorEntry) (*SelectorTable, error) {
	t := &SelectorTable{entries: make(map[Selector]SelectorEntry, len(entries))}
	for _, e := range entries {
		if e.Kind == types.Unclassified {
			return nil, fmt.Errorf("selector %s has no action", e.Selector.Hex())
		}
		if prev, ok := t.entries[e.Selector]; ok {
			return nil, fmt.Errorf("selector %s mapped twice (%s, %s)", e.Selector.Hex(), prev.Kind, e.Kind)
		}
		t.entries[e.Selector] = e
	}
	return t, nil
}

// Lookup classifies call-data. Only the leading 4 bytes are ever inspected.
func (t *SelectorTable) Lookup(input []byte) types.ActionKind {
	if len(input) < types.SelectorLength {
		return types.Unclassified
	}
	var sel Selector
	copy(sel[:], input[:types.SelectorLength])
	e, ok := t.entries[sel]
	if !ok || !e.matches(input) {
		return types.Unclassified
	}
	return e.Kind
}

// Entries returns a copy of the table entries.
func (t *SelectorTable) Entries() []SelectorEntry {
	out := make([]SelectorEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Kinds lists the distinct actions of the table.
func (t *SelectorTable) Kinds() []types.ActionKind {
	seen := make(map[types.ActionKind]struct{}, len(t.entries))
	var kinds []types.ActionKind
	for _, e := range t.entries {
		if _, ok := seen[e.Kind]; ok {
			continue
		}
		seen[e.Kind] = struct{}{}
		kinds = append(kinds, e.Kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
