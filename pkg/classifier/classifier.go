package classifier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/classifier/abis"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

// Built-in role names.
const (
	RoleStakingPool   = "staking_pool"
	RoleWhitelistPool = "whitelist_pool"
	RolePadProxy      = "pad_proxy"
)

// Role is a program contract a pass is fetched against, together with its selector table.
type Role struct {
	Name string
	// Contracts restricts classification to records sent to one of these addresses.
	// An empty list accepts any recipient.
	Contracts []common.Address
	Table     *SelectorTable
}

// WithContracts returns a copy of the role bound to the given contract addresses.
func (r *Role) WithContracts(contracts ...common.Address) *Role {
	cp := *r
	cp.Contracts = append([]common.Address(nil), contracts...)
	return &cp
}

func (r *Role) acceptsRecipient(to common.Address) bool {
	if len(r.Contracts) == 0 {
		return true
	}
	for _, c := range r.Contracts {
		if c == to {
			return true
		}
	}
	return false
}

// Kinds lists the actions the role can classify.
func (r *Role) Kinds() []types.ActionKind {
	return r.Table.Kinds()
}

// NewRoleFromABI builds a role whose actions are the ABI's methods, named after the method.
// Methods without parameters are matched exactly, the others by selector prefix.
func NewRoleFromABI(name string, contractABI abi.ABI) (*Role, error) {
	entries := make([]SelectorEntry, 0, len(contractABI.Methods))
	for _, m := range contractABI.Methods {
		var sel Selector
		copy(sel[:], m.ID)
		mode := MatchPrefix
		if len(m.Inputs) == 0 {
			mode = MatchExact
		}
		entries = append(entries, SelectorEntry{
			Selector: sel,
			Kind:     types.ActionKind(strings.ToLower(m.Name)),
			Mode:     mode,
		})
	}
	table, err := NewSelectorTable(entries...)
	if err != nil {
		return nil, fmt.Errorf("could not build role %s: %w", name, err)
	}
	return &Role{Name: name, Table: table}, nil
}

// NewRoleFromSignatures builds a role from action -> method signature pairs,
// e.g. {"swap": "swap(uint256)"}.
func NewRoleFromSignatures(name string, methods map[types.ActionKind]string) (*Role, error) {
	kinds := make([]types.ActionKind, 0, len(methods))
	for k := range methods {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	entries := make([]SelectorEntry, 0, len(methods))
	for _, kind := range kinds {
		sig := strings.ReplaceAll(methods[kind], " ", "")
		if !strings.Contains(sig, "(") || !strings.HasSuffix(sig, ")") {
			return nil, fmt.Errorf("role %s: invalid method signature %q", name, methods[kind])
		}
		entries = append(entries, SelectorEntry{
			Selector: SelectorFromSignature(sig),
			Kind:     kind,
			Mode:     modeForSignature(sig),
		})
	}
	table, err := NewSelectorTable(entries...)
	if err != nil {
		return nil, fmt.Errorf("could not build role %s: %w", name, err)
	}
	return &Role{Name: name, Table: table}, nil
}

// BuiltinRoles returns the Pulse IDO roles, unbound to any contract address.
func BuiltinRoles() map[string]*Role {
	builder := []struct {
		name string
		abi  abi.ABI
	}{
		{RoleStakingPool, abis.StakingPool},
		{RoleWhitelistPool, abis.WhitelistPool},
		{RolePadProxy, abis.PadProxy},
	}
	roles := make(map[string]*Role, len(builder))
	for _, b := range builder {
		role, err := NewRoleFromABI(b.name, b.abi)
		if err != nil {
			// embedded ABIs are fixed, a failure here is a build defect
			panic(err)
		}
		roles[b.name] = role
	}
	return roles
}

// TableClassifier classifies records purely from the role's selector table.
type TableClassifier struct{}

func NewTableClassifier() *TableClassifier {
	return &TableClassifier{}
}

// Classify returns the role's action for the record's selector, or types.Unclassified.
func (c *TableClassifier) Classify(rec *types.TransactionRecord, role *Role) types.ActionKind {
	if rec == nil || role == nil || role.Table == nil {
		return types.Unclassified
	}
	if !role.acceptsRecipient(rec.To) {
		return types.Unclassified
	}
	return role.Table.Lookup(rec.Input)
}
