package imputation

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

// Default approval gas units per token.
const (
	TokenUSDT = "USDT"
	TokenPAD  = "PAD"

	DefaultUSDTApprovalGas uint64 = 49000
	DefaultPADApprovalGas  uint64 = 54000
)

// DefaultApprovalGas maps a token symbol to the gas an approve(address,uint256) call on it costs.
func DefaultApprovalGas() map[string]uint64 {
	return map[string]uint64{
		TokenUSDT: DefaultUSDTApprovalGas,
		TokenPAD:  DefaultPADApprovalGas,
	}
}

// Rule pairs an observed action with the token approval that must have preceded it.
// Every record of Action is assumed to have been preceded by exactly one approval of Token,
// sent at the same gas price and costing GasUnits. An actor that approved once for several
// actions is over-counted.
type Rule struct {
	Action   types.ActionKind
	Token    string
	GasUnits uint64
}

// Aggregate is what imputation needs from an address's observed state.
type Aggregate interface {
	Bucket(types.ActionKind) []*types.TransactionRecord
	TotalGasFee() *big.Int
}

type Imputer struct {
	rules []Rule
}

// New validates rules and returns an Imputer. An action may be paired with one token only.
func New(rules ...Rule) (*Imputer, error) {
	seen := make(map[types.ActionKind]string, len(rules))
	for _, r := range rules {
		if r.Action == types.Unclassified {
			return nil, fmt.Errorf("imputation rule for token %s has no action", r.Token)
		}
		if tok, ok := seen[r.Action]; ok {
			return nil, fmt.Errorf("action %s is paired with both %s and %s", r.Action, tok, r.Token)
		}
		seen[r.Action] = r.Token
	}
	cp := append([]Rule(nil), rules...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Action < cp[j].Action })
	return &Imputer{rules: cp}, nil
}

// NewFromApprovals builds rules from action -> token pairs, resolving gas units in approvals.
func NewFromApprovals(pairs map[types.ActionKind]string, approvals map[string]uint64) (*Imputer, error) {
	rules := make([]Rule, 0, len(pairs))
	for action, token := range pairs {
		units, ok := approvals[token]
		if !ok {
			return nil, fmt.Errorf("no approval gas configured for token %s", token)
		}
		rules = append(rules, Rule{Action: action, Token: token, GasUnits: units})
	}
	return New(rules...)
}

func (im *Imputer) Rules() []Rule {
	return append([]Rule(nil), im.rules...)
}

// Estimate returns the imputed approval cost of agg: the sum over every record of a paired
// action of GasUnits * gasPrice.
func (im *Imputer) Estimate(agg Aggregate) *big.Int {
	sum := new(big.Int)
	if agg == nil {
		return sum
	}
	for _, r := range im.rules {
		units := new(big.Int).SetUint64(r.GasUnits)
		for _, rec := range agg.Bucket(r.Action) {
			if rec.GasPrice == nil {
				continue
			}
			sum.Add(sum, new(big.Int).Mul(units, rec.GasPrice))
		}
	}
	if sum.Sign() < 0 {
		panic(fmt.Sprintf("negative imputed fee %s", sum))
	}
	return sum
}

// Apply returns the observed total of agg plus its imputed approval cost. agg is not modified.
func (im *Imputer) Apply(agg Aggregate) *big.Int {
	if agg == nil {
		return new(big.Int)
	}
	return new(big.Int).Add(agg.TotalGasFee(), im.Estimate(agg))
}
