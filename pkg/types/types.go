package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SelectorLength is the width of a function selector at the head of call-data.
const SelectorLength = 4

// OpenEndBlock is the upper bound used when a query should run up to the chain head.
const OpenEndBlock uint64 = 99999999

// TransactionRecord is one observed ledger transaction. Records are never mutated after fetch.
type TransactionRecord struct {
	Hash        common.Hash    `json:"hash" csv:"tx_hash"`
	BlockNumber uint64         `json:"blockNumber" csv:"block_number"`
	Timestamp   uint64         `json:"timeStamp,omitempty" csv:"timestamp"`
	From        common.Address `json:"from" csv:"from"`
	To          common.Address `json:"to" csv:"to"`
	Input       hexutil.Bytes  `json:"input" csv:"input"`
	GasUsed     uint64         `json:"gasUsed" csv:"gas_used"`
	GasPrice    *big.Int       `json:"gasPrice" csv:"gas_price"`
	// IsError is set for reverted transactions, which still paid for gas.
	IsError bool `json:"isError" csv:"is_error"`
}

// Selector returns the leading function selector, or false when call-data is too short.
func (r *TransactionRecord) Selector() ([SelectorLength]byte, bool) {
	var sel [SelectorLength]byte
	if len(r.Input) < SelectorLength {
		return sel, false
	}
	copy(sel[:], r.Input[:SelectorLength])
	return sel, true
}

// Fee returns gasUsed * gasPrice in the ledger's smallest fee unit.
func (r *TransactionRecord) Fee() *big.Int {
	if r.GasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.GasPrice)
}

// Validate rejects records that cannot be counted.
func (r *TransactionRecord) Validate() error {
	if r.GasPrice == nil {
		return fmt.Errorf("tx %s: missing gas price", r.Hash.Hex())
	}
	if r.GasPrice.Sign() < 0 {
		return fmt.Errorf("tx %s: negative gas price %s", r.Hash.Hex(), r.GasPrice)
	}
	if r.From == (common.Address{}) {
		return fmt.Errorf("tx %s: missing sender", r.Hash.Hex())
	}
	return nil
}

// ActionKind is the semantic action a transaction represents within a program.
type ActionKind string

const (
	Unclassified ActionKind = ""

	ActionEnroll  ActionKind = "enroll"
	ActionSwap    ActionKind = "swap"
	ActionClaim   ActionKind = "claim"
	ActionStake   ActionKind = "stake"
	ActionUnstake ActionKind = "unstake"
)

// BucketName is the plural key used for the action's bucket in snapshots.
func (k ActionKind) BucketName() string {
	if k == Unclassified {
		return "unclassified"
	}
	return string(k) + "s"
}

func (k ActionKind) String() string {
	if k == Unclassified {
		return "unclassified"
	}
	return string(k)
}

// BlockRange is an inclusive block interval.
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (b BlockRange) Validate() error {
	if b.From > b.To {
		return fmt.Errorf("invalid block range [%d, %d]", b.From, b.To)
	}
	return nil
}

func (b BlockRange) Contains(block uint64) bool {
	return block >= b.From && block <= b.To
}
