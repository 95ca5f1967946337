package aggregator

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

var (
	ErrFrozen          = errors.New("aggregate store is frozen")
	ErrMalformedRecord = errors.New("malformed transaction record")
)

// Outcome tells what Ingest did with a record.
type Outcome int

const (
	Added Outcome = iota
	// Duplicate records were already counted; re-ingestion is a no-op.
	Duplicate
	// Unclassified records are never bucketed nor counted.
	Unclassified
	// Excluded records belong to a sender the store's gate does not admit.
	Excluded
)

func (o Outcome) String() string {
	switch o {
	case Added:
		return "added"
	case Duplicate:
		return "duplicate"
	case Unclassified:
		return "unclassified"
	case Excluded:
		return "excluded"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Membership is the gate a store checks senders against.
type Membership interface {
	Contains(common.Address) bool
	Addresses() []common.Address
}

// recordKey identifies a record for de-duplication: sender, block, call-data and recipient.
type recordKey struct {
	from  common.Address
	to    common.Address
	block uint64
	input string
}

func keyOf(rec *types.TransactionRecord) recordKey {
	return recordKey{
		from:  rec.From,
		to:    rec.To,
		block: rec.BlockNumber,
		input: string(rec.Input),
	}
}

// Store holds the aggregates of one pass. Values stored in it are immutable: every update
// publishes a new AddressAggregate, so readers never observe a bucket without its fee.
type Store struct {
	entries *xsync.MapOf[common.Address, *AddressAggregate]
	seen    *xsync.MapOf[recordKey, struct{}]
	gate    Membership
	frozen  atomic.Bool
}

func New() *Store {
	return &Store{
		entries: xsync.NewMapOf[common.Address, *AddressAggregate](),
		seen:    xsync.NewMapOf[recordKey, struct{}](),
	}
}

// Ingest appends rec to its sender's bucket for kind and adds gasUsed * gasPrice to the
// sender's total, atomically for that sender.
func (s *Store) Ingest(rec *types.TransactionRecord, kind types.ActionKind) (Outcome, error) {
	if s.frozen.Load() {
		return 0, ErrFrozen
	}
	if rec == nil || rec.GasPrice == nil {
		return 0, ErrMalformedRecord
	}
	if kind == types.Unclassified {
		return Unclassified, nil
	}
	if s.gate != nil && !s.gate.Contains(rec.From) {
		return Excluded, nil
	}

	fee := rec.Fee()
	if fee.Sign() < 0 {
		panic(fmt.Sprintf("negative fee %s for tx %s", fee, rec.Hash.Hex()))
	}

	key := keyOf(rec)
	outcome := Added
	// Compute serializes updates of one sender, which makes the seen check and the
	// bucket append a single step.
	s.entries.Compute(rec.From, func(old *AddressAggregate, loaded bool) (*AddressAggregate, bool) {
		if _, dup := s.seen.LoadOrStore(key, struct{}{}); dup {
			outcome = Duplicate
			if !loaded {
				return nil, true
			}
			return old, false
		}
		if !loaded {
			old = newAddressAggregate(rec.From)
		}
		return old.with(kind, rec, fee), false
	})
	return outcome, nil
}

// Freeze ends the mutation phase of the pass.
func (s *Store) Freeze() {
	s.frozen.Store(true)
}

func (s *Store) Frozen() bool {
	return s.frozen.Load()
}

// Len is the number of senders with at least one counted record.
func (s *Store) Len() int {
	return s.entries.Size()
}

// Get returns the current aggregate of addr.
func (s *Store) Get(addr common.Address) (*AddressAggregate, bool) {
	return s.entries.Load(addr)
}

// Snapshot returns an immutable view of the store, addresses sorted.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{byAddress: make(map[common.Address]*AddressAggregate, s.entries.Size())}
	s.entries.Range(func(addr common.Address, agg *AddressAggregate) bool {
		snap.byAddress[addr] = agg
		snap.addresses = append(snap.addresses, addr)
		return true
	})
	sort.Slice(snap.addresses, func(i, j int) bool {
		return bytes.Compare(snap.addresses[i][:], snap.addresses[j][:]) < 0
	})
	return snap
}

// Gate returns a new open store that keeps only the members' aggregates and admits only
// members from now on. Everything accumulated for other senders is dropped.
func (s *Store) Gate(members Membership) *Store {
	next := New()
	next.gate = members
	for _, addr := range members.Addresses() {
		agg, ok := s.entries.Load(addr)
		if !ok {
			continue
		}
		next.entries.Store(addr, agg)
		for _, rec := range agg.records() {
			next.seen.Store(keyOf(rec), struct{}{})
		}
	}
	return next
}

// AddressAggregate is the per-sender state: action buckets in discovery order and the exact
// total fee. Values are never modified once published.
type AddressAggregate struct {
	Address     common.Address
	buckets     map[types.ActionKind][]*types.TransactionRecord
	totalGasFee *big.Int
}

func newAddressAggregate(addr common.Address) *AddressAggregate {
	return &AddressAggregate{
		Address:     addr,
		buckets:     make(map[types.ActionKind][]*types.TransactionRecord),
		totalGasFee: new(big.Int),
	}
}

func (a *AddressAggregate) with(kind types.ActionKind, rec *types.TransactionRecord, fee *big.Int) *AddressAggregate {
	next := &AddressAggregate{
		Address:     a.Address,
		buckets:     make(map[types.ActionKind][]*types.TransactionRecord, len(a.buckets)+1),
		totalGasFee: new(big.Int).Add(a.totalGasFee, fee),
	}
	for k, v := range a.buckets {
		next.buckets[k] = v
	}
	prev := a.buckets[kind]
	// full slice expression forces a fresh backing array
	next.buckets[kind] = append(prev[:len(prev):len(prev)], rec)
	return next
}

// Bucket returns a copy of the records classified as kind.
func (a *AddressAggregate) Bucket(kind types.ActionKind) []*types.TransactionRecord {
	return append([]*types.TransactionRecord(nil), a.buckets[kind]...)
}

// Count is the number of records classified as kind.
func (a *AddressAggregate) Count(kind types.ActionKind) int {
	return len(a.buckets[kind])
}

// TotalGasFee returns a copy of the observed total fee.
func (a *AddressAggregate) TotalGasFee() *big.Int {
	return new(big.Int).Set(a.totalGasFee)
}

// Kinds lists the non-empty buckets.
func (a *AddressAggregate) Kinds() []types.ActionKind {
	kinds := make([]types.ActionKind, 0, len(a.buckets))
	for k, v := range a.buckets {
		if len(v) > 0 {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (a *AddressAggregate) records() []*types.TransactionRecord {
	var out []*types.TransactionRecord
	for _, k := range a.Kinds() {
		out = append(out, a.buckets[k]...)
	}
	return out
}

// Snapshot is a frozen view of a store.
type Snapshot struct {
	addresses []common.Address
	byAddress map[common.Address]*AddressAggregate
}

func (s Snapshot) Addresses() []common.Address {
	return append([]common.Address(nil), s.addresses...)
}

func (s Snapshot) Get(addr common.Address) (*AddressAggregate, bool) {
	agg, ok := s.byAddress[addr]
	return agg, ok
}

func (s Snapshot) Len() int {
	return len(s.addresses)
}
