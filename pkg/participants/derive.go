package participants

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/aggregator"
)

// Set is an ordered, immutable set of participant addresses.
type Set struct {
	addresses []common.Address
	index     map[common.Address]struct{}
}

// NewSet builds a set from addrs, dropping duplicates. Members are kept in address byte order,
// which is the lexicographic order of their lowercase hex.
func NewSet(addrs ...common.Address) *Set {
	s := &Set{index: make(map[common.Address]struct{}, len(addrs))}
	for _, a := range addrs {
		if _, ok := s.index[a]; ok {
			continue
		}
		s.index[a] = struct{}{}
		s.addresses = append(s.addresses, a)
	}
	sort.Slice(s.addresses, func(i, j int) bool {
		return bytes.Compare(s.addresses[i][:], s.addresses[j][:]) < 0
	})
	return s
}

func (s *Set) Contains(addr common.Address) bool {
	_, ok := s.index[addr]
	return ok
}

// Addresses returns the members in set order.
func (s *Set) Addresses() []common.Address {
	return append([]common.Address(nil), s.addresses...)
}

func (s *Set) Len() int {
	return len(s.addresses)
}

// Hex returns the members as checksummed hex strings, in set order.
func (s *Set) Hex() []string {
	out := make([]string, len(s.addresses))
	for i, a := range s.addresses {
		out[i] = a.Hex()
	}
	return out
}

// Derive returns the addresses of snapshot whose aggregate satisfies pred.
func Derive(snapshot aggregator.Snapshot, pred Predicate) *Set {
	var members []common.Address
	for _, addr := range snapshot.Addresses() {
		agg, ok := snapshot.Get(addr)
		if !ok {
			continue
		}
		if pred.Eval(agg) {
			members = append(members, addr)
		}
	}
	return NewSet(members...)
}
