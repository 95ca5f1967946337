package imputation

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/aggregator"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

var addr = common.HexToAddress("0x2FD45E9c69D50cD08a03792253daC3CA37a81cBf")

func record(block, gasUsed, gasPrice uint64) *types.TransactionRecord {
	return &types.TransactionRecord{
		From:        addr,
		BlockNumber: block,
		GasUsed:     gasUsed,
		GasPrice:    new(big.Int).SetUint64(gasPrice),
	}
}

func TestImputer_SwapScenario(t *testing.T) {
	s := aggregator.New()
	_, err := s.Ingest(record(1, 21000, 50), types.ActionSwap)
	require.NoError(t, err)
	agg, _ := s.Get(addr)

	im, err := New(Rule{Action: types.ActionSwap, Token: TokenUSDT, GasUnits: DefaultUSDTApprovalGas})
	require.NoError(t, err)

	assert.Equal(t, "2450000", im.Estimate(agg).String())
	// observed 21000*50 plus the imputed approval
	assert.Equal(t, "3500000", im.Apply(agg).String())
	assert.Equal(t, "1050000", agg.TotalGasFee().String())
}

func TestImputer_OncePerRecord(t *testing.T) {
	s := aggregator.New()
	_, _ = s.Ingest(record(1, 100000, 10), types.ActionSwap)
	_, _ = s.Ingest(record(2, 100000, 20), types.ActionSwap)
	_, _ = s.Ingest(record(3, 80000, 30), types.ActionStake)
	_, _ = s.Ingest(record(4, 80000, 40), types.ActionClaim)
	agg, _ := s.Get(addr)

	im, err := NewFromApprovals(
		map[types.ActionKind]string{types.ActionSwap: TokenUSDT, types.ActionStake: TokenPAD},
		DefaultApprovalGas(),
	)
	require.NoError(t, err)

	want := 49000*10 + 49000*20 + 54000*30
	assert.Equal(t, big.NewInt(int64(want)).String(), im.Estimate(agg).String())
}

func TestImputer_AdditiveAndOrderIndependent(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	kinds := []types.ActionKind{types.ActionSwap, types.ActionStake, types.ActionClaim, types.ActionEnroll}
	rules := []Rule{
		{Action: types.ActionSwap, Token: TokenUSDT, GasUnits: 49000},
		{Action: types.ActionStake, Token: TokenPAD, GasUnits: 54000},
	}
	units := map[types.ActionKind]uint64{types.ActionSwap: 49000, types.ActionStake: 54000}

	s := aggregator.New()
	expected := new(big.Int)
	for i := 0; i < 500; i++ {
		kind := kinds[rnd.Intn(len(kinds))]
		price := new(big.Int).Lsh(big.NewInt(rnd.Int63()), uint(rnd.Intn(40)))
		rec := &types.TransactionRecord{From: addr, BlockNumber: uint64(i), GasUsed: rnd.Uint64() >> 1, GasPrice: price}
		_, err := s.Ingest(rec, kind)
		require.NoError(t, err)
		if u, ok := units[kind]; ok {
			expected.Add(expected, new(big.Int).Mul(new(big.Int).SetUint64(u), price))
		}
	}
	agg, _ := s.Get(addr)

	forward, err := New(rules...)
	require.NoError(t, err)
	reverse, err := New(rules[1], rules[0])
	require.NoError(t, err)

	assert.Zero(t, expected.Cmp(forward.Estimate(agg)))
	assert.Zero(t, forward.Apply(agg).Cmp(reverse.Apply(agg)))
	assert.Zero(t, new(big.Int).Add(agg.TotalGasFee(), expected).Cmp(forward.Apply(agg)))
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		rules   []Rule
		wantErr assert.ErrorAssertionFunc
	}{
		{name: "no rules", wantErr: assert.NoError},
		{name: "missing action", rules: []Rule{{Token: TokenPAD, GasUnits: 1}}, wantErr: assert.Error},
		{
			name: "action paired twice",
			rules: []Rule{
				{Action: types.ActionSwap, Token: TokenUSDT, GasUnits: 1},
				{Action: types.ActionSwap, Token: TokenPAD, GasUnits: 1},
			},
			wantErr: assert.Error,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.rules...)
			tt.wantErr(t, err)
		})
	}

	_, err := NewFromApprovals(map[types.ActionKind]string{types.ActionSwap: "DAI"}, DefaultApprovalGas())
	assert.Error(t, err)
}

func TestImputer_NilAggregate(t *testing.T) {
	im, err := New()
	require.NoError(t, err)
	assert.Equal(t, "0", im.Apply(nil).String())
}
