package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/time/rate"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/classifier"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/config"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/data"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/imputation"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/ledger"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/ledger/mocks"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/participants"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/persist"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/stats"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

var (
	stakingPool = common.HexToAddress("0x337c36aBBe4fC6107C0a6F6ac11f8F2C47074a0D")
	padProxy    = common.HexToAddress("0x1637b1ccedb9c3f0d1c9c22a65c8a474b532a50f")
	addrA       = common.HexToAddress("0x2FD45E9c69D50cD08a03792253daC3CA37a81cBf")
	addrB       = common.HexToAddress("0xBDa23B750dD04F792ad365B5F2a6F1d8593796f2")

	poolBlocks = types.BlockRange{From: 13358604, To: types.OpenEndBlock}
	anyBlocks  = types.BlockRange{From: 0, To: types.OpenEndBlock}
)

func call(from, to common.Address, block, gasUsed, gasPrice uint64, input string) *types.TransactionRecord {
	return &types.TransactionRecord{
		Hash:        common.BigToHash(new(big.Int).SetUint64(block)),
		BlockNumber: block,
		From:        from,
		To:          to,
		Input:       hexutil.MustDecode(input),
		GasUsed:     gasUsed,
		GasPrice:    new(big.Int).SetUint64(gasPrice),
	}
}

const arg = "0000000000000000000000000000000000000000000000000de0b6b3a7640000"

func poolRecords() []*types.TransactionRecord {
	swap := call(addrA, stakingPool, 13358701, 21000, 50, "0x94b918de"+arg)
	return []*types.TransactionRecord{
		call(addrA, stakingPool, 13358700, 50000, 10, "0xe65f2a7e"),
		swap,
		// the same call seen twice
		swap,
		call(addrB, stakingPool, 13358702, 50000, 10, "0xe65f2a7e"),
		// enroll with trailing data does not match the exact selector
		call(addrB, stakingPool, 13358703, 21000, 10, "0xe65f2a7e"+arg),
	}
}

func proxyRecords() []*types.TransactionRecord {
	return []*types.TransactionRecord{
		call(addrA, padProxy, 13358800, 30000, 10, "0xa694fc3a"+arg),
		call(addrB, padProxy, 13358801, 30000, 10, "0xa694fc3a"+arg),
	}
}

func stakingProgram(t *testing.T) Program {
	t.Helper()
	roles := classifier.BuiltinRoles()
	imputer, err := imputation.New(
		imputation.Rule{Action: types.ActionSwap, Token: imputation.TokenUSDT, GasUnits: imputation.DefaultUSDTApprovalGas},
		imputation.Rule{Action: types.ActionStake, Token: imputation.TokenPAD, GasUnits: imputation.DefaultPADApprovalGas},
	)
	require.NoError(t, err)
	return Program{
		Name:    "staking_pool",
		GasKey:  "spGas.json",
		Imputer: imputer,
		Passes: []Pass{
			{
				Name:            "pool",
				Role:            roles[classifier.RoleStakingPool].WithContracts(stakingPool),
				Targets:         TargetContracts,
				Blocks:          poolBlocks,
				Eligibility:     participants.All(participants.Has(types.ActionEnroll), participants.Has(types.ActionSwap)),
				ParticipantsKey: "spParticipants.json",
			},
			{
				Name:     "pad_proxy",
				Role:     roles[classifier.RolePadProxy].WithContracts(padProxy),
				Targets:  TargetContracts,
				Blocks:   anyBlocks,
				StatsKey: "spStats.json",
			},
		},
	}
}

func newRunner(t *testing.T, fetcher ledger.Fetcher, dir string, st *stats.Stats) *Runner {
	t.Helper()
	saver, err := persist.NewFileSaver(dir)
	require.NoError(t, err)
	r, err := NewRunner(Opts{
		Fetcher:    fetcher,
		Limiter:    rate.NewLimiter(rate.Every(time.Millisecond), 1),
		Grace:      time.Second,
		Saver:      saver,
		Stats:      st,
		CSVReports: true,
	})
	require.NoError(t, err)
	return r
}

func readJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestRunner_RunProgram(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().FetchTransactions(gomock.Any(), stakingPool, poolBlocks).
		Return(&ledger.Result{Status: ledger.StatusFound, Records: poolRecords(), Rejected: 1}, nil)
	fetcher.EXPECT().FetchTransactions(gomock.Any(), padProxy, anyBlocks).
		Return(&ledger.Result{Status: ledger.StatusFound, Records: proxyRecords()}, nil)

	dir := t.TempDir()
	st := stats.New()
	res, err := newRunner(t, fetcher, dir, st).RunProgram(context.Background(), stakingProgram(t))
	require.NoError(t, err)

	// B enrolled but never swapped
	assert.Equal(t, []common.Address{addrA}, res.Participants.Addresses())
	assert.Equal(t, []common.Address{addrA}, res.Snapshot.Addresses())

	agg, ok := res.Snapshot.Get(addrA)
	require.True(t, ok)
	assert.Equal(t, 1, agg.Count(types.ActionEnroll))
	assert.Equal(t, 1, agg.Count(types.ActionSwap))
	assert.Equal(t, 1, agg.Count(types.ActionStake))
	// 50000*10 + 21000*50 + 30000*10
	assert.Equal(t, "1850000", agg.TotalGasFee().String())

	require.Len(t, res.Reports, 1)
	// observed + 49000*50 + 54000*10
	assert.Equal(t, "4840000", res.Reports[0].EstimatedTotalGasFee.String())

	require.Len(t, res.Passes, 2)
	assert.Equal(t, 1, res.Passes[0].Summary.Succeeded)
	assert.Equal(t, 1, res.Passes[1].Participants)

	var members []string
	readJSON(t, filepath.Join(dir, "spParticipants.json"), &members)
	assert.Equal(t, []string{addrA.Hex()}, members)

	var reports []map[string]string
	readJSON(t, filepath.Join(dir, "spGas.json"), &reports)
	assert.Equal(t, []map[string]string{{"address": addrA.Hex(), "estimatedTotalGasFee": "4840000"}}, reports)

	var views map[string]map[string]json.RawMessage
	readJSON(t, filepath.Join(dir, "spStats.json"), &views)
	require.Contains(t, views, addrA.Hex())
	assert.NotContains(t, views, addrB.Hex())
	assert.JSONEq(t, `"1850000"`, string(views[addrA.Hex()]["totalGasFee"]))
	assert.JSONEq(t, `[]`, string(views[addrA.Hex()]["claims"]))

	_, err = os.Stat(filepath.Join(dir, "spGas.csv"))
	assert.NoError(t, err)

	assert.Equal(t, uint64(1), st.QueryCount("staking_pool", "pool", stats.OutcomeFound))
	assert.Equal(t, uint64(3), st.RecordCount("staking_pool", "pool", "added"))
	assert.Equal(t, uint64(1), st.RecordCount("staking_pool", "pool", "duplicate"))
	assert.Equal(t, uint64(1), st.RecordCount("staking_pool", "pool", "unclassified"))
	assert.Equal(t, uint64(1), st.RecordCount("staking_pool", "pad_proxy", "excluded"))
}

func TestRunner_FailedQueryIsSkipped(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().FetchTransactions(gomock.Any(), stakingPool, poolBlocks).
		Return(&ledger.Result{Status: ledger.StatusFound, Records: poolRecords()}, nil)
	fetcher.EXPECT().FetchTransactions(gomock.Any(), padProxy, anyBlocks).
		Return(nil, errors.New("remote unavailable"))

	st := stats.New()
	res, err := newRunner(t, fetcher, t.TempDir(), st).RunProgram(context.Background(), stakingProgram(t))
	require.NoError(t, err)

	require.Len(t, res.Reports, 1)
	// no stake was observed, only the swap is imputed
	assert.Equal(t, "4000000", res.Reports[0].EstimatedTotalGasFee.String())
	assert.Equal(t, 1, res.Passes[1].Summary.Failed)
	assert.Equal(t, uint64(1), st.QueryCount("staking_pool", "pad_proxy", stats.OutcomeFailed))
}

func TestRunner_TargetParticipants(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().FetchTransactions(gomock.Any(), stakingPool, poolBlocks).
		Return(&ledger.Result{Status: ledger.StatusFound, Records: poolRecords()}, nil)
	// only the participant is queried in the second pass
	fetcher.EXPECT().FetchTransactions(gomock.Any(), addrA, anyBlocks).
		Return(&ledger.Result{Status: ledger.StatusFound, Records: proxyRecords()[:1]}, nil)

	p := stakingProgram(t)
	p.Passes[1].Targets = TargetParticipants
	res, err := newRunner(t, fetcher, t.TempDir(), nil).RunProgram(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "4840000", res.Reports[0].EstimatedTotalGasFee.String())
}

func TestRunner_NoParticipant(t *testing.T) {
	ctrl := gomock.NewController(t)
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().FetchTransactions(gomock.Any(), stakingPool, poolBlocks).
		Return(&ledger.Result{Status: ledger.StatusEmpty}, nil)
	fetcher.EXPECT().FetchTransactions(gomock.Any(), padProxy, anyBlocks).
		Return(&ledger.Result{Status: ledger.StatusFound, Records: proxyRecords()}, nil)

	dir := t.TempDir()
	res, err := newRunner(t, fetcher, dir, nil).RunProgram(context.Background(), stakingProgram(t))
	require.NoError(t, err)
	assert.Zero(t, res.Participants.Len())
	assert.Zero(t, res.Snapshot.Len())
	assert.Empty(t, res.Reports)

	var reports []map[string]string
	readJSON(t, filepath.Join(dir, "spGas.json"), &reports)
	assert.Empty(t, reports)
}

func TestRunner_Run(t *testing.T) {
	csvDir := t.TempDir()
	require.NoError(t, data.WriteRecordsToCSV(data.RecordsFile(csvDir, stakingPool), poolRecords()))
	require.NoError(t, data.WriteRecordsToCSV(data.RecordsFile(csvDir, padProxy), proxyRecords()))

	cfg, err := config.Load("")
	require.NoError(t, err)
	programs, err := ProgramsFromConfig(cfg)
	require.NoError(t, err)
	require.Len(t, programs, 2)

	dir := t.TempDir()
	results, err := newRunner(t, ledger.NewCSVFetcher(csvDir, nil), dir, nil).Run(context.Background(), programs)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "staking_pool", results[0].Name)
	require.Len(t, results[0].Reports, 1)
	assert.Equal(t, addrA, results[0].Reports[0].Address)
	assert.Equal(t, "4840000", results[0].Reports[0].EstimatedTotalGasFee.String())

	// the whitelist pool has no recorded transaction
	assert.Equal(t, "whitelist_pool", results[1].Name)
	assert.Empty(t, results[1].Reports)

	for _, key := range []string{"spParticipants.json", "spStats.json", "spGas.json", "spGas.csv", "wpParticipants.json", "wpStats.json", "wpGas.json"} {
		_, err := os.Stat(filepath.Join(dir, key))
		assert.NoError(t, err, key)
	}
}

func TestRunner_Invalid(t *testing.T) {
	_, err := NewRunner(Opts{Limiter: rate.NewLimiter(rate.Inf, 1)})
	assert.Error(t, err)

	r := newRunner(t, ledger.NewCSVFetcher(t.TempDir(), nil), t.TempDir(), nil)
	_, err = r.RunProgram(context.Background(), Program{Name: "empty"})
	assert.Error(t, err)

	p := stakingProgram(t)
	p.Passes[0].Targets = TargetParticipants
	_, err = r.RunProgram(context.Background(), p)
	assert.Error(t, err)
}

func TestCSVKey(t *testing.T) {
	assert.Equal(t, "spGas.csv", csvKey("spGas.json"))
	assert.Equal(t, "gas.csv", csvKey("gas"))
}
