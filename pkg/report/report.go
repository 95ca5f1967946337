package report

import (
	"bytes"
	"encoding/json"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/aggregator"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/imputation"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/participants"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

const totalGasFeeKey = "totalGasFee"

// GasReport is the final estimate of one participant, in wei.
type GasReport struct {
	Address              common.Address
	EstimatedTotalGasFee *big.Int
}

type gasReportJSON struct {
	Address              string `json:"address"`
	EstimatedTotalGasFee string `json:"estimatedTotalGasFee"`
}

func (r GasReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(gasReportJSON{
		Address:              r.Address.Hex(),
		EstimatedTotalGasFee: r.EstimatedTotalGasFee.String(),
	})
}

// GasReportRow is the CSV form of a GasReport.
type GasReportRow struct {
	Address              string `csv:"address"`
	EstimatedTotalGasFee string `csv:"estimated_total_gas_fee"`
}

// Project builds the gas report of every member of set, in set order. A member without an
// aggregate in snapshot is reported with a zero fee.
func Project(set *participants.Set, snapshot aggregator.Snapshot, imputer *imputation.Imputer) []GasReport {
	out := make([]GasReport, 0, set.Len())
	for _, addr := range set.Addresses() {
		fee := new(big.Int)
		if agg, ok := snapshot.Get(addr); ok {
			fee = imputer.Apply(agg)
		}
		out = append(out, GasReport{Address: addr, EstimatedTotalGasFee: fee})
	}
	return out
}

func GasReportRows(reports []GasReport) []*GasReportRow {
	rows := make([]*GasReportRow, len(reports))
	for i, r := range reports {
		rows[i] = &GasReportRow{Address: r.Address.Hex(), EstimatedTotalGasFee: r.EstimatedTotalGasFee.String()}
	}
	return rows
}

// ParticipantList is the participant dataset: member addresses in set order.
func ParticipantList(set *participants.Set) []string {
	return set.Hex()
}

// AggregateView is the persisted form of one address's aggregate: one array per action
// bucket plus the decimal total fee.
type AggregateView struct {
	Buckets     map[string][]*types.TransactionRecord
	TotalGasFee *big.Int
}

func (v AggregateView) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(v.Buckets))
	for name := range v.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for _, name := range names {
		key, _ := json.Marshal(name)
		records := v.Buckets[name]
		if records == nil {
			records = []*types.TransactionRecord{}
		}
		val, err := json.Marshal(records)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
		buf.WriteByte(',')
	}
	total := "0"
	if v.TotalGasFee != nil {
		total = v.TotalGasFee.String()
	}
	val, _ := json.Marshal(total)
	buf.WriteString(`"` + totalGasFeeKey + `":`)
	buf.Write(val)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Aggregates returns the view of every address in snapshot, keyed by checksummed address.
// Every kind in kinds gets a bucket, empty or not.
func Aggregates(snapshot aggregator.Snapshot, kinds []types.ActionKind) map[string]AggregateView {
	out := make(map[string]AggregateView, snapshot.Len())
	for _, addr := range snapshot.Addresses() {
		agg, _ := snapshot.Get(addr)
		view := AggregateView{
			Buckets:     make(map[string][]*types.TransactionRecord, len(kinds)),
			TotalGasFee: agg.TotalGasFee(),
		}
		for _, k := range kinds {
			view.Buckets[k.BucketName()] = agg.Bucket(k)
		}
		for _, k := range agg.Kinds() {
			view.Buckets[k.BucketName()] = agg.Bucket(k)
		}
		out[addr.Hex()] = view
	}
	return out
}
