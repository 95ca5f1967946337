package ledger

import (
	"context"
	"errors"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/data"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

// CSVFetcher replays records previously exported to <dir>/<address>.csv.
// An address without a file has no transactions.
type CSVFetcher struct {
	dir string
	l   *zap.SugaredLogger
}

func NewCSVFetcher(dir string, l *zap.SugaredLogger) *CSVFetcher {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	return &CSVFetcher{dir: dir, l: l}
}

func (f *CSVFetcher) FetchTransactions(ctx context.Context, address common.Address, blocks types.BlockRange) (*Result, error) {
	if err := blocks.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := data.RecordsFile(f.dir, address)
	all, rejected, err := data.ReadRecordsFromCSV(path)
	if errors.Is(err, os.ErrNotExist) {
		return newResult(nil, 0), nil
	}
	if err != nil {
		return nil, err
	}
	if rejected > 0 {
		f.l.Warnw("rejected unparsable rows", "address", address.Hex(), "path", path, "rejected", rejected)
	}

	var records []*types.TransactionRecord
	for _, rec := range all {
		if !blocks.Contains(rec.BlockNumber) {
			continue
		}
		if err := rec.Validate(); err != nil {
			rejected++
			f.l.Warnw("rejecting malformed record", "address", address.Hex(), "error", err)
			continue
		}
		records = append(records, rec)
	}
	return newResult(records, rejected), nil
}
