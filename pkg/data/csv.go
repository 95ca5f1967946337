package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gocarina/gocsv"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

// RecordsFile is the replay file of addr under dir.
func RecordsFile(dir string, addr common.Address) string {
	return filepath.Join(dir, strings.ToLower(addr.Hex())+".csv")
}

// ReadRecordsFromCSV reads transaction records from csvFile. A missing file yields os.ErrNotExist.
// Rows with a field that cannot be parsed are skipped and counted in rejected.
func ReadRecordsFromCSV(csvFile string) (records []*types.TransactionRecord, rejected int, err error) {
	f, err := os.Open(csvFile)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	badRows := make(map[int]error)
	var all []*types.TransactionRecord
	err = gocsv.UnmarshalFileWithErrorHandler(f, func(pe *csv.ParseError) bool {
		// line 1 is the header
		if _, seen := badRows[pe.Line-2]; !seen {
			badRows[pe.Line-2] = pe
		}
		return true
	}, &all)
	if err != nil {
		if errors.Is(err, gocsv.ErrEmptyCSVFile) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("could not read records from %s: %w", csvFile, err)
	}
	if len(badRows) == 0 {
		return all, 0, nil
	}
	records = make([]*types.TransactionRecord, 0, len(all)-len(badRows))
	for i, rec := range all {
		if _, bad := badRows[i]; bad {
			continue
		}
		records = append(records, rec)
	}
	return records, len(badRows), nil
}

// WriteRecordsToCSV writes records to csvFile, replacing any previous content.
func WriteRecordsToCSV(csvFile string, records []*types.TransactionRecord) error {
	if err := os.MkdirAll(filepath.Dir(csvFile), 0o755); err != nil {
		return err
	}
	f, err := os.Create(csvFile)
	if err != nil {
		return err
	}
	if err := gocsv.MarshalFile(&records, f); err != nil {
		f.Close()
		return fmt.Errorf("could not write records to %s: %w", csvFile, err)
	}
	return f.Close()
}
