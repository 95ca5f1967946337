package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

//go:generate mockgen -destination=mocks/fetcher.go -package=mocks . Fetcher

// Status separates a query that found transactions from one that legitimately found none.
type Status int

const (
	StatusFound Status = iota
	StatusEmpty
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusEmpty:
		return "empty"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result is the outcome of one successful query.
type Result struct {
	Status  Status
	Records []*types.TransactionRecord
	// Rejected counts records dropped because their shape could not be trusted.
	Rejected int
}

// Fetcher queries a ledger for the transactions of an address within a block range.
type Fetcher interface {
	FetchTransactions(ctx context.Context, address common.Address, blocks types.BlockRange) (*Result, error)
}

var ErrRateLimited = errors.New("remote rate limit reached")

// APIError is a non-OK answer of the remote API.
type APIError struct {
	Status  string
	Message string
	Detail  string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("ledger api error: status=%s message=%q result=%q", e.Status, e.Message, e.Detail)
	}
	return fmt.Sprintf("ledger api error: status=%s message=%q", e.Status, e.Message)
}

func newResult(records []*types.TransactionRecord, rejected int) *Result {
	status := StatusFound
	if len(records) == 0 {
		status = StatusEmpty
	}
	return &Result{Status: status, Records: records, Rejected: rejected}
}
