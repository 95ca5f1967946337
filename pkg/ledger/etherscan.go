package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/utils"
)

const (
	DefaultEtherscanURL = "https://api.etherscan.io/api"

	messageOK             = "OK"
	messageNoTransactions = "No transactions found"
)

type EtherscanOpts struct {
	BaseURL string
	APIKey  string
	// PageSize > 0 enables page/offset pagination; 0 asks for everything in one response.
	PageSize int
	// MaxRetries bounds retries of one request. 0 disables retrying.
	MaxRetries int
	Timeout    time.Duration
	// Limiter is waited on before every request after the first of a query.
	Limiter    *rate.Limiter
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// EtherscanClient queries the txlist endpoint of an Etherscan-compatible explorer API.
type EtherscanClient struct {
	baseURL    string
	apiKey     string
	pageSize   int
	maxRetries int
	limiter    *rate.Limiter
	httpClient *http.Client
	l          *zap.SugaredLogger
}

func NewEtherscanClient(opts EtherscanOpts) *EtherscanClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultEtherscanURL
	}
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &EtherscanClient{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		pageSize:   opts.PageSize,
		maxRetries: opts.MaxRetries,
		limiter:    opts.Limiter,
		httpClient: opts.HTTPClient,
		l:          opts.Logger,
	}
}

type txListResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type txListEntry struct {
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Input       string `json:"input"`
	GasUsed     string `json:"gasUsed"`
	GasPrice    string `json:"gasPrice"`
	IsError     string `json:"isError"`
}

func (e *txListEntry) toRecord() (*types.TransactionRecord, error) {
	block, err := utils.ParseUint64(e.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("invalid blockNumber %q", e.BlockNumber)
	}
	from, err := utils.ParseAddress(e.From)
	if err != nil {
		return nil, err
	}
	var to common.Address
	// contract creations carry an empty recipient
	if e.To != "" {
		if to, err = utils.ParseAddress(e.To); err != nil {
			return nil, err
		}
	}
	input, err := hexutil.Decode(e.Input)
	if err != nil {
		return nil, fmt.Errorf("invalid input %q: %w", e.Input, err)
	}
	gasUsed, err := utils.ParseUint64(e.GasUsed)
	if err != nil {
		return nil, fmt.Errorf("invalid gasUsed %q", e.GasUsed)
	}
	gasPrice, err := utils.ParseBigDecimal(e.GasPrice)
	if err != nil {
		return nil, err
	}
	var ts uint64
	if e.TimeStamp != "" {
		if ts, err = utils.ParseUint64(e.TimeStamp); err != nil {
			return nil, fmt.Errorf("invalid timeStamp %q", e.TimeStamp)
		}
	}
	return &types.TransactionRecord{
		Hash:        common.HexToHash(e.Hash),
		BlockNumber: block,
		Timestamp:   ts,
		From:        from,
		To:          to,
		Input:       input,
		GasUsed:     gasUsed,
		GasPrice:    gasPrice,
		IsError:     e.IsError == "1",
	}, nil
}

// decodeEntry turns one element of the txlist result into a validated record.
func decodeEntry(raw json.RawMessage) (*types.TransactionRecord, error) {
	var e txListEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("could not decode entry %s: %w", raw, err)
	}
	rec, err := e.toRecord()
	if err != nil {
		return nil, fmt.Errorf("tx %s: %w", e.Hash, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// FetchTransactions returns every normal transaction of address within blocks, ascending.
func (c *EtherscanClient) FetchTransactions(ctx context.Context, address common.Address, blocks types.BlockRange) (*Result, error) {
	if err := blocks.Validate(); err != nil {
		return nil, err
	}
	var (
		records  []*types.TransactionRecord
		rejected int
	)
	for page := 1; ; page++ {
		if page > 1 {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		entries, err := c.fetchPage(ctx, address, blocks, page)
		if err != nil {
			return nil, fmt.Errorf("could not fetch transactions of %s: %w", address.Hex(), err)
		}
		for _, raw := range entries {
			rec, err := decodeEntry(raw)
			if err != nil {
				rejected++
				c.l.Warnw("rejecting malformed record", "address", address.Hex(), "error", err)
				continue
			}
			records = append(records, rec)
		}
		if c.pageSize <= 0 || len(entries) < c.pageSize {
			break
		}
	}
	return newResult(records, rejected), nil
}

func (c *EtherscanClient) fetchPage(ctx context.Context, address common.Address, blocks types.BlockRange, page int) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", strings.ToLower(address.Hex()))
	q.Set("startblock", strconv.FormatUint(blocks.From, 10))
	q.Set("endblock", strconv.FormatUint(blocks.To, 10))
	q.Set("sort", "asc")
	if c.pageSize > 0 {
		q.Set("page", strconv.Itoa(page))
		q.Set("offset", strconv.Itoa(c.pageSize))
	}
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	reqURL := c.baseURL + "?" + q.Encode()

	var (
		entries []json.RawMessage
		attempt int
	)
	operation := func() error {
		attempt++
		if attempt > 1 {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
			c.l.Debugw("retrying query", "address", address.Hex(), "page", page, "attempt", attempt)
		}
		var err error
		entries, err = c.do(ctx, reqURL)
		return err
	}

	retries := c.maxRetries
	if retries < 0 {
		retries = 0
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(retries)), ctx))
	return entries, err
}

// do performs one request. Errors worth retrying are returned plain, the rest wrapped
// in backoff.Permanent.
func (c *EtherscanClient) do(ctx context.Context, reqURL string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("could not create request: %w", err))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("unexpected http status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("unexpected http status %d", resp.StatusCode))
	}

	var decoded txListResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("could not decode response: %w", err))
	}

	switch decoded.Message {
	case messageNoTransactions:
		return nil, nil
	case messageOK:
		var entries []json.RawMessage
		if err := json.Unmarshal(decoded.Result, &entries); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("could not decode result: %w", err))
		}
		return entries, nil
	}

	apiErr := &APIError{Status: decoded.Status, Message: decoded.Message}
	var detail string
	if json.Unmarshal(decoded.Result, &detail) == nil {
		apiErr.Detail = detail
	}
	if strings.Contains(strings.ToLower(detail), "rate limit") {
		return nil, fmt.Errorf("%w: %w", ErrRateLimited, apiErr)
	}
	return nil, backoff.Permanent(apiErr)
}
