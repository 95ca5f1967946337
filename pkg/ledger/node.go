package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/ledger/jsonrpc"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

// DefaultMaxBlockSpan caps how many blocks a single node query may scan.
const DefaultMaxBlockSpan uint64 = 50000

// Chain is the node access a NodeFetcher needs.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*gethtypes.Block, error)
	BlockReceipts(ctx context.Context, number uint64) ([]*jsonrpc.Receipt, error)
}

type rpcChain struct {
	*ethclient.Client
	rpc *rpc.Client
}

func (c *rpcChain) BlockReceipts(ctx context.Context, number uint64) ([]*jsonrpc.Receipt, error) {
	return jsonrpc.GetBlockReceipts(ctx, c.rpc, number)
}

// NewRPCChain wraps a JSON-RPC client connected to an archive-capable node.
func NewRPCChain(client *rpc.Client) Chain {
	return &rpcChain{Client: ethclient.NewClient(client), rpc: client}
}

type NodeOpts struct {
	Chain        Chain
	MaxBlockSpan uint64
	Logger       *zap.SugaredLogger
}

// NodeFetcher reconstructs an address's transaction list by scanning blocks on a node.
// It keeps transactions sent by or to the address.
type NodeFetcher struct {
	chain   Chain
	maxSpan uint64
	l       *zap.SugaredLogger
}

func NewNodeFetcher(opts NodeOpts) *NodeFetcher {
	if opts.MaxBlockSpan == 0 {
		opts.MaxBlockSpan = DefaultMaxBlockSpan
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &NodeFetcher{chain: opts.Chain, maxSpan: opts.MaxBlockSpan, l: opts.Logger}
}

func (f *NodeFetcher) FetchTransactions(ctx context.Context, address common.Address, blocks types.BlockRange) (*Result, error) {
	if err := blocks.Validate(); err != nil {
		return nil, err
	}
	head, err := f.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not get chain head: %w", err)
	}
	if blocks.To > head {
		blocks.To = head
	}
	if blocks.From > blocks.To {
		return newResult(nil, 0), nil
	}
	if span := blocks.To - blocks.From + 1; span > f.maxSpan {
		return nil, fmt.Errorf("block range [%d, %d] spans %d blocks, more than the %d allowed", blocks.From, blocks.To, span, f.maxSpan)
	}

	var (
		records  []*types.TransactionRecord
		rejected int
	)
	for n := blocks.From; n <= blocks.To; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		receipts, err := f.chain.BlockReceipts(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("could not get receipts of block %d: %w", n, err)
		}
		matched := make(map[common.Hash]*jsonrpc.Receipt)
		for _, r := range receipts {
			if r.From == address || (r.To != nil && *r.To == address) {
				matched[r.TxHash] = r
			}
		}
		if len(matched) == 0 {
			continue
		}

		block, err := f.chain.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, fmt.Errorf("could not get block %d: %w", n, err)
		}
		for _, tx := range block.Transactions() {
			r, ok := matched[tx.Hash()]
			if !ok {
				continue
			}
			delete(matched, tx.Hash())
			rec := recordFromReceipt(tx, r, block)
			if err := rec.Validate(); err != nil {
				rejected++
				f.l.Warnw("rejecting malformed record", "address", address.Hex(), "hash", tx.Hash().Hex(), "error", err)
				continue
			}
			records = append(records, rec)
		}
		for hash := range matched {
			rejected++
			f.l.Warnw("receipt without transaction", "block", n, "hash", hash.Hex())
		}
	}
	return newResult(records, rejected), nil
}

func recordFromReceipt(tx *gethtypes.Transaction, r *jsonrpc.Receipt, block *gethtypes.Block) *types.TransactionRecord {
	var to common.Address
	if tx.To() != nil {
		to = *tx.To()
	}
	gasPrice := tx.GasPrice()
	if r.EffectiveGasPrice != nil {
		gasPrice = r.EffectiveGasPrice.ToInt()
	}
	return &types.TransactionRecord{
		Hash:        tx.Hash(),
		BlockNumber: block.NumberU64(),
		Timestamp:   block.Time(),
		From:        r.From,
		To:          to,
		Input:       tx.Data(),
		GasUsed:     uint64(r.GasUsed),
		GasPrice:    new(big.Int).Set(gasPrice),
		IsError:     r.Failed(),
	}
}
