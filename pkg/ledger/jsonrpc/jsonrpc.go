package jsonrpc

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/utils"
)

// Receipt is the subset of an eth_getBlockReceipts entry used for gas accounting.
type Receipt struct {
	TxHash            common.Hash     `json:"transactionHash"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	From              common.Address  `json:"from"`
	To                *common.Address `json:"to"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	Status            hexutil.Uint64  `json:"status"`
}

// Failed reports a reverted transaction.
func (r *Receipt) Failed() bool {
	return r.Status == 0
}

// GetBlockReceipts eth_getBlockReceipts wrapper
func GetBlockReceipts(ctx context.Context, client *rpc.Client, blockNumber uint64) ([]*Receipt, error) {
	var receipts []*Receipt
	if err := client.CallContext(ctx, &receipts, "eth_getBlockReceipts", utils.BlockNumberArg(blockNumber)); err != nil {
		return nil, err
	}
	return receipts, nil
}

// BlockNumber eth_blockNumber wrapper
func BlockNumber(ctx context.Context, client *rpc.Client) (uint64, error) {
	var head hexutil.Uint64
	if err := client.CallContext(ctx, &head, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(head), nil
}
