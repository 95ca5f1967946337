package jsonrpc

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ethService struct {
	head     uint64
	receipts map[string][]*Receipt
}

func (s *ethService) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(s.head)
}

func (s *ethService) GetBlockReceipts(block string) ([]*Receipt, error) {
	r, ok := s.receipts[block]
	if !ok {
		return nil, fmt.Errorf("unknown block %s", block)
	}
	return r, nil
}

func dial(t *testing.T, svc *ethService) *rpc.Client {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", svc))
	t.Cleanup(server.Stop)
	client := rpc.DialInProc(server)
	t.Cleanup(client.Close)
	return client
}

func TestGetBlockReceipts(t *testing.T) {
	to := common.HexToAddress("0x337c36aBBe4fC6107C0a6F6ac11f8F2C47074a0D")
	svc := &ethService{
		head: 13358700,
		receipts: map[string][]*Receipt{
			"0xcbd60c": {{
				TxHash:            common.HexToHash("0x01"),
				BlockNumber:       13358604,
				From:              common.HexToAddress("0x2FD45E9c69D50cD08a03792253daC3CA37a81cBf"),
				To:                &to,
				GasUsed:           52000,
				EffectiveGasPrice: (*hexutil.Big)(hexutil.MustDecodeBig("0xe379bcea00")),
				Status:            1,
			}},
		},
	}
	client := dial(t, svc)

	receipts, err := GetBlockReceipts(context.Background(), client, 13358604)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, uint64(52000), uint64(receipts[0].GasUsed))
	assert.Equal(t, "977000000000", receipts[0].EffectiveGasPrice.ToInt().String())
	assert.Equal(t, to, *receipts[0].To)
	assert.False(t, receipts[0].Failed())

	_, err = GetBlockReceipts(context.Background(), client, 1)
	assert.Error(t, err)

	head, err := BlockNumber(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, uint64(13358700), head)
}
