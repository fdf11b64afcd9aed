package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogReader 区块与日志读取接口，*ethclient.Client 满足该接口
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Block 区块操作工具类
type Block struct {
	reader LogReader
}

// NewBlock 创建区块工具类实例
func NewBlock(reader LogReader) *Block {
	return &Block{reader: reader}
}

// GetBatchBlockLogs 批量获取多个区块的日志
func (b *Block) GetBatchBlockLogs(ctx context.Context, contractAddresses []common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: contractAddresses,
		Topics:    topics,
	}

	return b.reader.FilterLogs(ctx, query)
}

// GetCurrentBlockNumber 获取当前最新区块号
func (b *Block) GetCurrentBlockNumber(ctx context.Context) (uint64, error) {
	return b.reader.BlockNumber(ctx)
}
