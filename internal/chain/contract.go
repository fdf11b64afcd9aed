package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/blues/aidefund/internal/config"
	"github.com/blues/aidefund/internal/logger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Contract 合约工具类
type Contract struct {
	address  common.Address // 合约地址
	abi      abi.ABI        // 合约ABI
	name     string         // 合约名称
	blockNum int64          // 合约部署的区块号
	chainId  int64          // 链ID
}

// NewContract 从配置创建合约实例，未配置 ABI 文件时使用内置资助合约ABI
func NewContract(name string, contractCfg config.ContractConfig, chainCfg config.ChainConfig) (*Contract, error) {
	abiData := []byte(FundingABI)
	if contractCfg.ABIPath != "" {
		data, err := os.ReadFile(contractCfg.ABIPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load ABI from %s: %w", contractCfg.ABIPath, err)
		}
		abiData = data
	}

	if !common.IsHexAddress(contractCfg.Address) {
		return nil, fmt.Errorf("invalid contract address %q", contractCfg.Address)
	}

	parsedABI, err := ParseABI(abiData)
	if err != nil {
		return nil, err
	}

	return &Contract{
		address:  common.HexToAddress(contractCfg.Address),
		abi:      parsedABI,
		name:     name,
		blockNum: contractCfg.BlockNum,
		chainId:  chainCfg.ChainId,
	}, nil
}

// ParseABI 解析ABI，兼容 hardhat 完整编译输出与纯ABI数组
func ParseABI(data []byte) (abi.ABI, error) {
	var compiledOutput struct {
		ABI json.RawMessage `json:"abi"`
	}

	if err := json.Unmarshal(data, &compiledOutput); err == nil && compiledOutput.ABI != nil {
		parsed, err := abi.JSON(bytes.NewReader(compiledOutput.ABI))
		if err != nil {
			return abi.ABI{}, fmt.Errorf("failed to parse ABI from compiled output: %w", err)
		}
		return parsed, nil
	}

	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return parsed, nil
}

// GetAddress 获取合约地址
func (c *Contract) GetAddress() common.Address {
	return c.address
}

// GetABI 获取合约ABI
func (c *Contract) GetABI() abi.ABI {
	return c.abi
}

// GetName 获取合约名称
func (c *Contract) GetName() string {
	return c.name
}

// GetBlockNum 获取合约部署区块号
func (c *Contract) GetBlockNum() int64 {
	return c.blockNum
}

// GetChainId 获取链ID
func (c *Contract) GetChainId() int64 {
	return c.chainId
}

// Pack 编码合约调用数据
func (c *Contract) Pack(method string, args ...interface{}) ([]byte, error) {
	return c.abi.Pack(method, args...)
}

// EventID 获取事件签名
func (c *Contract) EventID(eventName string) (common.Hash, error) {
	event, ok := c.abi.Events[eventName]
	if !ok {
		return common.Hash{}, fmt.Errorf("event %s not found in %s ABI", eventName, c.name)
	}
	return event.ID, nil
}

// FindEvent 在回执日志中查找本合约发出的指定事件
func (c *Contract) FindEvent(logs []*types.Log, eventName string) (map[string]interface{}, bool, error) {
	id, err := c.EventID(eventName)
	if err != nil {
		return nil, false, err
	}

	for _, l := range logs {
		if l == nil || l.Address != c.address || len(l.Topics) == 0 || l.Topics[0] != id {
			continue
		}
		data, err := c.ParseEvent(*l)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
	return nil, false, nil
}

// ParseEvent 解析事件日志
func (c *Contract) ParseEvent(log types.Log) (map[string]interface{}, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log %s#%d has no topics", log.TxHash.Hex(), log.Index)
	}
	eventSignature := log.Topics[0]

	for eventName, event := range c.abi.Events {
		if event.ID == eventSignature {
			return c.parseEvent(eventName, log, event)
		}
	}

	// 未知事件
	logger.Warn("Unknown event signature: %s in contract %s", eventSignature.Hex(), c.name)
	return map[string]interface{}{
		"eventName":   "Unknown",
		"signature":   eventSignature.Hex(),
		"contract":    c.name,
		"txHash":      log.TxHash.Hex(),
		"blockNumber": log.BlockNumber,
		"logIndex":    log.Index,
	}, nil
}

// parseEvent 解析事件
func (c *Contract) parseEvent(eventName string, log types.Log, event abi.Event) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	result["eventName"] = eventName
	result["contract"] = c.name
	result["txHash"] = log.TxHash.Hex()
	result["blockNumber"] = log.BlockNumber
	result["logIndex"] = log.Index

	// 解析索引参数，topic 下标只随索引参数递增
	topic := 1
	for _, input := range event.Inputs {
		if !input.Indexed {
			continue
		}
		if topic >= len(log.Topics) {
			return nil, fmt.Errorf("event %s: missing topic for %s", eventName, input.Name)
		}
		result[input.Name] = parseTopicValue(log.Topics[topic], input.Type)
		topic++
	}

	// 解析非索引参数
	nonIndexed := event.Inputs.NonIndexed()
	if len(nonIndexed) > 0 {
		values, err := nonIndexed.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("event %s: failed to unpack data: %w", eventName, err)
		}
		for i, input := range nonIndexed {
			if i < len(values) {
				result[input.Name] = values[i]
			}
		}
	}

	return result, nil
}

// parseTopicValue 解析主题值
func parseTopicValue(topic common.Hash, t abi.Type) interface{} {
	switch t.T {
	case abi.UintTy, abi.IntTy:
		return new(big.Int).SetBytes(topic.Bytes())
	case abi.AddressTy:
		return common.BytesToAddress(topic.Bytes())
	case abi.BoolTy:
		return new(big.Int).SetBytes(topic.Bytes()).Sign() > 0
	case abi.BytesTy, abi.FixedBytesTy:
		return topic.Bytes()
	default:
		return topic.Hex()
	}
}

// ProposalID 从解析后的事件中取出提案编号
func ProposalID(eventData map[string]interface{}) (uint64, error) {
	raw, ok := eventData[FieldProposalID]
	if !ok {
		return 0, fmt.Errorf("event has no %s field", FieldProposalID)
	}
	id, ok := raw.(*big.Int)
	if !ok || id == nil {
		return 0, fmt.Errorf("unexpected %s type %T", FieldProposalID, raw)
	}
	if id.Sign() < 0 || !id.IsUint64() {
		return 0, fmt.Errorf("%s %s out of range", FieldProposalID, id.String())
	}
	return id.Uint64(), nil
}
