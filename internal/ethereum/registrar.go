package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/blues/aidefund/internal/chain"
	"github.com/blues/aidefund/internal/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// AmountDecimals 链上金额精度，1 个单位 = 10^8 基础单位
const AmountDecimals = 8

// ProposalResult 链上创建提案的结果。
// Submitted 为 true 表示交易已广播，此时失败不代表链上没有提案。
type ProposalResult struct {
	Success   bool
	OnChainID uint64
	TxHash    string
	Submitted bool
	Err       error
}

// ReceiptState 按交易哈希复查的结果
type ReceiptState int

const (
	ReceiptPending    ReceiptState = iota // 尚未上链
	ReceiptRegistered                     // 已上链且找到 ProposalCreated
	ReceiptFailed                         // 交易回滚或没有事件
)

// SubmittedFunc 交易广播成功后、等待确认前回调
type SubmittedFunc func(txHash string)

// ToBaseUnits 将金额换算为基础单位，小数部分向零截断
func ToBaseUnits(amount float64) (*big.Int, error) {
	d := decimal.NewFromFloat(amount)
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %s is negative", d.String())
	}
	return d.Shift(AmountDecimals).Truncate(0).BigInt(), nil
}

// ProposalRegistrar 通过资助合约登记提案
type ProposalRegistrar struct {
	client   *Client
	contract *chain.Contract
}

func NewProposalRegistrar(client *Client, contract *chain.Contract) *ProposalRegistrar {
	return &ProposalRegistrar{client: client, contract: contract}
}

// CreateProposalOnChain 创建链上提案并等待确认。
// 任何错误都折叠进返回结果，不会以 error 或 panic 形式抛出。
func (r *ProposalRegistrar) CreateProposalOnChain(ctx context.Context, applicant string, requestedAmount float64, description string, onSubmitted ...SubmittedFunc) (result ProposalResult) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered from panic while creating proposal: %v", p)
			result.Success = false
			result.Err = fmt.Errorf("panic: %v", p)
		}
	}()

	if !common.IsHexAddress(applicant) {
		return ProposalResult{Err: fmt.Errorf("invalid applicant address %q", applicant)}
	}
	amount, err := ToBaseUnits(requestedAmount)
	if err != nil {
		return ProposalResult{Err: err}
	}

	data, err := r.contract.Pack(chain.MethodCreateProposal, common.HexToAddress(applicant), []byte(description), amount)
	if err != nil {
		return ProposalResult{Err: fmt.Errorf("failed to pack %s: %w", chain.MethodCreateProposal, err)}
	}

	tx, err := r.client.SendContractTx(ctx, r.contract.GetAddress(), data)
	if err != nil {
		return ProposalResult{Err: err}
	}

	result = ProposalResult{Submitted: true, TxHash: tx.Hash().Hex()}
	for _, fn := range onSubmitted {
		fn(result.TxHash)
	}

	receipt, err := r.client.WaitFinalized(ctx, tx.Hash())
	if err != nil {
		result.Err = err
		return result
	}

	id, err := r.proposalFromReceipt(receipt)
	if err != nil {
		result.Err = err
		return result
	}

	logger.Info("Proposal %d created on chain for %s (tx %s)", id, applicant, result.TxHash)
	result.Success = true
	result.OnChainID = id
	return result
}

// LookupProposal 按交易哈希复查提案登记情况，用于对账
func (r *ProposalRegistrar) LookupProposal(ctx context.Context, txHash string) (ReceiptState, uint64, error) {
	receipt, err := r.client.GetTransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return ReceiptPending, 0, nil
	}
	if err != nil {
		return ReceiptPending, 0, fmt.Errorf("failed to get receipt for %s: %w", txHash, err)
	}

	id, err := r.proposalFromReceipt(receipt)
	if err != nil {
		logger.Warn("Transaction %s did not register a proposal: %v", txHash, err)
		return ReceiptFailed, 0, nil
	}
	return ReceiptRegistered, id, nil
}

func (r *ProposalRegistrar) proposalFromReceipt(receipt *types.Receipt) (uint64, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return 0, fmt.Errorf("transaction %s reverted", receipt.TxHash.Hex())
	}

	event, found, err := r.contract.FindEvent(receipt.Logs, chain.EventProposalCreated)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", chain.EventProposalCreated, err)
	}
	if !found {
		return 0, fmt.Errorf("%s event not found in transaction %s", chain.EventProposalCreated, receipt.TxHash.Hex())
	}
	return chain.ProposalID(event)
}
