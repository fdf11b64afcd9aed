package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/blues/aidefund/internal/config"
	"github.com/blues/aidefund/internal/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend 链节点接口，*ethclient.Client 满足该接口
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Client struct {
	backend         Backend
	signer          *Signer
	confirmations   uint64
	pollInterval    time.Duration
	submitTimeout   time.Duration
	finalizeTimeout time.Duration
}

// NewClient 创建交易客户端
func NewClient(backend Backend, signer *Signer, cfg config.ChainConfig) *Client {
	c := &Client{
		backend:         backend,
		signer:          signer,
		pollInterval:    cfg.PollInterval,
		submitTimeout:   cfg.SubmitTimeout,
		finalizeTimeout: cfg.FinalizeTimeout,
	}
	if cfg.Confirmations > 0 {
		c.confirmations = uint64(cfg.Confirmations)
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if c.submitTimeout <= 0 {
		c.submitTimeout = 30 * time.Second
	}
	if c.finalizeTimeout <= 0 {
		c.finalizeTimeout = 2 * time.Minute
	}
	return c
}

// GetAccountAddress 获取签名账户地址
func (c *Client) GetAccountAddress() common.Address {
	return c.signer.Address()
}

// SendContractTx 构造、签名并广播一笔合约调用交易。
// nonce 获取到广播完成在签名账户锁内执行，并发调用不会复用 nonce。
func (c *Client) SendContractTx(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	c.signer.mu.Lock()
	defer c.signer.mu.Unlock()

	from := c.signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas += gas / 5

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	logger.Info("Sent transaction %s (nonce %d)", signed.Hash().Hex(), nonce)
	return signed, nil
}

// WaitFinalized 等待交易上链并达到确认区块数
func (c *Client) WaitFinalized(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.finalizeTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			confirmed, cerr := c.isConfirmed(ctx, receipt)
			if cerr != nil {
				logger.Warn("Failed to check confirmations for %s: %v", txHash.Hex(), cerr)
			} else if confirmed {
				return receipt, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if ctx.Err() != nil {
				return nil, fmt.Errorf("waiting for %s: %w", txHash.Hex(), ctx.Err())
			}
			return nil, fmt.Errorf("failed to get receipt for %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetTransactionReceipt 获取交易回执，交易未上链时返回 ethereum.NotFound
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.backend.TransactionReceipt(ctx, txHash)
}

// isConfirmed 检查交易是否已确认
func (c *Client) isConfirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if c.confirmations == 0 {
		return true, nil
	}
	if receipt.BlockNumber == nil {
		return false, nil
	}

	latestBlock, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	return latestBlock >= receipt.BlockNumber.Uint64()+c.confirmations, nil
}
