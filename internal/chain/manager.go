package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blues/aidefund/internal/config"
	"github.com/blues/aidefund/internal/logger"
	"github.com/ethereum/go-ethereum/ethclient"
)

var supportedChainTypes = map[string]bool{
	"ethereum": true,
	"polygon":  true,
	"bsc":      true,
	"arbitrum": true,
	"optimism": true,
	"hardhat":  true,
}

// Manager 单链管理器
type Manager struct {
	mu        sync.RWMutex
	contracts map[string]*Contract // 合约映射: "contractName" -> Contract
	client    *ethclient.Client    // 链客户端
	config    config.ChainConfig   // 存储链配置
}

// NewManager 创建单链管理器
func NewManager(ctx context.Context, cfg config.ChainConfig) (*Manager, error) {
	manager := &Manager{
		contracts: make(map[string]*Contract),
		config:    cfg,
	}

	if err := manager.initClient(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize client: %w", err)
	}

	if err := manager.initContracts(cfg); err != nil {
		manager.client.Close()
		return nil, fmt.Errorf("failed to initialize contracts: %w", err)
	}

	return manager, nil
}

// initClient 初始化客户端
func (m *Manager) initClient(ctx context.Context, cfg config.ChainConfig) error {
	logger.Info("Initializing chain client (type: %s, id: %d)", cfg.ChainType, cfg.ChainId)

	if cfg.RpcUrl == "" {
		return fmt.Errorf("no RPC URL configured")
	}
	if !supportedChainTypes[cfg.ChainType] {
		return fmt.Errorf("unsupported chain type %s", cfg.ChainType)
	}

	client, err := ethclient.DialContext(ctx, cfg.RpcUrl)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", cfg.ChainType, err)
	}

	// 测试连接并核对链ID
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("client connection test failed (%s): %w", cfg.ChainType, err)
	}
	if cfg.ChainId != 0 && chainID.Int64() != cfg.ChainId {
		client.Close()
		return fmt.Errorf("chain id mismatch: configured %d, node reports %s", cfg.ChainId, chainID.String())
	}

	m.client = client
	logger.Info("Successfully created %s client", cfg.ChainType)
	return nil
}

// initContracts 初始化所有启用的合约
func (m *Manager) initContracts(cfg config.ChainConfig) error {
	for contractName, contractCfg := range cfg.Contracts {
		if !contractCfg.Enabled {
			logger.Info("Skipping disabled contract: %s", contractName)
			continue
		}

		contract, err := NewContract(contractName, contractCfg, cfg)
		if err != nil {
			return fmt.Errorf("failed to create contract %s: %w", contractName, err)
		}

		m.contracts[contractName] = contract
		logger.Info("Successfully initialized contract: %s (address: %s)", contractName, contractCfg.Address)
	}

	if _, ok := m.contracts[config.FundingContractName]; !ok {
		return fmt.Errorf("contract %s is not configured or disabled", config.FundingContractName)
	}
	return nil
}

// GetClient 获取客户端
func (m *Manager) GetClient() *ethclient.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// GetContract 获取指定合约
func (m *Manager) GetContract(contractName string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	contract, exists := m.contracts[contractName]
	if !exists {
		return nil, fmt.Errorf("contract %s not found", contractName)
	}
	return contract, nil
}

// GetHealthStatus 获取健康状态
func (m *Manager) GetHealthStatus(ctx context.Context) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := map[string]interface{}{
		"chain_type":    m.config.ChainType,
		"chain_id":      m.config.ChainId,
		"client_status": "connected",
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if m.client == nil {
		health["client_status"] = "not_initialized"
	} else if head, err := m.client.BlockNumber(ctx); err != nil {
		health["client_status"] = "disconnected"
	} else {
		health["head_block"] = head
	}

	health["contracts"] = contractStatus(m.contracts)

	return health
}

func contractStatus(contracts map[string]*Contract) map[string]interface{} {
	status := make(map[string]interface{}, len(contracts))
	for name, contract := range contracts {
		status[name] = map[string]interface{}{
			"address":   contract.GetAddress().Hex(),
			"block_num": contract.GetBlockNum(),
			"chain_id":  contract.GetChainId(),
		}
	}
	return status
}

// Close 关闭管理器
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		m.client.Close()
	}
	logger.Info("Chain manager closed")
}
