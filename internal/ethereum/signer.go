package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 服务端签名账户。同一账户的交易必须按 nonce 顺序广播，
// 所有经由该账户的广播都在 mu 下串行完成。
type Signer struct {
	mu         sync.Mutex
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	txSigner   types.Signer
}

// NewSigner 从十六进制私钥创建签名账户
func NewSigner(hexKey string, chainID int64) (*Signer, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("server private key is not configured")
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewSignerFromKey(privateKey, chainID), nil
}

// NewSignerFromKey 使用已有私钥创建签名账户
func NewSignerFromKey(privateKey *ecdsa.PrivateKey, chainID int64) *Signer {
	id := big.NewInt(chainID)
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    id,
		txSigner:   types.LatestSignerForChainID(id),
	}
}

// Address 获取账户地址
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID 获取签名使用的链ID
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx 签名交易
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, s.txSigner, s.privateKey)
}
