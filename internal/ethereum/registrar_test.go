package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/blues/aidefund/internal/chain"
	"github.com/blues/aidefund/internal/config"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fundingAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// fakeBackend 模拟节点：每笔交易立即打包，回执中带 ProposalCreated 事件
type fakeBackend struct {
	mu       sync.Mutex
	contract *chain.Contract
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt

	sendErr   error
	reverted  bool
	noEvent   bool
	unmined   bool
	nextID    int64
	nonceHook func()
}

func newFakeBackend(contract *chain.Contract) *fakeBackend {
	return &fakeBackend{contract: contract, receipts: map[common.Hash]*types.Receipt{}, nextID: 7}
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if b.nonceHook != nil {
		b.nonceHook()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, prev := range b.sent {
		if prev.Nonce() == tx.Nonce() {
			return errors.New("nonce too low")
		}
	}
	b.sent = append(b.sent, tx)
	if b.unmined {
		return nil
	}

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(int64(len(b.sent))),
	}
	if b.reverted {
		receipt.Status = types.ReceiptStatusFailed
	}
	if !b.noEvent {
		event := b.contract.GetABI().Events[chain.EventProposalCreated]
		data, err := event.Inputs.NonIndexed().Pack(big.NewInt(1))
		if err != nil {
			return err
		}
		receipt.Logs = []*types.Log{{
			Address: fundingAddr,
			Topics: []common.Hash{
				event.ID,
				common.BigToHash(big.NewInt(b.nextID)),
				common.BytesToHash(common.HexToAddress("0x1").Bytes()),
			},
			Data:   data,
			TxHash: tx.Hash(),
		}}
		b.nextID++
	}
	b.receipts[tx.Hash()] = receipt
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func newTestRegistrar(t *testing.T, cfg config.ChainConfig) (*ProposalRegistrar, *fakeBackend, *Signer) {
	t.Helper()
	contract, err := chain.NewContract("funding", config.ContractConfig{
		Address: fundingAddr.Hex(),
		Enabled: true,
	}, config.ChainConfig{ChainId: 1337})
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSignerFromKey(key, 1337)

	backend := newFakeBackend(contract)
	client := NewClient(backend, signer, cfg)
	return NewProposalRegistrar(client, contract), backend, signer
}

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{100, "10000000000"},
		{5, "500000000"},
		{0.1, "10000000"},
		{1.123456789, "112345678"},
		{0, "0"},
	}
	for _, tc := range cases {
		got, err := ToBaseUnits(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.String(), "amount %v", tc.in)
	}

	_, err := ToBaseUnits(-1)
	assert.Error(t, err)
}

func TestCreateProposalOnChain_Success(t *testing.T) {
	registrar, backend, signer := newTestRegistrar(t, config.ChainConfig{})
	applicant := "0x1111111111111111111111111111111111111111"

	var submitted string
	result := registrar.CreateProposalOnChain(context.Background(), applicant, 100, "Garden", func(txHash string) {
		submitted = txHash
	})

	require.NoError(t, result.Err)
	assert.True(t, result.Success)
	assert.True(t, result.Submitted)
	assert.Equal(t, uint64(7), result.OnChainID)
	assert.Equal(t, result.TxHash, submitted)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, fundingAddr, *tx.To())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)

	method := registrar.contract.GetABI().Methods[chain.MethodCreateProposal]
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, common.HexToAddress(applicant), args[0])
	assert.Equal(t, []byte("Garden"), args[1])
	assert.Equal(t, "10000000000", args[2].(*big.Int).String())
}

func TestCreateProposalOnChain_SendFailure(t *testing.T) {
	registrar, backend, _ := newTestRegistrar(t, config.ChainConfig{})
	backend.sendErr = errors.New("connection refused")

	called := false
	result := registrar.CreateProposalOnChain(context.Background(), "0x1111111111111111111111111111111111111111", 5, "desc", func(string) {
		called = true
	})

	assert.False(t, result.Success)
	assert.False(t, result.Submitted)
	assert.False(t, called)
	assert.ErrorContains(t, result.Err, "connection refused")
}

func TestCreateProposalOnChain_Reverted(t *testing.T) {
	registrar, backend, _ := newTestRegistrar(t, config.ChainConfig{})
	backend.reverted = true

	result := registrar.CreateProposalOnChain(context.Background(), "0x1111111111111111111111111111111111111111", 5, "desc")

	assert.False(t, result.Success)
	assert.True(t, result.Submitted)
	assert.NotEmpty(t, result.TxHash)
	assert.ErrorContains(t, result.Err, "reverted")
}

func TestCreateProposalOnChain_EventMissing(t *testing.T) {
	registrar, backend, _ := newTestRegistrar(t, config.ChainConfig{})
	backend.noEvent = true

	result := registrar.CreateProposalOnChain(context.Background(), "0x1111111111111111111111111111111111111111", 5, "desc")

	assert.False(t, result.Success)
	assert.True(t, result.Submitted)
	assert.ErrorContains(t, result.Err, chain.EventProposalCreated)
}

func TestCreateProposalOnChain_FinalizeTimeout(t *testing.T) {
	registrar, backend, _ := newTestRegistrar(t, config.ChainConfig{
		PollInterval:    10 * time.Millisecond,
		FinalizeTimeout: 50 * time.Millisecond,
	})
	backend.unmined = true

	result := registrar.CreateProposalOnChain(context.Background(), "0x1111111111111111111111111111111111111111", 5, "desc")

	assert.False(t, result.Success)
	assert.True(t, result.Submitted)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

func TestCreateProposalOnChain_InvalidInput(t *testing.T) {
	registrar, backend, _ := newTestRegistrar(t, config.ChainConfig{})

	result := registrar.CreateProposalOnChain(context.Background(), "0x1", 5, "desc")
	assert.False(t, result.Success)
	assert.Error(t, result.Err)

	result = registrar.CreateProposalOnChain(context.Background(), "0x1111111111111111111111111111111111111111", -5, "desc")
	assert.False(t, result.Success)
	assert.Error(t, result.Err)

	assert.Empty(t, backend.sent)
}

func TestCreateProposalOnChain_ConcurrentNonces(t *testing.T) {
	registrar, backend, _ := newTestRegistrar(t, config.ChainConfig{})
	// 放大 nonce 读取与广播之间的窗口
	backend.nonceHook = func() { time.Sleep(time.Millisecond) }

	const n = 10
	var wg sync.WaitGroup
	results := make([]ProposalResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = registrar.CreateProposalOnChain(context.Background(), "0x1111111111111111111111111111111111111111", 1, "desc")
		}(i)
	}
	wg.Wait()

	ids := map[uint64]bool{}
	for _, r := range results {
		require.NoError(t, r.Err)
		ids[r.OnChainID] = true
	}
	assert.Len(t, ids, n)

	nonces := map[uint64]bool{}
	for _, tx := range backend.sent {
		nonces[tx.Nonce()] = true
	}
	assert.Len(t, nonces, n)
}

func TestLookupProposal(t *testing.T) {
	registrar, backend, _ := newTestRegistrar(t, config.ChainConfig{})

	state, _, err := registrar.LookupProposal(context.Background(), common.HexToHash("0x01").Hex())
	require.NoError(t, err)
	assert.Equal(t, ReceiptPending, state)

	result := registrar.CreateProposalOnChain(context.Background(), "0x1111111111111111111111111111111111111111", 1, "desc")
	require.True(t, result.Success)

	state, id, err := registrar.LookupProposal(context.Background(), result.TxHash)
	require.NoError(t, err)
	assert.Equal(t, ReceiptRegistered, state)
	assert.Equal(t, result.OnChainID, id)

	backend.reverted = true
	result = registrar.CreateProposalOnChain(context.Background(), "0x1111111111111111111111111111111111111111", 1, "desc")
	require.False(t, result.Success)

	state, _, err = registrar.LookupProposal(context.Background(), result.TxHash)
	require.NoError(t, err)
	assert.Equal(t, ReceiptFailed, state)
}
