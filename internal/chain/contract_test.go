package chain

import (
	"math/big"
	"testing"

	"github.com/blues/aidefund/internal/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fundingAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newFundingContract(t *testing.T) *Contract {
	t.Helper()
	c, err := NewContract("funding", config.ContractConfig{
		Address: fundingAddr.Hex(),
		Enabled: true,
	}, config.ChainConfig{ChainId: 1337})
	require.NoError(t, err)
	return c
}

func createdLog(t *testing.T, c *Contract, addr common.Address, id int64, applicant common.Address, amount *big.Int) *types.Log {
	t.Helper()
	event := c.GetABI().Events[EventProposalCreated]
	data, err := event.Inputs.NonIndexed().Pack(amount)
	require.NoError(t, err)
	return &types.Log{
		Address: addr,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(id)),
			common.BytesToHash(applicant.Bytes()),
		},
		Data:  data,
		Index: 3,
	}
}

func TestParseEvent_ProposalCreated(t *testing.T) {
	c := newFundingContract(t)
	applicant := common.HexToAddress("0x1111111111111111111111111111111111111111")
	l := createdLog(t, c, fundingAddr, 7, applicant, big.NewInt(500000000))

	data, err := c.ParseEvent(*l)
	require.NoError(t, err)

	assert.Equal(t, EventProposalCreated, data["eventName"])
	assert.Equal(t, applicant, data["applicant"])
	assert.Equal(t, 0, big.NewInt(500000000).Cmp(data["amount"].(*big.Int)))

	id, err := ProposalID(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
}

func TestParseEvent_ProposalTallied(t *testing.T) {
	c := newFundingContract(t)
	event := c.GetABI().Events[EventProposalTallied]
	data, err := event.Inputs.NonIndexed().Pack(true)
	require.NoError(t, err)

	parsed, err := c.ParseEvent(types.Log{
		Address: fundingAddr,
		Topics:  []common.Hash{event.ID, common.BigToHash(big.NewInt(12))},
		Data:    data,
	})
	require.NoError(t, err)

	assert.Equal(t, EventProposalTallied, parsed["eventName"])
	assert.Equal(t, true, parsed["passed"])
	id, err := ProposalID(parsed)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), id)
}

func TestParseEvent_UnknownSignature(t *testing.T) {
	c := newFundingContract(t)
	parsed, err := c.ParseEvent(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	require.NoError(t, err)
	assert.Equal(t, "Unknown", parsed["eventName"])
}

func TestFindEvent_IgnoresOtherContracts(t *testing.T) {
	c := newFundingContract(t)
	applicant := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	_, found, err := c.FindEvent([]*types.Log{createdLog(t, c, other, 1, applicant, big.NewInt(1))}, EventProposalCreated)
	require.NoError(t, err)
	assert.False(t, found)

	data, found, err := c.FindEvent([]*types.Log{
		createdLog(t, c, other, 1, applicant, big.NewInt(1)),
		createdLog(t, c, fundingAddr, 2, applicant, big.NewInt(1)),
	}, EventProposalCreated)
	require.NoError(t, err)
	require.True(t, found)
	id, err := ProposalID(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)
}

func TestParseABI_CompiledOutput(t *testing.T) {
	parsed, err := ParseABI([]byte(`{"contractName":"Funding","abi":` + FundingABI + `}`))
	require.NoError(t, err)
	assert.Contains(t, parsed.Methods, MethodCreateProposal)
}

func TestNewContract_InvalidAddress(t *testing.T) {
	_, err := NewContract("funding", config.ContractConfig{Address: "not-an-address"}, config.ChainConfig{})
	assert.Error(t, err)
}

func TestProposalID_Errors(t *testing.T) {
	_, err := ProposalID(map[string]interface{}{})
	assert.Error(t, err)

	_, err = ProposalID(map[string]interface{}{FieldProposalID: "7"})
	assert.Error(t, err)

	tooBig := new(big.Int).Lsh(big.NewInt(1), 70)
	_, err = ProposalID(map[string]interface{}{FieldProposalID: tooBig})
	assert.Error(t, err)
}

func TestContractStatus(t *testing.T) {
	c := newFundingContract(t)
	status := contractStatus(map[string]*Contract{"funding": c})

	funding, ok := status["funding"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, fundingAddr.Hex(), funding["address"])
	assert.Equal(t, int64(1337), funding["chain_id"])
	assert.Equal(t, int64(0), funding["block_num"])
}
