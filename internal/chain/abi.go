package chain

// FundingABI 资助合约ABI（仅包含服务端用到的部分）
const FundingABI = `[
	{
		"type": "function",
		"name": "createProposal",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "applicant", "type": "address"},
			{"name": "description", "type": "bytes"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": []
	},
	{
		"type": "event",
		"name": "ProposalCreated",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "proposal_id", "type": "uint256"},
			{"indexed": true, "name": "applicant", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"}
		]
	},
	{
		"type": "event",
		"name": "ProposalTallied",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "proposal_id", "type": "uint256"},
			{"indexed": false, "name": "passed", "type": "bool"}
		]
	}
]`

const (
	MethodCreateProposal = "createProposal"
	EventProposalCreated = "ProposalCreated"
	EventProposalTallied = "ProposalTallied"

	// FieldProposalID 事件中的提案编号字段
	FieldProposalID = "proposal_id"
)
