package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the QShield MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAnalyzeTransaction = mcp.NewTool("analyze_transaction",
	mcp.WithDescription(
		"Check a prospective Ethereum transaction before sending it. "+
			"Validates the addresses and amount, runs the suspicious-activity checks "+
			"against live chain state, and scores the transaction with the fraud model. "+
			"Nothing is sent."),
	mcp.WithString("recipient",
		mcp.Description("Recipient address (e.g. '0x1234...'). Required for sends.")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in ETH (e.g. '0.25')")),
	mcp.WithString("sender",
		mcp.Description("Sender address. Defaults to the configured wallet.")),
	mcp.WithString("type",
		mcp.Description("Transaction type"),
		mcp.Enum("send", "deposit")),
)

var ToolAnalyzeContract = mcp.NewTool("analyze_contract",
	mcp.WithDescription(
		"Score smart contract code for vulnerability patterns. "+
			"Pass Solidity source, or the address of a deployed contract to score its bytecode."),
	mcp.WithString("code",
		mcp.Description("Contract source code")),
	mcp.WithString("address",
		mcp.Description("Address of a deployed contract, used when code is omitted")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check the ETH balance of a wallet on the connected network."),
	mcp.WithString("address",
		mcp.Description("Wallet address. Defaults to the configured wallet.")),
)

var ToolTransactionHistory = mcp.NewTool("transaction_history",
	mcp.WithDescription(
		"List transactions previously submitted from a wallet through QShield, newest first, "+
			"with their fraud analysis and security mode."),
	mcp.WithString("address",
		mcp.Description("Wallet address. Defaults to the configured wallet.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("nextCursor from a previous call, to fetch the following page")),
)

var ToolSecurityDashboard = mcp.NewTool("security_dashboard",
	mcp.WithDescription(
		"Get a wallet's security score (0-100), rating, quantum protection status and recent alerts."),
	mcp.WithString("address",
		mcp.Description("Wallet address. Defaults to the configured wallet.")),
)

var ToolVerifyAttestation = mcp.NewTool("verify_attestation",
	mcp.WithDescription(
		"Verify the signature QShield recorded for a submitted transaction. "+
			"Quantum-mode transactions are signed with ML-DSA-65."),
	mcp.WithString("entry_id",
		mcp.Required(),
		mcp.Description("History entry ID (e.g. 'tx_...')")),
)

var ToolNetworkStatus = mcp.NewTool("network_status",
	mcp.WithDescription(
		"Get the connected network's chain ID, latest block, gas price in gwei, "+
			"and whether it matches the expected network."),
)
