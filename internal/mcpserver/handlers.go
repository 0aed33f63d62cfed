package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleAnalyzeTransaction runs a dry-run analysis.
func (h *Handlers) HandleAnalyzeTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	txType := req.GetString("type", "")
	recipient := req.GetString("recipient", "")
	if recipient == "" && txType != "deposit" {
		return mcp.NewToolResultError("recipient is required for sends"), nil
	}

	raw, err := h.client.AnalyzeTransaction(ctx, req.GetString("sender", ""), recipient, amount, txType)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze transaction: %v", err)), nil
	}

	text, err := formatOutcome(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analysis: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleAnalyzeContract scores contract code.
func (h *Handlers) HandleAnalyzeContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code := req.GetString("code", "")
	address := req.GetString("address", "")
	if code == "" && address == "" {
		return mcp.NewToolResultError("code or address is required"), nil
	}

	raw, err := h.client.AnalyzeContract(ctx, code, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze contract: %v", err)), nil
	}

	text, err := formatContract(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analysis: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns a wallet's ETH balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx, req.GetString("address", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Balance of %s: %s ETH",
		getString(m, "address"), getString(m, "balance"))), nil
}

// HandleTransactionHistory lists recorded transactions.
func (h *Handlers) HandleTransactionHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetHistory(ctx, req.GetString("address", ""), limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleSecurityDashboard returns the wallet's security report.
func (h *Handlers) HandleSecurityDashboard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetDashboard(ctx, req.GetString("address", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dashboard: %v", err)), nil
	}

	text, err := formatDashboard(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dashboard: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleVerifyAttestation verifies a history entry's signature.
func (h *Handlers) HandleVerifyAttestation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entryID := req.GetString("entry_id", "")
	if entryID == "" {
		return mcp.NewToolResultError("entry_id is required"), nil
	}

	raw, err := h.client.VerifyAttestation(ctx, entryID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}

	var resp struct {
		Verification struct {
			Valid  bool   `json:"valid"`
			Scheme string `json:"scheme"`
			Error  string `json:"error"`
		} `json:"verification"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verification: %v", err)), nil
	}

	v := resp.Verification
	if !v.Valid {
		msg := v.Error
		if msg == "" {
			msg = "signature does not match"
		}
		return mcp.NewToolResultText(fmt.Sprintf("Attestation for %s is INVALID: %s", entryID, msg)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Attestation for %s is valid (%s).", entryID, v.Scheme)), nil
}

// HandleNetworkStatus returns the chain status.
func (h *Handlers) HandleNetworkStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetNetwork(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get network status: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

type fraudAnalysis struct {
	Fraudulent bool    `json:"fraudulent"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
	Loaded     bool    `json:"loaded"`
}

type recommendation struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

type outcome struct {
	State     string `json:"state"`
	Reason    string `json:"reason"`
	Suspicion *struct {
		Suspicious   bool     `json:"suspicious"`
		Reason       string   `json:"reason"`
		Severity     string   `json:"severity"`
		Degraded     bool     `json:"degraded"`
		Undetermined []string `json:"undetermined"`
	} `json:"suspicion"`
	FraudAnalysis   *fraudAnalysis   `json:"fraudAnalysis"`
	Recommendations []recommendation `json:"recommendations"`
	Warnings        []string         `json:"warnings"`
}

func formatOutcome(raw json.RawMessage) (string, error) {
	var o outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return "", err
	}

	var sb strings.Builder
	if o.State == "rejected" {
		fmt.Fprintf(&sb, "REJECTED: %s\n", o.Reason)
	} else {
		sb.WriteString("Passed all checks.\n")
	}

	if s := o.Suspicion; s != nil {
		switch {
		case s.Suspicious:
			fmt.Fprintf(&sb, "Suspicious activity: %s (%s)\n", s.Reason, s.Severity)
		case s.Degraded:
			fmt.Fprintf(&sb, "Suspicion checks incomplete, could not evaluate: %s\n", strings.Join(s.Undetermined, ", "))
		default:
			sb.WriteString("Suspicion checks: clear\n")
		}
	}
	writeFraudAnalysis(&sb, o.FraudAnalysis)
	writeRecommendations(&sb, o.Recommendations)
	if len(o.Warnings) > 0 {
		fmt.Fprintf(&sb, "Warnings: %s\n", strings.Join(o.Warnings, ", "))
	}
	return sb.String(), nil
}

func formatContract(raw json.RawMessage) (string, error) {
	var resp struct {
		Address         string           `json:"address"`
		Source          string           `json:"source"`
		FraudAnalysis   *fraudAnalysis   `json:"fraudAnalysis"`
		Recommendations []recommendation `json:"recommendations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	if resp.Address != "" {
		fmt.Fprintf(&sb, "Contract: %s (%s)\n", resp.Address, resp.Source)
	}
	writeFraudAnalysis(&sb, resp.FraudAnalysis)
	writeRecommendations(&sb, resp.Recommendations)
	return sb.String(), nil
}

func writeFraudAnalysis(sb *strings.Builder, fa *fraudAnalysis) {
	if fa == nil {
		return
	}
	if !fa.Loaded {
		sb.WriteString("Fraud model: not loaded, score is neutral\n")
		return
	}
	fmt.Fprintf(sb, "Fraud analysis: %s (confidence %.0f%%)\n", fa.Status, fa.Confidence*100)
}

func writeRecommendations(sb *strings.Builder, recs []recommendation) {
	if len(recs) == 0 {
		return
	}
	sb.WriteString("Recommendations:\n")
	for _, r := range recs {
		fmt.Fprintf(sb, "  [%s] %s %s\n", r.Type, r.Message, r.Action)
	}
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Address      string           `json:"address"`
		Transactions []map[string]any `json:"transactions"`
		NextCursor   string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Transactions) == 0 {
		return "No transactions recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d transaction(s):\n\n", len(resp.Transactions))
	for i, tx := range resp.Transactions {
		fmt.Fprintf(&sb, "%d. %s %s ETH to %s\n", i+1,
			getString(tx, "type"), getString(tx, "amount"), getString(tx, "recipient"))
		fmt.Fprintf(&sb, "   Hash: %s | Security: %s | ID: %s\n",
			getString(tx, "hash"), getString(tx, "security"), getString(tx, "id"))
		if fa, ok := tx["fraudAnalysis"].(map[string]any); ok {
			if v := getString(fa, "status"); v != "" {
				fmt.Fprintf(&sb, "   Analysis: %s\n", v)
			}
		}
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore available. Call again with cursor: %s\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatDashboard(raw json.RawMessage) (string, error) {
	var resp struct {
		Address       string `json:"address"`
		Score         int    `json:"securityScore"`
		Rating        string `json:"rating"`
		QuantumStatus string `json:"quantumStatus"`
		Transactions  int    `json:"transactions"`
		Alerts        []struct {
			Severity string `json:"severity"`
			Message  string `json:"message"`
		} `json:"alerts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Security report for %s:\n", resp.Address)
	fmt.Fprintf(&sb, "  Score: %d/100 (%s)\n", resp.Score, resp.Rating)
	fmt.Fprintf(&sb, "  Quantum: %s\n", resp.QuantumStatus)
	fmt.Fprintf(&sb, "  Transactions: %d\n", resp.Transactions)
	if len(resp.Alerts) == 0 {
		sb.WriteString("  No alerts.\n")
		return sb.String(), nil
	}
	sb.WriteString("  Alerts:\n")
	for _, a := range resp.Alerts {
		fmt.Fprintf(&sb, "    [%s] %s\n", a.Severity, a.Message)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
