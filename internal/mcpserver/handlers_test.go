package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wallet = "0x1111111111111111111111111111111111111111"

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewClient(Config{APIURL: ts.URL, WalletAddress: wallet}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, APIKey: "secret123", WalletAddress: wallet}).GetNetwork(context.Background())
	require.NoError(t, err)
	_, err = NewClient(Config{APIURL: ts.URL}).GetNetwork(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer secret123", ""}, gotAuth)
}

func TestClient_HTTPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"api message", http.StatusServiceUnavailable, `{"error":"provider_unavailable","message":"Chain provider is unavailable (balance)"}`, "Chain provider is unavailable (balance)"},
		{"non-json", http.StatusBadGateway, "upstream timeout", "upstream timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, err := NewClient(Config{APIURL: ts.URL, WalletAddress: wallet}).GetBalance(context.Background(), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1", WalletAddress: wallet})
	_, err := client.GetBalance(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DefaultsToConfiguredWallet(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RequestURI())
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL, WalletAddress: wallet})
	ctx := context.Background()
	_, _ = c.GetBalance(ctx, "")
	_, _ = c.GetHistory(ctx, "", 5, "abc")
	_, _ = c.GetDashboard(ctx, "0xother")

	assert.Equal(t, []string{
		"/v1/wallets/" + wallet + "/balance",
		"/v1/wallets/" + wallet + "/transactions?cursor=abc&limit=5",
		"/v1/security/0xother",
	}, paths)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleAnalyzeTransaction(t *testing.T) {
	var got map[string]string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/analysis/transactions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		writeJSON(w, http.StatusOK, map[string]any{
			"state":  "rejected",
			"reason": "balance_ratio",
			"suspicion": map[string]any{
				"suspicious": true, "reason": "balance_ratio", "severity": "critical",
			},
			"recommendations": []any{},
		})
	}))

	result, err := h.HandleAnalyzeTransaction(context.Background(), makeRequest(map[string]any{
		"recipient": "0x2222222222222222222222222222222222222222",
		"amount":    "3",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "REJECTED: balance_ratio")
	assert.Contains(t, text, "Suspicious activity: balance_ratio (critical)")
	assert.Equal(t, wallet, got["sender"])
	assert.Equal(t, "3", got["amount"])
}

func TestHandleAnalyzeTransaction_Scored(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"state":         "risk_scored",
			"suspicion":     map[string]any{"suspicious": false, "degraded": true, "undetermined": []string{"gas_price"}},
			"fraudAnalysis": map[string]any{"fraudulent": true, "confidence": 0.95, "status": "Vulnerable (Fraudulent)", "loaded": true},
			"recommendations": []any{
				map[string]any{"type": "high_risk", "message": "High confidence of fraud detected.", "action": "Do not proceed"},
			},
			"warnings": []string{"provider_unavailable", "fraudulent"},
		})
	}))

	result, err := h.HandleAnalyzeTransaction(context.Background(), makeRequest(map[string]any{
		"recipient": "0x2222222222222222222222222222222222222222",
		"amount":    "1",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Passed all checks.")
	assert.Contains(t, text, "could not evaluate: gas_price")
	assert.Contains(t, text, "Vulnerable (Fraudulent) (confidence 95%)")
	assert.Contains(t, text, "[high_risk]")
	assert.Contains(t, text, "Warnings: provider_unavailable, fraudulent")
}

func TestHandleAnalyzeTransaction_MissingArgs(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called")
	}))

	tests := []map[string]any{
		{"recipient": "0x2222222222222222222222222222222222222222"},
		{"amount": "1"},
		{"amount": "1", "type": "send"},
	}
	for _, args := range tests {
		result, err := h.HandleAnalyzeTransaction(context.Background(), makeRequest(args))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	}
}

func TestHandleAnalyzeContract(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"address":         "",
			"source":          "code",
			"fraudAnalysis":   map[string]any{"fraudulent": false, "confidence": 0.5, "status": "Model not loaded", "loaded": false},
			"recommendations": nil,
		})
	}))

	result, err := h.HandleAnalyzeContract(context.Background(), makeRequest(map[string]any{"code": "contract A {}"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "not loaded, score is neutral")

	result, err = h.HandleAnalyzeContract(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleCheckBalance(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"address": wallet, "balance": "1.2500", "unit": "ETH"})
	}))

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Balance of "+wallet+": 1.2500 ETH", resultText(t, result))
}

func TestHandleTransactionHistory(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") == "1" {
			writeJSON(w, http.StatusOK, map[string]any{"transactions": []any{}, "count": 0})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"transactions": []any{map[string]any{
				"id": "tx_1", "hash": "0xabc", "type": "send", "amount": "0.5",
				"recipient": "0x2222", "security": "quantum",
				"fraudAnalysis": map[string]any{"status": "Secure"},
			}},
			"count":      1,
			"nextCursor": "c1",
		})
	}))

	result, err := h.HandleTransactionHistory(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "1. send 0.5 ETH to 0x2222")
	assert.Contains(t, text, "cursor: c1")
	assert.Contains(t, text, "Security: quantum")
	assert.Contains(t, text, "Analysis: Secure")

	result, err = h.HandleTransactionHistory(context.Background(), makeRequest(map[string]any{"limit": float64(1)}))
	require.NoError(t, err)
	assert.Equal(t, "No transactions recorded.", resultText(t, result))
}

func TestHandleSecurityDashboard(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"address": wallet, "securityScore": 70, "rating": "fair",
			"quantumStatus": "Protected", "transactions": 3,
			"alerts": []any{map[string]any{"severity": "high", "message": "Unusual transaction pattern detected"}},
		})
	}))

	result, err := h.HandleSecurityDashboard(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Score: 70/100 (fair)")
	assert.Contains(t, text, "Quantum: Protected")
	assert.Contains(t, text, "[high] Unusual transaction pattern detected")
}

func TestHandleVerifyAttestation(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req["entryId"] {
		case "tx_good":
			writeJSON(w, http.StatusOK, map[string]any{"verification": map[string]any{"valid": true, "scheme": "ML-DSA-65"}})
		case "tx_bad":
			writeJSON(w, http.StatusOK, map[string]any{"verification": map[string]any{"valid": false, "error": "payload hash mismatch"}})
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "Transaction not found"})
		}
	}))

	tests := []struct {
		id      string
		want    string
		isError bool
	}{
		{"tx_good", "is valid (ML-DSA-65)", false},
		{"tx_bad", "INVALID: payload hash mismatch", false},
		{"tx_missing", "Transaction not found", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			result, err := h.HandleVerifyAttestation(context.Background(), makeRequest(map[string]any{"entry_id": tt.id}))
			require.NoError(t, err)
			assert.Equal(t, tt.isError, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleNetworkStatus(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"chainId": 11155111, "matchesExpected": true})
	}))

	result, err := h.HandleNetworkStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"matchesExpected": true`)
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", WalletAddress: wallet})
	require.NotNil(t, s)
}
