// QShield MCP Server - Exposes wallet risk analysis as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/qshield/internal/mcpserver"
	"github.com/mbd888/qshield/internal/validation"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:        envOrDefault("QSHIELD_API_URL", "http://localhost:8080"),
		APIKey:        os.Getenv("QSHIELD_API_KEY"),
		WalletAddress: os.Getenv("QSHIELD_WALLET_ADDRESS"),
	}

	if cfg.WalletAddress != "" && !validation.IsValidEthAddress(cfg.WalletAddress) {
		fmt.Fprintln(os.Stderr, "QSHIELD_WALLET_ADDRESS must be a valid Ethereum address")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
