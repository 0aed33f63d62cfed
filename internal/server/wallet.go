package server

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/qshield/internal/ether"
	"github.com/mbd888/qshield/internal/events"
	"github.com/mbd888/qshield/internal/logging"
	"github.com/mbd888/qshield/internal/metrics"
	"github.com/mbd888/qshield/internal/recommend"
	"github.com/mbd888/qshield/internal/risk"
	"github.com/mbd888/qshield/internal/validation"
)

// ConnectRequest optionally names the wallet to inspect. Empty means the
// configured signer.
type ConnectRequest struct {
	Address string `json:"address"`
}

// ContractRequest carries contract source, or an address whose deployed
// bytecode is fetched.
type ContractRequest struct {
	Code    string `json:"code"`
	Address string `json:"address"`
}

// connectHandler handles POST /v1/wallet/connect
func (s *Server) connectHandler(c *gin.Context) {
	var req ConnectRequest
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	address := strings.TrimSpace(req.Address)
	if address == "" {
		address = s.chain.Address()
	}
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "address_required",
			"message": "No signing wallet is configured; pass an address to inspect",
		})
		return
	}
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   string(validation.ReasonInvalidAddress),
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	ctx := c.Request.Context()
	networkID, err := s.chain.NetworkID(ctx)
	if err != nil {
		s.providerError(c, "network id", err)
		return
	}
	balance, err := s.chain.BalanceAt(ctx, address)
	if err != nil {
		s.providerError(c, "balance", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":   address,
		"chainId":   s.chain.ChainID(),
		"networkId": networkID,
		"balance":   ether.Format(balance),
		"canSign":   s.chain.CanSign() && strings.EqualFold(address, s.chain.Address()),
	})
}

// balanceHandler handles GET /v1/wallets/:address/balance
func (s *Server) balanceHandler(c *gin.Context) {
	address := c.Param("address")
	balance, err := s.chain.BalanceAt(c.Request.Context(), address)
	if err != nil {
		s.providerError(c, "balance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"balance": ether.Format(balance),
		"unit":    "ETH",
	})
}

// networkHandler handles GET /v1/network
func (s *Server) networkHandler(c *gin.Context) {
	ctx := c.Request.Context()
	networkID, err := s.chain.NetworkID(ctx)
	if err != nil {
		s.providerError(c, "network id", err)
		return
	}
	block, err := s.chain.BlockNumber(ctx)
	if err != nil {
		s.providerError(c, "block number", err)
		return
	}
	gas, err := s.chain.GasPrice(ctx)
	if err != nil {
		s.providerError(c, "gas price", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"chainId":           s.chain.ChainID(),
		"networkId":         networkID,
		"blockNumber":       block,
		"gasPriceGwei":      gas.String(),
		"expectedNetworkId": s.cfg.ExpectedChainID,
		"matchesExpected":   s.cfg.ExpectedChainID == 0 || networkID == s.cfg.ExpectedChainID,
	})
}

// analyzeContractHandler handles POST /v1/analysis/contracts
func (s *Server) analyzeContractHandler(c *gin.Context) {
	var req ContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	ctx := c.Request.Context()

	address := strings.TrimSpace(req.Address)
	text := req.Code
	source := "code"
	switch {
	case strings.TrimSpace(text) != "":
		if address != "" && !validation.IsValidEthAddress(address) {
			address = ""
		}
	case address != "":
		if !validation.IsValidEthAddress(address) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   string(validation.ReasonInvalidAddress),
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		code, err := s.chain.CodeAt(ctx, address)
		if err != nil {
			s.providerError(c, "code", err)
			return
		}
		if len(code) == 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "not_a_contract",
				"message": "No contract is deployed at this address",
			})
			return
		}
		text = hexutil.Encode(code)
		source = "bytecode"
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Provide contract code or a contract address",
		})
		return
	}

	if len(text) > validation.MaxCodeLength {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "code_too_large",
			"message": "Contract code exceeds the maximum analyzable length",
		})
		return
	}

	// Only code read from the chain is attributed to the address; submitted
	// source could be anything.
	subject := ""
	if source == "bytecode" {
		subject = address
	}
	score := s.classifier.ClassifyText(ctx, subject, text)
	recs := recommend.ForContract(score)
	metrics.AnalysesTotal.WithLabelValues("contract", "dry_run", contractOutcome(score)).Inc()
	events.Emit(ctx, s.sinks, s.logger, events.New(events.TypeContractAnalyzed, subject, gin.H{
		"fraudulent": score.Fraudulent,
		"confidence": score.Confidence,
		"source":     source,
	}))

	c.JSON(http.StatusOK, gin.H{
		"address":         address,
		"source":          source,
		"fraudAnalysis":   score,
		"recommendations": recs,
	})
}

func contractOutcome(s risk.Score) string {
	switch {
	case !s.Loaded:
		return "not_loaded"
	case s.Fraudulent:
		return "fraudulent"
	default:
		return "secure"
	}
}

// providerError logs a chain read failure and answers 503.
func (s *Server) providerError(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Warn("chain read failed", "op", op, "error", err)
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "provider_unavailable",
		"message": "Chain provider is unavailable (" + op + ")",
	})
}
