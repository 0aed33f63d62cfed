// Package chain is the provider for live chain state and value transfers.
//
// Everything above this package works in ether (decimal.Decimal); wei and
// big.Int stay inside. Reads are retried and guarded by a per-method circuit
// breaker, and any read that still fails surfaces as ErrProviderUnavailable.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/mbd888/qshield/internal/circuitbreaker"
	"github.com/mbd888/qshield/internal/ether"
	"github.com/mbd888/qshield/internal/metrics"
	"github.com/mbd888/qshield/internal/retry"
	"github.com/mbd888/qshield/internal/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey   = errors.New("chain: invalid private key")
	ErrInvalidAddress      = errors.New("chain: invalid address")
	ErrProviderUnavailable = errors.New("chain: provider unavailable")
	ErrReadOnly            = errors.New("chain: no signing key configured")
	ErrSignerMismatch      = errors.New("chain: sender is not the configured signer")
	ErrRPCConnection       = errors.New("chain: RPC connection failed")
)

// TransferError wraps submission failures with context
type TransferError struct {
	Op     string // step that failed: nonce, gas_price, sign, send
	TxHash string // set once the transaction is signed
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient is the subset of *ethclient.Client the provider uses.
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Provider is everything the service needs from a chain. *Client implements it.
type Provider interface {
	BalanceAt(ctx context.Context, addr string) (decimal.Decimal, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockActivity(ctx context.Context, addr string, blocks int) (Activity, error)
	GasPrice(ctx context.Context) (decimal.Decimal, error)
	CodeAt(ctx context.Context, addr string) ([]byte, error)
	NetworkID(ctx context.Context) (int64, error)
	SendValue(ctx context.Context, from, to string, amount decimal.Decimal) (*TransferResult, error)
	Ping(ctx context.Context) error
	Address() string
	CanSign() bool
	ChainID() int64
	Close() error
}

var _ Provider = (*Client)(nil)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// TransferGasLimit is the intrinsic gas of a plain value transfer.
const TransferGasLimit = uint64(21000)

// Config for creating a provider
type Config struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x; empty = read-only
	ChainID    int64
}

// Option configures the provider
type Option func(*Client)

// WithClient sets a custom Ethereum client (used by tests)
func WithClient(client EthClient) Option {
	return func(c *Client) { c.eth = client }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithRetryPolicy replaces retry.ChainReads.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// TransferResult describes a submitted value transfer
type TransferResult struct {
	TxHash   string
	From     string
	To       string
	Amount   decimal.Decimal // ether
	Nonce    uint64
	GasPrice decimal.Decimal // gwei
}

// Client talks to one EVM chain over JSON-RPC.
type Client struct {
	eth        EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	signer     types.Signer
	breaker    *circuitbreaker.Breaker
	retry      retry.Policy
	logger     *slog.Logger
}

// New creates a provider. Without a private key the client is read-only and
// SendValue returns ErrReadOnly.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("chain: chain ID required")
	}

	c := &Client{
		chainID: big.NewInt(cfg.ChainID),
		signer:  types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		retry:   retry.ChainReads,
		logger:  slog.Default(),
	}

	if cfg.PrivateKey != "" {
		key := strings.TrimPrefix(cfg.PrivateKey, "0x")
		if len(key) != 64 {
			return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
		}
		pk, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey)
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(5, 15*time.Second)
	}

	if c.eth == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = client
	}

	return c, nil
}

// Address returns the signer address, or "" when read-only.
func (c *Client) Address() string {
	if c.privateKey == nil {
		return ""
	}
	return c.address.Hex()
}

// CanSign reports whether SendValue is available.
func (c *Client) CanSign() bool { return c.privateKey != nil }

// ChainID returns the chain ID transactions are signed for.
func (c *Client) ChainID() int64 { return c.chainID.Int64() }

// Close closes the RPC connection
func (c *Client) Close() error {
	if c.eth != nil {
		c.eth.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// read runs fn under retry and the breaker for method. Caller cancellation is
// returned as-is; every other failure becomes ErrProviderUnavailable.
func (c *Client) read(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := c.breaker.Execute(method, func() error {
		return c.retry.Do(ctx, func() error {
			err := fn(ctx)
			if err != nil && ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		})
	}, func(error) bool { return ctx.Err() != nil })
	metrics.ObserveProviderCall(method, start, err)

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.logger.Warn("chain read failed", "method", method, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, method, err)
}

func parseAddress(addr string) (common.Address, error) {
	if !validation.IsValidEthAddress(addr) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return common.HexToAddress(addr), nil
}

// BalanceAt returns the latest balance of addr in ether.
func (c *Client) BalanceAt(ctx context.Context, addr string) (decimal.Decimal, error) {
	account, err := parseAddress(addr)
	if err != nil {
		return decimal.Zero, err
	}
	var wei *big.Int
	err = c.read(ctx, "balance", func(ctx context.Context) error {
		var err error
		wei, err = c.eth.BalanceAt(ctx, account, nil)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return ether.FromWei(wei), nil
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.read(ctx, "block_number", func(ctx context.Context) error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	return n, err
}

// GasPrice returns the suggested gas price in gwei.
func (c *Client) GasPrice(ctx context.Context) (decimal.Decimal, error) {
	var wei *big.Int
	err := c.read(ctx, "gas_price", func(ctx context.Context) error {
		var err error
		wei, err = c.eth.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return ether.ToGwei(wei), nil
}

// CodeAt returns the deployed bytecode at addr (empty for externally owned accounts).
func (c *Client) CodeAt(ctx context.Context, addr string) ([]byte, error) {
	account, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	var code []byte
	err = c.read(ctx, "code", func(ctx context.Context) error {
		var err error
		code, err = c.eth.CodeAt(ctx, account, nil)
		return err
	})
	return code, err
}

// NetworkID returns the network identifier reported by the node.
func (c *Client) NetworkID(ctx context.Context) (int64, error) {
	var id *big.Int
	err := c.read(ctx, "network_id", func(ctx context.Context) error {
		var err error
		id, err = c.eth.NetworkID(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id.Int64(), nil
}

// Ping is a cheap liveness probe for health checks.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// -----------------------------------------------------------------------------
// Submission
// -----------------------------------------------------------------------------

// SendValue signs and submits a plain value transfer of amount ether from the
// configured signer to to. from must be the signer address. Submission is not
// retried: a failed send may still have reached the mempool.
func (c *Client) SendValue(ctx context.Context, from, to string, amount decimal.Decimal) (*TransferResult, error) {
	if c.privateKey == nil {
		return nil, ErrReadOnly
	}
	if !strings.EqualFold(from, c.address.Hex()) {
		return nil, fmt.Errorf("%w: %s", ErrSignerMismatch, from)
	}
	toAddr, err := parseAddress(to)
	if err != nil {
		return nil, err
	}
	value, err := ether.ToWei(amount)
	if err != nil {
		return nil, &TransferError{Op: "amount", Err: err}
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &toAddr, Value: value})
	if err != nil || gasLimit == 0 {
		gasLimit = TransferGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, c.signer, c.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
	}

	return &TransferResult{
		TxHash:   signed.Hash().Hex(),
		From:     c.address.Hex(),
		To:       toAddr.Hex(),
		Amount:   amount,
		Nonce:    nonce,
		GasPrice: ether.ToGwei(gasPrice),
	}, nil
}
