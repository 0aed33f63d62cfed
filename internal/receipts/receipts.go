// Package receipts signs attestations for completed transfers.
//
// Every history entry carries an attestation over its canonical payload. In
// standard mode it is a secp256k1 signature by the wallet key; in quantum
// mode it is an ML-DSA-65 signature. The on-chain transaction itself is always
// secp256k1-signed: the mode only selects how the history record is attested.
package receipts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownMode     = errors.New("receipts: unknown security mode")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no key configured)")
	ErrBadAttestation  = errors.New("receipts: malformed attestation")
	ErrNotFound        = errors.New("receipts: not found")
	ErrUntrustedKey    = errors.New("receipts: attestation not signed by this service")
)

// Mode is the security mode a user chose for a transfer.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeQuantum  Mode = "quantum"
)

// ParseMode parses a mode; empty means standard.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeStandard:
		return ModeStandard, nil
	case ModeQuantum:
		return ModeQuantum, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Scheme names a signature algorithm.
type Scheme string

const (
	SchemeSecp256k1 Scheme = "secp256k1"
	SchemeMLDSA65   Scheme = "ML-DSA-65"
)

// Payload is the attested content of a history entry.
type Payload struct {
	TxHash     string
	Sender     string
	Recipient  string
	Amount     decimal.Decimal
	Kind       string
	Mode       Mode
	Confidence float64
}

// canonicalPayload is the signed byte layout. Field order is fixed by the
// struct; addresses are lowercased and numbers rendered as fixed strings.
type canonicalPayload struct {
	Amount     string `json:"amount"`
	Confidence string `json:"confidence"`
	Kind       string `json:"kind"`
	Mode       string `json:"mode"`
	Recipient  string `json:"recipient"`
	Sender     string `json:"sender"`
	TxHash     string `json:"txHash"`
}

// Bytes returns the canonical encoding that is signed.
func (p Payload) Bytes() []byte {
	data, _ := json.Marshal(canonicalPayload{
		Amount:     p.Amount.String(),
		Confidence: fmt.Sprintf("%.4f", p.Confidence),
		Kind:       p.Kind,
		Mode:       string(p.Mode),
		Recipient:  strings.ToLower(p.Recipient),
		Sender:     strings.ToLower(p.Sender),
		TxHash:     strings.ToLower(p.TxHash),
	})
	return data
}

// Hash returns the hex SHA-256 of Bytes.
func (p Payload) Hash() string {
	sum := sha256.Sum256(p.Bytes())
	return hex.EncodeToString(sum[:])
}

// Attestation is a detached signature over a Payload.
type Attestation struct {
	Scheme      Scheme    `json:"scheme"`
	PublicKey   string    `json:"publicKey"` // hex
	Signature   string    `json:"signature"` // hex
	PayloadHash string    `json:"payloadHash"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// VerifyResponse is the result of attestation verification.
type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	Scheme Scheme `json:"scheme,omitempty"`
	Error  string `json:"error,omitempty"`
}
