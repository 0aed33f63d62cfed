package receipts

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces detached signatures under one scheme.
type Signer interface {
	Scheme() Scheme
	PublicKey() []byte
	Sign(msg []byte) ([]byte, error)
}

// -----------------------------------------------------------------------------
// secp256k1
// -----------------------------------------------------------------------------

// ECDSASigner signs keccak256(msg) with a secp256k1 key.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

// NewECDSASigner wraps key.
func NewECDSASigner(key *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key}
}

func (s *ECDSASigner) Scheme() Scheme { return SchemeSecp256k1 }

// PublicKey returns the uncompressed public key.
func (s *ECDSASigner) PublicKey() []byte { return crypto.FromECDSAPub(&s.key.PublicKey) }

// Sign returns a 65-byte [R || S || V] signature.
func (s *ECDSASigner) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(msg), s.key)
}

func verifySecp256k1(pub, msg, sig []byte) bool {
	if len(sig) == crypto.SignatureLength {
		sig = sig[:64]
	}
	return crypto.VerifySignature(pub, crypto.Keccak256(msg), sig)
}

// -----------------------------------------------------------------------------
// ML-DSA-65
// -----------------------------------------------------------------------------

// MLDSASigner signs with an ML-DSA-65 (FIPS 204) key.
type MLDSASigner struct {
	scheme sign.Scheme
	pub    []byte
	key    sign.PrivateKey
}

func mldsa() sign.Scheme { return schemes.ByName(string(SchemeMLDSA65)) }

// NewMLDSASigner derives a deterministic ML-DSA-65 key from seed, which must
// be the scheme's seed size (32 bytes).
func NewMLDSASigner(seed []byte) (*MLDSASigner, error) {
	sch := mldsa()
	if sch == nil {
		return nil, fmt.Errorf("receipts: %s not available", SchemeMLDSA65)
	}
	if len(seed) != sch.SeedSize() {
		return nil, fmt.Errorf("receipts: ML-DSA seed must be %d bytes, got %d", sch.SeedSize(), len(seed))
	}
	pk, sk := sch.DeriveKey(seed)
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("receipts: marshal public key: %w", err)
	}
	return &MLDSASigner{scheme: sch, pub: pub, key: sk}, nil
}

// SeedFromKey derives the ML-DSA seed from the wallet key so both signers
// are recoverable from one secret.
func SeedFromKey(key *ecdsa.PrivateKey) []byte {
	h := sha256.New()
	h.Write([]byte("qshield/ml-dsa-65/v1"))
	h.Write(crypto.FromECDSA(key))
	return h.Sum(nil)
}

func (s *MLDSASigner) Scheme() Scheme { return SchemeMLDSA65 }

func (s *MLDSASigner) PublicKey() []byte { return append([]byte(nil), s.pub...) }

func (s *MLDSASigner) Sign(msg []byte) ([]byte, error) {
	return s.scheme.Sign(s.key, msg, nil), nil
}

func verifyMLDSA(pub, msg, sig []byte) bool {
	sch := mldsa()
	if sch == nil {
		return false
	}
	pk, err := sch.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return false
	}
	return sch.Verify(pk, msg, sig, nil)
}

// Verify checks att against p under the public key the attestation carries.
// It proves integrity only; Service.Verify also pins the key.
func Verify(p Payload, att *Attestation) error {
	if att == nil {
		return ErrBadAttestation
	}
	if att.PayloadHash != p.Hash() {
		return fmt.Errorf("%w: payload hash mismatch", ErrBadAttestation)
	}
	pub, err := hex.DecodeString(att.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrBadAttestation, err)
	}
	sig, err := hex.DecodeString(att.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrBadAttestation, err)
	}

	var ok bool
	switch att.Scheme {
	case SchemeSecp256k1:
		ok = verifySecp256k1(pub, p.Bytes(), sig)
	case SchemeMLDSA65:
		ok = verifyMLDSA(pub, p.Bytes(), sig)
	default:
		return fmt.Errorf("%w: unknown scheme %q", ErrBadAttestation, att.Scheme)
	}
	if !ok {
		return fmt.Errorf("%w: signature verification failed", ErrBadAttestation)
	}
	return nil
}
