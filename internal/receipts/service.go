package receipts

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"time"
)

// Service issues attestations, choosing the signer by mode.
type Service struct {
	standard Signer
	quantum  Signer
	now      func() time.Time
}

// NewService creates a service from explicit signers. A nil signer disables
// that mode.
func NewService(standard, quantum Signer) *Service {
	return &Service{standard: standard, quantum: quantum, now: time.Now}
}

// NewServiceFromKey builds both signers from the wallet key. A nil key
// returns nil; Attest on a nil service returns ErrSigningDisabled.
func NewServiceFromKey(key *ecdsa.PrivateKey) (*Service, error) {
	if key == nil {
		return nil, nil
	}
	q, err := NewMLDSASigner(SeedFromKey(key))
	if err != nil {
		return nil, err
	}
	return NewService(NewECDSASigner(key), q), nil
}

func (s *Service) signerFor(mode Mode) (Signer, error) {
	switch mode {
	case ModeStandard:
		if s.standard == nil {
			return nil, ErrSigningDisabled
		}
		return s.standard, nil
	case ModeQuantum:
		if s.quantum == nil {
			return nil, ErrSigningDisabled
		}
		return s.quantum, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// Attest signs p with the signer for p.Mode.
func (s *Service) Attest(_ context.Context, p Payload) (*Attestation, error) {
	if s == nil {
		return nil, ErrSigningDisabled
	}
	signer, err := s.signerFor(p.Mode)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(p.Bytes())
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to sign: %w", err)
	}
	return &Attestation{
		Scheme:      signer.Scheme(),
		PublicKey:   hex.EncodeToString(signer.PublicKey()),
		Signature:   hex.EncodeToString(sig),
		PayloadHash: p.Hash(),
		IssuedAt:    s.now().UTC(),
	}, nil
}

// signerForScheme returns the signer that issues attestations under sch.
func (s *Service) signerForScheme(sch Scheme) Signer {
	switch {
	case s.standard != nil && s.standard.Scheme() == sch:
		return s.standard
	case s.quantum != nil && s.quantum.Scheme() == sch:
		return s.quantum
	}
	return nil
}

// Verify checks that att was issued by this service for p: the public key
// must be one of the service's own before the signature is checked.
func (s *Service) Verify(p Payload, att *Attestation) error {
	if s == nil {
		return ErrSigningDisabled
	}
	if att == nil {
		return ErrBadAttestation
	}
	signer := s.signerForScheme(att.Scheme)
	if signer == nil {
		return fmt.Errorf("%w: no %s key", ErrUntrustedKey, att.Scheme)
	}
	pub, err := hex.DecodeString(att.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: public key: %v", ErrBadAttestation, err)
	}
	if !bytes.Equal(pub, signer.PublicKey()) {
		return ErrUntrustedKey
	}
	return Verify(p, att)
}

// Check verifies att against p and reports the outcome without an error
// return, for API responses.
func (s *Service) Check(p Payload, att *Attestation) *VerifyResponse {
	if err := s.Verify(p, att); err != nil {
		resp := &VerifyResponse{Valid: false, Error: err.Error()}
		if att != nil {
			resp.Scheme = att.Scheme
		}
		return resp
	}
	return &VerifyResponse{Valid: true, Scheme: att.Scheme}
}
