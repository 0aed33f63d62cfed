package receipts

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSender    = "0x1111111111111111111111111111111111111111"
	testRecipient = "0x2222222222222222222222222222222222222222"
)

func testPayload(mode Mode) Payload {
	return Payload{
		TxHash:     "0xABCDEF",
		Sender:     testSender,
		Recipient:  testRecipient,
		Amount:     decimal.RequireFromString("0.25"),
		Kind:       "send",
		Mode:       mode,
		Confidence: 0.12,
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	svc, err := NewServiceFromKey(key)
	require.NoError(t, err)
	return svc
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeStandard, "standard": ModeStandard, " Quantum ": ModeQuantum} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("post-quantum")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestPayload_Canonical(t *testing.T) {
	a := testPayload(ModeStandard)
	b := a
	b.Sender = "0X1111111111111111111111111111111111111111"
	b.TxHash = "0xabcdef"
	b.Amount = decimal.RequireFromString("0.250")
	assert.Equal(t, a.Bytes(), b.Bytes(), "case and trailing zeros do not change the encoding")
	assert.Len(t, a.Hash(), 64)

	b.Kind = "deposit"
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestAttest_ByMode(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		mode   Mode
		scheme Scheme
	}{
		{ModeStandard, SchemeSecp256k1},
		{ModeQuantum, SchemeMLDSA65},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			p := testPayload(tt.mode)
			att, err := svc.Attest(context.Background(), p)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, att.Scheme)
			assert.Equal(t, p.Hash(), att.PayloadHash)
			assert.False(t, att.IssuedAt.IsZero())
			require.NoError(t, Verify(p, att))
		})
	}
}

func TestVerify_Tampered(t *testing.T) {
	svc := newTestService(t)
	for _, mode := range []Mode{ModeStandard, ModeQuantum} {
		p := testPayload(mode)
		att, err := svc.Attest(context.Background(), p)
		require.NoError(t, err)

		changed := p
		changed.Amount = decimal.NewFromInt(5)
		assert.ErrorIs(t, Verify(changed, att), ErrBadAttestation, "payload hash mismatch")

		sig, err := hex.DecodeString(att.Signature)
		require.NoError(t, err)
		sig[10] ^= 0xff
		forged := *att
		forged.Signature = hex.EncodeToString(sig)
		assert.ErrorIs(t, Verify(p, &forged), ErrBadAttestation)

		other := newTestService(t)
		otherAtt, err := other.Attest(context.Background(), p)
		require.NoError(t, err)
		swapped := *att
		swapped.PublicKey = otherAtt.PublicKey
		assert.ErrorIs(t, Verify(p, &swapped), ErrBadAttestation, "signature under another key")
	}
}

func TestVerify_Malformed(t *testing.T) {
	p := testPayload(ModeStandard)
	assert.ErrorIs(t, Verify(p, nil), ErrBadAttestation)
	assert.ErrorIs(t, Verify(p, &Attestation{PayloadHash: p.Hash(), PublicKey: "zz"}), ErrBadAttestation)
	assert.ErrorIs(t, Verify(p, &Attestation{PayloadHash: p.Hash(), Scheme: "rsa"}), ErrBadAttestation)
}

func TestMLDSA_DeterministicFromSeed(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	a, err := NewMLDSASigner(SeedFromKey(key))
	require.NoError(t, err)
	b, err := NewMLDSASigner(SeedFromKey(key))
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), b.PublicKey())

	_, err = NewMLDSASigner([]byte("short"))
	assert.Error(t, err)
}

func TestAttest_Disabled(t *testing.T) {
	var nilSvc *Service
	_, err := nilSvc.Attest(context.Background(), testPayload(ModeStandard))
	assert.ErrorIs(t, err, ErrSigningDisabled)

	svc, err := NewServiceFromKey(nil)
	require.NoError(t, err)
	assert.Nil(t, svc)

	partial := NewService(nil, nil)
	_, err = partial.Attest(context.Background(), testPayload(ModeQuantum))
	assert.ErrorIs(t, err, ErrSigningDisabled)
	_, err = partial.Attest(context.Background(), testPayload("hybrid"))
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestCheck(t *testing.T) {
	svc := newTestService(t)
	p := testPayload(ModeQuantum)
	att, err := svc.Attest(context.Background(), p)
	require.NoError(t, err)

	resp := svc.Check(p, att)
	assert.True(t, resp.Valid)
	assert.Equal(t, SchemeMLDSA65, resp.Scheme)

	p.Recipient = testSender
	resp = svc.Check(p, att)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Error)

	var nilSvc *Service
	resp = nilSvc.Check(testPayload(ModeQuantum), att)
	assert.False(t, resp.Valid)
	assert.Contains(t, resp.Error, "signing disabled")
}

func TestServiceVerify_RejectsForeignKey(t *testing.T) {
	svc := newTestService(t)
	attacker := newTestService(t)

	for _, mode := range []Mode{ModeStandard, ModeQuantum} {
		p := testPayload(mode)

		own, err := svc.Attest(context.Background(), p)
		require.NoError(t, err)
		require.NoError(t, svc.Verify(p, own))

		// Self-consistent, but signed with a key the service never held.
		forged, err := attacker.Attest(context.Background(), p)
		require.NoError(t, err)
		require.NoError(t, Verify(p, forged))
		assert.ErrorIs(t, svc.Verify(p, forged), ErrUntrustedKey, "mode %s", mode)
		assert.False(t, svc.Check(p, forged).Valid)
	}
}

func TestServiceVerify_SchemeWithoutKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	standardOnly := NewService(NewECDSASigner(key), nil)

	full := newTestService(t)
	p := testPayload(ModeQuantum)
	att, err := full.Attest(context.Background(), p)
	require.NoError(t, err)

	assert.ErrorIs(t, standardOnly.Verify(p, att), ErrUntrustedKey)
	assert.ErrorIs(t, standardOnly.Verify(p, nil), ErrBadAttestation)
}

// ----------------------------------------------------------------------------
// Handler
// ----------------------------------------------------------------------------

type mapLookup map[string]struct {
	p   Payload
	att *Attestation
}

func (m mapLookup) Attestation(_ context.Context, id string) (Payload, *Attestation, error) {
	e, ok := m[id]
	if !ok {
		return Payload{}, nil, ErrNotFound
	}
	return e.p, e.att, nil
}

func TestHandler_VerifyAttestation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)
	p := testPayload(ModeStandard)
	att, err := svc.Attest(context.Background(), p)
	require.NoError(t, err)

	forged, err := newTestService(t).Attest(context.Background(), p)
	require.NoError(t, err)

	lookup := mapLookup{"tx_1": {p: p, att: att}, "tx_forged": {p: p, att: forged}}
	r := gin.New()
	NewHandler(lookup, svc).RegisterRoutes(r.Group("/v1"))

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/attestations/verify", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w := post(`{"entryId":"tx_1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Verification VerifyResponse `json:"verification"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Verification.Valid)
	assert.Equal(t, SchemeSecp256k1, resp.Verification.Scheme)

	w = post(`{"entryId":"tx_forged"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Verification.Valid, "a row re-signed under another key does not verify")

	assert.Equal(t, http.StatusNotFound, post(`{"entryId":"tx_2"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{}`).Code)
}
