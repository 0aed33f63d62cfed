package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qshield/internal/pagination"
	"github.com/mbd888/qshield/internal/receipts"
	"github.com/mbd888/qshield/internal/risk"
)

const (
	alice = "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"
	bob   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func testEntry(id, sender string, at time.Time) *Entry {
	return &Entry{
		ID:           id,
		TxHash:       fmt.Sprintf("0x%064s", id),
		Sender:       sender,
		Recipient:    bob,
		Amount:       decimal.RequireFromString("0.5"),
		Kind:         "send",
		Status:       StatusCompleted,
		SecurityMode: receipts.ModeQuantum,
		Risk:         risk.Score{Confidence: 0.1, Status: risk.StatusSecure, Loaded: true},
		Warnings:     []string{"provider_unavailable"},
		Attestation:  &receipts.Attestation{Scheme: receipts.SchemeMLDSA65, PublicKey: "ab", Signature: "cd"},
		CreatedAt:    at,
	}
}

// storeContract runs against any Store implementation.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Create(ctx, testEntry(fmt.Sprintf("tx_%d", i), alice, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.Create(ctx, testEntry("tx_other", bob, base)))

	got, err := s.Get(ctx, "tx_2")
	require.NoError(t, err)
	assert.Equal(t, "tx_2", got.ID)
	assert.True(t, decimal.RequireFromString("0.5").Equal(got.Amount))
	assert.Equal(t, receipts.ModeQuantum, got.SecurityMode)
	assert.Equal(t, 0.1, got.Risk.Confidence)
	assert.Equal(t, []string{"provider_unavailable"}, got.Warnings)
	require.NotNil(t, got.Attestation)
	assert.Equal(t, receipts.SchemeMLDSA65, got.Attestation.Scheme)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, receipts.ErrNotFound)

	list, err := s.ListBySender(ctx, alice, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "tx_3", list[0].ID, "newest first")
	assert.Equal(t, "tx_2", list[1].ID)

	next, err := s.ListBySender(ctx, alice, 2, WithCursor(&pagination.Cursor{CreatedAt: list[1].CreatedAt, ID: list[1].ID}))
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "tx_1", next[0].ID)

	none, err := s.ListBySender(ctx, "0x0000000000000000000000000000000000000000", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_SameTimestampPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"tx_a", "tx_c", "tx_b"} {
		require.NoError(t, s.Create(ctx, testEntry(id, alice, at)))
	}

	first, err := s.ListBySender(ctx, alice, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "tx_c", first[0].ID)
	assert.Equal(t, "tx_b", first[1].ID)

	rest, err := s.ListBySender(ctx, alice, 2, WithCursor(&pagination.Cursor{CreatedAt: at, ID: "tx_b"}))
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "tx_a", rest[0].ID)
}

func TestMemoryStore_CaseInsensitiveSender(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(context.Background(), testEntry("tx_1", alice, time.Now())))
	list, err := s.ListBySender(context.Background(), "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	e := testEntry("tx_1", alice, time.Now())
	require.NoError(t, s.Create(context.Background(), e))
	e.Warnings[0] = "mutated"
	e.Attestation.Scheme = "mutated"

	got, err := s.Get(context.Background(), "tx_1")
	require.NoError(t, err)
	assert.Equal(t, "provider_unavailable", got.Warnings[0])
	assert.Equal(t, receipts.SchemeMLDSA65, got.Attestation.Scheme)
}

func TestLookup(t *testing.T) {
	s := NewMemoryStore()
	e := testEntry("tx_1", alice, time.Now())
	require.NoError(t, s.Create(context.Background(), e))

	p, att, err := Lookup{Store: s}.Attestation(context.Background(), "tx_1")
	require.NoError(t, err)
	assert.Equal(t, e.Payload(), p)
	assert.Equal(t, receipts.SchemeMLDSA65, att.Scheme)

	_, _, err = Lookup{Store: s}.Attestation(context.Background(), "nope")
	assert.ErrorIs(t, err, receipts.ErrNotFound)
}
