//go:build integration

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qshield/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	m := NewManager(store, []string{"qs_operator_0123456789abcdef"}, nil)
	raw, key, err := m.GenerateKey(ctx, "0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD", "bot")
	require.NoError(t, err)

	got, err := store.GetByHash(ctx, key.Hash)
	require.NoError(t, err)
	assert.Equal(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", got.Wallet)
	assert.Nil(t, got.LastUsed)

	require.NoError(t, store.Touch(ctx, key.ID, time.Now()))
	keys, err := store.ListByWallet(ctx, key.Wallet)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsed)

	require.NoError(t, m.RevokeKey(ctx, key.ID, key.Wallet))
	_, err = m.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	assert.ErrorIs(t, store.Revoke(ctx, "ak_missing"), ErrKeyNotFound)
	_, err = store.GetByHash(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
