//go:build integration

package webhooks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qshield/internal/events"
	"github.com/mbd888/qshield/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	require.NoError(t, s.Migrate(ctx))

	sub := &Subscription{
		ID:        "wh_pg1",
		Address:   "0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD",
		URL:       "https://hooks.example.com/a",
		Secret:    "s3cret",
		Events:    []events.Type{events.TypeTransactionRejected},
		Active:    true,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.Create(ctx, sub))

	got, err := s.Get(ctx, "wh_pg1")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", got.Address)
	assert.Equal(t, "s3cret", got.Secret)
	assert.Equal(t, sub.Events, got.Events)
	assert.Nil(t, got.LastSuccess)

	list, err := s.ListByAddress(ctx, sub.Address)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.RecordSuccess(ctx, "wh_pg1", time.Now().UTC()))
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.RecordFailure(ctx, "wh_pg1", "status 500", 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err = s.Get(ctx, "wh_pg1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastSuccess)
	assert.Equal(t, 4, got.ConsecutiveFailures)
	assert.Equal(t, "status 500", got.LastError)
	assert.False(t, got.Active)

	n, disabled, err := s.RecordFailure(ctx, "wh_pg1", "status 502", 3)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, disabled, "already inactive")

	require.NoError(t, s.RecordSuccess(ctx, "wh_pg1", time.Now().UTC()))
	got, _ = s.Get(ctx, "wh_pg1")
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Empty(t, got.LastError)

	require.NoError(t, s.Delete(ctx, "wh_pg1"))
	_, err = s.Get(ctx, "wh_pg1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "wh_pg1"), ErrNotFound)
	assert.ErrorIs(t, s.RecordSuccess(ctx, "wh_pg1", time.Now()), ErrNotFound)
	_, _, err = s.RecordFailure(ctx, "wh_pg1", "status 500", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}
