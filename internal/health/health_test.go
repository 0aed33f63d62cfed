package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry(0).CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_AllHealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("chain", Ping(func(context.Context) error { return nil }))
	r.Register("database", Ping(func(context.Context) error { return nil }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "chain", statuses[0].Name)
	assert.Equal(t, "database", statuses[1].Name)
}

func TestRegistry_RequiredFailure(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("chain", Ping(func(context.Context) error { return errors.New("dial refused") }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "dial refused", statuses[0].Detail)
}

func TestRegistry_OptionalFailureStaysHealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("chain", Ping(func(context.Context) error { return nil }))
	r.RegisterOptional("risk_model", func(context.Context) Status {
		return Status{Healthy: false, Detail: "model not loaded"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.True(t, statuses[1].Optional)
	assert.False(t, statuses[1].Healthy)
}

func TestRegistry_CheckTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", Ping(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Less(t, time.Since(start), time.Second)
}
