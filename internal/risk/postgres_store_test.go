//go:build integration

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/qshield/internal/testutil"
)

func TestPostgresStore_RecordAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	require.NoError(t, s.Migrate(context.Background()), "Migrate is idempotent over the goose schema")

	subject := "0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD"
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, conf := range []float64{0.2, 0.9} {
		require.NoError(t, s.Record(context.Background(), &Assessment{
			ID:          "ra_" + string(rune('a'+i)),
			Kind:        KindTransaction,
			Subject:     subject,
			Fraudulent:  conf > FraudThreshold,
			Confidence:  conf,
			Status:      StatusSecure,
			Loaded:      true,
			EvaluatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := s.ListBySubject(context.Background(), subject, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ra_b", list[0].ID)
	assert.True(t, list[0].Fraudulent)
	assert.InDelta(t, 0.9, list[0].Confidence, 1e-9)
}
