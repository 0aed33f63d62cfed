//go:build integration

package history

import (
	"testing"

	"github.com/mbd888/qshield/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	storeContract(t, NewPostgresStore(db))
}
