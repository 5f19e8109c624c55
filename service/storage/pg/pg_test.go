package pg

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"joingate/module/admission"
	"joingate/module/admission/storetest"
)

func TestStoreContract(t *testing.T) {
	dsn := os.Getenv("JOINGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOINGATE_TEST_POSTGRES_DSN not set")
	}
	pool, err := Connect(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	storetest.Run(t, func(t *testing.T) admission.Store {
		_, err := pool.Exec(context.Background(), `TRUNCATE pending_challenges`)
		require.NoError(t, err)
		return NewStore(pool)
	})
}
