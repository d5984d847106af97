package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accounting-engine/accounting"
	"github.com/warp/accounting-engine/accounting/storetest"
	"github.com/warp/accounting-engine/store/sqlite"
)

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) accounting.TxStore {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	// GIVEN a file-backed store with one wallet
	path := filepath.Join(t.TempDir(), "accounting.db")
	ctx := context.Background()

	s, err := sqlite.New(path)
	require.NoError(t, err)
	owner := accounting.User("alice")
	cat := accounting.CategoryID{Name: "cpu", Provider: "ucloud"}
	require.NoError(t, s.SaveWallet(ctx, accounting.WalletRecord{
		ID: accounting.NewWalletID(owner, cat), Owner: owner, Category: cat, Policy: accounting.PolicyExpireFirst,
	}))
	require.NoError(t, s.Close())

	// WHEN the file is opened again (migrations run a second time)
	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	// THEN the wallet is still there
	require.NoError(t, s.Ping(ctx))
	w, err := s.GetWallet(ctx, accounting.NewWalletID(owner, cat))
	require.NoError(t, err)
	assert.Equal(t, owner, w.Owner)
}
