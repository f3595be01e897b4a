// Package storetest opens throwaway stores for tests in other packages.
package storetest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite" // registers "sqlite"

	"github.com/Martian-dev/syncd/internal/domain"
	"github.com/Martian-dev/syncd/internal/store"
)

// New opens a file-backed store in a temp dir and closes it on cleanup.
func New(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), store.DriverModernc,
		filepath.Join(t.TempDir(), "syncd.db"), Logger())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SeedAccount creates a connected account.
func SeedAccount(t *testing.T, s *store.Store, id string, provider domain.ProviderName) {
	t.Helper()
	require.NoError(t, s.UpsertAccount(context.Background(), domain.Account{
		ID:       id,
		Provider: provider,
		Email:    id + "@example.com",
	}, time.Now()))
}
