package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitegraph/crawler/internal/config"
)

func TestNewWithMemoryServices(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close(context.Background())

	require.NotNil(t, a.Logger)
	require.NotNil(t, a.Store)
	require.NotNil(t, a.Registry)
	require.NotNil(t, a.Hub)
	require.NotNil(t, a.Runner)
	require.Nil(t, a.Blobs)
	require.Nil(t, a.Publisher)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Archive.Backend = "tape"

	_, err = New(context.Background(), cfg)
	require.ErrorContains(t, err, "unknown archive backend")
}

func TestNewWithLocalArchive(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Archive.Backend = "local"
	cfg.Archive.LocalDir = t.TempDir()

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close(context.Background())

	require.NotNil(t, a.Blobs)
}
