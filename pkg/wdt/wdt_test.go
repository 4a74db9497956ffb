// Copyright 2025 Takhin Data, Inc.

package wdt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTransportFetchCopiesFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "base.db")
	require.NoError(t, os.WriteFile(src, []byte("snapshot-bytes"), 0o644))

	dest := t.TempDir()
	path, err := (LocalTransport{}).Fetch(context.Background(), "file://"+src, dest)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "snapshot-bytes", string(got))
}

func TestDispatcherRoutesByScheme(t *testing.T) {
	src := filepath.Join(t.TempDir(), "base.db")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	d := NewDispatcher()
	d.Register("file", LocalTransport{})

	_, err := d.Fetch(context.Background(), "file://"+src, t.TempDir())
	require.NoError(t, err)
}

func TestDispatcherUnknownSchemeErrors(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Fetch(context.Background(), "s3://bucket/key", t.TempDir())
	assert.Error(t, err)
}
