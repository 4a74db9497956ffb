// Copyright 2025 Takhin Data, Inc.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 7070, cfg.Server.GRPCPort)
	assert.Equal(t, 7072, cfg.Server.HealthPort)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "snappy", cfg.Storage.CompressionType)
	assert.EqualValues(t, 1000, cfg.Replication.MaxWaitMs)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "laser.yaml")
	content := []byte("server:\n  grpc.port: 9999\nstorage:\n  data.dir: /tmp/laser-test\nlogging:\n  level: debug\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.GRPCPort)
	assert.Equal(t, "/tmp/laser-test", cfg.Storage.DataDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LASER_SERVER__GRPC_PORT", "8888")
	t.Setenv("LASER_LOGGING__LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.GRPCPort)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsBadCompression(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "laser.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  compression.type: gzip\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "laser.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  grpc.port: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
