package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collabd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9090\"\nstorage: badger\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "badger", cfg.Storage)
	assert.Equal(t, 500, cfg.ReplayLimit)
	assert.Equal(t, 256, cfg.OutboundQueueCapacity)
}

func TestLoadConfigWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidateRejectsUnknownStorageBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage = "s3"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReplayLimit = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.OutboundQueueCapacity = -1
	assert.Error(t, cfg.Validate())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage = "nope"
	_, err := New(cfg, ConfigureLogging("error"))
	assert.Error(t, err)
}

func TestNewWithMemoryBackendHasNoOpClose(t *testing.T) {
	ctx, err := New(DefaultConfig(), ConfigureLogging("error"))
	require.NoError(t, err)
	assert.NoError(t, ctx.Close())
}
