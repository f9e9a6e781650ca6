package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsApplyWithNoLayers(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/hooks", c.HooksPath)
	assert.Equal(t, int64(262144), c.HooksMaxBodyBytes)
	assert.Equal(t, "main", c.HooksDefaultAgentID)
}

func TestLoad_FileLayerOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hooksPath":"/custom-hooks","hooksEnabled":true}`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/custom-hooks", c.HooksPath)
	assert.True(t, c.HooksEnabled)
	assert.Equal(t, "main", c.HooksDefaultAgentID, "unset fields keep their default")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hooksPath":"/from-file"}`), 0o644))

	t.Setenv("RECLAW_HOOKS_PATH", "/from-env")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from-env", c.HooksPath)
}

func TestSave_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.json")
	c := Default()
	c.GatewayToken = "secret"

	require.NoError(t, Save(c, path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", loaded.GatewayToken)
}
