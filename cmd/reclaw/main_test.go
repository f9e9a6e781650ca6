package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/server"
)

func TestExitCodeFor_MapsErrorTypesToSpecCodes(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(&server.ConfigError{Err: errors.New("bad config")}))
	assert.Equal(t, 2, exitCodeFor(&server.BindError{Err: errors.New("addr in use")}))
	assert.Equal(t, 3, exitCodeFor(&server.StorageError{Err: errors.New("cannot open db")}))
	assert.Equal(t, 1, exitCodeFor(errors.New("anything else")))
}

func TestScopePaths(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	etc, err := scopePaths("etc")
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/reclaw/config.json"}, etc)

	user, err := scopePaths("user")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(home, ".reclaw", "config.json")}, user)

	both, err := scopePaths("both")
	require.NoError(t, err)
	assert.Len(t, both, 2)

	_, err = scopePaths("nowhere")
	assert.Error(t, err)
}

func TestInitConfigCommand_NonInteractiveWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.json")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"init-config", "--non-interactive", "--scope", "user"})

	t.Setenv("HOME", dir)
	err := root.Execute()
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	var written config.Config
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, config.Default().HooksPath, written.HooksPath)
}

func TestInitConfigCommand_RefusesToOverwriteWithoutForce(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".reclaw"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".reclaw", "config.json"), []byte(`{}`), 0o600))

	root := newRootCommand()
	root.SetArgs([]string{"init-config", "--non-interactive", "--scope", "user"})
	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, 1, exitCodeFor(err))
}
