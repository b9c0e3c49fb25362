package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/peersync/pkg/sync"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// initConfig writes a configuration for a temporary root and returns its path
func initConfig(t *testing.T) (configPath, root string) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.json")
	root = filepath.Join(dir, "root")
	_, err := execute(t, "config", "init", "--config", configPath,
		"--root", root, "--state-dir", filepath.Join(dir, "state"))
	require.NoError(t, err)
	return configPath, root
}

func TestConfigInit(t *testing.T) {
	configPath, root := initConfig(t)

	cfg, err := config.LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Sync.RootDir)
	assert.Equal(t, config.DefaultConfig().Sync.DebounceMs, cfg.Sync.DebounceMs)

	_, err = execute(t, "config", "init", "--config", configPath)
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "config", "init", "--config", configPath, "--force")
	assert.NoError(t, err)

	out, err := execute(t, "config", "show", "--config", configPath)
	require.NoError(t, err)
	var shown config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "/peersync", shown.Remote.Root)
}

func statusOf(t *testing.T, configPath string) statusReport {
	t.Helper()
	out, err := execute(t, "status", "--json", "--config", configPath)
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	return report
}

func TestSelectionCommands(t *testing.T) {
	configPath, root := initConfig(t)
	docs := filepath.Join(root, "docs")
	require.NoError(t, os.MkdirAll(docs, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.txt"), []byte("a"), 0644))

	out, err := execute(t, "desync", "--keep-local", "--config", configPath, "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "desynchronized "+docs)
	assert.DirExists(t, docs)
	assert.Equal(t, []string{docs}, statusOf(t, configPath).Excluded)

	_, err = execute(t, "sync", "--config", configPath, "docs")
	require.NoError(t, err)
	assert.Empty(t, statusOf(t, configPath).Excluded)

	// the default configuration removes the local copy
	_, err = execute(t, "desync", "--config", configPath, docs)
	require.NoError(t, err)
	assert.NoDirExists(t, docs)

	_, err = execute(t, "sync", "--config", configPath, "../outside")
	assert.Error(t, err)
	_, err = execute(t, "desync", "--config", configPath, root)
	assert.Error(t, err, "the root cannot be excluded")
}

func TestStatusTable(t *testing.T) {
	configPath, _ := initConfig(t)

	out, err := execute(t, "status", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No pending actions.")

	cfg, err := config.LoadConfig(configPath)
	require.NoError(t, err)
	store, err := sync.NewSelectionStore(cfg.Sync.StateDir)
	require.NoError(t, err)
	require.NoError(t, store.SaveActions([]sync.ActionInfo{
		{Path: filepath.Join(cfg.Sync.RootDir, "a.txt"), State: sync.StateLocalUpdate, Attempts: 2, Failed: true, LastError: "no session"},
	}))

	out, err = execute(t, "status", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "a.txt")
	assert.Contains(t, out, sync.StateLocalUpdate.String())
	assert.Contains(t, out, "no session")
}
