package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	repo := t.TempDir()

	cfg, err := Load(LoadOptions{Repo: repo})
	require.NoError(t, err)

	assert.Equal(t, repo, cfg.Root)
	assert.Equal(t, filepath.Join(repo, ".planning-state"), cfg.StatePath())
	assert.Equal(t, filepath.Join(repo, ".planning-state", "planning-state.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join(repo, ".planning-state", "entities"), cfg.EntitiesPath())
	assert.Equal(t, filepath.Join(repo, ".planning-state", "sessions"), cfg.SessionsPath())
	assert.Equal(t, filepath.Join(repo, ".planning-state", "archive"), cfg.ArchivePath())
	assert.Equal(t, filepath.Join(repo, ".planning-state", "logs", "planning-state.log"), cfg.LogPath())
	assert.True(t, cfg.State.MirrorWrites)
	assert.Equal(t, 5, cfg.Session.PreviewSampleSize)
}

func TestLoadFileEnvAndOverride(t *testing.T) {
	repo := t.TempDir()
	content := strings.Join([]string{
		"state_dir: state",
		"state:",
		"  db_file: /tmp/elsewhere.db",
		"session:",
		"  preview_sample_size: 9",
		"log:",
		"  file: \"-\"",
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(repo, FileName), []byte(content), 0o644))
	t.Setenv("PLANNING_STATE_STATE_RECONCILE_ON_START", "true")
	t.Setenv("PLANNING_STATE_METRICS_ADDR", "127.0.0.1:9464")

	cfg, err := Load(LoadOptions{Repo: repo, LogLevel: "debug"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(repo, "state"), cfg.StatePath())
	assert.Equal(t, "/tmp/elsewhere.db", cfg.DBPath())
	assert.Equal(t, 9, cfg.Session.PreviewSampleSize)
	assert.Equal(t, "", cfg.LogPath())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.State.ReconcileOnStart)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Addr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(LoadOptions{Repo: t.TempDir(), File: filepath.Join(t.TempDir(), "absent.yaml")})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "empty state dir", mutate: func(cfg *Config) { cfg.StateDir = " " }, field: "state_dir"},
		{name: "empty db file", mutate: func(cfg *Config) { cfg.State.DBFile = "" }, field: "state.db_file"},
		{name: "overlapping archive", mutate: func(cfg *Config) { cfg.Session.ArchiveDir = "sessions/archive" }, field: "session.archive_dir"},
		{name: "zero samples", mutate: func(cfg *Config) { cfg.Session.PreviewSampleSize = 0 }, field: "session.preview_sample_size"},
		{name: "bad level", mutate: func(cfg *Config) { cfg.Log.Level = "verbose" }, field: "log.level"},
		{name: "bad metrics addr", mutate: func(cfg *Config) { cfg.Metrics.Addr = "9464" }, field: "metrics.addr"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			cfg := Default()
			cfg.Root = t.TempDir()
			testCase.mutate(cfg)

			errs := cfg.Validate()
			require.Len(t, errs, 1)
			assert.Equal(t, testCase.field, errs[0].Field)
		})
	}

	cfg := Default()
	cfg.Root = t.TempDir()
	assert.Empty(t, cfg.Validate())
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{
		{Field: "log.level", Value: "x", Message: "bad"},
		{Field: "metrics.addr", Value: "y", Message: "worse"},
	}
	assert.Contains(t, errs.Error(), "2 validation errors")
	assert.Contains(t, errs.Error(), "metrics.addr: worse (got: y)")
}

func TestWriteDefaultRoundTripsThroughLoad(t *testing.T) {
	repo := t.TempDir()
	path := filepath.Join(repo, FileName)

	require.NoError(t, WriteDefault(path, false))
	require.Error(t, WriteDefault(path, false))
	require.NoError(t, WriteDefault(path, true))

	cfg, err := Load(LoadOptions{Repo: repo})
	require.NoError(t, err)
	expected := Default()
	expected.Root = repo
	assert.Equal(t, expected, cfg)
}
