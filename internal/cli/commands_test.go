package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contriboss/bindpack"
	"github.com/contriboss/bindpack/internal/store"
)

type runResponse struct {
	Status string                  `json:"status"`
	Data   bindpack.PipelineResult `json:"data"`
	Error  *CLIError               `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
	Data   struct {
		Run      store.RunSummary `json:"run"`
		Releases []store.Release  `json:"releases"`
	} `json:"data"`
	Error *CLIError `json:"error"`
}

func TestPublishCommand(t *testing.T) {
	dir := writeTestConfig(t)

	out, err := execute(t, dir, "publish", "--offline", "--format", "json")
	require.NoError(t, err)

	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	require.Len(t, resp.Data.Groups, 3)
	for _, g := range resp.Data.Groups {
		assert.Equal(t, bindpack.JobSucceeded, g.Publish, g.ID)
	}

	registry := bindpack.NewLocalRegistry(filepath.Join(dir, "registry"))
	versions, err := registry.Versions("kotlin", "core")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0"}, versions)

	t.Run("status reads the run back", func(t *testing.T) {
		out, err := execute(t, dir, "status", "--format", "json")
		require.NoError(t, err)

		var status statusResponse
		require.NoError(t, json.Unmarshal([]byte(out), &status))
		assert.Equal(t, resp.Data.RunID, status.Data.Run.ID)
		assert.Equal(t, "succeeded", status.Data.Run.Status)
		assert.Len(t, status.Data.Releases, 3)
	})

	t.Run("republishing conflicts", func(t *testing.T) {
		out, err := execute(t, dir, "publish", "--offline", "--format", "json")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.ErrorIs(t, err, bindpack.ErrPublishConflict)

		var again runResponse
		require.NoError(t, json.Unmarshal([]byte(out), &again))
		assert.Equal(t, "error", again.Status)
		require.NotNil(t, again.Error)
		assert.Equal(t, "publish_conflict", again.Error.Code)
	})

	t.Run("history lists both runs", func(t *testing.T) {
		out, err := execute(t, dir, "history")
		require.NoError(t, err)
		assert.Contains(t, out, "core@1.0.0")
		assert.Contains(t, out, resp.Data.RunID)
		assert.Contains(t, out, "failed")
	})
}

func TestBuildCommand(t *testing.T) {
	dir := writeTestConfig(t)

	out, err := execute(t, dir, "build")
	require.NoError(t, err)
	assert.Contains(t, out, "core@1.0.0")
	assert.Contains(t, out, "linux-x86_64")
	assert.Contains(t, out, "kotlin/core")
	assert.Contains(t, out, "pending", "test and publish are not requested")

	assert.FileExists(t, filepath.Join(dir, "dist", "ledger.db"))
	assert.DirExists(t, filepath.Join(dir, "dist", "bundles"))
	assert.NoDirExists(t, filepath.Join(dir, "registry"))

	t.Run("clean keeps the ledger", func(t *testing.T) {
		out, err := execute(t, dir, "clean", "--all")
		require.NoError(t, err)
		assert.Contains(t, out, "cleaned core")
		assert.NoDirExists(t, filepath.Join(dir, "dist", "bundles"))
		assert.NoDirExists(t, filepath.Join(dir, ".bindpack", "work"))
		assert.FileExists(t, filepath.Join(dir, "dist", "ledger.db"))
	})
}

func TestTestCommandVerbose(t *testing.T) {
	dir := writeTestConfig(t)

	out, err := execute(t, dir, "test", "--offline", "--verbose")
	require.NoError(t, err)
	assert.Contains(t, out, "case import")
	assert.Contains(t, out, "case live")
	assert.Contains(t, out, "skipped")
}

func TestStatusCommand(t *testing.T) {
	t.Run("no runs", func(t *testing.T) {
		ledger := filepath.Join(t.TempDir(), "ledger.db")
		out, err := execute(t, t.TempDir(), "status", "--ledger", ledger)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, out, "no runs recorded")
	})

	t.Run("unknown run", func(t *testing.T) {
		ledger := filepath.Join(t.TempDir(), "ledger.db")
		out, err := execute(t, t.TempDir(), "status", "0192-missing", "--ledger", ledger, "--format", "json")
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrNotFound)

		var resp statusResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.Equal(t, "not_found", resp.Error.Code)
	})
}

func TestRegistryServeRequiresToken(t *testing.T) {
	t.Setenv("BINDPACK_TEST_TOKEN", "")
	root := filepath.Join(t.TempDir(), "registry")

	_, err := execute(t, t.TempDir(), "registry", "serve", "--token-env", "BINDPACK_TEST_TOKEN", "--root", root)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr), "nothing is created without a token")
}
