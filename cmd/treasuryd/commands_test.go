package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log:
  level: error
storage:
  driver: sqlite
accounts:
  - id: treasury
    opening_balance: "1000"
    sources:
      - name: books
        kind: ledger
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "treasury.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestMigrateSQLite(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "migrate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite")
	assert.FileExists(t, filepath.Join(filepath.Dir(path), "data", "treasury.db"))
}

func TestReconcileOnce(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "reconcile-once", "--config", path, "treasury")
	require.NoError(t, err)

	var results []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "treasury", results[0]["account_id"])
	assert.Equal(t, "matched", results[0]["status"])

	_, err = execute(t, "reconcile-once", "--config", path, "--scope", "sideways")
	assert.Error(t, err)
}

func TestMissingConfig(t *testing.T) {
	t.Setenv("TREASURY_CONFIG", "")
	_, err := execute(t, "serve")
	assert.Error(t, err)
}
