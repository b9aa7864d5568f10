package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/service/query"
)

// runCmd executes the root command with args and stdin, returning stdout.
func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

// ---- validate ----

func TestValidate_ValidFromStdin(t *testing.T) {
	out, err := runCmd(t, "SELECT 1", "validate")
	require.NoError(t, err)
	assert.Equal(t, "Query is valid.\n", out)
}

func TestValidate_RejectedFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.sql")
	require.NoError(t, os.WriteFile(path, []byte("DROP TABLE events"), 0o600))

	out, err := runCmd(t, "", "validate", path)
	require.ErrorIs(t, err, errRejected)
	assert.Contains(t, out, "Query rejected with")
	assert.Contains(t, out, "  - [")
}

func TestValidate_JSON(t *testing.T) {
	out, err := runCmd(t, "SELECT 1", "validate", "-", "-o", "json")
	require.NoError(t, err)

	var got struct {
		Valid      bool  `json:"valid"`
		Violations []any `json:"violations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Valid)
	assert.NotNil(t, got.Violations)
	assert.Empty(t, got.Violations)
}

func TestValidate_MissingFile(t *testing.T) {
	_, err := runCmd(t, "", "validate", filepath.Join(t.TempDir(), "nope.sql"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, errRejected)
	assert.Contains(t, err.Error(), "read query file")
}

// ---- hash ----

func TestHash_MatchesServer(t *testing.T) {
	out, err := runCmd(t, "SELECT  1\n", "hash")
	require.NoError(t, err)
	assert.Equal(t, query.HashQuery("select 1")+"  select 1\n", out)
}

func TestHash_JSON(t *testing.T) {
	out, err := runCmd(t, "SELECT\tA  FROM t", "hash", "--output", "json")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "select a from t", got["normalized"])
	assert.Equal(t, query.HashQuery("select a from t"), got["hash"])
}

// ---- root ----

func TestInvalidOutputFormat(t *testing.T) {
	_, err := runCmd(t, "SELECT 1", "hash", "-o", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --output")
}

func TestTooManyArgs(t *testing.T) {
	_, err := runCmd(t, "", "validate", "a.sql", "b.sql")
	require.Error(t, err)
}
