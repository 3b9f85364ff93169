package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"horizon-workflow/internal/catalog"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("EVENT_SINK", "none")
	t.Setenv("LOG_LEVEL", "error")
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sequences.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCatalogValidate(t *testing.T) {
	good := writeFile(t, `
sequences:
  - product_type: Shrink Sleeve
    steps:
      - {order: 1, name: Prepress, department: Prepress, compulsory: true}
      - {order: 2, name: Gravure Printing, department: Printing}
`)
	out, err := run(t, "catalog", "validate", "-f", good)
	require.NoError(t, err)
	assert.Contains(t, out, "shrink_sleeve")

	bad := writeFile(t, `
sequences:
  - product_type: sleeve
    steps:
      - {order: 1, name: Gravure Printing, department: Printing}
      - {order: 2, name: Prepress, department: Prepress, compulsory: true}
`)
	_, err = run(t, "catalog", "validate", "-f", bad)
	require.Error(t, err)
}

func TestCatalogDefaultsRoundTrip(t *testing.T) {
	out, err := run(t, "catalog", "defaults")
	require.NoError(t, err)

	seqs, err := catalog.Parse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, catalog.Defaults(), seqs)
}

func TestCatalogLoadAgainstMemoryBackend(t *testing.T) {
	path := writeFile(t, `
sequences:
  - product_type: sleeve
    steps:
      - {order: 1, name: Printing, department: Printing}
`)
	out, err := run(t, "catalog", "load", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "installed sleeve")
}

func TestBackfillAndFlushOnEmptyStore(t *testing.T) {
	out, err := run(t, "backfill")
	require.NoError(t, err)
	assert.Contains(t, out, "backfilled 0 jobs")

	out, err = run(t, "outbox", "flush")
	require.NoError(t, err)
	assert.Contains(t, out, "delivered 0 events")
}
