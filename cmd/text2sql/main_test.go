package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schema-retriever/internal/graph"
	"schema-retriever/internal/graph/graphtest"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("DB_DSN", "")
	dir := t.TempDir()
	graphPath := filepath.Join(dir, "graph.yaml")
	require.NoError(t, graph.WriteDocument(graphPath, graphtest.RetailDocument()))

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: error\ngraph:\n  path: "+graphPath+
		"\nlinking:\n  fuzzy_threshold: 0.85\npruning:\n  hop_decay: 0.8\n"), 0o644))
	return cfgPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLinkCommand(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := run(t, "link", "-c", cfg, "How many orders per customers?")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE TABLE orders")
	assert.Contains(t, out, "CREATE TABLE customers")
	assert.Contains(t, out, "/7 张表")

	out, err = run(t, "link", "-c", cfg, "-f", "json", "How many orders per customers?")
	require.NoError(t, err)
	assert.Contains(t, out, `"matches"`)
	assert.Contains(t, out, `"savings"`)

	_, err = run(t, "link", "-c", cfg, "-f", "html", "orders")
	assert.ErrorContains(t, err, "unknown format")
}

func TestDictCommand(t *testing.T) {
	cfg := writeTestConfig(t)
	out := filepath.Join(t.TempDir(), "er.mmd")

	_, err := run(t, "dict", "-c", cfg, "-f", "mermaid", "-o", out)
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "erDiagram")
	assert.Contains(t, string(data), "suppliers")
}

func TestAskCommand_NoGenerator(t *testing.T) {
	cfg := writeTestConfig(t)
	_, err := run(t, "ask", "-c", cfg, "How many orders per customers?")
	assert.ErrorContains(t, err, "sql generation failed")
}

func TestScanCommand_RequiresDSN(t *testing.T) {
	cfg := writeTestConfig(t)
	_, err := run(t, "scan", "-c", cfg)
	assert.ErrorContains(t, err, "DB_DSN")
}

func TestRootCommand_BadConfig(t *testing.T) {
	_, err := run(t, "link", "-c", filepath.Join(t.TempDir(), "missing.yaml"), "orders")
	assert.Error(t, err)
}
