package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The fake provider echoes its prompt, so a spec that is itself an entity list
// drives the whole pipeline.
const echoSpec = `[{"name": "Todo", "fields": [{"name": "title", "type": "string", "required": true}]}]`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"SPECFORGE_CACHE_DIR", "SPECFORGE_RUN_ID", "SPECFORGE_TARGET_DIR", "SPECFORGE_PROVIDER",
		"SPECFORGE_MODEL", "SPECFORGE_API_KEY", "SPECFORGE_VERBOSE", "SPECFORGE_LOG_FILE",
		"SPECFORGE_TRACE_FILE", "SPECFORGE_METRICS_FILE", "SPECFORGE_S3_ENDPOINT", "SPECFORGE_S3_BUCKET",
	} {
		t.Setenv(name, "")
	}
	t.Chdir(t.TempDir())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, stderr bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&stderr)
	err := root.Execute()
	return out.String(), err
}

func TestRunGeneratesProjectAndReusesCache(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	specFile := filepath.Join(dir, "todo.md")
	require.NoError(t, os.WriteFile(specFile, []byte(echoSpec), 0o644))
	target := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(target, 0o755))
	common := []string{
		"--provider", "fake",
		"--cache-dir", filepath.Join(dir, "cache"),
		"--run-id", "test-run",
		"--metrics-file", filepath.Join(dir, "specforge.prom"),
	}

	out, err := execute(t, append([]string{"run", specFile, "--target-dir", target}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Project name: ")

	projects, err := os.ReadDir(target)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	project := filepath.Join(target, projects[0].Name())
	assert.Contains(t, out, "Project path: "+project)
	for _, f := range []string{"specforge_state.json", "spec.md", "entities.json", "screens.json", "screens/todo.md"} {
		assert.FileExists(t, filepath.Join(project, f))
	}
	metrics, err := os.ReadFile(filepath.Join(dir, "specforge.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `specforge_phase_runs_total{outcome="success",phase="PlanScreens"} 1`)

	_, err = execute(t, append([]string{"run", "--incremental", project, "--start", "ExtractEntities"}, common...)...)
	require.NoError(t, err)

	out, err = execute(t, append([]string{"cache", "stats"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "entries: 3")
	assert.Contains(t, out, "sanitized ids: ")
	assert.Contains(t, out, "run test-run: 1 hits, 3 misses")

	out, err = execute(t, append([]string{"cache", "delete", "Todo", "--dry-run"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "would delete")
	n, err := os.ReadDir(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	assert.NotEmpty(t, n)
}

func TestRunArgumentErrors(t *testing.T) {
	clearEnv(t)
	cacheDir := filepath.Join(t.TempDir(), "cache")

	_, err := execute(t, "run", "--provider", "fake", "--cache-dir", cacheDir)
	assert.ErrorContains(t, err, "spec file is required")

	_, err = execute(t, "run", "--provider", "fake", "--cache-dir", cacheDir, "--incremental", t.TempDir())
	assert.ErrorContains(t, err, "no previous run")

	_, err = execute(t, "run", "x.md", "--restart", "--next-round")
	assert.Error(t, err)
}

func TestPhasesListsPipeline(t *testing.T) {
	out, err := execute(t, "phases")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[1], "Init"))
	assert.Contains(t, lines[1], "spec=spec.md")
	assert.Contains(t, lines[3], "entities=entities.json")
	assert.True(t, strings.HasPrefix(lines[5], "Done"))
}

func TestMirrorRequiresConfig(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "cache", "push", "--cache-dir", filepath.Join(t.TempDir(), "cache"))
	assert.ErrorContains(t, err, "not configured")
}
