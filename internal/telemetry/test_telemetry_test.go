package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesAllSinks(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "run.log")
	traceFile := filepath.Join(dir, "trace.json")
	metricsFile := filepath.Join(dir, "specforge.prom")
	var stderr bytes.Buffer

	tel, err := Setup(Options{LogFile: logFile, TraceFile: traceFile, MetricsFile: metricsFile, Stderr: &stderr})
	require.NoError(t, err)

	tel.Logger.Info("phase started", "phase", "Init")
	tel.Logger.Debug("cache lookup", "hash", "abcd1234")
	_, span := tel.Tracer.Tracer("test").Start(context.Background(), "phase Init")
	span.End()
	runs := prometheus.NewCounter(prometheus.CounterOpts{Name: "specforge_test_runs_total", Help: "test"})
	tel.Registry.MustRegister(runs)
	runs.Inc()

	require.NoError(t, tel.Close(context.Background()))

	assert.Contains(t, stderr.String(), "phase started")
	assert.NotContains(t, stderr.String(), "cache lookup")

	logs, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(logs), `"msg":"phase started"`)
	assert.Contains(t, string(logs), `"msg":"cache lookup"`)

	spans, err := os.ReadFile(traceFile)
	require.NoError(t, err)
	assert.Contains(t, string(spans), `"Name":"phase Init"`)

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "specforge_test_runs_total 1")
}

func TestVerboseEnablesDebug(t *testing.T) {
	var stderr bytes.Buffer
	tel, err := Setup(Options{Verbose: true, Stderr: &stderr})
	require.NoError(t, err)
	tel.Logger.Debug("saved state", "path", "x")
	require.NoError(t, tel.Close(context.Background()))
	assert.Contains(t, stderr.String(), "saved state")
}

func TestSetupFailsOnUnwritableLog(t *testing.T) {
	_, err := Setup(Options{LogFile: filepath.Join(t.TempDir(), "missing", "run.log"), Stderr: &bytes.Buffer{}})
	assert.ErrorContains(t, err, "open log file")
}
