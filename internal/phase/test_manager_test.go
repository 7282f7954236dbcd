package phase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specforge/internal/state"
)

// fixture is the A/B/C pipeline: A and B always succeed, C fails while failC is set.
type fixture struct {
	failC    bool
	runs     map[string]int
	cleanups int
}

func newFixture() *fixture {
	return &fixture{failC: true, runs: map[string]int{}}
}

func (f *fixture) set(id, key string, value int) *Func {
	return &Func{Name: id, Desc: "sets " + key, Fn: func(context.Context, *state.State, *Context) (state.Delta, error) {
		f.runs[id]++
		return state.Delta{key: value}, nil
	}}
}

func (f *fixture) phases() []Phase {
	c := f.set("C", "z", 3)
	body := c.Fn
	c.Fn = func(ctx context.Context, st *state.State, pc *Context) (state.Delta, error) {
		if f.failC {
			f.runs["C"]++
			return nil, errors.New("boom")
		}
		return body(ctx, st, pc)
	}
	c.OnCleanup = func(context.Context, *state.State, *Context) error {
		f.cleanups++
		return nil
	}
	return []Phase{f.set("A", "x", 1), f.set("B", "y", 2), c, Done{}}
}

func newManager(t *testing.T, path string, phases []Phase, opts Options) *Manager {
	t.Helper()
	opts.StatePath = path
	m, err := NewManager(phases, opts)
	require.NoError(t, err)
	return m
}

func internalString(t *testing.T, st *state.State, key string) string {
	t.Helper()
	v, _ := st.InternalValue(key)
	s, _ := v.(string)
	return s
}

func TestResumeAfterFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f := newFixture()
	ctx := context.Background()

	st, err := newManager(t, path, f.phases(), Options{}).Run(ctx, Resume())
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "C", pe.Phase)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, st.Data())
	assert.Equal(t, "B", internalString(t, st, KeyLastSuccessful))
	assert.Equal(t, "C", internalString(t, st, KeyLastFailed))
	assert.Equal(t, 0, f.cleanups)

	history, _ := st.InternalValue(KeyHistory)
	entries := history.([]any)
	require.Len(t, entries, 3)
	last := entries[2].(map[string]any)
	assert.Equal(t, "C", last["phase"])
	assert.Equal(t, "*errors.errorString: boom", last["error"])

	// A new process picks up from the file.
	f.failC = false
	st, err = newManager(t, path, f.phases(), Options{}).Run(ctx, Resume())
	require.NoError(t, err)
	assert.Equal(t, 1, f.cleanups)
	assert.Equal(t, 1, f.runs["A"])
	assert.Equal(t, 1, f.runs["B"])
	assert.Equal(t, map[string]any{"x": 1, "y": 2, "z": 3}, st.Data())
	assert.IsType(t, 0, st.Get("x"), "values read back from the state file keep their integer type")
	assert.Equal(t, "Done", internalString(t, st, KeyLastSuccessful))
	assert.Equal(t, "", internalString(t, st, KeyLastFailed))
}

func TestCompletedRunIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f := newFixture()
	f.failC = false
	ctx := context.Background()

	_, err := newManager(t, path, f.phases(), Options{}).Run(ctx, Resume())
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = newManager(t, path, f.phases(), Options{}).Run(ctx, Resume())
	require.NoError(t, err)
	after, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, string(before), string(after))
	assert.Equal(t, 1, f.runs["A"])
}

func TestFromPhaseValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f := newFixture()
	ctx := context.Background()
	_, err := newManager(t, path, f.phases(), Options{}).Run(ctx, Resume())
	require.Error(t, err)

	var ce *ConfigError
	_, err = newManager(t, path, f.phases(), Options{}).Run(ctx, FromPhase("Z"))
	require.ErrorAs(t, err, &ce)
	_, err = newManager(t, path, f.phases(), Options{}).Run(ctx, FromPhase("Done"))
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "not a valid starting point")

	// Restarting from B reruns B without touching A.
	f.failC = false
	_, err = newManager(t, path, f.phases(), Options{}).Run(ctx, FromPhase("B"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.runs["A"])
	assert.Equal(t, 2, f.runs["B"])
}

func TestNextRound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f := newFixture()
	ctx := context.Background()
	_, err := newManager(t, path, f.phases(), Options{}).Run(ctx, Resume())
	require.Error(t, err)

	var ce *ConfigError
	_, err = newManager(t, path, f.phases(), Options{}).Run(ctx, NextRound())
	require.ErrorAs(t, err, &ce)

	f.failC = false
	_, err = newManager(t, path, f.phases(), Options{}).Run(ctx, Resume())
	require.NoError(t, err)
	_, err = newManager(t, path, f.phases(), Options{}).Run(ctx, NextRound())
	require.NoError(t, err)
	assert.Equal(t, 2, f.runs["A"])
}

func TestRestartRerunsEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f := newFixture()
	f.failC = false
	m := newManager(t, path, f.phases(), Options{})
	ctx := context.Background()
	_, err := m.Run(ctx, Resume())
	require.NoError(t, err)
	_, err = m.Run(ctx, Restart())
	require.NoError(t, err)
	assert.Equal(t, 2, f.runs["A"])
	assert.Equal(t, 2, f.runs["C"])
}

func TestDuplicateSchemaKeyIsConfigError(t *testing.T) {
	a := &Func{Name: "A", Fn: noop, Schema: state.Schema{"entities": state.JSONFile("e.json")}}
	b := &Func{Name: "B", Fn: noop, Schema: state.Schema{"entities": state.JSONFile("other.json")}}
	_, err := NewManager([]Phase{a, b}, Options{StatePath: filepath.Join(t.TempDir(), "s.json")})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, state.ErrDuplicateSchemaKey)
}

func TestDuplicatePhaseIDIsConfigError(t *testing.T) {
	_, err := NewManager([]Phase{&Func{Name: "A", Fn: noop}, &Func{Name: "A", Fn: noop}},
		Options{StatePath: filepath.Join(t.TempDir(), "s.json")})
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
}

func noop(context.Context, *state.State, *Context) (state.Delta, error) { return nil, nil }

func TestPanicIsRecordedAsFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	p := &Func{Name: "P", Fn: func(context.Context, *state.State, *Context) (state.Delta, error) {
		panic("kaboom")
	}}
	st, err := newManager(t, path, []Phase{p}, Options{}).Run(context.Background(), Resume())
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.Equal(t, "P", internalString(t, st, KeyLastFailed))

	loaded, err := state.FileStore{Path: path}.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "P", internalString(t, loaded, KeyLastFailed))
}

func TestDeltaContract(t *testing.T) {
	cases := map[string]state.Delta{
		"reserved key": {state.InternalKey: map[string]any{}},
		"func value":   {"f": func() {}},
		"chan value":   {"c": make(chan int)},
	}
	for name, delta := range cases {
		t.Run(name, func(t *testing.T) {
			p := &Func{Name: "Bad", Fn: func(context.Context, *state.State, *Context) (state.Delta, error) {
				return delta, nil
			}}
			path := filepath.Join(t.TempDir(), "state.json")
			_, err := newManager(t, path, []Phase{p}, Options{}).Run(context.Background(), Resume())
			var ce *ContractError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "Bad", ce.Phase)
		})
	}
}

func TestNilDeltaIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := newManager(t, path, []Phase{&Func{Name: "N", Fn: noop}}, Options{
		InitialData: map[string]any{"seed": "s"},
	}).Run(context.Background(), Resume())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"seed": "s"}, st.Data())
}

func TestDryRunReplacesUnawarePhases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f := newFixture()
	f.failC = false
	phases := append([]Phase{Init{Initial: state.Delta{"spec": "hello"}}}, f.phases()...)
	st, err := newManager(t, path, phases, Options{Context: &Context{DryRun: true}}).Run(context.Background(), Resume())
	require.NoError(t, err)
	assert.Equal(t, "hello", st.Get("spec"))
	assert.Equal(t, "dry-run", st.Get("phase_A"))
	assert.False(t, st.Has("x"))
	assert.Equal(t, 0, f.runs["A"])
}

func TestInitSchemaMovesKeysToSideFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	phases := []Phase{
		Init{Initial: state.Delta{"spec": "# Todo\n"}, Schema: state.Schema{"spec": state.TextFile("spec.md")}},
		Done{},
	}
	m := newManager(t, path, phases, Options{})
	_, err := m.Run(context.Background(), Resume())
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "spec.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Todo\n", string(raw))
	doc, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(doc), "# Todo")

	reloaded := newManager(t, path, phases, Options{})
	assert.Equal(t, "# Todo\n", reloaded.State().Get("spec"))
}

func TestDeferredStatePath(t *testing.T) {
	dir := t.TempDir()
	name := &Func{Name: "Name", Fn: func(context.Context, *state.State, *Context) (state.Delta, error) {
		return state.Delta{"project_path": filepath.Join(dir, "todo")}, nil
	}}
	m, err := NewManager([]Phase{&Func{Name: "Pre", Fn: noop}, name, Done{}}, Options{
		Locate: func(st *state.State) string {
			p, ok := st.GetString("project_path")
			if !ok {
				return ""
			}
			return filepath.Join(p, "state.json")
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "", m.StatePath())

	_, err = m.Run(context.Background(), Resume())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "todo", "state.json"), m.StatePath())
	_, err = os.Stat(m.StatePath())
	require.NoError(t, err)
}

func TestCancelledContextStopsBeforeNextPhase(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	phases := []Phase{
		&Func{Name: "A", Fn: func(context.Context, *state.State, *Context) (state.Delta, error) {
			cancel()
			return state.Delta{"a": true}, nil
		}},
		&Func{Name: "B", Fn: func(context.Context, *state.State, *Context) (state.Delta, error) {
			ran = true
			return nil, nil
		}},
	}
	st, err := newManager(t, filepath.Join(t.TempDir(), "s.json"), phases, Options{}).Run(ctx, Resume())
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
	assert.Equal(t, "A", internalString(t, st, KeyLastSuccessful))
}

func TestMetricsCountOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "state.json")
	f := newFixture()
	ctx := context.Background()

	_, err = newManager(t, path, f.phases(), Options{Metrics: metrics}).Run(ctx, Resume())
	require.Error(t, err)
	f.failC = false
	_, err = newManager(t, path, f.phases(), Options{Metrics: metrics}).Run(ctx, Resume())
	require.NoError(t, err)

	count := func(phase, outcome string) float64 {
		var m dto.Metric
		require.NoError(t, metrics.Runs.WithLabelValues(phase, outcome).Write(&m))
		return m.GetCounter().GetValue()
	}
	assert.Equal(t, 1.0, count("A", "success"))
	assert.Equal(t, 1.0, count("A", "skipped"))
	assert.Equal(t, 1.0, count("C", "failure"))
	assert.Equal(t, 1.0, count("C", "success"))
}

func TestErrorLabel(t *testing.T) {
	assert.True(t, strings.HasPrefix(errorLabel(&ConfigError{Msg: "x"}), "*phase.ConfigError: "))
}
