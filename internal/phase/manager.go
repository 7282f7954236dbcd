package phase

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"specforge/internal/serialize"
	"specforge/internal/state"
)

// Bookkeeping keys stored under state.InternalKey.
const (
	KeyLastSuccessful = "last_successful_phase"
	KeyLastFailed     = "last_failed_phase"
	KeyHistory        = "history"
	KeySchema         = state.SchemaKey
	KeyVersion        = "version"
)

// StateVersion is the bookkeeping layout version.
const StateVersion = "0.1.0"

type Options struct {
	// StatePath is the state document. It is loaded when it exists.
	StatePath string
	// Locate derives the state document from the current state when StatePath is
	// empty. An empty result defers persistence until a phase supplies the inputs.
	Locate func(*state.State) string
	// InitialData seeds a fresh state; ignored when the state file exists.
	InitialData map[string]any
	Context     *Context
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *Metrics
	Serializer  *serialize.Serializer
	Clock       func() time.Time
}

// Manager executes phases strictly in declared order, persisting after every attempt.
// A Manager is not safe for concurrent Run calls, and nothing coordinates two
// processes sharing a state file.
type Manager struct {
	phases  []Phase
	index   map[string]int
	schema  state.Schema
	locate  func(*state.State) string
	pc      *Context
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *Metrics
	ser     *serialize.Serializer
	now     func() time.Time

	current *state.State
}

// NewManager validates the phase list and its schema, then loads the state file if
// it exists. Configuration errors surface here, before any phase runs.
func NewManager(phases []Phase, opts Options) (*Manager, error) {
	if len(phases) == 0 {
		return nil, &ConfigError{Msg: "no phases"}
	}
	if opts.StatePath == "" && opts.Locate == nil {
		return nil, &ConfigError{Msg: "state path is required"}
	}
	schema, err := ComputeSchema(phases)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("specforge/phase")
	}
	if opts.Context == nil {
		opts.Context = &Context{}
	}
	if opts.Context.Logger == nil {
		opts.Context.Logger = opts.Logger
	}
	if opts.Serializer == nil {
		opts.Serializer = serialize.New(nil, nil)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	m := &Manager{
		phases:  phases,
		index:   make(map[string]int, len(phases)),
		schema:  schema,
		locate:  opts.Locate,
		pc:      opts.Context,
		log:     opts.Logger,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		ser:     opts.Serializer,
		now:     opts.Clock,
	}
	for i, p := range phases {
		m.index[p.ID()] = i
	}

	if opts.StatePath != "" {
		path := opts.StatePath
		m.locate = func(*state.State) string { return path }
	}

	m.current = state.New(opts.InitialData, m.standardFields())
	if store, ok := m.storeFor(m.current); ok && store.Exists() {
		st, err := store.Load(schema)
		if err != nil {
			return nil, err
		}
		m.current = st
		m.log.Info("loaded state", "path", store.Path, "last_successful", m.lastSuccessful())
	}
	return m, nil
}

// StatePath reports where the current state is persisted, or "" while unknown.
func (m *Manager) StatePath() string {
	return m.locate(m.current)
}

func (m *Manager) storeFor(st *state.State) (state.FileStore, bool) {
	path := m.locate(st)
	if path == "" {
		return state.FileStore{}, false
	}
	return state.FileStore{Path: path, Serializer: m.ser}, true
}

func (m *Manager) save(st *state.State) error {
	store, ok := m.storeFor(st)
	if !ok {
		m.log.Debug("state path not yet known; save deferred")
		return nil
	}
	if err := store.Save(st, m.schema); err != nil {
		return err
	}
	last, _ := st.InternalValue(KeyLastSuccessful)
	m.log.Debug("saved state", "path", store.Path, "last_successful", last)
	return nil
}

// State returns the current snapshot.
func (m *Manager) State() *state.State { return m.current }

// Schema returns the unified schema.
func (m *Manager) Schema() state.Schema { return m.schema }

// Phases returns the declared phase list.
func (m *Manager) Phases() []Phase { return append([]Phase(nil), m.phases...) }

// Run executes the phases selected by mode. On a phase failure the failure is
// persisted and returned as a *PhaseError; earlier deltas remain merged and persisted.
func (m *Manager) Run(ctx context.Context, mode Mode) (*state.State, error) {
	start, err := m.startIndex(mode)
	if err != nil {
		return m.current, err
	}
	if start > 0 {
		prev := m.phases[start-1].ID()
		if prev != m.lastSuccessful() {
			m.current = m.current.CloneInternal(map[string]any{KeyLastSuccessful: prev})
		}
	}
	m.log.Info("phase run", "mode", mode.String(), "start", m.phases[min(start, len(m.phases)-1)].ID(), "dry_run", m.pc.DryRun)

	for i, p := range m.phases {
		if i < start {
			m.log.Debug("phase skipped", "phase", p.ID())
			m.metrics.observe(p.ID(), "skipped")
			continue
		}
		if err := ctx.Err(); err != nil {
			return m.current, err
		}
		if err := m.attempt(ctx, p); err != nil {
			return m.current, err
		}
	}
	return m.current, nil
}

// startIndex resolves mode to the index of the first phase to execute. A result of
// len(phases) means everything is already done.
func (m *Manager) startIndex(mode Mode) (int, error) {
	last := m.lastSuccessful()
	lastIdx := -1
	if last != "" {
		i, ok := m.index[last]
		if !ok {
			return 0, &ConfigError{Msg: fmt.Sprintf("last successful phase %q is not in the phase list", last)}
		}
		lastIdx = i
	}

	switch mode.kind {
	case modeResume:
		return lastIdx + 1, nil
	case modeRestart:
		return 0, nil
	case modeFromPhase:
		i, ok := m.index[mode.phase]
		if !ok {
			return 0, &ConfigError{Msg: fmt.Sprintf("unknown phase %q", mode.phase)}
		}
		if i > lastIdx+1 {
			return 0, &ConfigError{Msg: fmt.Sprintf(
				"phase %s (index %d) is not a valid starting point: last successful phase is %q (index %d)",
				mode.phase, i, last, lastIdx)}
		}
		return i, nil
	case modeNextRound:
		if lastIdx != len(m.phases)-1 {
			return 0, &ConfigError{Msg: fmt.Sprintf(
				"last successful phase %q is not the final phase %s; finish the round first",
				last, m.phases[len(m.phases)-1].ID())}
		}
		return 0, nil
	}
	return 0, &ConfigError{Msg: "unhandled mode " + mode.String()}
}

func (m *Manager) attempt(ctx context.Context, p Phase) error {
	id := p.ID()
	ctx, span := m.tracer.Start(ctx, "phase "+id, trace.WithAttributes(
		attribute.String("phase.id", id),
		attribute.Bool("phase.dry_run", m.pc.DryRun),
	))
	defer span.End()

	started := m.now()
	m.log.Info("phase started", "phase", id, "description", p.Description())

	delta, err := m.execute(ctx, p)
	if err == nil {
		err = m.checkDelta(id, delta)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.observe(id, "failure")
		m.log.Error("phase failed", "phase", id, "elapsed", m.now().Sub(started), "error", err)

		failed := m.current.CloneInternal(m.bookkeeping(id, map[string]any{
			KeyLastFailed: id,
		}, err))
		if saveErr := m.save(failed); saveErr != nil {
			return fmt.Errorf("persist failure of phase %s: %w (phase error: %v)", id, saveErr, err)
		}
		m.current = failed
		return &PhaseError{Phase: id, Err: err}
	}

	internal := map[string]any{KeyLastSuccessful: id}
	if last, _ := m.internalString(KeyLastFailed); last == id {
		internal[KeyLastFailed] = nil
	}
	next := m.current.Clone(delta).CloneInternal(m.bookkeeping(id, internal, nil))
	if err := m.save(next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("persist state after phase %s: %w", id, err)
	}
	m.current = next
	span.SetStatus(codes.Ok, "")
	m.metrics.observe(id, "success")
	m.log.Info("phase finished", "phase", id, "elapsed", m.now().Sub(started), "keys", len(delta))
	return nil
}

// execute runs cleanup when this exact phase failed last time, then the phase body.
// Panics are converted into *PanicError.
func (m *Manager) execute(ctx context.Context, p Phase) (delta state.Delta, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Phase: p.ID(), Value: r, Stack: debug.Stack()}
		}
	}()

	lastFailed, _ := m.internalString(KeyLastFailed)
	if lastFailed == p.ID() && lastFailed != m.lastSuccessful() {
		if c, ok := p.(Cleaner); ok {
			m.log.Info("phase cleanup before retry", "phase", p.ID())
			if err := c.Cleanup(ctx, m.current, m.pc); err != nil {
				return nil, fmt.Errorf("cleanup: %w", err)
			}
		}
	}

	if m.pc.DryRun && !isDryRunAware(p) {
		return state.Delta{"phase_" + p.ID(): "dry-run"}, nil
	}
	return p.Run(ctx, m.current, m.pc)
}

// checkDelta enforces the delta contract: the reserved key is off limits and every
// value must be JSON-compatible.
func (m *Manager) checkDelta(id string, delta state.Delta) error {
	if _, ok := delta[state.InternalKey]; ok {
		return &ContractError{Phase: id, Msg: fmt.Sprintf("key %q is reserved", state.InternalKey)}
	}
	for k, v := range delta {
		if _, err := m.ser.MakeSerializable(v, false); err != nil {
			return &ContractError{Phase: id, Msg: fmt.Sprintf("value of %q", k), Err: err}
		}
	}
	return nil
}

func (m *Manager) bookkeeping(id string, extra map[string]any, failure error) map[string]any {
	entry := map[string]any{
		"phase":     id,
		"timestamp": m.now().UTC().Format(time.RFC3339Nano),
	}
	if failure != nil {
		entry["error"] = errorLabel(failure)
	}
	history, _ := m.current.InternalValue(KeyHistory)
	items, _ := history.([]any)
	out := map[string]any{
		KeyHistory: append(append([]any(nil), items...), entry),
	}
	for k, v := range m.standardFields() {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (m *Manager) standardFields() map[string]any {
	return map[string]any{
		KeySchema:  m.schema.AsMap(),
		KeyVersion: StateVersion,
	}
}

func (m *Manager) lastSuccessful() string {
	s, _ := m.internalString(KeyLastSuccessful)
	return s
}

func (m *Manager) internalString(key string) (string, bool) {
	v, ok := m.current.InternalValue(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// errorLabel renders "<type>: <message>" for the history entry.
func errorLabel(err error) string {
	return fmt.Sprintf("%T: %s", err, err.Error())
}
