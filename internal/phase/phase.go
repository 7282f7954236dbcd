// Package phase runs an ordered list of phases over a persisted state with
// resume-from-failure and restart-from-any-phase semantics.
package phase

import (
	"context"
	"fmt"
	"log/slog"

	"specforge/internal/llm"
	"specforge/internal/state"
)

// Phase is one idempotent unit of pipeline work. Run must not mutate st; it returns
// the keys it contributes.
type Phase interface {
	ID() string
	Description() string
	Run(ctx context.Context, st *state.State, pc *Context) (state.Delta, error)
}

// SchemaContributor declares the state keys a phase stores in side files.
type SchemaContributor interface {
	SchemaEntries() state.Schema
}

// Cleaner undoes partial side effects of a failed attempt before it is retried.
type Cleaner interface {
	Cleanup(ctx context.Context, st *state.State, pc *Context) error
}

// DryRunAware phases run for real in dry-run mode. Others are replaced by a marker delta.
type DryRunAware interface {
	DryRunAware() bool
}

// Context carries the collaborators shared by every phase of a run.
type Context struct {
	LLM     llm.Client
	Verbose bool
	DryRun  bool
	Logger  *slog.Logger
}

func (c *Context) Log() *slog.Logger {
	if c == nil || c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Init seeds the state with Initial and owns the schema entries in Schema.
type Init struct {
	Initial state.Delta
	Schema  state.Schema
}

func (Init) ID() string          { return "Init" }
func (Init) Description() string { return "initialize project" }
func (Init) DryRunAware() bool   { return true }

func (p Init) Run(context.Context, *state.State, *Context) (state.Delta, error) {
	out := make(state.Delta, len(p.Initial))
	for k, v := range p.Initial {
		out[k] = v
	}
	return out, nil
}

func (p Init) SchemaEntries() state.Schema { return p.Schema }

// Done marks the end of a round. NextRound requires it to be the last successful phase.
type Done struct{}

func (Done) ID() string          { return "Done" }
func (Done) Description() string { return "final phase" }

func (Done) Run(context.Context, *state.State, *Context) (state.Delta, error) {
	return state.Delta{}, nil
}

// RunFunc is the signature of a phase body.
type RunFunc func(ctx context.Context, st *state.State, pc *Context) (state.Delta, error)

// Func adapts a function into a Phase.
type Func struct {
	Name   string
	Desc   string
	Fn     RunFunc
	Schema state.Schema
	// OnCleanup, when set, makes the phase a Cleaner.
	OnCleanup func(ctx context.Context, st *state.State, pc *Context) error
}

func (f *Func) ID() string          { return f.Name }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Run(ctx context.Context, st *state.State, pc *Context) (state.Delta, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("phase %s has no body", f.Name)
	}
	return f.Fn(ctx, st, pc)
}

func (f *Func) SchemaEntries() state.Schema { return f.Schema }

func (f *Func) Cleanup(ctx context.Context, st *state.State, pc *Context) error {
	if f.OnCleanup == nil {
		return nil
	}
	return f.OnCleanup(ctx, st, pc)
}

// ComputeSchema merges every phase's schema contribution, rejecting duplicate phase
// ids, duplicate key ownership and invalid entries. It runs before any phase does.
func ComputeSchema(phases []Phase) (state.Schema, error) {
	schema := state.Schema{}
	seen := make(map[string]struct{}, len(phases))
	for _, p := range phases {
		if p == nil {
			return nil, &ConfigError{Msg: "nil phase in phase list"}
		}
		if _, dup := seen[p.ID()]; dup {
			return nil, &ConfigError{Msg: fmt.Sprintf("phase id %q appears twice", p.ID())}
		}
		seen[p.ID()] = struct{}{}
		sc, ok := p.(SchemaContributor)
		if !ok {
			continue
		}
		if err := schema.Merge(p.ID(), sc.SchemaEntries()); err != nil {
			return nil, &ConfigError{Msg: "state schema", Err: err}
		}
	}
	return schema, nil
}

func isDryRunAware(p Phase) bool {
	d, ok := p.(DryRunAware)
	return ok && d.DryRunAware()
}
