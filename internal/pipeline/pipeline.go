// Package pipeline is the phase list the CLI drives: it turns a specification file
// into a project directory holding a name, an entity model and per-entity screen
// plans.
package pipeline

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"

	"specforge/internal/llm"
	"specforge/internal/phase"
	"specforge/internal/state"
)

// StateFile is the state document inside the project directory.
const StateFile = "specforge_state.json"

// State keys.
const (
	KeySpecFile    = "spec_file"
	KeySpec        = "spec"
	KeyTargetDir   = "target_dir"
	KeyProjectName = "project_name"
	KeyProjectPath = "project_path"
	KeyEntities    = "entities"
	KeyScreens     = "screens"
)

const (
	defaultModel       = "claude-3-5-haiku-latest"
	defaultMaxTokens   = 4096
	defaultConcurrency = 4
)

type Config struct {
	Model     string
	MaxTokens int
	// Concurrency bounds parallel screen planning.
	Concurrency int
	// Rand picks project name prefixes. Nil means a random seed.
	Rand *rand.Rand
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return c
}

// Phases returns the pipeline in execution order.
func Phases(cfg Config) []phase.Phase {
	cfg = cfg.withDefaults()
	return []phase.Phase{
		phase.Init{Schema: state.Schema{KeySpec: state.TextFile("spec.md")}},
		&ExtractProjectName{Model: cfg.Model, Rand: cfg.Rand},
		&ExtractEntities{Model: cfg.Model, MaxTokens: cfg.MaxTokens},
		&PlanScreens{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Concurrency: cfg.Concurrency},
		phase.Done{},
	}
}

// InitialState seeds a fresh run from a specification.
func InitialState(specFile, spec, targetDir string) map[string]any {
	return map[string]any{
		KeySpecFile:  specFile,
		KeySpec:      spec,
		KeyTargetDir: targetDir,
	}
}

// IncrementalState points the manager at an existing project directory.
func IncrementalState(projectDir string) map[string]any {
	return map[string]any{KeyProjectPath: projectDir}
}

// Locate places the state document in the project directory once it is known.
func Locate(st *state.State) string {
	p, ok := st.GetString(KeyProjectPath)
	if !ok || p == "" {
		return ""
	}
	return filepath.Join(p, StateFile)
}

func requireString(st *state.State, key string) (string, error) {
	v, ok := st.GetString(key)
	if !ok {
		return "", fmt.Errorf("state key %q is missing or not a string", key)
	}
	return v, nil
}

func requireLLM(pc *phase.Context) (llm.Client, error) {
	if pc == nil || pc.LLM == nil {
		return nil, fmt.Errorf("no LLM client configured")
	}
	return pc.LLM, nil
}
