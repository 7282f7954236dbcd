package pipeline

import (
	"context"
	"fmt"
	"strings"

	"specforge/internal/llm"
	"specforge/internal/phase"
	"specforge/internal/state"
	"specforge/internal/util/jsonutil"
)

const promptEntities = `You are a senior software engineer designing a data model.
Given a product specification, list the persistent data entities it needs.

Return STRICT JSON, an array of:
[
  {
    "name": "string",          // singular PascalCase, e.g. "BlogPost"
    "description": "string",   // one sentence
    "fields": [
      {"name": "string", "type": "string", "required": true}
    ]
  }
]

Rules:
- Field types are one of: string, text, integer, decimal, boolean, date, datetime, reference.
- For "reference" fields the name is the referenced entity in snake_case.
- JSON only; no comments or trailing commas.
`

type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

type Entity struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
}

// ExtractEntities streams the data model out of the spec.
type ExtractEntities struct {
	Model     string
	MaxTokens int
}

func (*ExtractEntities) ID() string          { return "ExtractEntities" }
func (*ExtractEntities) Description() string { return "extract data entities from the specification" }

func (*ExtractEntities) SchemaEntries() state.Schema {
	return state.Schema{KeyEntities: state.JSONFile("entities.json")}
}

func (p *ExtractEntities) Run(ctx context.Context, st *state.State, pc *phase.Context) (state.Delta, error) {
	spec, err := requireString(st, KeySpec)
	if err != nil {
		return nil, err
	}
	client, err := requireLLM(pc)
	if err != nil {
		return nil, err
	}
	s, err := client.Stream(ctx, llm.Request{
		Model:     p.Model,
		System:    promptEntities,
		Messages:  []llm.RequestMessage{llm.UserText(spec)},
		MaxTokens: p.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("extract entities: %w", err)
	}
	var b strings.Builder
	chunks := 0
	for s.Next() {
		b.WriteString(s.Text())
		chunks++
		if pc.Verbose {
			pc.Log().Debug("entities chunk", "n", chunks, "bytes", b.Len())
		}
	}
	if err := s.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("extract entities: %w", err)
	}
	if _, err := s.FinalMessage(); err != nil {
		s.Close()
		return nil, fmt.Errorf("extract entities: %w", err)
	}
	if err := s.Close(); err != nil {
		return nil, err
	}

	entities, err := ParseEntities(b.String())
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		pc.Log().Info("entity", "name", e.Name, "fields", len(e.Fields))
	}
	tree, err := toTree(entities)
	if err != nil {
		return nil, err
	}
	return state.Delta{KeyEntities: tree}, nil
}

// ParseEntities reads the model's entity list, tolerating surrounding prose and
// code fences. Entities without a name are rejected.
func ParseEntities(text string) ([]Entity, error) {
	var out []Entity
	if err := jsonutil.UnmarshalFlex(jsonutil.ExtractJSON(text), &out); err != nil {
		return nil, fmt.Errorf("entities JSON invalid: %w\nraw: %s", err, text)
	}
	seen := make(map[string]struct{}, len(out))
	for i, e := range out {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("entity %d has no name", i)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("entity %q listed twice", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return out, nil
}

// EntitiesFrom reads the entity list back out of a state.
func EntitiesFrom(st *state.State) ([]Entity, error) {
	v, ok := st.Lookup(KeyEntities)
	if !ok {
		return nil, fmt.Errorf("state key %q is missing", KeyEntities)
	}
	var out []Entity
	if err := jsonutil.Convert(v, &out); err != nil {
		return nil, fmt.Errorf("state key %q: %w", KeyEntities, err)
	}
	return out, nil
}

// toTree converts typed results to the generic JSON tree kept in the state, so the
// in-memory form matches what a reload produces.
func toTree(v any) (any, error) {
	var out any
	if err := jsonutil.Convert(v, &out); err != nil {
		return nil, err
	}
	return out, nil
}
