package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"specforge/internal/llm"
	"specforge/internal/phase"
	"specforge/internal/state"
)

const promptProjectName = `You are an expert software architect. Given a user prompt, extract a concise, valid Python identifier to use as a project name. Only return the name, nothing else.`

// specHeadLines bounds how much of the spec is sent for naming.
const specHeadLines = 50

var namePrefixes = []string{
	"majestic", "brilliant", "crimson", "azure", "verdant", "lively", "silent", "radiant", "clever", "mellow",
	"vivid", "gentle", "bold", "swift", "serene", "amber", "frosty", "sunny", "dusky", "stellar",
}

// ExtractProjectName asks the model for a base name, prefixes it with a random
// adjective and creates <target_dir>/<name>.
type ExtractProjectName struct {
	Model string
	Rand  *rand.Rand
}

func (*ExtractProjectName) ID() string          { return "ExtractProjectName" }
func (*ExtractProjectName) Description() string { return "extract the project name from the spec" }

func (p *ExtractProjectName) Run(ctx context.Context, st *state.State, pc *phase.Context) (state.Delta, error) {
	spec, err := requireString(st, KeySpec)
	if err != nil {
		return nil, err
	}
	target, ok := st.GetString(KeyTargetDir)
	if !ok || target == "" {
		target = "."
	}
	client, err := requireLLM(pc)
	if err != nil {
		return nil, err
	}

	zero := 0.0
	msg, err := client.Create(ctx, llm.Request{
		Model:       p.Model,
		System:      promptProjectName,
		Messages:    []llm.RequestMessage{llm.UserText(headLines(spec, specHeadLines))},
		MaxTokens:   10,
		Temperature: &zero,
	})
	if err != nil {
		return nil, fmt.Errorf("extract project name: %w", err)
	}
	base := identifier(msg.Text())
	if base == "" {
		return nil, fmt.Errorf("extract project name: model returned no usable name (%q)", msg.Text())
	}
	name := namePrefixes[p.Rand.IntN(len(namePrefixes))] + "_" + base
	path := filepath.Join(target, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	pc.Log().Info("project name", "name", name, "path", path)
	return state.Delta{
		KeyProjectName: name,
		KeyProjectPath: path,
	}, nil
}

func headLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

// identifier lowercases s and keeps letters, digits and underscores, folding other
// runs into a single underscore.
func identifier(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingSep = true
		}
	}
	out := b.String()
	if out != "" && unicode.IsDigit(rune(out[0])) {
		out = "p_" + out
	}
	return out
}
