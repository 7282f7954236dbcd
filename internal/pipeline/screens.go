package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"specforge/internal/llm"
	"specforge/internal/phase"
	"specforge/internal/safeio"
	"specforge/internal/state"
	"specforge/internal/util/jsonutil"
)

const promptScreens = `You are a senior web developer.
Your job is to define user stories for one data entity of an application, based on the
specification and the entity's fields. Each story may have screens.

Here's an example of a user story for a blog post entity:

<story name="Post to blog">
<description>As a user, I am able to ...</description>
<screen name="Create post page" urlPattern="/post/new">
<frame>
<description>Provides a form to enter post details</description>
<action name="Create post"/>
</frame>
</screen>
</story>

IMPORTANT: do not output anything except <story> sections
`

const screensDir = "screens"

// ScreenPlan points at the plan written for one entity.
type ScreenPlan struct {
	Entity string `json:"entity"`
	Path   string `json:"path"`
}

// PlanScreens writes one plan per entity to <project>/screens/<entity>.md. Plans are
// requested in parallel; a plan already on disk is kept, so a retried phase only
// pays for the entities that failed.
type PlanScreens struct {
	Model       string
	MaxTokens   int
	Concurrency int
}

func (*PlanScreens) ID() string          { return "PlanScreens" }
func (*PlanScreens) Description() string { return "plan user stories and screens per entity" }

func (*PlanScreens) SchemaEntries() state.Schema {
	return state.Schema{KeyScreens: state.JSONFile("screens.json")}
}

func (p *PlanScreens) Run(ctx context.Context, st *state.State, pc *phase.Context) (state.Delta, error) {
	spec, err := requireString(st, KeySpec)
	if err != nil {
		return nil, err
	}
	project, err := requireString(st, KeyProjectPath)
	if err != nil {
		return nil, err
	}
	entities, err := EntitiesFrom(st)
	if err != nil {
		return nil, err
	}
	client, err := requireLLM(pc)
	if err != nil {
		return nil, err
	}
	fsys, err := safeio.NewSafeFS(project)
	if err != nil {
		return nil, err
	}

	plans := make([]ScreenPlan, len(entities))
	owners := make(map[string]string, len(entities))
	for i, e := range entities {
		rel := path.Join(screensDir, slug(e.Name)+".md")
		if prev, dup := owners[rel]; dup {
			return nil, fmt.Errorf("entities %q and %q both map to %s", prev, e.Name, rel)
		}
		owners[rel] = e.Name
		plans[i] = ScreenPlan{Entity: e.Name, Path: rel}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.Concurrency))
	for i, e := range entities {
		rel := plans[i].Path
		g.Go(func() error {
			if _, err := fsys.SafeStat(rel); err == nil {
				pc.Log().Debug("screen plan exists", "entity", e.Name)
				return nil
			} else if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			text, err := p.plan(gctx, client, spec, e)
			if err != nil {
				return fmt.Errorf("plan screens for %s: %w", e.Name, err)
			}
			return fsys.SafeWriteFile(rel, []byte(text))
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	tree, err := toTree(plans)
	if err != nil {
		return nil, err
	}
	return state.Delta{KeyScreens: tree}, nil
}

func (p *PlanScreens) plan(ctx context.Context, client llm.Client, spec string, e Entity) (string, error) {
	entity, err := jsonutil.MarshalIndentNoEscape(e, "  ")
	if err != nil {
		return "", err
	}
	msg, err := client.Create(ctx, llm.Request{
		Model:  p.Model,
		System: promptScreens,
		Messages: []llm.RequestMessage{llm.UserText(
			"<spec>\n" + spec + "\n</spec>\n<entity>\n" + string(entity) + "\n</entity>",
		)},
		MaxTokens: p.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(msg.Text())
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text + "\n", nil
}

// Cleanup removes temp files of writes a failed attempt interrupted. Finished plans
// stay and are skipped on retry.
func (p *PlanScreens) Cleanup(_ context.Context, st *state.State, pc *phase.Context) error {
	project, ok := st.GetString(KeyProjectPath)
	if !ok || project == "" {
		return nil
	}
	fsys, err := safeio.NewSafeFS(project)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(filepath.Join(fsys.Root(), screensDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		rel := path.Join(screensDir, e.Name())
		pc.Log().Info("removing partial screen plan", "path", rel)
		if err := fsys.SafeRemoveAll(rel); err != nil {
			return err
		}
	}
	return nil
}

func slug(name string) string {
	if s := identifier(name); s != "" {
		return s
	}
	return "entity"
}
