package orchestrator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/chronicle/internal/log"
	"github.com/mpataki/chronicle/internal/models"
)

// DefaultTools is the read-only tool set given to agents that declare none.
const DefaultTools = "read,grep,find,ls"

// InlineAgent names agents defined by a state's own persona.
const InlineAgent = "(inline)"

// ResolvedAgent is everything needed to launch a state's agent.
type ResolvedAgent struct {
	Name    string
	Persona string
	Tools   string
	Model   string
	Skills  []string
}

type Resolver interface {
	Resolve(def *models.WorkflowDefinition, state string, sd *models.StateDefinition) ResolvedAgent
}

// CatalogResolver looks agents up in the workflow's own catalog, then in
// Agents. Skill names are resolved against SkillDirs.
type CatalogResolver struct {
	Agents        map[string]*models.AgentDefinition
	SkillDirs     []string
	ProjectSkills []string
}

func (r *CatalogResolver) Resolve(def *models.WorkflowDefinition, state string, sd *models.StateDefinition) ResolvedAgent {
	if sd.Agent != "" {
		skills := append([]string{}, r.ProjectSkills...)
		if a := r.lookup(def, sd.Agent); a != nil {
			skills = append(skills, a.Skills...)
			skills = append(skills, sd.ExtraSkills...)
			name := a.Name
			if name == "" {
				name = sd.Agent
			}
			return ResolvedAgent{
				Name:    name,
				Persona: a.SystemPrompt,
				Tools:   orDefault(a.Tools, DefaultTools),
				Model:   a.Model,
				Skills:  r.skillPaths(skills),
			}
		}
		log.Warn(log.CatOrch, "Agent not found, using defaults", "agent", sd.Agent, "state", state)
		skills = append(skills, sd.ExtraSkills...)
		return ResolvedAgent{Name: sd.Agent, Tools: DefaultTools, Skills: r.skillPaths(skills)}
	}

	skills := append(append([]string{}, r.ProjectSkills...), sd.ExtraSkills...)
	return ResolvedAgent{
		Name:    InlineAgent,
		Persona: sd.Persona,
		Tools:   orDefault(sd.Tools, DefaultTools),
		Skills:  r.skillPaths(skills),
	}
}

func (r *CatalogResolver) lookup(def *models.WorkflowDefinition, name string) *models.AgentDefinition {
	for _, catalog := range []map[string]*models.AgentDefinition{def.Agents, r.Agents} {
		if a, ok := catalog[name]; ok {
			return a
		}
		for key, a := range catalog {
			if strings.EqualFold(key, name) {
				return a
			}
		}
	}
	return nil
}

// skillPaths maps skill names to paths. Names that are already paths pass
// through; unknown names are dropped with a warning.
func (r *CatalogResolver) skillPaths(names []string) []string {
	var paths []string
	for _, name := range names {
		if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
			paths = append(paths, name)
			continue
		}
		if p, ok := r.findSkill(name); ok {
			paths = append(paths, p)
			continue
		}
		log.Warn(log.CatOrch, "Skill not found", "skill", name)
	}
	return paths
}

func (r *CatalogResolver) findSkill(name string) (string, bool) {
	for _, dir := range r.SkillDirs {
		for _, candidate := range []string{filepath.Join(dir, name), filepath.Join(dir, name+".md")} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate, true
			}
		}
	}
	return "", false
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
