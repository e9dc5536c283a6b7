package spec

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/chronicle/internal/models"
)

var errNoFrontmatter = errors.New("missing frontmatter")

// skillList accepts either a YAML sequence or a comma-separated string.
type skillList []string

func (s *skillList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		*s = items
	case yaml.ScalarNode:
		for _, part := range strings.Split(n.Value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*s = append(*s, part)
			}
		}
	default:
		return fmt.Errorf("line %d: skills must be a list or a comma-separated string", n.Line)
	}
	return nil
}

type agentFrontmatter struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Tools       string    `yaml:"tools"`
	Skills      skillList `yaml:"skills"`
	Model       string    `yaml:"model"`
}

// ParseAgentFile reads a markdown agent definition: YAML frontmatter between
// "---" fences followed by the system prompt.
func ParseAgentFile(path string) (*models.AgentDefinition, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: agent dirs come from config
	if err != nil {
		return nil, err
	}
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))

	rest, ok := bytes.CutPrefix(raw, []byte("---\n"))
	if !ok {
		return nil, errNoFrontmatter
	}
	front, body, ok := bytes.Cut(rest, []byte("\n---\n"))
	if !ok {
		front, ok = bytes.CutSuffix(rest, []byte("\n---"))
		if !ok {
			return nil, errNoFrontmatter
		}
	}

	var fm agentFrontmatter
	if err := yaml.Unmarshal(front, &fm); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("agent file %s has no name", path)
	}
	return &models.AgentDefinition{
		Name:         fm.Name,
		Description:  fm.Description,
		Tools:        fm.Tools,
		Skills:       fm.Skills,
		Model:        fm.Model,
		SystemPrompt: strings.TrimSpace(string(body)),
	}, nil
}

// LoadAgents scans dirs for *.md agent files, keyed by lower-cased name.
// The first definition of a name wins; unreadable files are skipped.
func LoadAgents(dirs []string) map[string]*models.AgentDefinition {
	agents := make(map[string]*models.AgentDefinition)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
				continue
			}
			a, err := ParseAgentFile(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			key := strings.ToLower(a.Name)
			if _, seen := agents[key]; !seen {
				agents[key] = a
			}
		}
	}
	return agents
}
