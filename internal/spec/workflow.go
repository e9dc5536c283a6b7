// Package spec loads workflow definitions and agent catalogs from disk.
package spec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/chronicle/internal/models"
)

var ErrInvalid = errors.New("invalid workflow")

// Parse reads a workflow file. Files ending in .json are read as JSON,
// anything else as YAML.
func Parse(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: workflow paths are user supplied by design
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var def models.WorkflowDefinition
	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, &def)
	} else {
		err = yaml.Unmarshal(data, &def)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if def.Name == "" {
		def.Name = baseName(path)
	}
	for name, a := range def.Agents {
		if a.Name == "" {
			a.Name = name
		}
	}
	return &def, nil
}

// LoadAll loads every workflow file in dirs keyed by workflow name. Earlier
// directories win on name clashes; missing directories are skipped.
func LoadAll(dirs []string) (map[string]*models.WorkflowDefinition, map[string]string, error) {
	defs := make(map[string]*models.WorkflowDefinition)
	paths := make(map[string]string)

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !isWorkflowFile(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			def, err := Parse(path)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			if _, seen := defs[def.Name]; seen {
				continue
			}
			defs[def.Name] = def
			paths[def.Name] = path
		}
	}
	return defs, paths, nil
}

// Find resolves ref as a file path, or as a workflow name within dirs.
func Find(ref string, dirs []string) (*models.WorkflowDefinition, string, error) {
	if _, err := os.Stat(ref); err == nil {
		def, err := Parse(ref)
		return def, ref, err
	}
	defs, paths, err := LoadAll(dirs)
	if err != nil {
		return nil, "", err
	}
	def, ok := defs[ref]
	if !ok {
		return nil, "", fmt.Errorf("workflow %q not found", ref)
	}
	return def, paths[ref], nil
}

// Names returns workflow names in sorted order.
func Names(defs map[string]*models.WorkflowDefinition) []string {
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func Validate(def *models.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: workflow must have a name", ErrInvalid)
	}
	if len(def.States) == 0 {
		return fmt.Errorf("%w: workflow %q defines no states", ErrInvalid, def.Name)
	}
	if def.Initial == "" {
		return fmt.Errorf("%w: workflow %q must have an initial state", ErrInvalid, def.Name)
	}
	if _, ok := def.States[def.Initial]; !ok {
		return fmt.Errorf("%w: initial state %q not found in states", ErrInvalid, def.Initial)
	}

	for name, s := range def.States {
		if s == nil {
			return fmt.Errorf("%w: state %q is empty", ErrInvalid, name)
		}
		seen := make(map[string]bool, len(s.Next))
		for _, n := range s.Next {
			if _, ok := def.States[n]; !ok {
				return fmt.Errorf("%w: state %q lists unknown next state %q", ErrInvalid, name, n)
			}
			if seen[n] {
				return fmt.Errorf("%w: state %q lists next state %q twice", ErrInvalid, name, n)
			}
			seen[n] = true
		}
		switch s.ApprovalMode {
		case "", models.ApprovalPre, models.ApprovalPost:
		default:
			return fmt.Errorf("%w: state %q has unknown approval_mode %q", ErrInvalid, name, s.ApprovalMode)
		}
		if s.TimeoutMinutes < 0 {
			return fmt.Errorf("%w: state %q has a negative timeout", ErrInvalid, name)
		}
	}
	return nil
}

func isWorkflowFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
