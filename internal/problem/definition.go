package problem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/autograder/internal/response"
)

// Definition is the declarative form of a problem: its scripts and its
// responses in declared order.
type Definition struct {
	ID        string                `yaml:"id" json:"id"`
	Title     string                `yaml:"title,omitempty" json:"title,omitempty"`
	Scripts   []string              `yaml:"scripts,omitempty" json:"scripts,omitempty"`
	Responses []response.Definition `yaml:"responses" json:"responses"`
}

// AnswerIDs returns every answer id in declared order.
func (d *Definition) AnswerIDs() []string {
	var ids []string
	for _, r := range d.Responses {
		ids = append(ids, r.IDs...)
	}
	return ids
}

// Validate checks the parts of a definition that do not need a script
// runtime.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("problem has no id")
	}
	if len(d.Responses) == 0 {
		return fmt.Errorf("problem %s has no responses", d.ID)
	}
	seen := make(map[string]bool)
	for i, r := range d.Responses {
		if len(r.IDs) == 0 {
			return fmt.Errorf("problem %s: response %d has no answer ids", d.ID, i)
		}
		for _, id := range r.IDs {
			if seen[id] {
				return fmt.Errorf("problem %s: answer id %q is owned by more than one response", d.ID, id)
			}
			seen[id] = true
		}
	}
	return nil
}

// ParseDefinition decodes a definition. format is "yaml" or "json".
func ParseDefinition(data []byte, format string) (*Definition, error) {
	var def Definition
	switch format {
	case "json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse problem json: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse problem yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown problem format %q", format)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads a .yaml, .yml or .json problem file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read problem: %w", err)
	}
	def, err := ParseDefinition(data, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// IsDefinitionFile reports whether path has a problem file extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadDir reads every problem file in dir, sorted by file name.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read problem dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var defs []*Definition
	ids := make(map[string]string)
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := LoadDefinition(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := ids[def.ID]; ok {
			return nil, fmt.Errorf("problem %s defined in both %s and %s", def.ID, prev, name)
		}
		ids[def.ID] = name
		defs = append(defs, def)
	}
	return defs, nil
}
