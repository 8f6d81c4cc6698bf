package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk shape of a static catalog file. YAML is a superset
// of JSON, so both formats decode through yaml.v3.
type Catalog struct {
	Agents []AgentDescriptor `yaml:"agents"`
	Teams  []TeamDescriptor  `yaml:"teams"`
	Skills []Skill           `yaml:"skills"`
}

// LoadCatalog reads a catalog file. A missing file yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i := range c.Skills {
		if c.Skills[i].Source == "" {
			c.Skills[i].Source = "catalog"
		}
	}
	return &c, nil
}

// Apply registers every descriptor in the catalog, in file order.
func (c *Catalog) Apply(reg *Registry) {
	for _, a := range c.Agents {
		reg.RegisterAgent(a)
	}
	for _, t := range c.Teams {
		reg.RegisterTeam(t)
	}
	for _, s := range c.Skills {
		reg.RegisterSkill(s)
	}
}

// LoadSkillsDir scans a directory for skill plugin subdirectories.
// Each subdirectory holds a skill.yaml (or skill.json) and optionally a
// prompt.md that overrides the instructions field. If dir doesn't exist,
// returns an empty slice without error.
func LoadSkillsDir(dir string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill directory %s: %w", dir, err)
	}

	var skills []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s, err := loadSkillFromSubdir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading skill %s: %w", entry.Name(), err)
		}
		if s != nil {
			skills = append(skills, *s)
		}
	}
	return skills, nil
}

func loadSkillFromSubdir(dir string) (*Skill, error) {
	var data []byte
	var found string
	for _, name := range []string{"skill.yaml", "skill.yml", "skill.json"} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			data, found = b, name
			break
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
	}
	if found == "" {
		return nil, nil
	}

	var s Skill
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s in %s: %w", found, dir, err)
	}
	if s.ID == "" {
		s.ID = filepath.Base(dir)
	}
	s.Source = "plugin"

	if prompt, err := os.ReadFile(filepath.Join(dir, "prompt.md")); err == nil {
		s.Instructions = strings.TrimSpace(string(prompt))
	}
	return &s, nil
}
