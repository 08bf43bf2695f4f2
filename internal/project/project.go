// Package project manages the project context directory: the well-known
// tree holding project metadata, coding rules, an architecture note, and
// custom agent role definitions. The orchestrator and role registry read it
// at startup; nothing in devflow writes it after init.
package project

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultDirName is the context directory created under a project root.
const DefaultDirName = ".devflow"

const (
	contextFile      = "context.yaml"
	rulesFile        = "rules.yaml"
	architectureFile = "architecture.md"
	agentsDirName    = "agents"
)

// Metadata is the parsed content of context.yaml.
type Metadata struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Version      string   `yaml:"version"`
	Repositories []string `yaml:"repositories,omitempty"`
}

// Rules is the parsed content of rules.yaml.
type Rules struct {
	Standards  []string `yaml:"standards"`
	Forbidden  []string `yaml:"forbidden,omitempty"`
	TestPolicy string   `yaml:"test_policy,omitempty"`
}

// Context aggregates everything loaded from the context directory.
type Context struct {
	Dir          string
	Metadata     *Metadata
	Rules        *Rules
	Architecture string
}

// ContextStatus reports which entries of the context tree exist.
type ContextStatus struct {
	Dir          string `json:"dir"`
	Exists       bool   `json:"exists"`
	ContextFile  bool   `json:"context_file"`
	RulesFile    bool   `json:"rules_file"`
	Architecture bool   `json:"architecture_file"`
	AgentsDir    bool   `json:"agents_dir"`
}

// Complete reports whether every entry of the tree exists.
func (s *ContextStatus) Complete() bool {
	return s.Exists && s.ContextFile && s.RulesFile && s.Architecture && s.AgentsDir
}

// Dir returns the context directory under a project root. An empty dirName
// selects the default.
func Dir(root, dirName string) string {
	if dirName == "" {
		dirName = DefaultDirName
	}
	return filepath.Join(root, dirName)
}

// AgentsDir returns the custom role directory inside the context tree.
func AgentsDir(root, dirName string) string {
	return filepath.Join(Dir(root, dirName), agentsDirName)
}

// Init creates the context tree with starter files. Existing files are left
// untouched, so init is safe to run on an already initialized project.
func Init(root, dirName string) error {
	dir := Dir(root, dirName)
	if err := os.MkdirAll(filepath.Join(dir, agentsDirName), 0o755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}

	projectName := filepath.Base(absOrClean(root))
	starters := map[string]string{
		contextFile:      starterContext(projectName),
		rulesFile:        starterRules,
		architectureFile: starterArchitecture,
	}
	for name, content := range starters {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

// Status reports the existence of each context tree entry.
func Status(root, dirName string) (*ContextStatus, error) {
	dir := Dir(root, dirName)
	status := &ContextStatus{Dir: dir}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return status, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat context directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s exists but is not a directory", dir)
	}
	status.Exists = true

	status.ContextFile = fileExists(filepath.Join(dir, contextFile))
	status.RulesFile = fileExists(filepath.Join(dir, rulesFile))
	status.Architecture = fileExists(filepath.Join(dir, architectureFile))
	status.AgentsDir = dirExists(filepath.Join(dir, agentsDirName))
	return status, nil
}

// Load parses the context tree. Missing files yield zero values rather than
// errors so a partially initialized project still loads; a file that exists
// but does not parse is an error.
func Load(root, dirName string) (*Context, error) {
	dir := Dir(root, dirName)
	ctx := &Context{Dir: dir, Metadata: &Metadata{}, Rules: &Rules{}}

	if data, err := os.ReadFile(filepath.Join(dir, contextFile)); err == nil {
		if err := yaml.Unmarshal(data, ctx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", contextFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", contextFile, err)
	}

	if data, err := os.ReadFile(filepath.Join(dir, rulesFile)); err == nil {
		if err := yaml.Unmarshal(data, ctx.Rules); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", rulesFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", rulesFile, err)
	}

	if data, err := os.ReadFile(filepath.Join(dir, architectureFile)); err == nil {
		ctx.Architecture = string(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", architectureFile, err)
	}

	return ctx, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func absOrClean(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.Clean(root)
	}
	return abs
}

func starterContext(name string) string {
	return fmt.Sprintf(`name: %s
description: ""
version: "1"
`, name)
}

const starterRules = `standards:
  - Keep functions focused and small.
  - Every exported symbol carries a doc comment.
test_policy: Every change ships with tests for its observable behavior.
`

const starterArchitecture = `# Architecture

Describe the system's components and their boundaries here. Agents read
this file for orientation before working on a task.
`
