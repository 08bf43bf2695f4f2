// Package registry holds the agent role catalog: the built-in roles plus any
// custom roles loaded from the project context directory. The registry is
// read-only after load; reloading means rebuilding it.
package registry

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/devflow/devflow/internal/common/logger"
)

//go:embed roles.yaml
var rolesFS embed.FS

// Role is the immutable metadata bundle behind an agent role name. The
// system prompt and tool list drive how a spawned subagent behaves; the
// model and thinking tags are passed through to the spawn collaborator.
type Role struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	Tools        []string `yaml:"tools" json:"tools"`
	SystemPrompt string   `yaml:"system_prompt" json:"system_prompt"`
	Model        string   `yaml:"model" json:"model"`
	Thinking     string   `yaml:"thinking" json:"thinking"`
	Constraints  []string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// rolesConfig is the structure of roles.yaml and of custom role files.
type rolesConfig struct {
	Version string  `yaml:"version"`
	Roles   []*Role `yaml:"roles"`
}

// Registry maps role names to role definitions.
type Registry struct {
	mu     sync.RWMutex
	roles  map[string]*Role
	logger *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		roles:  make(map[string]*Role),
		logger: log,
	}
}

// LoadBuiltins registers the built-in roles from the embedded catalog.
func (r *Registry) LoadBuiltins() error {
	roles, err := builtinRoles()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range roles {
		r.roles[role.Name] = role
	}
	r.logger.Info("loaded builtin roles", zap.Int("count", len(roles)))
	return nil
}

// LoadCustomDir registers custom roles from every *.yaml file in dir. A
// custom role with a built-in name overrides the built-in. A missing
// directory is not an error; an unparseable file is skipped with a warning.
func (r *Registry) LoadCustomDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read roles dir: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isYAMLFile(name) {
			continue
		}
		path := filepath.Join(dir, name)
		roles, err := parseRoleFile(path)
		if err != nil {
			r.logger.Warn("skipping invalid role file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		for _, role := range roles {
			if role.Name == "" {
				r.logger.Warn("skipping role without a name", zap.String("path", path))
				continue
			}
			if _, exists := r.roles[role.Name]; exists {
				r.logger.Info("custom role overrides builtin",
					zap.String("role", role.Name),
					zap.String("path", path))
			} else {
				r.logger.Info("loaded custom role",
					zap.String("role", role.Name),
					zap.String("path", path))
			}
			r.roles[role.Name] = role
		}
	}
	return nil
}

// Get returns the role for a name.
func (r *Registry) Get(name string) (*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, exists := r.roles[name]
	if !exists {
		return nil, fmt.Errorf("role %q not found", name)
	}
	return role, nil
}

// Exists checks whether a role name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.roles[name]
	return exists
}

// List returns every registered role sorted by name.
func (r *Registry) List() []*Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Role, 0, len(r.roles))
	for _, role := range r.roles {
		result = append(result, role)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Names returns every registered role name sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// parseRoleFile accepts either a single role document or a rolesConfig list.
func parseRoleFile(path string) ([]*Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role file: %w", err)
	}

	var cfg rolesConfig
	if err := yaml.Unmarshal(data, &cfg); err == nil && len(cfg.Roles) > 0 {
		return cfg.Roles, nil
	}

	var role Role
	if err := yaml.Unmarshal(data, &role); err != nil {
		return nil, fmt.Errorf("failed to parse role file: %w", err)
	}
	return []*Role{&role}, nil
}

// builtinRoles parses the embedded catalog.
func builtinRoles() ([]*Role, error) {
	data, err := rolesFS.ReadFile("roles.yaml")
	if err != nil {
		return nil, fmt.Errorf("read builtin roles: %w", err)
	}

	var cfg rolesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse builtin roles: %w", err)
	}
	return cfg.Roles, nil
}
