package registry

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/devflow/devflow/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newLoadedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(newTestLogger())
	if err := r.LoadBuiltins(); err != nil {
		t.Fatalf("LoadBuiltins failed: %v", err)
	}
	return r
}

func writeRoleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write role file: %v", err)
	}
}

func TestLoadBuiltins(t *testing.T) {
	r := newLoadedRegistry(t)

	builtins := []string{
		"code-creator",
		"code-reviewer",
		"test-generator",
		"bug-analyzer",
		"refactor-agent",
		"documentation-agent",
		"architecture-advisor",
	}
	if got := len(r.List()); got != len(builtins) {
		t.Errorf("Expected %d builtin roles, got %d", len(builtins), got)
	}
	for _, name := range builtins {
		role, err := r.Get(name)
		if err != nil {
			t.Errorf("Get(%s) failed: %v", name, err)
			continue
		}
		if role.Description == "" {
			t.Errorf("Role %s has no description", name)
		}
		if role.SystemPrompt == "" {
			t.Errorf("Role %s has no system prompt", name)
		}
		if len(role.Capabilities) == 0 {
			t.Errorf("Role %s has no capabilities", name)
		}
	}
}

func TestGetUnknownRole(t *testing.T) {
	r := newLoadedRegistry(t)

	if _, err := r.Get("no-such-role"); err == nil {
		t.Error("Expected error for unknown role")
	}
	if r.Exists("no-such-role") {
		t.Error("Expected Exists to be false for unknown role")
	}
}

func TestLoadCustomDir_OverridesBuiltin(t *testing.T) {
	r := newLoadedRegistry(t)
	dir := t.TempDir()
	writeRoleFile(t, dir, "reviewer.yaml", `
name: code-reviewer
description: Stricter in-house review profile.
capabilities: [diff-analysis]
tools: [read_file]
system_prompt: Review with the in-house checklist.
model: strict-reviewer
thinking: deep
`)

	if err := r.LoadCustomDir(dir); err != nil {
		t.Fatalf("LoadCustomDir failed: %v", err)
	}

	role, err := r.Get("code-reviewer")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if role.Model != "strict-reviewer" {
		t.Errorf("Expected custom role to override builtin, got model %q", role.Model)
	}
	// Override replaces, it does not add.
	if got := len(r.List()); got != 7 {
		t.Errorf("Expected 7 roles after override, got %d", got)
	}
}

func TestLoadCustomDir_NewRolesAndListFiles(t *testing.T) {
	r := newLoadedRegistry(t)
	dir := t.TempDir()
	writeRoleFile(t, dir, "single.yaml", `
name: security-auditor
description: Audits changes for security issues.
capabilities: [vulnerability-scanning]
tools: [read_file, search]
system_prompt: Audit the change for security regressions.
model: default-coder
thinking: deep
`)
	writeRoleFile(t, dir, "team.yml", `
version: "1"
roles:
  - name: release-manager
    description: Prepares release notes and version bumps.
    capabilities: [changelog-authoring]
    tools: [read_file, write_file]
    system_prompt: Prepare the release.
    model: default-writer
    thinking: minimal
  - name: perf-analyzer
    description: Finds performance regressions.
    capabilities: [profiling]
    tools: [read_file, shell]
    system_prompt: Profile before and after.
    model: default-coder
    thinking: deep
`)

	if err := r.LoadCustomDir(dir); err != nil {
		t.Fatalf("LoadCustomDir failed: %v", err)
	}

	for _, name := range []string{"security-auditor", "release-manager", "perf-analyzer"} {
		if !r.Exists(name) {
			t.Errorf("Expected custom role %s to be registered", name)
		}
	}
	if got := len(r.List()); got != 10 {
		t.Errorf("Expected 10 roles, got %d", got)
	}
}

func TestLoadCustomDir_MissingDirIsNotAnError(t *testing.T) {
	r := newLoadedRegistry(t)

	if err := r.LoadCustomDir(filepath.Join(t.TempDir(), "does-not-exist")); err != nil {
		t.Errorf("Expected missing dir to be a no-op, got %v", err)
	}
	if got := len(r.List()); got != 7 {
		t.Errorf("Expected builtin roles to be untouched, got %d", got)
	}
}

func TestLoadCustomDir_SkipsInvalidFiles(t *testing.T) {
	r := newLoadedRegistry(t)
	dir := t.TempDir()
	writeRoleFile(t, dir, "broken.yaml", "{{ not yaml at all")
	writeRoleFile(t, dir, "nameless.yaml", "description: role with no name\n")
	writeRoleFile(t, dir, "notes.txt", "ignored, wrong extension")
	writeRoleFile(t, dir, "good.yaml", `
name: good-role
description: Survives its broken neighbors.
capabilities: [testing]
tools: [read_file]
system_prompt: Do the thing.
model: default-coder
thinking: standard
`)

	if err := r.LoadCustomDir(dir); err != nil {
		t.Fatalf("LoadCustomDir failed: %v", err)
	}
	if !r.Exists("good-role") {
		t.Error("Expected valid role to load despite invalid siblings")
	}
	if got := len(r.List()); got != 8 {
		t.Errorf("Expected 8 roles, got %d", got)
	}
}

func TestListAndNamesSorted(t *testing.T) {
	r := newLoadedRegistry(t)

	names := r.Names()
	if !sort.StringsAreSorted(names) {
		t.Errorf("Expected Names to be sorted, got %v", names)
	}

	list := r.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Errorf("Expected List sorted by name, got %s before %s", list[i-1].Name, list[i].Name)
		}
	}
}
