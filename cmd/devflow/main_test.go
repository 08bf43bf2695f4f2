package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootCommandWiring(t *testing.T) {
	cmd := rootCmd()

	want := []string{"serve", "node", "init", "status", "version"}
	for _, name := range want {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Missing subcommand %q", name)
		}
	}
	if flag := cmd.PersistentFlags().Lookup("config"); flag == nil {
		t.Error("Missing persistent --config flag")
	}
}

func TestInitCreatesContextTree(t *testing.T) {
	root := t.TempDir()

	cmd := rootCmd()
	cmd.SetArgs([]string{"init", root})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	for _, name := range []string{"context.yaml", "rules.yaml", "architecture.md"} {
		path := filepath.Join(root, ".devflow", name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Expected %s after init: %v", name, err)
		}
	}
	if info, err := os.Stat(filepath.Join(root, ".devflow", "agents")); err != nil || !info.IsDir() {
		t.Error("Expected agents/ directory after init")
	}
}

func TestInitIsIdempotent(t *testing.T) {
	root := t.TempDir()

	first := rootCmd()
	first.SetArgs([]string{"init", root})
	if err := first.Execute(); err != nil {
		t.Fatalf("first init failed: %v", err)
	}

	marker := filepath.Join(root, ".devflow", "context.yaml")
	if err := os.WriteFile(marker, []byte("name: customized\n"), 0o644); err != nil {
		t.Fatalf("Failed to customize context.yaml: %v", err)
	}

	second := rootCmd()
	second.SetArgs([]string{"init", root})
	if err := second.Execute(); err != nil {
		t.Fatalf("second init failed: %v", err)
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("Failed to read context.yaml: %v", err)
	}
	if !strings.Contains(string(data), "customized") {
		t.Error("Re-running init overwrote an existing file")
	}
}

func TestStatusFailsBeforeInit(t *testing.T) {
	root := t.TempDir()

	cmd := rootCmd()
	cmd.SetArgs([]string{"status", root})
	err := cmd.Execute()
	if err == nil {
		t.Fatal("Expected status to fail on an uninitialized project")
	}
	if !strings.Contains(err.Error(), "project context missing") {
		t.Errorf("Unexpected status error: %v", err)
	}
}

func TestStatusSucceedsAfterInit(t *testing.T) {
	root := t.TempDir()

	initCmd := rootCmd()
	initCmd.SetArgs([]string{"init", root})
	if err := initCmd.Execute(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	statusCmd := rootCmd()
	statusCmd.SetArgs([]string{"status", root})
	if err := statusCmd.Execute(); err != nil {
		t.Errorf("status failed on an initialized project: %v", err)
	}
}
