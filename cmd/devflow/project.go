package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devflow/devflow/internal/project"
)

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Create the project context directory",
		Long: `Init creates the project context tree (context.yaml, rules.yaml,
architecture.md, agents/) under the given path, defaulting to the
current directory. Existing files are left untouched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := project.Init(root, cfg.Project.ContextDir); err != nil {
				return err
			}
			fmt.Printf("Initialized project context in %s\n", project.Dir(root, cfg.Project.ContextDir))
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [path]",
		Short: "Report project context presence",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := project.Status(root, cfg.Project.ContextDir)
			if err != nil {
				return err
			}
			if !st.Exists {
				return fmt.Errorf("project context missing at %s (run devflow init)", st.Dir)
			}
			fmt.Printf("context directory: %s\n", st.Dir)
			fmt.Printf("  context.yaml     %s\n", presence(st.ContextFile))
			fmt.Printf("  rules.yaml       %s\n", presence(st.RulesFile))
			fmt.Printf("  architecture.md  %s\n", presence(st.Architecture))
			fmt.Printf("  agents/          %s\n", presence(st.AgentsDir))
			return nil
		},
	}
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "missing"
}
