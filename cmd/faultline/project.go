package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thebtf/faultline/internal/db/gorm"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects and their API keys",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project and print its API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		p, err := gorm.NewProjectStore(store).CreateProject(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "id:      %s\nname:    %s\napi key: %s\n", p.ID, p.Name, p.APIKey)
		return nil
	},
}

var projectRotateCmd = &cobra.Command{
	Use:   "rotate-key <project-id>",
	Short: "Replace a project's API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		key, err := gorm.NewProjectStore(store).RotateAPIKey(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	projectCmd.AddCommand(projectCreateCmd, projectRotateCmd)
}
