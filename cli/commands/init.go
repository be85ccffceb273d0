package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foldstream/coreproj/cli/config"
)

// NewInitCommand scaffolds a starter coreproj.yaml in the current
// directory.
func NewInitCommand() *cobra.Command {
	var projectionName string
	var driver string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter coreproj.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}

			if config.Exists(cwd) && !force {
				return fmt.Errorf("%s already exists in %s (use --force to overwrite)", config.ConfigFileName, cwd)
			}

			cfg := config.DefaultConfig()
			if projectionName != "" {
				cfg.Projection.Name = projectionName
			}
			if driver != "" {
				cfg.EventLog.Driver = driver
			}

			yaml := config.GenerateYAML(cfg)
			path := filepath.Join(cwd, config.ConfigFileName)
			if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
				return err
			}

			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectionName, "name", "", "projection name")
	cmd.Flags().StringVar(&driver, "driver", "", "event log driver (memory, postgres, kafka)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
