package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runmux/runmux/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default runmux.json configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}

		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}

		cfg := config.GenerateDefault()
		if err := cfg.SaveToFile(path); err != nil {
			return err
		}

		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}
