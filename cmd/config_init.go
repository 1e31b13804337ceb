package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		const path = "config.yaml"
		if _, err := os.Stat(path); err == nil && !configForce {
			return eris.Errorf("%s already exists, use --force to overwrite", path)
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return eris.Wrap(err, "marshal config")
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return eris.Wrapf(err, "write %s", path)
		}
		fmt.Println(path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config.yaml")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
