package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mlemrecon/pkg/config"
)

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the default configuration to --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(configPath); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", configPath)
		return nil
	},
}
