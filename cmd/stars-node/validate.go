package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/stars/internal/config"
)

func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a node configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file to validate")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runValidate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Printf("%s: valid\n", configPath)
	return nil
}
