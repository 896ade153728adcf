// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package scripts implements 'dicomroute scripts'.
package scripts

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dicomroute/dicomroute/cmd/dicomroute/command"
	"github.com/dicomroute/dicomroute/pkg/anonymize"
	"github.com/dicomroute/dicomroute/pkg/config"
)

// Commands returns the scripts subcommand tree.
func Commands(global *command.GlobalParams) []*cobra.Command {
	scriptsCmd := &cobra.Command{
		Use:   "scripts",
		Short: "Inspect anonymization scripts",
	}
	scriptsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available scripts (built-in and on disk)",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := command.BootstrapConfig(global)
			if err != nil {
				return err
			}
			names, err := store(cfg).List()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	})
	scriptsCmd.AddCommand(&cobra.Command{
		Use:   "show NAME",
		Short: "Print one script's source",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := command.BootstrapConfig(global)
			if err != nil {
				return err
			}
			text, err := store(cfg).Text(args[0])
			if err != nil {
				return command.Usagef("script %s: %v", args[0], err)
			}
			fmt.Print(text)
			return nil
		},
	})
	return []*cobra.Command{scriptsCmd}
}

func store(cfg *config.Config) *anonymize.Store {
	dir := cfg.ScriptsDir
	if dir == "" {
		dir = filepath.Join(cfg.Receiver.BaseDir, "scripts")
	}
	return anonymize.NewStore(dir)
}
