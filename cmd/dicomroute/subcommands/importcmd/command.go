// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package importcmd implements 'dicomroute import'.
package importcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dicomroute/dicomroute/cmd/dicomroute/command"
	"github.com/dicomroute/dicomroute/pkg/engine"
)

type cliParams struct {
	route     string
	recursive bool
	move      bool
}

// Commands returns the import subcommand.
func Commands(global *command.GlobalParams) []*cobra.Command {
	params := &cliParams{}
	importCmd := &cobra.Command{
		Use:   "import DIR",
		Short: "Run the full pipeline over DICOM files already on disk",
		Long: `Groups the instance files under DIR by study and runs each study through the
route's pipeline: anonymization, broker mapping, delivery, and archival. Meant
to run while the service is stopped; the route's port is bound for the
duration of the import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(global, params, args[0])
		},
	}
	importCmd.Flags().StringVar(&params.route, "route", "", "route AE title to import through (required)")
	importCmd.Flags().BoolVar(&params.recursive, "recursive", false, "descend into subdirectories")
	importCmd.Flags().BoolVar(&params.move, "move", false, "move files instead of copying")
	importCmd.MarkFlagRequired("route")
	return []*cobra.Command{importCmd}
}

func run(global *command.GlobalParams, params *cliParams, dir string) error {
	cfg, err := command.BootstrapConfig(global)
	if err != nil {
		return err
	}
	e, err := engine.New(cfg)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}
	defer e.Stop()

	imported, err := e.Import(params.route, dir, params.recursive, params.move)
	if imported > 0 {
		fmt.Printf("Imported %d studies.\n", imported)
	}
	return err
}
