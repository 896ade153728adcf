// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package destinations implements 'dicomroute destinations'.
package destinations

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dicomroute/dicomroute/cmd/dicomroute/command"
	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/engine"
)

// Commands returns the destinations subcommand tree.
func Commands(global *command.GlobalParams) []*cobra.Command {
	destCmd := &cobra.Command{
		Use:   "destinations",
		Short: "Inspect and probe configured destinations",
	}
	destCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all destinations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := command.BootstrapConfig(global)
			if err != nil {
				return err
			}
			return list(cfg)
		},
	})
	destCmd.AddCommand(&cobra.Command{
		Use:   "test NAME",
		Short: "Probe one destination's availability",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := command.BootstrapConfig(global)
			if err != nil {
				return err
			}
			return test(cfg, args[0])
		},
	})
	return []*cobra.Command{destCmd}
}

func endpoint(d *config.DestinationSpec) string {
	switch d.Type {
	case config.DestinationXNAT:
		return d.URL
	case config.DestinationDICOM:
		return fmt.Sprintf("%s@%s:%d", d.CalledAE, d.Host, d.Port)
	case config.DestinationFile:
		return d.Path
	}
	return "-"
}

func list(cfg *config.Config) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Type", "Endpoint", "Timeout"})
	for i := range cfg.Destinations {
		d := &cfg.Destinations[i]
		table.Append([]string{d.Name, d.Type, endpoint(d), strconv.Itoa(d.TimeoutSeconds) + "s"})
	}
	table.Render()
	return nil
}

func test(cfg *config.Config, name string) error {
	spec, ok := cfg.DestinationByName(name)
	if !ok {
		return command.Usagef("destination %s is not configured", name)
	}
	client, err := engine.BuildClient(*spec)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), spec.Timeout())
	defer cancel()
	start := time.Now()
	if err := client.Probe(ctx); err != nil {
		fmt.Printf("%s %s: %v\n", color.RedString("UNAVAILABLE"), name, err)
		return fmt.Errorf("destination %s is unavailable", name)
	}
	fmt.Printf("%s %s (%s, %s)\n", color.GreenString("OK"), name, endpoint(spec), time.Since(start).Round(time.Millisecond))
	return nil
}
