// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package routes implements 'dicomroute routes'.
package routes

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dicomroute/dicomroute/cmd/dicomroute/command"
	"github.com/dicomroute/dicomroute/pkg/anonymize"
	"github.com/dicomroute/dicomroute/pkg/config"
)

// Commands returns the routes subcommand tree.
func Commands(global *command.GlobalParams) []*cobra.Command {
	routesCmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect configured routes",
	}
	routesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all routes",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := command.BootstrapConfig(global)
			if err != nil {
				return err
			}
			return list(cfg)
		},
	})
	routesCmd.AddCommand(&cobra.Command{
		Use:   "show AE_TITLE",
		Short: "Show one route's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := command.BootstrapConfig(global)
			if err != nil {
				return err
			}
			return show(cfg, args[0])
		},
	})
	return []*cobra.Command{routesCmd}
}

func enabledString(on bool) string {
	if on {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}

func list(cfg *config.Config) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"AE Title", "Port", "Workers", "Study Timeout", "Enabled", "Destinations"})
	for _, r := range cfg.Routes {
		table.Append([]string{
			r.AETitle,
			strconv.Itoa(r.Port),
			strconv.Itoa(r.WorkerThreads),
			r.StudyTimeout().String(),
			enabledString(r.IsEnabled()),
			strconv.Itoa(len(r.Destinations)),
		})
	}
	table.Render()
	return nil
}

func show(cfg *config.Config, ae string) error {
	r, ok := cfg.RouteByAE(ae)
	if !ok {
		return command.Usagef("route %s is not configured", ae)
	}
	fmt.Printf("AE title:        %s\n", r.AETitle)
	fmt.Printf("Port:            %d\n", r.Port)
	fmt.Printf("Workers:         %d\n", r.WorkerThreads)
	fmt.Printf("Max associations: %d\n", r.MaxConcurrentTransfers)
	fmt.Printf("Study timeout:   %s\n", r.StudyTimeout())
	fmt.Printf("Enabled:         %v\n", r.IsEnabled())
	if len(r.Destinations) == 0 {
		fmt.Println("No destination bindings: studies are archived only.")
		return nil
	}
	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Destination", "Priority", "Anonymize", "Script", "Broker", "Project", "Retries", "Enabled"})
	for _, b := range r.Destinations {
		broker := "-"
		if b.UseHonestBroker {
			broker = b.HonestBroker
		}
		script := "-"
		if b.Anonymize {
			script = anonymize.ResolveScriptName(b.Anonymize, b.AnonScript)
		}
		table.Append([]string{
			b.Destination,
			strconv.Itoa(b.Priority),
			fmt.Sprintf("%v", b.Anonymize),
			script,
			broker,
			b.ProjectID,
			fmt.Sprintf("%d / %ds", b.RetryCount, b.RetryDelaySeconds),
			enabledString(b.IsEnabled()),
		})
	}
	table.Render()
	return nil
}
