// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package status implements 'dicomroute status'.
package status

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dicomroute/dicomroute/cmd/dicomroute/command"
	"github.com/dicomroute/dicomroute/cmd/dicomroute/subcommands/history"
	"github.com/dicomroute/dicomroute/pkg/transfer"
)

// Commands returns the status subcommand.
func Commands(global *command.GlobalParams) []*cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize appliance state",
		Long:  `Prints configured routes and destinations, transfer counts, and today's transfers.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(global)
		},
	}
	return []*cobra.Command{statusCmd}
}

func run(global *command.GlobalParams) error {
	cfg, err := command.BootstrapConfig(global)
	if err != nil {
		return err
	}
	enabled := 0
	for i := range cfg.Routes {
		if cfg.Routes[i].IsEnabled() {
			enabled++
		}
	}
	fmt.Printf("Routes:       %d configured, %d enabled\n", len(cfg.Routes), enabled)
	fmt.Printf("Destinations: %d\n", len(cfg.Destinations))
	fmt.Printf("Brokers:      %d\n", len(cfg.Brokers))
	fmt.Printf("Base dir:     %s\n", cfg.Receiver.BaseDir)
	fmt.Println()

	store := transfer.NewStore(filepath.Join(cfg.Receiver.BaseDir, "transfers.json"))
	store.Load()
	records := store.List(transfer.Filter{})
	counts := map[transfer.TransferStatus]int{}
	for _, rec := range records {
		counts[rec.Status]++
	}
	fmt.Printf("Transfers:    %d total", len(records))
	for _, s := range []transfer.TransferStatus{
		transfer.StatusCompleted, transfer.StatusPartial, transfer.StatusFailed,
		transfer.StatusForwarding, transfer.StatusProcessing, transfer.StatusReceived,
	} {
		if counts[s] > 0 {
			fmt.Printf(", %d %s", counts[s], s)
		}
	}
	fmt.Println()

	today := store.List(transfer.Filter{Date: time.Now()})
	if len(today) == 0 {
		fmt.Println("No transfers received today.")
		return nil
	}
	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Received", "Route", "Study UID", "Files", "Status"})
	for _, rec := range today {
		table.Append([]string{
			rec.ReceivedAt.Local().Format("15:04:05"),
			rec.RouteAE,
			rec.StudyUID,
			strconv.Itoa(rec.FileCount),
			history.StatusString(rec.Status),
		})
	}
	table.Render()
	return nil
}
