// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package history implements 'dicomroute history'.
package history

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dicomroute/dicomroute/cmd/dicomroute/command"
	"github.com/dicomroute/dicomroute/pkg/transfer"
)

type cliParams struct {
	aeTitle string
	date    string
}

// Commands returns the history subcommand.
func Commands(global *command.GlobalParams) []*cobra.Command {
	params := &cliParams{}
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show transfer history",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(global, params)
		},
	}
	historyCmd.Flags().StringVar(&params.aeTitle, "ae-title", "", "only transfers for this route")
	historyCmd.Flags().StringVar(&params.date, "date", "", "only transfers received on this day (YYYY-MM-DD)")
	return []*cobra.Command{historyCmd}
}

// StatusString renders a transfer status with terminal colors.
func StatusString(s transfer.TransferStatus) string {
	switch s {
	case transfer.StatusCompleted:
		return color.GreenString(string(s))
	case transfer.StatusPartial:
		return color.YellowString(string(s))
	case transfer.StatusFailed:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

func run(global *command.GlobalParams, params *cliParams) error {
	cfg, err := command.BootstrapConfig(global)
	if err != nil {
		return err
	}
	filter := transfer.Filter{RouteAE: params.aeTitle}
	if params.date != "" {
		day, err := time.Parse("2006-01-02", params.date)
		if err != nil {
			return command.Usagef("invalid --date %q, want YYYY-MM-DD", params.date)
		}
		filter.Date = day
	}

	store := transfer.NewStore(filepath.Join(cfg.Receiver.BaseDir, "transfers.json"))
	store.Load()
	records := store.List(filter)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Received", "Route", "Study UID", "From", "Files", "Size", "Status", "Destinations"})
	for _, rec := range records {
		table.Append([]string{
			rec.ReceivedAt.Local().Format("2006-01-02 15:04:05"),
			rec.RouteAE,
			rec.StudyUID,
			rec.CallingAE,
			strconv.Itoa(rec.FileCount),
			humanize.Bytes(uint64(rec.TotalBytes)),
			StatusString(rec.Status),
			destSummary(rec),
		})
	}
	table.Render()
	return nil
}

func destSummary(rec transfer.Record) string {
	ok := 0
	for _, d := range rec.Destinations {
		if d.Status == transfer.DestSuccess {
			ok++
		}
	}
	return strconv.Itoa(ok) + "/" + strconv.Itoa(len(rec.Destinations))
}
