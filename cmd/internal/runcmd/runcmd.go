// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package runcmd executes the root command and maps errors to exit codes:
// 0 success, 1 configuration or usage problem, 2 runtime failure.
package runcmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dicomroute/dicomroute/cmd/dicomroute/command"
)

// Run executes cmd and returns the process exit code.
func Run(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
	var usage *command.UsageError
	if errors.As(err, &usage) {
		return 1
	}
	return 2
}
