// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package main

import (
	"os"

	"github.com/dicomroute/dicomroute/cmd/dicomroute/command"
	"github.com/dicomroute/dicomroute/cmd/dicomroute/subcommands"
	"github.com/dicomroute/dicomroute/cmd/internal/runcmd"
)

func main() {
	os.Exit(runcmd.Run(command.MakeCommand(subcommands.DicomRouteSubcommands())))
}
