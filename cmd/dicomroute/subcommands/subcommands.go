// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package subcommands enumerates the dicomroute subcommands.
package subcommands

import (
	"github.com/dicomroute/dicomroute/cmd/dicomroute/command"
	cmddestinations "github.com/dicomroute/dicomroute/cmd/dicomroute/subcommands/destinations"
	cmdhistory "github.com/dicomroute/dicomroute/cmd/dicomroute/subcommands/history"
	cmdimport "github.com/dicomroute/dicomroute/cmd/dicomroute/subcommands/importcmd"
	cmdroutes "github.com/dicomroute/dicomroute/cmd/dicomroute/subcommands/routes"
	cmdscripts "github.com/dicomroute/dicomroute/cmd/dicomroute/subcommands/scripts"
	cmdstart "github.com/dicomroute/dicomroute/cmd/dicomroute/subcommands/start"
	cmdstatus "github.com/dicomroute/dicomroute/cmd/dicomroute/subcommands/status"
	cmdversion "github.com/dicomroute/dicomroute/cmd/dicomroute/subcommands/version"
)

// DicomRouteSubcommands returns the factories for every subcommand.
func DicomRouteSubcommands() []command.SubcommandFactory {
	return []command.SubcommandFactory{
		cmdstart.Commands,
		cmdstatus.Commands,
		cmdroutes.Commands,
		cmddestinations.Commands,
		cmdscripts.Commands,
		cmdhistory.Commands,
		cmdimport.Commands,
		cmdversion.Commands,
	}
}
