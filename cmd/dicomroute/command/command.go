// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package command holds the shared scaffolding of the dicomroute command:
// global flags, the root command factory, and config bootstrapping used by
// every subcommand.
package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/logsetup"
)

const defaultConfPath = "/etc/dicomroute/dicomroute.yaml"

// GlobalParams are the flags shared by all subcommands.
type GlobalParams struct {
	ConfFilePath string
}

// SubcommandFactory builds one subcommand family from the global params.
type SubcommandFactory func(*GlobalParams) []*cobra.Command

// UsageError marks configuration and usage problems so the process can exit
// with status 1 instead of the runtime-failure status 2.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// Usagef builds a UsageError from a format string.
func Usagef(format string, args ...interface{}) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// BootstrapConfig loads and validates the configuration and applies its
// logging settings. Every subcommand that touches the appliance state goes
// through here.
func BootstrapConfig(global *GlobalParams) (*config.Config, error) {
	cfg, err := config.Load(global.ConfFilePath)
	if err != nil {
		return nil, &UsageError{Err: err}
	}
	if err := logsetup.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, &UsageError{Err: err}
	}
	return cfg, nil
}

// MakeCommand builds the root dicomroute command from subcommand factories.
func MakeCommand(factories []SubcommandFactory) *cobra.Command {
	global := &GlobalParams{}
	root := &cobra.Command{
		Use:   "dicomroute",
		Short: "DICOM routing appliance",
		Long: `dicomroute receives DICOM studies over C-STORE, de-identifies them per
route configuration, and forwards them to XNAT, DICOM, and filesystem
destinations with durable per-destination retry.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&global.ConfFilePath, "config", "c", defaultConfPath, "path to dicomroute.yaml")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})
	for _, factory := range factories {
		for _, cmd := range factory(global) {
			root.AddCommand(cmd)
		}
	}
	return root
}
