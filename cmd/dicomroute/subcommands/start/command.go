// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package start implements 'dicomroute start'.
package start

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dicomroute/dicomroute/cmd/dicomroute/command"
	"github.com/dicomroute/dicomroute/pkg/config"
	"github.com/dicomroute/dicomroute/pkg/engine"
)

// Commands returns the start subcommand.
func Commands(global *command.GlobalParams) []*cobra.Command {
	var only []string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the routing appliance",
		Long:  `Starts every enabled route's C-STORE listener and runs until SIGINT or SIGTERM.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(global, only)
		},
	}
	startCmd.Flags().StringSliceVar(&only, "routes", nil, "start only these route AE titles")
	return []*cobra.Command{startCmd}
}

func run(global *command.GlobalParams, only []string) error {
	cfg, err := command.BootstrapConfig(global)
	if err != nil {
		return err
	}
	if len(only) > 0 {
		if err := restrictRoutes(cfg, only); err != nil {
			return err
		}
	}
	e, err := engine.New(cfg)
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.WithField("signal", s.String()).Info("shutting down")
	e.Stop()
	return nil
}

// restrictRoutes disables every route not named in only.
func restrictRoutes(cfg *config.Config, only []string) error {
	wanted := make(map[string]bool, len(only))
	for _, ae := range only {
		if _, ok := cfg.RouteByAE(ae); !ok {
			return command.Usagef("route %s is not configured", ae)
		}
		wanted[ae] = true
	}
	off := false
	for i := range cfg.Routes {
		if !wanted[cfg.Routes[i].AETitle] {
			cfg.Routes[i].Enabled = &off
		}
	}
	return nil
}
